// Package clouddns implements the dane.Provider interface against the
// Google Cloud DNS managed-zone API. Record sets are addressed by a
// project and zone identity; a dane.Change maps one-to-one onto a Cloud
// DNS Change, which the service applies atomically.
package clouddns

import (
	"context"
	"fmt"
	"strings"

	dane "github.com/caasmo/restinpieces-dane"
	clouddns "google.golang.org/api/dns/v1"
)

type Provider struct {
	svc     *clouddns.Service
	project string
	zone    string
}

// New creates a provider using application default credentials. Timeouts
// and retries are the client library's concern, not ours.
func New(ctx context.Context, project, zone string) (*Provider, error) {
	svc, err := clouddns.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("clouddns: failed to create service client: %w", err)
	}
	return NewWithService(svc, project, zone), nil
}

// NewWithService wires an already-constructed service client, e.g. one
// pointed at a test endpoint.
func NewWithService(svc *clouddns.Service, project, zone string) *Provider {
	if svc == nil {
		panic("clouddns.NewWithService: received nil service")
	}
	return &Provider{svc: svc, project: project, zone: zone}
}

func (p *Provider) GetRecordSet(ctx context.Context, name, rtype string) (*dane.RecordSet, error) {
	resp, err := p.svc.ResourceRecordSets.List(p.project, p.zone).
		Name(fqdn(name)).Type(rtype).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("clouddns: list %s %s: %w", rtype, name, err)
	}
	if len(resp.Rrsets) == 0 {
		return nil, nil
	}
	rs := resp.Rrsets[0]
	return &dane.RecordSet{
		Name:    strings.TrimSuffix(rs.Name, "."),
		Type:    rs.Type,
		TTL:     rs.Ttl,
		Rrdatas: rs.Rrdatas,
	}, nil
}

func (p *Provider) ApplyChange(ctx context.Context, change *dane.Change) error {
	gchange := &clouddns.Change{}
	for _, rs := range change.Additions {
		gchange.Additions = append(gchange.Additions, toRrset(rs))
	}
	for _, rs := range change.Deletions {
		gchange.Deletions = append(gchange.Deletions, toRrset(rs))
	}
	if _, err := p.svc.Changes.Create(p.project, p.zone, gchange).Context(ctx).Do(); err != nil {
		return fmt.Errorf("clouddns: change create in %s/%s: %w", p.project, p.zone, err)
	}
	return nil
}

func toRrset(rs dane.RecordSet) *clouddns.ResourceRecordSet {
	return &clouddns.ResourceRecordSet{
		Name:    fqdn(rs.Name),
		Type:    rs.Type,
		Ttl:     rs.TTL,
		Rrdatas: rs.Rrdatas,
	}
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
