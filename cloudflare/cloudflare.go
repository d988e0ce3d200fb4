// Package cloudflare implements the dane.Provider interface on top of the
// Cloudflare API. Cloudflare models each RDATA value as an individual
// record rather than as a record set, so the adapter presents grouped
// record sets on read and emulates the delete+add replace on write. New
// values are created before stale ones are removed, so the dual-publication
// guarantee holds even though Cloudflare applies the steps one by one.
package cloudflare

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	dane "github.com/caasmo/restinpieces-dane"
	cf "github.com/cloudflare/cloudflare-go"
)

type Provider struct {
	api  *cf.API
	zone *cf.ResourceContainer
}

func New(apiToken, zoneID string) (*Provider, error) {
	api, err := cf.NewWithAPIToken(apiToken)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: failed to create API client: %w", err)
	}
	return &Provider{api: api, zone: cf.ZoneIdentifier(zoneID)}, nil
}

func (p *Provider) GetRecordSet(ctx context.Context, name, rtype string) (*dane.RecordSet, error) {
	recs, err := p.list(ctx, name, rtype)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	rs := &dane.RecordSet{Name: name, Type: rtype, TTL: int64(recs[0].TTL)}
	for _, rec := range recs {
		rs.Rrdatas = append(rs.Rrdatas, recordContent(rec))
	}
	return rs, nil
}

func (p *Provider) ApplyChange(ctx context.Context, change *dane.Change) error {
	desired := make(map[string]map[string]bool)
	for _, rs := range change.Additions {
		values := desired[rs.Name]
		if values == nil {
			values = make(map[string]bool)
			desired[rs.Name] = values
		}
		for _, data := range rs.Rrdatas {
			values[data] = true
		}
	}

	for _, rs := range change.Additions {
		existing, err := p.list(ctx, rs.Name, rs.Type)
		if err != nil {
			return err
		}
		have := make(map[string]bool, len(existing))
		for _, rec := range existing {
			have[recordContent(rec)] = true
		}
		for _, data := range rs.Rrdatas {
			if have[data] {
				continue
			}
			if err := p.create(ctx, rs, data); err != nil {
				return err
			}
		}
	}

	for _, rs := range change.Deletions {
		existing, err := p.list(ctx, rs.Name, rs.Type)
		if err != nil {
			return err
		}
		old := make(map[string]bool, len(rs.Rrdatas))
		for _, data := range rs.Rrdatas {
			old[data] = true
		}
		for _, rec := range existing {
			content := recordContent(rec)
			if !old[content] || desired[rs.Name][content] {
				continue
			}
			if err := p.api.DeleteDNSRecord(ctx, p.zone, rec.ID); err != nil {
				return fmt.Errorf("cloudflare: delete %s value %q: %w", rs.Name, content, err)
			}
		}
	}
	return nil
}

func (p *Provider) list(ctx context.Context, name, rtype string) ([]cf.DNSRecord, error) {
	recs, _, err := p.api.ListDNSRecords(ctx, p.zone, cf.ListDNSRecordsParams{
		Type: rtype,
		Name: name,
	})
	if err != nil {
		return nil, fmt.Errorf("cloudflare: list %s %s: %w", rtype, name, err)
	}
	return recs, nil
}

func (p *Provider) create(ctx context.Context, rs dane.RecordSet, data string) error {
	usage, selector, matching, cert, err := splitTLSAData(data)
	if err != nil {
		return err
	}
	ttl := int(rs.TTL)
	if ttl <= 0 {
		ttl = 1 // Cloudflare "automatic"
	}
	_, err = p.api.CreateDNSRecord(ctx, p.zone, cf.CreateDNSRecordParams{
		Type: rs.Type,
		Name: rs.Name,
		TTL:  ttl,
		Data: map[string]interface{}{
			"usage":         usage,
			"selector":      selector,
			"matching_type": matching,
			"certificate":   cert,
		},
	})
	if err != nil {
		return fmt.Errorf("cloudflare: create %s value %q: %w", rs.Name, data, err)
	}
	return nil
}

// recordContent renders a record's value in the presentation format the
// planners compare against, regardless of how the API populated it.
func recordContent(rec cf.DNSRecord) string {
	if rec.Content != "" {
		return strings.ToLower(strings.TrimSpace(rec.Content))
	}
	data, ok := rec.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	return strings.ToLower(fmt.Sprintf("%v %v %v %v",
		data["usage"], data["selector"], data["matching_type"], data["certificate"]))
}

func splitTLSAData(data string) (usage, selector, matching int, cert string, err error) {
	fields := strings.Fields(data)
	if len(fields) != 4 {
		return 0, 0, 0, "", fmt.Errorf("cloudflare: malformed TLSA rdata %q", data)
	}
	nums := make([]int, 3)
	for i := 0; i < 3; i++ {
		nums[i], err = strconv.Atoi(fields[i])
		if err != nil {
			return 0, 0, 0, "", fmt.Errorf("cloudflare: malformed TLSA rdata %q: %w", data, err)
		}
	}
	return nums[0], nums[1], nums[2], fields[3], nil
}
