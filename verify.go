package dane

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Verifier checks that generated TLSA records are actually served by a
// resolver, for operator verification after staging or promotion. It is
// read-only and independent of the DNS provider's management API.
type Verifier struct {
	server string
	client *dns.Client
	logger *slog.Logger
}

// NewVerifier creates a verifier querying the given resolver address. A
// bare host gets port 53 appended.
func NewVerifier(server string, logger *slog.Logger) *Verifier {
	if logger == nil {
		panic("NewVerifier: received nil logger")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Verifier{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
		logger: logger.With("component", "verifier"),
	}
}

// Verify queries the resolver for every record and reports the owner names
// that do not serve the expected "1 0 1 <digest>" association. It returns
// an error listing all missing names, or nil when everything is published.
func (v *Verifier) Verify(ctx context.Context, records []TLSARecord) error {
	var missing []string
	for _, rec := range records {
		ok, err := v.lookup(ctx, rec)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDNSFetch, rec.Name, err)
		}
		if ok {
			v.logger.Info("TLSA record published", "name", rec.Name)
		} else {
			v.logger.Warn("TLSA record missing or stale", "name", rec.Name, "digest", rec.Digest)
			missing = append(missing, rec.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("dane: %d of %d TLSA records not published: %s",
			len(missing), len(records), strings.Join(missing, ", "))
	}
	return nil
}

func (v *Verifier) lookup(ctx context.Context, rec TLSARecord) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(rec.Name), dns.TypeTLSA)
	resp, _, err := v.client.ExchangeContext(ctx, m, v.server)
	if err != nil {
		return false, err
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return false, fmt.Errorf("resolver returned %s", dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		tlsa, ok := rr.(*dns.TLSA)
		if !ok {
			continue
		}
		if tlsa.Usage == TLSAUsagePKIXEE &&
			tlsa.Selector == TLSASelectorFullCert &&
			tlsa.MatchingType == TLSAMatchingSHA256 &&
			strings.EqualFold(tlsa.Certificate, rec.Digest) {
			return true, nil
		}
	}
	return false, nil
}
