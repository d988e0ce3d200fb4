package dane

import (
	"errors"
	"fmt"
	"time"
)

// TLSA RDATA prefix published for every record: certificate usage 1
// (PKIX-EE), selector 0 (full certificate), matching type 1 (SHA-256).
// See RFC 6698 section 2.1.
const (
	TLSAUsagePKIXEE      = 1
	TLSASelectorFullCert = 0
	TLSAMatchingSHA256   = 1
)

// RecordTTL is the TTL in seconds applied to every published TLSA record set.
const RecordTTL = 300

// Sentinel errors for the failure classes of a rollover run. Call sites wrap
// these with fmt.Errorf("%w: ...") so callers can branch with errors.Is.
var (
	ErrDigest    = errors.New("dane: digest computation failed")
	ErrDNSFetch  = errors.New("dane: dns record fetch failed")
	ErrDNSChange = errors.New("dane: dns change submission failed")
	ErrHook      = errors.New("dane: activation hook failed")
)

// ProtoPort is a user-configured (protocol, port) pair a certificate is
// served on, e.g. {tcp 443}.
type ProtoPort struct {
	Protocol string
	Port     string
}

// TLSARecord is one derived DNS record binding a certificate digest to a
// (protocol, port, domain) tuple. Records are never persisted; they are
// regenerated from the certificate on every run.
type TLSARecord struct {
	Name     string // owner name, _<port>._<protocol>.<domain>
	Domain   string
	Protocol string
	Port     string
	Digest   string // lowercase hex SHA-256 over the DER encoding
}

// RData returns the record's presentation-format RDATA string.
func (r TLSARecord) RData() string {
	return fmt.Sprintf("%d %d %d %s",
		TLSAUsagePKIXEE, TLSASelectorFullCert, TLSAMatchingSHA256, r.Digest)
}

// Actions recorded in the deployment history.
const (
	ActionStaged   = "staged"
	ActionPromoted = "promoted"
)

// Deployment is one history row describing a staging or promotion event.
type Deployment struct {
	ID        int64  // Primary Key (populated on insert)
	Digest    string // certificate digest the event applies to
	Action    string // ActionStaged or ActionPromoted
	Domains   string // JSON array of domains covered
	Records   int    // number of TLSA records in the change
	CreatedAt time.Time
}

// Writer defines the interface for storing deployment history records.
type Writer interface {
	// AddDeployment adds a new deployment record to the database history.
	AddDeployment(dep Deployment) error
}

// TimeFormat renders timestamps the way history rows store them.
func TimeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
