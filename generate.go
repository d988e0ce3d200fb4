package dane

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Generate derives the full TLSA record set for a certificate digest: the
// Cartesian product of altNames and protoPorts, domain-major order, one
// record per pair, all carrying the same digest. Empty inputs yield an
// empty list; callers treat that as a no-op, not an error.
func Generate(altNames []string, protoPorts []ProtoPort, digest string) []TLSARecord {
	records := make([]TLSARecord, 0, len(altNames)*len(protoPorts))
	for _, domain := range altNames {
		for _, pp := range protoPorts {
			records = append(records, TLSARecord{
				Name:     fmt.Sprintf("_%s._%s.%s", pp.Port, pp.Protocol, domain),
				Domain:   domain,
				Protocol: pp.Protocol,
				Port:     pp.Port,
				Digest:   digest,
			})
		}
	}
	return records
}

// CertAltNames extracts the DNS alternative names from a PEM certificate.
// Certificates without SANs fall back to the subject common name so a
// legacy cert still publishes one record per proto:port pair.
func CertAltNames(pemBytes []byte) ([]string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("dane: no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dane: failed to parse certificate: %w", err)
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames, nil
	}
	if cn := cert.Subject.CommonName; cn != "" {
		return []string{cn}, nil
	}
	return nil, nil
}
