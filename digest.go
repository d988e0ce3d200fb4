package dane

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Digester computes the TLSA association digest for a PEM certificate file:
// lowercase hex SHA-256 over the DER encoding.
type Digester interface {
	Digest(ctx context.Context, certPath string) (string, error)
}

// OpenSSLDigester delegates digest computation to the openssl toolchain,
// piping `openssl x509 -outform der` into `openssl dgst -sha256`. No
// retries; any failure aborts the current run.
type OpenSSLDigester struct {
	Binary string // openssl binary, defaults to "openssl"
}

func (d *OpenSSLDigester) binary() string {
	if d.Binary == "" {
		return "openssl"
	}
	return d.Binary
}

func (d *OpenSSLDigester) Digest(ctx context.Context, certPath string) (string, error) {
	encode := exec.CommandContext(ctx, d.binary(), "x509", "-in", certPath, "-outform", "der")
	hash := exec.CommandContext(ctx, d.binary(), "dgst", "-sha256", "-hex")

	pipe, err := encode.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%w: pipe setup: %v", ErrDigest, err)
	}
	hash.Stdin = pipe

	var out, encodeStderr bytes.Buffer
	hash.Stdout = &out
	encode.Stderr = &encodeStderr

	if err := encode.Start(); err != nil {
		return "", fmt.Errorf("%w: starting %s x509: %v", ErrDigest, d.binary(), err)
	}
	if err := hash.Start(); err != nil {
		_ = encode.Wait()
		return "", fmt.Errorf("%w: starting %s dgst: %v", ErrDigest, d.binary(), err)
	}
	if err := hash.Wait(); err != nil {
		_ = encode.Wait()
		return "", fmt.Errorf("%w: %s dgst: %v", ErrDigest, d.binary(), err)
	}
	if err := encode.Wait(); err != nil {
		return "", fmt.Errorf("%w: %s x509 on %s: %v (%s)",
			ErrDigest, d.binary(), certPath, err, strings.TrimSpace(encodeStderr.String()))
	}

	digest, err := parseDigestOutput(out.Bytes())
	if err != nil {
		return "", err
	}
	return digest, nil
}

var hexDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// parseDigestOutput extracts the hex digest from openssl dgst output, which
// looks like "SHA2-256(stdin)= <hex>" (or just the bare hex with -r style
// variants), and normalizes it to lowercase.
func parseDigestOutput(out []byte) (string, error) {
	s := strings.TrimSpace(string(out))
	if i := strings.LastIndex(s, "="); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ToLower(strings.TrimSpace(s))
	// "-r" style output puts the digest first, then the file name.
	if fields := strings.Fields(s); len(fields) > 0 {
		s = fields[0]
	}
	if !hexDigestRe.MatchString(s) {
		return "", fmt.Errorf("%w: unparsable dgst output %q", ErrDigest, strings.TrimSpace(string(out)))
	}
	return s, nil
}
