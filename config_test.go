package dane

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
live_cert_dir = "/etc/letsencrypt/live/example.com"
active_cert_dir = "/var/lib/dane/active"
dns_provider = "clouddns"

[dns_providers.clouddns]
project = "my-project"
zone = "example-zone"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultProtoPorts, cfg.ProtoPorts)
	assert.Equal(t, DefaultRolloverPeriodSeconds, cfg.RolloverPeriodSeconds)
	assert.Equal(t, 24*time.Hour, cfg.RolloverPeriod())
}

func TestValidateErrors(t *testing.T) {
	base := func() *Config {
		return &Config{
			LiveCertDir:           "/live",
			ActiveCertDir:         "/active",
			ProtoPorts:            "tcp:443",
			RolloverPeriodSeconds: 86400,
			DNSProvider:           "cloudflare",
			DNSProviders: map[string]DNSProviderConfig{
				"cloudflare": {APIToken: "tok", ZoneID: "zone"},
			},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing live dir", func(c *Config) { c.LiveCertDir = "" }},
		{"missing active dir", func(c *Config) { c.ActiveCertDir = "" }},
		{"missing provider", func(c *Config) { c.DNSProvider = "" }},
		{"unknown provider", func(c *Config) { c.DNSProvider = "route53" }},
		{"provider without entry", func(c *Config) { c.DNSProviders = nil }},
		{"cloudflare without token", func(c *Config) {
			c.DNSProviders["cloudflare"] = DNSProviderConfig{ZoneID: "zone"}
		}},
		{"clouddns without project", func(c *Config) {
			c.DNSProvider = "clouddns"
			c.DNSProviders["clouddns"] = DNSProviderConfig{Zone: "z"}
		}},
		{"bad proto ports", func(c *Config) { c.ProtoPorts = "tcp" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

func TestParseProtoPorts(t *testing.T) {
	pps, err := ParseProtoPorts("tcp:443, tcp:8443 ,udp:853")
	require.NoError(t, err)
	assert.Equal(t, []ProtoPort{
		{Protocol: "tcp", Port: "443"},
		{Protocol: "tcp", Port: "8443"},
		{Protocol: "udp", Port: "853"},
	}, pps)

	_, err = ParseProtoPorts("")
	assert.Error(t, err)
	_, err = ParseProtoPorts("tcp443")
	assert.Error(t, err)
	_, err = ParseProtoPorts(":443")
	assert.Error(t, err)
}
