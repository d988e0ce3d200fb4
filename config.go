package dane

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DNSProviderCloudDNS   = "clouddns"
	DNSProviderCloudflare = "cloudflare"

	DefaultProtoPorts            = "tcp:443"
	DefaultRolloverPeriodSeconds = 86400
)

// DNSProviderConfig holds the credentials/identity for one named DNS
// provider. Only the fields relevant to the selected provider are used.
type DNSProviderConfig struct {
	Project  string `toml:"project" comment:"Cloud DNS project ID"`
	Zone     string `toml:"zone" comment:"Cloud DNS managed zone name"`
	APIToken string `toml:"api_token" comment:"Cloudflare API token (set via env)"`
	ZoneID   string `toml:"zone_id" comment:"Cloudflare zone ID"`
}

// Config holds the configuration for TLSA record management and rollover.
type Config struct {
	LiveCertDir           string                       `toml:"live_cert_dir" comment:"Directory with the current cert.pem/chain.pem/fullchain.pem/privkey.pem bundle"`
	ActiveCertDir         string                       `toml:"active_cert_dir" comment:"Directory holding the active-cert mirror and deployment markers"`
	ProtoPorts            string                       `toml:"proto_ports" comment:"Comma-separated proto:port pairs the certificate serves (e.g. 'tcp:443,tcp:8443')"`
	RolloverPeriodSeconds int                          `toml:"rollover_period_seconds" comment:"Grace period during which old and new digests stay dual-published"`
	ActivationHook        string                       `toml:"activation_hook" comment:"Optional command run after promotion (via sh -c)"`
	DNSProvider           string                       `toml:"dns_provider" comment:"DNS provider for record changes (e.g. 'clouddns', 'cloudflare')"`
	DNSProviders          map[string]DNSProviderConfig `toml:"dns_providers" comment:"Per-provider settings, keyed by provider name"`
	HistoryDB             string                       `toml:"history_db" comment:"Optional SQLite file recording deployment history"`
}

// LoadConfig reads and parses a TOML config file and applies defaults.
// Validation is a separate step so callers can log what was loaded first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if cfg.ProtoPorts == "" {
		cfg.ProtoPorts = DefaultProtoPorts
	}
	if cfg.RolloverPeriodSeconds == 0 {
		cfg.RolloverPeriodSeconds = DefaultRolloverPeriodSeconds
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.LiveCertDir == "" {
		return errors.New("config: live_cert_dir cannot be empty")
	}
	if c.ActiveCertDir == "" {
		return errors.New("config: active_cert_dir cannot be empty")
	}
	if _, err := ParseProtoPorts(c.ProtoPorts); err != nil {
		return err
	}
	if c.RolloverPeriodSeconds < 0 {
		return errors.New("config: rollover_period_seconds cannot be negative")
	}
	if c.DNSProvider == "" {
		return errors.New("config: dns_provider cannot be empty")
	}
	providerCfg, ok := c.DNSProviders[c.DNSProvider]
	if !ok {
		return fmt.Errorf("config: dns_provider %q has no entry in dns_providers", c.DNSProvider)
	}
	switch c.DNSProvider {
	case DNSProviderCloudDNS:
		if providerCfg.Project == "" {
			return fmt.Errorf("config: project cannot be empty for dns_provider '%s'", c.DNSProvider)
		}
		if providerCfg.Zone == "" {
			return fmt.Errorf("config: zone cannot be empty for dns_provider '%s'", c.DNSProvider)
		}
	case DNSProviderCloudflare:
		if providerCfg.APIToken == "" {
			return fmt.Errorf("config: api_token cannot be empty for dns_provider '%s'", c.DNSProvider)
		}
		if providerCfg.ZoneID == "" {
			return fmt.Errorf("config: zone_id cannot be empty for dns_provider '%s'", c.DNSProvider)
		}
	default:
		return fmt.Errorf("config: unsupported dns_provider %q", c.DNSProvider)
	}
	return nil
}

// RolloverPeriod returns the configured grace window as a duration.
func (c *Config) RolloverPeriod() time.Duration {
	return time.Duration(c.RolloverPeriodSeconds) * time.Second
}

// ParseProtoPorts parses a comma-delimited list of proto:port pairs.
func ParseProtoPorts(list string) ([]ProtoPort, error) {
	var out []ProtoPort
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		proto, port, ok := strings.Cut(item, ":")
		if !ok || proto == "" || port == "" {
			return nil, fmt.Errorf("config: invalid proto:port pair %q in proto_ports", item)
		}
		out = append(out, ProtoPort{Protocol: proto, Port: port})
	}
	if len(out) == 0 {
		return nil, errors.New("config: proto_ports cannot be empty")
	}
	return out, nil
}
