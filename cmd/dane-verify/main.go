// dane-verify checks that the TLSA records for a certificate bundle are
// actually served by a resolver. Useful after staging (with the live
// certificate) or after promotion (with -use-active).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	dane "github.com/caasmo/restinpieces-dane"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var configPath, resolver string
	var useActive bool
	flag.StringVar(&configPath, "config", "config.toml", "path to config TOML file")
	flag.StringVar(&resolver, "resolver", "1.1.1.1:53", "DNS resolver to query")
	flag.BoolVar(&useActive, "use-active", false, "verify the active mirror certificate instead of the live one")
	flag.Parse()

	cfg, err := dane.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load config file", "path", configPath, "error", err)
		os.Exit(1)
	}

	certPath := filepath.Join(cfg.LiveCertDir, "cert.pem")
	if useActive {
		certPath = filepath.Join(cfg.ActiveCertDir, "cert.pem")
	}
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		logger.Error("Failed to read certificate", "path", certPath, "error", err)
		os.Exit(1)
	}
	altNames, err := dane.CertAltNames(certBytes)
	if err != nil {
		logger.Error("Failed to extract certificate names", "path", certPath, "error", err)
		os.Exit(1)
	}
	protoPorts, err := dane.ParseProtoPorts(cfg.ProtoPorts)
	if err != nil {
		logger.Error("Invalid proto_ports configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	digester := &dane.OpenSSLDigester{}
	digest, err := digester.Digest(ctx, certPath)
	if err != nil {
		logger.Error("Failed to compute certificate digest", "path", certPath, "error", err)
		os.Exit(1)
	}

	records := dane.Generate(altNames, protoPorts, digest)
	logger.Info("Verifying published TLSA records",
		"cert", certPath, "digest", digest, "records", len(records), "resolver", resolver)

	verifier := dane.NewVerifier(resolver, logger)
	if err := verifier.Verify(ctx, records); err != nil {
		logger.Error("Verification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("All TLSA records published.")
}
