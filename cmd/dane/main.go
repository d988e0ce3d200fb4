package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	dane "github.com/caasmo/restinpieces-dane"
	"github.com/caasmo/restinpieces-dane/clouddns"
	"github.com/caasmo/restinpieces-dane/cloudflare"
	"github.com/caasmo/restinpieces-dane/zombiezen"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Flags ---
	var configPath string
	var force, forceDeploy bool
	flag.StringVar(&configPath, "config", "config.toml", "path to config TOML file")
	flag.BoolVar(&force, "force", false, "re-check the rollover even if the certificate is unchanged")
	flag.BoolVar(&forceDeploy, "force-deploy", false, "re-stage DNS records even if a deployment marker exists")
	flag.Parse()

	// --- Configuration Loading ---
	logger.Info("Loading configuration...", "path", configPath)
	cfg, err := dane.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load config file", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Config loaded",
		"live_cert_dir", cfg.LiveCertDir,
		"active_cert_dir", cfg.ActiveCertDir,
		"proto_ports", cfg.ProtoPorts,
		"rollover_period", cfg.RolloverPeriod().String(),
		"dns_provider", cfg.DNSProvider,
		"activation_hook_set", cfg.ActivationHook != "",
		"history_db_set", cfg.HistoryDB != "",
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// --- DNS Provider Setup ---
	providerCfg := cfg.DNSProviders[cfg.DNSProvider]
	var provider dane.Provider
	switch cfg.DNSProvider {
	case dane.DNSProviderCloudDNS:
		provider, err = clouddns.New(ctx, providerCfg.Project, providerCfg.Zone)
	case dane.DNSProviderCloudflare:
		provider, err = cloudflare.New(providerCfg.APIToken, providerCfg.ZoneID)
	}
	if err != nil {
		logger.Error("Failed to create DNS provider", "provider", cfg.DNSProvider, "error", err)
		os.Exit(1)
	}

	// --- Optional Deployment History ---
	var history dane.Writer
	if cfg.HistoryDB != "" {
		pool, err := sqlitex.NewPool(cfg.HistoryDB, sqlitex.PoolOptions{
			Flags:    sqlite.OpenReadWrite | sqlite.OpenCreate,
			PoolSize: 1,
		})
		if err != nil {
			logger.Error("Failed to open history database pool", "path", cfg.HistoryDB, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pool.Close(); err != nil {
				logger.Error("Failed to close history database pool", "error", err)
			}
		}()
		if err := zombiezen.Migrate(ctx, pool); err != nil {
			logger.Error("Failed to migrate history database", "path", cfg.HistoryDB, "error", err)
			os.Exit(1)
		}
		history = zombiezen.NewWriter(pool)
	}

	// --- Controller Execution ---
	controller := dane.NewController(cfg, &dane.OpenSSLDigester{}, provider, history, logger)
	controller.Force = force
	controller.ForceDeploy = forceDeploy

	if err := controller.Run(ctx); err != nil {
		logger.Error("Rollover run failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Rollover run completed.")
}
