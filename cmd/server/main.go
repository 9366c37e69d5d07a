// Aegis - request governance and subscription reconciliation
package main

import (
	"context"
	"os"

	"github.com/mbd888/aegis/internal/config"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting aegis",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"no_subscription_policy", cfg.NoSubscriptionPolicy,
		"crypto_rail", cfg.CryptoRailEnabled(),
		"card_rail", cfg.StripeWebhookSecret != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
