// Escrowsync - keeps delivery escrows and the payment ledger in agreement
package main

import (
	"context"
	"os"

	"github.com/nutripay/escrowsync/internal/config"
	"github.com/nutripay/escrowsync/internal/logging"
	"github.com/nutripay/escrowsync/internal/server"
	"github.com/nutripay/escrowsync/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrowsync",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"escrow_contract", cfg.EscrowContract,
		"confirmation_depth", cfg.ConfirmationDepth,
	)

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
	} else {
		defer func() { _ = shutdown(ctx) }()
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
