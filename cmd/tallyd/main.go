// Tallyd - conditional transfer ledger
package main

import (
	"context"
	"os"

	"tallyd/internal/config"
	"tallyd/internal/logging"
	"tallyd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting tallyd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"base_uri", cfg.BaseURI,
		"tls", cfg.TLSEnabled(),
	)

	// Create and run server. It builds its own logger from LOG_LEVEL and
	// LOG_FORMAT; the bootstrap logger above only covers config loading.
	srv, err := server.New(cfg)
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
