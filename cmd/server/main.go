// Stakehold - custodial escrow and reward distribution for two-party matches
package main

import (
	"context"
	"os"

	"github.com/mbd888/stakehold/internal/config"
	"github.com/mbd888/stakehold/internal/logging"
	"github.com/mbd888/stakehold/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured level and format are known
	logger := logging.New("info", "text")

	logger.Info("starting stakehold",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"btc", cfg.BTC.Enabled(),
		"evm", cfg.EVM.Enabled(),
		"attest", cfg.Attest.Enabled(),
		"postgres", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
