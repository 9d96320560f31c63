// Command server runs the trade execution safety layer: circuit breakers,
// slippage control, confirmation monitoring and the global kill switch,
// behind an operator admin API.
package main

import (
	"context"
	"os"

	"github.com/goshtasb/xorj-landing-sub001/internal/config"
	"github.com/goshtasb/xorj-landing-sub001/internal/logging"
	"github.com/goshtasb/xorj-landing-sub001/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting tradeguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"signer_mode", cfg.SignerMode,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
