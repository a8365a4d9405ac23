package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/iago/tiprelay/internal/app"
	"github.com/iago/tiprelay/internal/config"
	"github.com/iago/tiprelay/internal/logging"
	"github.com/iago/tiprelay/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(logging.Config{})
		fallback.Error().Err(err).Msg("load configuration")
		return 2
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, closeDeps, err := app.Open(ctx, *cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("open infrastructure")
		if app.IsConfigurationError(err) {
			return 2
		}
		return 1
	}
	defer closeDeps()

	engine, err := app.New(*cfg, deps, logger)
	if err != nil {
		logger.Error().Err(err).Msg("build engine")
		return 2
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.ShutdownTimeout})
	logger.Info().Str("addr", cfg.HTTP.Addr).Msg("tiprelay starting")
	if err := engine.Run(ctx, tree); err != nil {
		logger.Error().Err(err).Msg("engine stopped")
		return 1
	}
	logger.Info().Msg("tiprelay stopped")
	return 0
}
