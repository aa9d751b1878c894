// Package main runs the insight cache service: the dashboard read API plus
// the background jobs that sweep the entry cache, refresh queued identities
// and check the cache hit rate.
//
// Configuration is layered, highest priority last:
//   - built-in defaults
//   - the YAML file named by INSIGHTCACHE_CONFIG, or ./config.yaml when present
//   - INSIGHTCACHE_ prefixed environment variables, with __ separating
//     nested keys (INSIGHTCACHE_SERVER__ADDR=:9090)
//
// The process stops on SIGINT or SIGTERM, letting in-flight requests finish
// within server.shutdown_timeout.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/goliatone/go-insight-cache/internal/config"
	"github.com/goliatone/go-insight-cache/internal/logging"
	"github.com/goliatone/go-insight-cache/pkg/di"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		// Logging settings are not known yet.
		logger := logging.New(logging.DefaultConfig())
		logger.Error().Err(err).Msg("failed to load configuration")
		return err
	}

	logger := logging.New(cfg.Logging)
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("db_driver", cfg.Database.Driver).
		Str("alerts", cfg.Alerts.Provider).
		Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := di.NewContainer(ctx, cfg, di.WithLogger(logger))
	if err != nil {
		logger.Error().Err(err).Msg("failed to build components")
		return err
	}
	defer closeContainer(container, logger)

	logger.Info().Msg("starting supervisor tree")
	if err := container.Supervisor().Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped with error")
		return err
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func closeContainer(c *di.Container, logger zerolog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing components")
	}
}
