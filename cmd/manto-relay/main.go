package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manto/manto-relay/internal/config"
	"github.com/manto/manto-relay/internal/logging"
	"github.com/manto/manto-relay/internal/server"
	"github.com/manto/manto-relay/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.Logging.Level).Msg("invalid log level")
	}
	log.Logger = logger

	anthropicService := services.NewAnthropicService(cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.NewRouter(cfg, logger, anthropicService),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("environment", cfg.Environment).
			Str("upstream", cfg.Anthropic.BaseURL).
			Str("default_model", cfg.Anthropic.DefaultModel).
			Dur("upstream_timeout", cfg.Anthropic.Timeout.Duration).
			Msg("manto relay starting")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	waitForShutdown(context.Background(), srv, cfg, logger)
}

func waitForShutdown(ctx context.Context, srv *http.Server, cfg *config.Config, logger zerolog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	logger.Info().Msg("shutting down manto relay")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	logger.Info().Msg("relay stopped")
}
