package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mapsync/core-go/internal/app"
	"mapsync/core-go/internal/config"
	"mapsync/core-go/internal/httpapi"
	"mapsync/core-go/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := httpapi.NewLogger("info")
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := httpapi.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, metrics.New())
	if err != nil {
		logger.Fatal().Err(err).Str("prefs_backend", cfg.PrefsBackend).Msg("failed to initialise engine")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("engine close failed")
		}
	}()

	if err := a.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("api_base_url", cfg.APIBaseURL).Msg("failed to load registries")
	}

	h := httpapi.NewHandler(logger, a)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("api_base_url", cfg.APIBaseURL).Msg("mapsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}
