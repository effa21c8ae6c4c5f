package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpy/internal/app"
	"perpy/internal/observability/logging"
	"perpy/internal/web"
)

func main() {
	configPath := flag.String("config", os.Getenv("PERPY_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	cfg, err := app.LoadConfig(ctx, *configPath, nil)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(app.ServiceName, cfg.Log.Level)
	slog.SetDefault(logger)

	// ---- Services ----
	a, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("failed to build service", "err", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	// ---- HTTP ----
	h, err := web.NewHandler(a.Ask,
		web.WithLogger(logger),
		web.WithMaxQuestionLength(cfg.Session.MaxQuestionLength),
	)
	if err != nil {
		logger.Error("failed to create web handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           web.NewRouter(h, a.Metrics),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
