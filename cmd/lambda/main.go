package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"perpy/handler"
	"perpy/internal/app"
	"perpy/internal/observability/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := app.LoadConfig(ctx, os.Getenv("PERPY_CONFIG"), nil)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(app.ServiceName, cfg.Log.Level)
	slog.SetDefault(logger)

	a, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("failed to build service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(a.Ask)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
