package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jmlee-dev/review-pipeline-go/internal/app"
	"github.com/jmlee-dev/review-pipeline-go/internal/config"
	"github.com/jmlee-dev/review-pipeline-go/internal/logging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotenvIfPresent(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()
	application, cleanup, err := app.Initialize(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return application.Run(ctx)
}
