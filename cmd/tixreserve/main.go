package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/kirinyoku/tix-reserve/internal/app"
	"github.com/kirinyoku/tix-reserve/internal/config"
	"github.com/kirinyoku/tix-reserve/internal/logger"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx := context.Background()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to create application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		log.Error("application finished with error", "error", err)
		os.Exit(1)
	}
}
