// Package main is the entry point for the chronicle indexer daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wrenfolk/chronicle/internal/app"
	"github.com/wrenfolk/chronicle/internal/config"
	"github.com/wrenfolk/chronicle/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Chronicle Discord Indexer")
		fmt.Println()
		fmt.Println("Usage: chronicle [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// A .env file is a development convenience; containers set the
	// environment directly.
	envLoaded := godotenv.Load() == nil

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		logger := logging.NewLogger(config.DefaultEnv)
		for i := 0; i < len(errs); i++ {
			logger.Error("invalid configuration", slog.String("error", errs[i].Error()))
		}
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if envLoaded {
		logger.Debug("loaded environment from .env file")
	}

	summary := cfg.LogSummary()
	attrs := make([]any, 0, len(summary))
	for k, v := range summary {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Info("starting chronicle", attrs...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runErr := a.Run(ctx)

	// The run context is already canceled at this point; give shutdown its
	// own deadline.
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("indexer failed", slog.String("error", runErr.Error()))
		os.Exit(1)
	}

	logger.Info("indexer stopped")
}
