package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tashik/dneutral-sniper/internal/app"
	"github.com/tashik/dneutral-sniper/internal/config"
	"github.com/tashik/dneutral-sniper/internal/exchange"
	"github.com/tashik/dneutral-sniper/internal/logging"

	"go.uber.org/zap"
)

// Host process exit codes.
const (
	exitOK       = 0
	exitConfig   = 64
	exitAuth     = 69
	exitInternal = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	log := logging.New(cfg.Log)
	defer log.Sync()
	log.Info("config loaded", zap.String("path", *configPath))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("initialization failed", zap.Error(err))
		return exitInternal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if exchange.IsAuthError(err) {
			log.Error("exchange authentication failed", zap.Error(err))
			return exitAuth
		}
		log.Error("engine terminated", zap.Error(err))
		return exitInternal
	}
	return exitOK
}
