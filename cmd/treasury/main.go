// Package main runs the treasury API server and its maintenance jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/treasury_layer/internal/app"
	"github.com/R3E-Network/treasury_layer/internal/config"
	"github.com/R3E-Network/treasury_layer/internal/httpapi"
	"github.com/R3E-Network/treasury_layer/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewFromEnv(httpapi.ServiceName).WithError(err).Fatal("Failed to load configuration")
	}
	log := logging.New(httpapi.ServiceName, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise treasury")
	}

	log.WithField("env", cfg.Env).Info("Starting treasury service")
	runErr := application.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("Treasury service stopped")
	}

	log.Info("Shutting down treasury service")
	if err := application.Shutdown(context.Background()); err != nil {
		log.WithError(err).Error("Shutdown did not complete cleanly")
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	log.Info("Treasury service stopped")
}
