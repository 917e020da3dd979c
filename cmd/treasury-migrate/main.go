// Package main applies or rolls back the treasury database schema.
//
// Usage:
//
//	treasury-migrate up
//	treasury-migrate down [-steps N]
//	treasury-migrate version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/R3E-Network/treasury_layer/internal/config"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/platform/migrations"
	"github.com/R3E-Network/treasury_layer/internal/storage/postgres"
)

func main() {
	steps := flag.Int("steps", 1, "versions to roll back with down")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] up|down|version\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logging.NewFromEnv("treasury-migrate")
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = migrations.Up(db.DB)
	case "down":
		err = migrations.Down(db.DB, *steps)
	case "version":
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatal("Migration failed")
	}

	version, dirty, err := migrations.Version(db.DB)
	if err != nil {
		log.WithError(err).Fatal("Failed to read schema version")
	}
	log.WithField("version", version).WithField("dirty", dirty).Info("Schema version")
}
