// Package main applies the Stagehand database schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/stagehand/internal/db"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dbURL   = flag.String("db", "", "Database URL (or set DATABASE_URL env var)")
		status  = flag.Bool("status", false, "Show applied and pending migrations without applying them; exits 3 when any are pending")
		list    = flag.Bool("list", false, "List embedded migrations")
		timeout = flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", "migrate").
		Logger()

	migrations, err := db.GetMigrations()
	if err != nil {
		logger.Error().Err(err).Msg("failed to read embedded migrations")
		return 1
	}

	if *list {
		for _, m := range migrations {
			fmt.Println(m.Name)
		}
		return 0
	}

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		logger.Error().Msg("database URL required: use -db flag or set DATABASE_URL")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 2
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return 1
	}
	defer database.Close()

	if *status {
		return printStatus(ctx, database, logger)
	}

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("migration failed")
		return 1
	}

	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not read schema version")
		return 0
	}
	logger.Info().Int("version", version).Msg("schema up to date")
	return 0
}

func printStatus(ctx context.Context, database *db.DB, logger zerolog.Logger) int {
	status, err := database.Status(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read migration status")
		return 1
	}

	pending := 0
	for _, s := range status {
		state := "applied"
		if !s.Applied {
			state = "pending"
			pending++
		}
		fmt.Printf("%-8s %s\n", state, s.Name)
	}
	fmt.Printf("%d migrations, %d pending\n", len(status), pending)
	if pending > 0 {
		return 3
	}
	return 0
}
