// Package main applies the schema migrations for the configured storage engine and exits.
package main

import (
	"log/slog"
	"os"

	"github.com/jnst/ledger-core/internal/config"
	"github.com/jnst/ledger-core/internal/logger"
	"github.com/jnst/ledger-core/internal/migrations"
	"github.com/jnst/ledger-core/internal/repository/sqlite"
)

const exitCode = 1

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", "ledger-migrate"))

	switch cfg.StoreDriver {
	case config.DriverSQLite:
		// Open migrates.
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Error("failed to migrate sqlite", slog.String("error", err.Error()))
			os.Exit(exitCode)
		}
		_ = store.Close()
	default:
		if err := migrations.UpPostgres(cfg.DatabaseURL); err != nil {
			log.Error("failed to migrate postgres", slog.String("error", err.Error()))
			os.Exit(exitCode)
		}
	}

	log.Info("migrations applied", slog.String("driver", cfg.StoreDriver))
}
