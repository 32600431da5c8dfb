package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"libraai/internal/storage/postgres"
)

const usage = "Usage: migrate <up|down|status|version|redo|reset|create <name>>"

// migrationsDir is where create writes new files, relative to the repo root.
const migrationsDir = "internal/storage/postgres/migrations"

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	command, args := "up", []string(nil)
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	if command == "create" {
		if len(args) == 0 {
			logger.Fatal(usage)
		}
		goose.SetSequential(true)
		if err := goose.Create(nil, migrationsDir, args[0], "sql"); err != nil {
			logger.Fatal("failed to create migration", zap.Error(err))
		}
		logger.Info("created migration", zap.String("name", args[0]))
		return
	}

	switch command {
	case "up", "down", "status", "version", "redo", "reset":
	default:
		logger.Fatal("unknown command", zap.String("command", command), zap.String("usage", usage))
	}

	viper.AutomaticEnv()
	viper.SetDefault("DATABASE_WAIT", "30s")
	dsn := viper.GetString("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := postgres.Open(ctx, dsn, viper.GetDuration("DATABASE_WAIT"), logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	logger.Info("running migrations", zap.String("command", command))
	if err := postgres.Migrate(ctx, store.DB(), command, args...); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("migrations finished", zap.String("command", command))
}
