package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"libraai/internal/audit"
	"libraai/internal/storage/postgres"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	viper.AutomaticEnv()
	viper.SetDefault("DATABASE_WAIT", "30s")
	viper.SetDefault("MAX_FINE_PER_BOOK", "30.00")

	dsn := viper.GetString("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	maxFine, err := decimal.NewFromString(viper.GetString("MAX_FINE_PER_BOOK"))
	if err != nil {
		logger.Fatal("invalid MAX_FINE_PER_BOOK", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := postgres.Open(ctx, dsn, viper.GetDuration("DATABASE_WAIT"), logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	auditor := audit.NewAuditor(logger)
	auditor.Register(audit.InvariantChecks(store, maxFine)...)

	report, err := auditor.Run(ctx)
	if err != nil {
		logger.Fatal("audit failed", zap.Error(err))
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	_ = out.Encode(report)

	if !report.Healthy() {
		store.Close()
		os.Exit(2)
	}
}
