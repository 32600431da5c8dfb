// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"libraai/internal/circulation"
)

// Config holds all configuration for the circulation service.
type Config struct {
	ServerPort      string        `mapstructure:"SERVER_PORT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DatabaseWait   time.Duration `mapstructure:"DATABASE_WAIT"`
	UseMemoryStore bool          `mapstructure:"USE_MEMORY_STORE"`
	MigrateOnStart bool          `mapstructure:"MIGRATE_ON_START"`

	JWTSecret          string  `mapstructure:"JWT_SECRET"`
	RateLimitPerSecond float64 `mapstructure:"RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int     `mapstructure:"RATE_LIMIT_BURST"`

	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	LoanEventsExchange string `mapstructure:"LOAN_EVENTS_EXCHANGE"`
	RedisURL           string `mapstructure:"REDIS_URL"`

	ReconcileSchedule         string        `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileTimeout          time.Duration `mapstructure:"RECONCILE_TIMEOUT"`
	ReconcileAccrueOverdue    bool          `mapstructure:"RECONCILE_ACCRUE_OVERDUE"`
	ReservationExpirySchedule string        `mapstructure:"RESERVATION_EXPIRY_SCHEDULE"`
	AuditSchedule             string        `mapstructure:"AUDIT_SCHEDULE"`

	LoanPeriodDays     int    `mapstructure:"LOAN_PERIOD_DAYS"`
	RenewalPeriodDays  int    `mapstructure:"RENEWAL_PERIOD_DAYS"`
	MaxRenewals        int    `mapstructure:"MAX_RENEWALS"`
	ReservationTTLDays int    `mapstructure:"RESERVATION_TTL_DAYS"`
	FinePerDay         string `mapstructure:"FINE_PER_DAY"`
	MaxFinePerBook     string `mapstructure:"MAX_FINE_PER_BOOK"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                 "8082",
	"LOG_LEVEL":                   "info",
	"SHUTDOWN_TIMEOUT":            "30s",
	"DATABASE_WAIT":               "30s",
	"USE_MEMORY_STORE":            false,
	"MIGRATE_ON_START":            true,
	"RATE_LIMIT_PER_SECOND":       20,
	"RATE_LIMIT_BURST":            40,
	"LOAN_EVENTS_EXCHANGE":        "libraai.loans",
	"RECONCILE_SCHEDULE":          "0 1,12 * * *", // 01:00 and 12:00 daily.
	"RECONCILE_TIMEOUT":           "10m",
	"RECONCILE_ACCRUE_OVERDUE":    false,
	"RESERVATION_EXPIRY_SCHEDULE": "*/30 * * * *",
	"AUDIT_SCHEDULE":              "30 2 * * *",
	"LOAN_PERIOD_DAYS":            14,
	"RENEWAL_PERIOD_DAYS":         14,
	"MAX_RENEWALS":                2,
	"RESERVATION_TTL_DAYS":        7,
	"FINE_PER_DAY":                "1.00",
	"MAX_FINE_PER_BOOK":           "30.00",
	"OTEL_SERVICE_NAME":           "libraai-circulation",
}

var boundOnly = []string{"DATABASE_URL", "JWT_SECRET", "RABBITMQ_URL", "REDIS_URL", "OTEL_EXPORTER_OTLP_ENDPOINT"}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for key := range defaults {
		_ = viper.BindEnv(key)
	}
	for _, key := range boundOnly {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if !c.UseMemoryStore && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required unless USE_MEMORY_STORE is set"))
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_SECOND and RATE_LIMIT_BURST must be positive"))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy builds the fine policy from the configured values.
func (c *Config) Policy() (circulation.Policy, error) {
	perDay, err := decimal.NewFromString(c.FinePerDay)
	if err != nil {
		return circulation.Policy{}, fmt.Errorf("FINE_PER_DAY: %w", err)
	}
	maxFine, err := decimal.NewFromString(c.MaxFinePerBook)
	if err != nil {
		return circulation.Policy{}, fmt.Errorf("MAX_FINE_PER_BOOK: %w", err)
	}

	p := circulation.Policy{
		LoanPeriodDays:     c.LoanPeriodDays,
		RenewalPeriodDays:  c.RenewalPeriodDays,
		MaxRenewals:        c.MaxRenewals,
		ReservationTTLDays: c.ReservationTTLDays,
		FinePerDay:         perDay,
		MaxFinePerBook:     maxFine,
	}
	switch {
	case p.LoanPeriodDays <= 0, p.RenewalPeriodDays <= 0, p.ReservationTTLDays <= 0:
		return circulation.Policy{}, errors.New("loan, renewal and reservation periods must be positive")
	case p.MaxRenewals < 0:
		return circulation.Policy{}, errors.New("MAX_RENEWALS must not be negative")
	case !p.FinePerDay.IsPositive(), !p.MaxFinePerBook.IsPositive():
		return circulation.Policy{}, errors.New("FINE_PER_DAY and MAX_FINE_PER_BOOK must be positive")
	}
	return p, nil
}
