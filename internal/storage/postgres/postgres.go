// Package postgres implements the circulation stores on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	dialectPostgres = "postgres"
	uniqueViolation = "23505"
)

// Store implements every circulation store on one connection pool.
type Store struct {
	db      *sqlx.DB
	builder goqu.DialectWrapper
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

// Open connects to dsn, retrying until the database answers or
// maxWait elapses.
func Open(ctx context.Context, dsn string, maxWait time.Duration, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready, retrying", zap.Duration("next_attempt", next), zap.Error(err))
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(db, logger), nil
}

// New wraps an open connection pool.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		builder: goqu.Dialect(dialectPostgres),
		tracer:  otel.Tracer("libraai/storage/postgres"),
		logger:  logger.Named("postgres"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying pool, e.g. for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs a goose command (up, down, status, version, redo, reset)
// against the embedded migrations.
func Migrate(ctx context.Context, db *sql.DB, command string, args ...string) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialectPostgres); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, "migrations", args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// exists reports whether a row with id is present in table.
func (s *Store) exists(ctx context.Context, q sqlx.QueryerContext, table string, id interface{}) (bool, error) {
	var found bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := sqlx.GetContext(ctx, q, &found, query, id); err != nil {
		return false, fmt.Errorf("check %s existence: %w", table, err)
	}
	return found, nil
}
