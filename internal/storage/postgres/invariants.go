package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// CountCopiesOutOfRange counts books whose available copies fall outside
// [0, total].
func (s *Store) CountCopiesOutOfRange(ctx context.Context) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM books
		WHERE available_copies < 0 OR available_copies > total_copies
	`)
}

// CountFinesOutOfRange counts loans whose fine is negative or above max.
func (s *Store) CountFinesOutOfRange(ctx context.Context, max decimal.Decimal) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM loans
		WHERE fine_amount < 0 OR fine_amount > $1
	`, max)
}

// CountLedgerDrift counts members whose balance differs from the fines on
// their loans minus their payments.
func (s *Store) CountLedgerDrift(ctx context.Context) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*)
		FROM members m
		LEFT JOIN (
			SELECT user_id, SUM(fine_amount) AS fines FROM loans GROUP BY user_id
		) l ON l.user_id = m.id
		LEFT JOIN (
			SELECT user_id, SUM(amount) AS paid FROM fine_payments GROUP BY user_id
		) p ON p.user_id = m.id
		WHERE m.fine_balance <> COALESCE(l.fines, 0) - COALESCE(p.paid, 0)
	`)
}

func (s *Store) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
