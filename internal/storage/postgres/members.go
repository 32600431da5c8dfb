package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libraai/internal/circulation"
	"libraai/internal/membership"
)

// AddMember inserts a member.
func (s *Store) AddMember(ctx context.Context, m membership.Member) error {
	borrowed := make(pq.StringArray, 0, len(m.BorrowedBooks))
	for _, id := range m.BorrowedBooks {
		borrowed = append(borrowed, id.String())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, email, name, is_admin, is_active, fine_balance, borrowed_books)
		VALUES ($1, $2, $3, $4, $5, $6, $7::uuid[])
	`, m.ID, m.Email, m.Name, m.IsAdmin, m.IsActive, m.FineBalance, borrowed)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// GetMember loads a member with their borrowed list.
func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var (
		m        membership.Member
		borrowed pq.StringArray
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, is_admin, is_active, fine_balance, borrowed_books::text[], created_at, updated_at
		FROM members WHERE id = $1
	`, id).Scan(&m.ID, &m.Email, &m.Name, &m.IsAdmin, &m.IsActive, &m.FineBalance, &borrowed, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}

	m.BorrowedBooks = make([]uuid.UUID, 0, len(borrowed))
	for _, raw := range borrowed {
		bookID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse borrowed book %q: %w", raw, err)
		}
		m.BorrowedBooks = append(m.BorrowedBooks, bookID)
	}
	return &m, nil
}

// PushBorrowed adds bookID to the member's borrowed list once.
func (s *Store) PushBorrowed(ctx context.Context, userID, bookID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members
		SET borrowed_books = array_append(borrowed_books, $2::uuid), updated_at = NOW()
		WHERE id = $1 AND NOT ($2::uuid = ANY (borrowed_books))
	`, userID, bookID)
	if err != nil {
		return fmt.Errorf("push borrowed book: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	found, err := s.exists(ctx, s.db, "members", userID)
	if err != nil {
		return err
	}
	if !found {
		return membership.ErrMemberNotFound
	}
	return nil
}

// PullBorrowed removes bookID from the member's borrowed list.
func (s *Store) PullBorrowed(ctx context.Context, userID, bookID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE members
		SET borrowed_books = array_remove(borrowed_books, $2::uuid), updated_at = NOW()
		WHERE id = $1
	`, userID, bookID)
	if err != nil {
		return fmt.Errorf("pull borrowed book: %w", err)
	}
	return nil
}

// ApplyPayment debits the member's balance under a row lock and records
// the payment in the same transaction.
func (s *Store) ApplyPayment(ctx context.Context, payment *circulation.FinePayment) error {
	ctx, span := s.tracer.Start(ctx, "postgres.apply_payment",
		trace.WithAttributes(
			attribute.String("user.id", payment.UserID.String()),
			attribute.String("payment.amount", payment.Amount.String()),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.GetContext(ctx, &balance, `SELECT fine_balance FROM members WHERE id = $1 FOR UPDATE`, payment.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.ErrMemberNotFound
	}
	if err != nil {
		return fmt.Errorf("lock member balance: %w", err)
	}
	if payment.Amount.GreaterThan(balance) {
		return membership.ErrInsufficientBalance
	}

	payment.PreviousBalance = balance
	payment.RemainingBalance = balance.Sub(payment.Amount).Round(2)

	if _, err := tx.ExecContext(ctx, `
		UPDATE members
		SET fine_balance = $2, is_active = is_active OR $3, updated_at = NOW()
		WHERE id = $1
	`, payment.UserID, payment.RemainingBalance, payment.RemainingBalance.IsZero()); err != nil {
		return fmt.Errorf("debit member balance: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO fine_payments (id, user_id, amount, previous_balance, remaining_balance, paid_at)
		VALUES (:id, :user_id, :amount, :previous_balance, :remaining_balance, :paid_at)
	`, payment); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListPayments returns the member's payments, newest first.
func (s *Store) ListPayments(ctx context.Context, userID uuid.UUID) ([]*circulation.FinePayment, error) {
	payments := make([]*circulation.FinePayment, 0)
	err := s.db.SelectContext(ctx, &payments, `
		SELECT id, user_id, amount, previous_balance, remaining_balance, paid_at
		FROM fine_payments WHERE user_id = $1
		ORDER BY paid_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}
