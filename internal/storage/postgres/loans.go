package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libraai/internal/circulation"
)

var loanColumns = []interface{}{
	"id", "user_id", "book_id", "borrowed_at", "due_date", "returned_at",
	"status", "fine_amount", "renewal_count", "max_renewals", "version",
}

// CreateLoan inserts a loan and opens its journal.
func (s *Store) CreateLoan(ctx context.Context, loan *circulation.Loan) error {
	ctx, span := s.tracer.Start(ctx, "postgres.create_loan",
		trace.WithAttributes(
			attribute.String("loan.id", loan.ID.String()),
			attribute.String("user.id", loan.UserID.String()),
			attribute.String("book.id", loan.BookID.String()),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO loans (id, user_id, book_id, borrowed_at, due_date, returned_at,
			status, fine_amount, renewal_count, max_renewals, version)
		VALUES (:id, :user_id, :book_id, :borrowed_at, :due_date, :returned_at,
			:status, :fine_amount, :renewal_count, :max_renewals, :version)
	`, loan)
	if err != nil {
		if isUniqueViolation(err, "loans_one_active_per_user_book") {
			return circulation.ErrActiveLoanExists
		}
		span.RecordError(err)
		return fmt.Errorf("insert loan: %w", err)
	}

	if err := s.appendEvent(ctx, tx, loan, circulation.EventLoanBorrowed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetLoan loads a loan by id.
func (s *Store) GetLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	query, args, err := s.builder.From("loans").
		Select(loanColumns...).
		Where(goqu.Ex{"id": id}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}

	var loan circulation.Loan
	err = s.db.GetContext(ctx, &loan, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, circulation.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", err)
	}
	return &loan, nil
}

// HasActiveLoan reports whether the member holds an active loan on the book.
func (s *Store) HasActiveLoan(ctx context.Context, userID, bookID uuid.UUID) (bool, error) {
	var found bool
	err := s.db.GetContext(ctx, &found, `
		SELECT EXISTS (
			SELECT 1 FROM loans WHERE user_id = $1 AND book_id = $2 AND status = 'active'
		)
	`, userID, bookID)
	if err != nil {
		return false, fmt.Errorf("check active loan: %w", err)
	}
	return found, nil
}

// ListLoansByUser returns the member's loans, newest first, optionally
// filtered by status.
func (s *Store) ListLoansByUser(ctx context.Context, userID uuid.UUID, status circulation.LoanStatus) ([]*circulation.Loan, error) {
	ds := s.builder.From("loans").
		Select(loanColumns...).
		Where(goqu.Ex{"user_id": userID}).
		Order(goqu.I("borrowed_at").Desc())
	if status != "" {
		ds = ds.Where(goqu.Ex{"status": string(status)})
	}
	return s.selectLoans(ctx, ds)
}

// ListLoansDueBefore returns loans in any of statuses whose due date is
// before asOf, oldest due first.
func (s *Store) ListLoansDueBefore(ctx context.Context, asOf time.Time, statuses ...circulation.LoanStatus) ([]*circulation.Loan, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	ds := s.builder.From("loans").
		Select(loanColumns...).
		Where(
			goqu.C("status").In(names),
			goqu.C("due_date").Lt(asOf),
		).
		Order(goqu.I("due_date").Asc())
	return s.selectLoans(ctx, ds)
}

func (s *Store) selectLoans(ctx context.Context, ds *goqu.SelectDataset) ([]*circulation.Loan, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}
	loans := make([]*circulation.Loan, 0)
	if err := s.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

// UpdateLoan writes the loan only if its stored version still equals
// update.ExpectedVersion. The owner's fine balance and the journal change
// in the same transaction, so a fine delta lands exactly once.
func (s *Store) UpdateLoan(ctx context.Context, update circulation.LoanUpdate) error {
	loan := update.Loan
	ctx, span := s.tracer.Start(ctx, "postgres.update_loan",
		trace.WithAttributes(
			attribute.String("loan.id", loan.ID.String()),
			attribute.Int("expected.version", update.ExpectedVersion),
			attribute.String("event.type", update.EventType),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE loans
		SET due_date = $1, returned_at = $2, status = $3, fine_amount = $4,
			renewal_count = $5, version = version + 1
		WHERE id = $6 AND version = $7
	`, loan.DueDate, loan.ReturnedAt, string(loan.Status), loan.FineAmount,
		loan.RenewalCount, loan.ID, update.ExpectedVersion)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update loan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		found, err := s.exists(ctx, tx, "loans", loan.ID)
		if err != nil {
			return err
		}
		if !found {
			return circulation.ErrLoanNotFound
		}
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return circulation.ErrVersionConflict
	}

	if update.FineDelta.IsPositive() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE members SET fine_balance = fine_balance + $2, updated_at = NOW() WHERE id = $1
		`, loan.UserID, update.FineDelta); err != nil {
			span.SetStatus(codes.Error, "add fine")
			return fmt.Errorf("add fine to member balance: %w", err)
		}
	}

	written := *loan
	written.Version = update.ExpectedVersion + 1
	if err := s.appendEvent(ctx, tx, &written, update.EventType); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	loan.Version = written.Version
	return nil
}
