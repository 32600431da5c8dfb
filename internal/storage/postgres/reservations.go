package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"libraai/internal/circulation"
)

const reservationColumns = `id, user_id, book_id, reserved_at, expires_at, status, notified`

// CreateReservation inserts a reservation. A second pending reservation
// for the same member and book is rejected by a partial unique index.
func (s *Store) CreateReservation(ctx context.Context, r *circulation.Reservation) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO reservations (id, user_id, book_id, reserved_at, expires_at, status, notified)
		VALUES (:id, :user_id, :book_id, :reserved_at, :expires_at, :status, :notified)
	`, r)
	if isUniqueViolation(err, "reservations_one_pending_per_user_book") {
		return circulation.ErrPendingReservationExists
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// GetReservation loads a reservation by id.
func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*circulation.Reservation, error) {
	var r circulation.Reservation
	err := s.db.GetContext(ctx, &r, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, circulation.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &r, nil
}

// ListReservationsByUser returns the member's reservations, newest first.
func (s *Store) ListReservationsByUser(ctx context.Context, userID uuid.UUID) ([]*circulation.Reservation, error) {
	reservations := make([]*circulation.Reservation, 0)
	err := s.db.SelectContext(ctx, &reservations, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE user_id = $1
		ORDER BY reserved_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return reservations, nil
}

// UpdateReservationStatus moves a reservation from one status to another.
func (s *Store) UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to circulation.ReservationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	found, err := s.exists(ctx, s.db, "reservations", id)
	if err != nil {
		return err
	}
	if !found {
		return circulation.ErrReservationNotFound
	}
	return circulation.ErrReservationNotPending
}

// ExpireReservations expires pending reservations past their expiry.
func (s *Store) ExpireReservations(ctx context.Context, asOf time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = 'expired'
		WHERE status = 'pending' AND expires_at < $1
	`, asOf)
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
