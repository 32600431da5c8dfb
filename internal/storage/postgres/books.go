package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"libraai/internal/catalog"
)

const bookColumns = `id, isbn, title, author, cover_image, total_copies, available_copies, created_at, updated_at`

// AddBook inserts a book.
func (s *Store) AddBook(ctx context.Context, book catalog.Book) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO books (id, isbn, title, author, cover_image, total_copies, available_copies)
		VALUES (:id, :isbn, :title, :author, :cover_image, :total_copies, :available_copies)
	`, book)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

// GetBook loads a book by id.
func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var book catalog.Book
	err := s.db.GetContext(ctx, &book, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return &book, nil
}

// ReserveCopy takes one available copy. The decrement only happens while
// copies remain, so concurrent borrowers can never drive the count below
// zero.
func (s *Store) ReserveCopy(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE books
		SET available_copies = available_copies - 1, updated_at = NOW()
		WHERE id = $1 AND available_copies > 0
	`, id)
	if err != nil {
		return fmt.Errorf("reserve copy: %w", err)
	}
	return s.copyUpdateResult(ctx, res, id, catalog.ErrNoCopiesAvailable)
}

// ReleaseCopy puts one copy back, never above the total.
func (s *Store) ReleaseCopy(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE books
		SET available_copies = available_copies + 1, updated_at = NOW()
		WHERE id = $1 AND available_copies < total_copies
	`, id)
	if err != nil {
		return fmt.Errorf("release copy: %w", err)
	}
	return s.copyUpdateResult(ctx, res, id, catalog.ErrCopiesAtCapacity)
}

func (s *Store) copyUpdateResult(ctx context.Context, res sql.Result, id uuid.UUID, bounded error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	found, err := s.exists(ctx, s.db, "books", id)
	if err != nil {
		return err
	}
	if !found {
		return catalog.ErrBookNotFound
	}
	return bounded
}
