package membership

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMemberNotFound      = errors.New("member not found")
	ErrInsufficientBalance = errors.New("payment exceeds outstanding fine balance")
)

// Member is the user record circulation consumes: the running fine balance
// and the list of books currently borrowed.
type Member struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Email         string          `json:"email" db:"email"`
	Name          string          `json:"name" db:"name"`
	IsAdmin       bool            `json:"is_admin" db:"is_admin"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	FineBalance   decimal.Decimal `json:"fine_balance" db:"fine_balance"`
	BorrowedBooks []uuid.UUID     `json:"borrowed_books" db:"-"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// HasBorrowed reports whether bookID is on the member's borrowed list.
func (m *Member) HasBorrowed(bookID uuid.UUID) bool {
	for _, id := range m.BorrowedBooks {
		if id == bookID {
			return true
		}
	}
	return false
}
