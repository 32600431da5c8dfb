package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrNoCopiesAvailable = errors.New("no copies available")
	ErrCopiesAtCapacity  = errors.New("all copies already on the shelf")
)

// Book is the catalog record circulation consumes. Circulation only ever
// touches AvailableCopies, and only through atomic increment/decrement.
type Book struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ISBN            string    `json:"isbn,omitempty" db:"isbn"`
	Title           string    `json:"title" db:"title"`
	Author          string    `json:"author" db:"author"`
	CoverImage      string    `json:"cover_image,omitempty" db:"cover_image"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// InStock reports whether at least one copy can be lent.
func (b *Book) InStock() bool {
	return b.AvailableCopies > 0
}

// CopiesInRange reports whether the copy counters are consistent.
func (b *Book) CopiesInRange() bool {
	return b.AvailableCopies >= 0 && b.AvailableCopies <= b.TotalCopies
}
