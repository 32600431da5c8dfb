package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"libraai/internal/catalog"
	"libraai/internal/membership"
)

// Service defines the loan lifecycle operations.
type Service interface {
	Borrow(ctx context.Context, userID, bookID uuid.UUID) (*Loan, error)
	ReturnLoan(ctx context.Context, loanID uuid.UUID, actor membership.Identity) (*ReturnReceipt, error)
	Renew(ctx context.Context, loanID uuid.UUID, actor membership.Identity) (*Loan, error)
	Reserve(ctx context.Context, userID, bookID uuid.UUID) (*Reservation, error)
	CancelReservation(ctx context.Context, reservationID uuid.UUID, actor membership.Identity) (*Reservation, error)
	ListBorrowings(ctx context.Context, userID uuid.UUID, status LoanStatus) ([]*Loan, error)
	ListReservations(ctx context.Context, userID uuid.UUID) ([]*ReservationView, error)
	ListOverdue(ctx context.Context, userID uuid.UUID) ([]*OverdueLoan, error)
	LoanHistory(ctx context.Context, loanID uuid.UUID, actor membership.Identity) ([]*LoanEvent, error)
	ExpireReservations(ctx context.Context) (int, error)
}

// Ledger exposes a member's outstanding fine and applies payments to it.
type Ledger interface {
	TotalFines(ctx context.Context, userID uuid.UUID) decimal.Decimal
	ApplyPayment(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*PaymentResult, error)
	ListPayments(ctx context.Context, userID uuid.UUID) ([]*FinePayment, error)
}

// LoanUpdate is a conditional write of a loan. It succeeds only if the
// stored version still equals ExpectedVersion. FineDelta is added to the
// owner's fine balance in the same atomic step.
type LoanUpdate struct {
	Loan            *Loan
	ExpectedVersion int
	EventType       string
	FineDelta       decimal.Decimal
}

// LoanRepository persists loans. Lists are ordered newest first.
type LoanRepository interface {
	CreateLoan(ctx context.Context, loan *Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	HasActiveLoan(ctx context.Context, userID, bookID uuid.UUID) (bool, error)
	ListLoansByUser(ctx context.Context, userID uuid.UUID, status LoanStatus) ([]*Loan, error)
	ListLoansDueBefore(ctx context.Context, asOf time.Time, statuses ...LoanStatus) ([]*Loan, error)
	UpdateLoan(ctx context.Context, update LoanUpdate) error
	LoanHistory(ctx context.Context, loanID uuid.UUID) ([]*LoanEvent, error)
}

// ReservationRepository persists reservations. Lists are ordered newest first.
type ReservationRepository interface {
	CreateReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	ListReservationsByUser(ctx context.Context, userID uuid.UUID) ([]*Reservation, error)
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to ReservationStatus) error
	ExpireReservations(ctx context.Context, asOf time.Time) (int, error)
}

// BookStore is the catalog collaborator.
type BookStore interface {
	GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error)
	// ReserveCopy decrements available copies only while they are above zero.
	ReserveCopy(ctx context.Context, id uuid.UUID) error
	// ReleaseCopy increments available copies only while they are below total.
	ReleaseCopy(ctx context.Context, id uuid.UUID) error
}

// MemberStore is the membership collaborator.
type MemberStore interface {
	GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)
	PushBorrowed(ctx context.Context, userID, bookID uuid.UUID) error
	// PullBorrowed is idempotent: removing an absent book is not an error.
	PullBorrowed(ctx context.Context, userID, bookID uuid.UUID) error
}

// PaymentStore debits fine balances.
type PaymentStore interface {
	// ApplyPayment atomically checks and debits the member's balance, records
	// the payment and fills in its previous and remaining balances.
	ApplyPayment(ctx context.Context, payment *FinePayment) error
	ListPayments(ctx context.Context, userID uuid.UUID) ([]*FinePayment, error)
}

// EventPublisher delivers domain events. Delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
