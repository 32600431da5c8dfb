package circulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the state of a loan: active, overdue or returned.
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanOverdue  LoanStatus = "overdue"
	LoanReturned LoanStatus = "returned"
)

// Valid reports whether s is a known loan status.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanOverdue, LoanReturned:
		return true
	default:
		return false
	}
}

// ReservationStatus is the state of a reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Loan represents one user holding one copy of one book.
type Loan struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	UserID       uuid.UUID       `json:"user_id" db:"user_id"`
	BookID       uuid.UUID       `json:"book_id" db:"book_id"`
	BorrowedAt   time.Time       `json:"borrowed_at" db:"borrowed_at"`
	DueDate      time.Time       `json:"due_date" db:"due_date"`
	ReturnedAt   *time.Time      `json:"returned_at,omitempty" db:"returned_at"`
	Status       LoanStatus      `json:"status" db:"status"`
	FineAmount   decimal.Decimal `json:"fine_amount" db:"fine_amount"`
	RenewalCount int             `json:"renewal_count" db:"renewal_count"`
	MaxRenewals  int             `json:"max_renewals" db:"max_renewals"`
	Version      int             `json:"version" db:"version"`
}

// Reservation is a time-bounded request for a book, independent of stock.
type Reservation struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	UserID     uuid.UUID         `json:"user_id" db:"user_id"`
	BookID     uuid.UUID         `json:"book_id" db:"book_id"`
	ReservedAt time.Time         `json:"reserved_at" db:"reserved_at"`
	ExpiresAt  time.Time         `json:"expires_at" db:"expires_at"`
	Status     ReservationStatus `json:"status" db:"status"`
	Notified   bool              `json:"notified" db:"notified"`
}

// BookInfo is a snapshot of catalog fields taken at query time.
type BookInfo struct {
	Title      string `json:"title"`
	Author     string `json:"author"`
	CoverImage string `json:"cover_image,omitempty"`
}

// ReservationView is a reservation enriched with book details. BookInfo is
// nil when the lookup failed.
type ReservationView struct {
	*Reservation
	BookInfo *BookInfo `json:"book_info,omitempty"`
}

// OverdueLoan is an overdue loan with the number of whole days past due.
type OverdueLoan struct {
	*Loan
	DaysOverdue int    `json:"days_overdue"`
	BookTitle   string `json:"book_title,omitempty"`
	BookAuthor  string `json:"book_author,omitempty"`
}

// ReturnReceipt is the result of returning a loan.
type ReturnReceipt struct {
	LoanID     uuid.UUID       `json:"loan_id"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	ReturnedAt time.Time       `json:"returned_at"`
}

// FinePayment records a reduction of a member's outstanding fine.
type FinePayment struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	UserID           uuid.UUID       `json:"user_id" db:"user_id"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	PreviousBalance  decimal.Decimal `json:"previous_balance" db:"previous_balance"`
	RemainingBalance decimal.Decimal `json:"remaining_balance" db:"remaining_balance"`
	PaidAt           time.Time       `json:"paid_at" db:"paid_at"`
}

// PaymentResult is returned by the fine ledger after a payment.
type PaymentResult struct {
	Previous  decimal.Decimal `json:"previous"`
	Paid      decimal.Decimal `json:"paid"`
	Remaining decimal.Decimal `json:"remaining"`
}

// LoanEvent is one entry of a loan's journal: the loan as it stood after
// the change identified by Version.
type LoanEvent struct {
	ID         int64     `json:"id" db:"id"`
	LoanID     uuid.UUID `json:"loan_id" db:"loan_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	Snapshot   Loan      `json:"snapshot" db:"-"`
	Version    int       `json:"version" db:"version"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// Journal event types.
const (
	EventLoanBorrowed         = "LoanBorrowed"
	EventLoanReturned         = "LoanReturned"
	EventLoanRenewed          = "LoanRenewed"
	EventFineAccrued          = "FineAccrued"
	EventReservationCreated   = "ReservationCreated"
	EventReservationCancelled = "ReservationCancelled"
	EventFinePaid             = "FinePaid"
)

// Event represents a domain event related to circulation.
type Event struct {
	ID         uuid.UUID   `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// NewEvent stamps a domain event.
func NewEvent(eventType string, at time.Time, data interface{}) Event {
	return Event{ID: uuid.New(), Type: eventType, OccurredAt: at, Data: data}
}

// LoanBorrowedEvent is published when a book is borrowed.
type LoanBorrowedEvent struct {
	LoanID  uuid.UUID `json:"loan_id"`
	UserID  uuid.UUID `json:"user_id"`
	BookID  uuid.UUID `json:"book_id"`
	DueDate time.Time `json:"due_date"`
}

// LoanReturnedEvent is published when a loan is returned.
type LoanReturnedEvent struct {
	LoanID     uuid.UUID       `json:"loan_id"`
	UserID     uuid.UUID       `json:"user_id"`
	BookID     uuid.UUID       `json:"book_id"`
	ReturnedAt time.Time       `json:"returned_at"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	FineAdded  decimal.Decimal `json:"fine_added"`
}

// LoanRenewedEvent is published when a loan is renewed.
type LoanRenewedEvent struct {
	LoanID       uuid.UUID `json:"loan_id"`
	UserID       uuid.UUID `json:"user_id"`
	DueDate      time.Time `json:"due_date"`
	RenewalCount int       `json:"renewal_count"`
}

// FineAccruedEvent is published when reconciliation raises a loan's fine.
type FineAccruedEvent struct {
	LoanID     uuid.UUID       `json:"loan_id"`
	UserID     uuid.UUID       `json:"user_id"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	FineAdded  decimal.Decimal `json:"fine_added"`
}

// ReservationEvent is published when a reservation is created or cancelled.
type ReservationEvent struct {
	ReservationID uuid.UUID         `json:"reservation_id"`
	UserID        uuid.UUID         `json:"user_id"`
	BookID        uuid.UUID         `json:"book_id"`
	Status        ReservationStatus `json:"status"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// FinePaidEvent is published after a successful payment.
type FinePaidEvent struct {
	UserID    uuid.UUID       `json:"user_id"`
	Paid      decimal.Decimal `json:"paid"`
	Remaining decimal.Decimal `json:"remaining"`
}
