// Package memory is an in-memory implementation of every circulation store,
// used by tests and by USE_MEMORY_STORE=true deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"libraai/internal/catalog"
	"libraai/internal/circulation"
	"libraai/internal/membership"
)

// Store keeps all records behind one lock, so every method is atomic in the
// same way a single-row conditional update is in the Postgres store.
type Store struct {
	mu           sync.RWMutex
	books        map[uuid.UUID]catalog.Book
	members      map[uuid.UUID]membership.Member
	loans        map[uuid.UUID]circulation.Loan
	reservations map[uuid.UUID]circulation.Reservation
	journal      map[uuid.UUID][]circulation.LoanEvent
	payments     []circulation.FinePayment
	nextEventID  int64
	now          func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		books:        make(map[uuid.UUID]catalog.Book),
		members:      make(map[uuid.UUID]membership.Member),
		loans:        make(map[uuid.UUID]circulation.Loan),
		reservations: make(map[uuid.UUID]circulation.Reservation),
		journal:      make(map[uuid.UUID][]circulation.LoanEvent),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// AddBook inserts or replaces a book.
func (s *Store) AddBook(book catalog.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[book.ID] = book
}

// AddMember inserts or replaces a member.
func (s *Store) AddMember(member membership.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member.BorrowedBooks = append([]uuid.UUID(nil), member.BorrowedBooks...)
	s.members[member.ID] = member
}

// GetBook returns a copy of the book.
func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[id]
	if !ok {
		return nil, catalog.ErrBookNotFound
	}
	return &book, nil
}

// ReserveCopy decrements available copies with a floor of zero.
func (s *Store) ReserveCopy(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[id]
	if !ok {
		return catalog.ErrBookNotFound
	}
	if book.AvailableCopies <= 0 {
		return catalog.ErrNoCopiesAvailable
	}
	book.AvailableCopies--
	s.books[id] = book
	return nil
}

// ReleaseCopy increments available copies with a ceiling of total copies.
func (s *Store) ReleaseCopy(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[id]
	if !ok {
		return catalog.ErrBookNotFound
	}
	if book.AvailableCopies >= book.TotalCopies {
		return catalog.ErrCopiesAtCapacity
	}
	book.AvailableCopies++
	s.books[id] = book
	return nil
}

// GetMember returns a copy of the member.
func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	member, ok := s.members[id]
	if !ok {
		return nil, membership.ErrMemberNotFound
	}
	member.BorrowedBooks = append([]uuid.UUID(nil), member.BorrowedBooks...)
	return &member, nil
}

// PushBorrowed adds bookID to the member's borrowed list once.
func (s *Store) PushBorrowed(ctx context.Context, userID, bookID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[userID]
	if !ok {
		return membership.ErrMemberNotFound
	}
	if member.HasBorrowed(bookID) {
		return nil
	}
	member.BorrowedBooks = append(append([]uuid.UUID(nil), member.BorrowedBooks...), bookID)
	s.members[userID] = member
	return nil
}

// PullBorrowed removes bookID from the member's borrowed list if present.
func (s *Store) PullBorrowed(ctx context.Context, userID, bookID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[userID]
	if !ok {
		return nil
	}
	kept := make([]uuid.UUID, 0, len(member.BorrowedBooks))
	for _, id := range member.BorrowedBooks {
		if id != bookID {
			kept = append(kept, id)
		}
	}
	member.BorrowedBooks = kept
	s.members[userID] = member
	return nil
}

// CreateLoan stores a new loan and opens its journal.
func (s *Store) CreateLoan(ctx context.Context, loan *circulation.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loan.Status == circulation.LoanActive && s.hasActiveLoanLocked(loan.UserID, loan.BookID) {
		return circulation.ErrActiveLoanExists
	}
	s.loans[loan.ID] = *loan
	s.appendEventLocked(loan, circulation.EventLoanBorrowed)
	return nil
}

// GetLoan returns a copy of the loan.
func (s *Store) GetLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loan, ok := s.loans[id]
	if !ok {
		return nil, circulation.ErrLoanNotFound
	}
	return copyLoan(loan), nil
}

// HasActiveLoan reports whether an active loan exists for the pair.
func (s *Store) HasActiveLoan(ctx context.Context, userID, bookID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasActiveLoanLocked(userID, bookID), nil
}

func (s *Store) hasActiveLoanLocked(userID, bookID uuid.UUID) bool {
	for _, l := range s.loans {
		if l.UserID == userID && l.BookID == bookID && l.Status == circulation.LoanActive {
			return true
		}
	}
	return false
}

// ListLoansByUser returns the member's loans, newest first.
func (s *Store) ListLoansByUser(ctx context.Context, userID uuid.UUID, status circulation.LoanStatus) ([]*circulation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loans := make([]*circulation.Loan, 0)
	for _, l := range s.loans {
		if l.UserID != userID || (status != "" && l.Status != status) {
			continue
		}
		loans = append(loans, copyLoan(l))
	}
	sort.Slice(loans, func(i, j int) bool {
		return loans[i].BorrowedAt.After(loans[j].BorrowedAt)
	})
	return loans, nil
}

// ListLoansDueBefore returns loans in any of statuses whose due date is
// before asOf, oldest due first.
func (s *Store) ListLoansDueBefore(ctx context.Context, asOf time.Time, statuses ...circulation.LoanStatus) ([]*circulation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loans := make([]*circulation.Loan, 0)
	for _, l := range s.loans {
		if !l.DueDate.Before(asOf) || !hasStatus(statuses, l.Status) {
			continue
		}
		loans = append(loans, copyLoan(l))
	}
	sort.Slice(loans, func(i, j int) bool {
		return loans[i].DueDate.Before(loans[j].DueDate)
	})
	return loans, nil
}

// UpdateLoan writes the loan if its stored version matches, adds the fine
// delta to the owner's balance and appends a journal entry.
func (s *Store) UpdateLoan(ctx context.Context, update circulation.LoanUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.loans[update.Loan.ID]
	if !ok {
		return circulation.ErrLoanNotFound
	}
	if stored.Version != update.ExpectedVersion {
		return circulation.ErrVersionConflict
	}

	update.Loan.Version = update.ExpectedVersion + 1
	s.loans[update.Loan.ID] = *copyLoan(*update.Loan)

	if update.FineDelta.IsPositive() {
		if member, ok := s.members[update.Loan.UserID]; ok {
			member.FineBalance = member.FineBalance.Add(update.FineDelta).Round(2)
			s.members[member.ID] = member
		}
	}
	s.appendEventLocked(update.Loan, update.EventType)
	return nil
}

// LoanHistory returns the loan's journal, oldest first.
func (s *Store) LoanHistory(ctx context.Context, loanID uuid.UUID) ([]*circulation.LoanEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.journal[loanID]
	events := make([]*circulation.LoanEvent, 0, len(entries))
	for i := range entries {
		e := entries[i]
		events = append(events, &e)
	}
	return events, nil
}

func (s *Store) appendEventLocked(loan *circulation.Loan, eventType string) {
	s.nextEventID++
	s.journal[loan.ID] = append(s.journal[loan.ID], circulation.LoanEvent{
		ID:         s.nextEventID,
		LoanID:     loan.ID,
		EventType:  eventType,
		Snapshot:   *copyLoan(*loan),
		Version:    loan.Version,
		RecordedAt: s.now(),
	})
}

// CreateReservation stores a reservation, rejecting a second pending one
// for the same member and book.
func (s *Store) CreateReservation(ctx context.Context, r *circulation.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == circulation.ReservationPending {
		for _, existing := range s.reservations {
			if existing.UserID == r.UserID && existing.BookID == r.BookID && existing.Status == circulation.ReservationPending {
				return circulation.ErrPendingReservationExists
			}
		}
	}
	s.reservations[r.ID] = *r
	return nil
}

// GetReservation returns a copy of the reservation.
func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*circulation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, circulation.ErrReservationNotFound
	}
	return &r, nil
}

// ListReservationsByUser returns the member's reservations, newest first.
func (s *Store) ListReservationsByUser(ctx context.Context, userID uuid.UUID) ([]*circulation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reservations := make([]*circulation.Reservation, 0)
	for _, r := range s.reservations {
		if r.UserID == userID {
			r := r
			reservations = append(reservations, &r)
		}
	}
	sort.Slice(reservations, func(i, j int) bool {
		return reservations[i].ReservedAt.After(reservations[j].ReservedAt)
	})
	return reservations, nil
}

// UpdateReservationStatus moves a reservation from one status to another.
func (s *Store) UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to circulation.ReservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return circulation.ErrReservationNotFound
	}
	if r.Status != from {
		return circulation.ErrReservationNotPending
	}
	r.Status = to
	s.reservations[id] = r
	return nil
}

// ExpireReservations expires pending reservations past their expiry.
func (s *Store) ExpireReservations(ctx context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.reservations {
		if r.Status == circulation.ReservationPending && r.ExpiresAt.Before(asOf) {
			r.Status = circulation.ReservationExpired
			s.reservations[id] = r
			n++
		}
	}
	return n, nil
}

// ApplyPayment debits the member's balance and records the payment.
func (s *Store) ApplyPayment(ctx context.Context, payment *circulation.FinePayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[payment.UserID]
	if !ok {
		return membership.ErrMemberNotFound
	}
	if payment.Amount.GreaterThan(member.FineBalance) {
		return membership.ErrInsufficientBalance
	}

	payment.PreviousBalance = member.FineBalance
	payment.RemainingBalance = member.FineBalance.Sub(payment.Amount).Round(2)
	member.FineBalance = payment.RemainingBalance
	if member.FineBalance.IsZero() {
		member.IsActive = true
	}
	s.members[member.ID] = member
	s.payments = append(s.payments, *payment)
	return nil
}

// ListPayments returns the member's payments, newest first.
func (s *Store) ListPayments(ctx context.Context, userID uuid.UUID) ([]*circulation.FinePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payments := make([]*circulation.FinePayment, 0)
	for i := len(s.payments) - 1; i >= 0; i-- {
		if s.payments[i].UserID == userID {
			p := s.payments[i]
			payments = append(payments, &p)
		}
	}
	return payments, nil
}

// CountCopiesOutOfRange counts books whose available copies fall outside
// [0, total].
func (s *Store) CountCopiesOutOfRange(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, b := range s.books {
		if !b.CopiesInRange() {
			n++
		}
	}
	return n, nil
}

// CountFinesOutOfRange counts loans whose fine is negative or above max.
func (s *Store) CountFinesOutOfRange(ctx context.Context, max decimal.Decimal) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, l := range s.loans {
		if l.FineAmount.IsNegative() || l.FineAmount.GreaterThan(max) {
			n++
		}
	}
	return n, nil
}

// CountLedgerDrift counts members whose balance differs from the fines on
// their loans minus their payments.
func (s *Store) CountLedgerDrift(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expected := make(map[uuid.UUID]decimal.Decimal, len(s.members))
	for _, l := range s.loans {
		expected[l.UserID] = expected[l.UserID].Add(l.FineAmount)
	}
	for _, p := range s.payments {
		expected[p.UserID] = expected[p.UserID].Sub(p.Amount)
	}

	n := 0
	for id, m := range s.members {
		if !m.FineBalance.Equal(expected[id]) {
			n++
		}
	}
	return n, nil
}

func copyLoan(l circulation.Loan) *circulation.Loan {
	if l.ReturnedAt != nil {
		t := *l.ReturnedAt
		l.ReturnedAt = &t
	}
	return &l
}

func hasStatus(statuses []circulation.LoanStatus, status circulation.LoanStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
