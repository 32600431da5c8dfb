package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"libraai/internal/catalog"
	"libraai/internal/membership"
)

// maxWriteAttempts bounds the reload-and-retry loop on version conflicts.
const maxWriteAttempts = 3

// Stores groups the repositories and collaborators the service writes through.
type Stores struct {
	Loans        LoanRepository
	Reservations ReservationRepository
	Books        BookStore
	Members      MemberStore
}

// Option configures the service.
type Option func(*service)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(s *service) { s.policy = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(s *service) { s.publisher = p }
}

// service implements the Service interface.
type service struct {
	loans        LoanRepository
	reservations ReservationRepository
	books        BookStore
	members      MemberStore
	publisher    EventPublisher
	policy       Policy
	logger       *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewService creates a new circulation service instance.
func NewService(stores Stores, logger *zap.Logger, opts ...Option) Service {
	s := &service{
		loans:        stores.Loans,
		reservations: stores.Reservations,
		books:        stores.Books,
		members:      stores.Members,
		policy:       DefaultPolicy(),
		logger:       logger.Named("circulation"),
		tracer:       otel.Tracer("libraai/circulation"),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Borrow orchestrates the borrow saga.
func (s *service) Borrow(ctx context.Context, userID, bookID uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	// Step 1: Check the book exists and is on the shelf
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, s.fail(span, "get book", err, zap.Stringer("book_id", bookID))
	}
	if !book.InStock() {
		return nil, fmt.Errorf("%w: book %s has no copies available", ErrUnavailable, bookID)
	}

	// Step 2: One active loan per member and book
	active, err := s.loans.HasActiveLoan(ctx, userID, bookID)
	if err != nil {
		return nil, s.fail(span, "check active loan", err, zap.Stringer("user_id", userID), zap.Stringer("book_id", bookID))
	}
	if active {
		return nil, ErrActiveLoanExists
	}

	// Step 3: Take a copy off the shelf (with compensation)
	if err := s.books.ReserveCopy(ctx, bookID); err != nil {
		return nil, s.fail(span, "reserve copy", err, zap.Stringer("book_id", bookID))
	}

	compensation := func() {
		s.logger.Warn("compensating failed borrow: releasing copy", zap.Stringer("book_id", bookID))
		if err := s.books.ReleaseCopy(context.WithoutCancel(ctx), bookID); err != nil {
			s.logger.Error("failed to compensate copy count", zap.Stringer("book_id", bookID), zap.Error(err))
		}
	}

	// Step 4: Create the loan
	loan := s.policy.NewLoan(userID, bookID, s.now())
	if err := s.loans.CreateLoan(ctx, loan); err != nil {
		compensation()
		return nil, s.fail(span, "create loan", err, zap.Stringer("user_id", userID), zap.Stringer("book_id", bookID))
	}

	// Step 5: Track the book on the member record
	if err := s.members.PushBorrowed(ctx, userID, bookID); err != nil {
		s.logger.Warn("failed to add book to borrowed list",
			zap.Stringer("user_id", userID), zap.Stringer("book_id", bookID), zap.Error(err))
	}

	s.publish(ctx, EventLoanBorrowed, LoanBorrowedEvent{
		LoanID:  loan.ID,
		UserID:  userID,
		BookID:  bookID,
		DueDate: loan.DueDate,
	})

	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	return loan, nil
}

// ReturnLoan closes a loan, settles its fine and puts the copy back.
func (s *service) ReturnLoan(ctx context.Context, loanID uuid.UUID, actor membership.Identity) (*ReturnReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	authorize := func(l *Loan) error {
		if !actor.CanActOn(l.UserID) {
			return fmt.Errorf("%w: loan %s belongs to another member", ErrForbidden, loanID)
		}
		return nil
	}
	returnAt := s.now()
	mutate := func(l *Loan) (decimal.Decimal, error) {
		return l.Return(s.policy, returnAt)
	}

	loan, delta, err := s.mutateLoan(ctx, span, loanID, EventLoanReturned, authorize, mutate)
	if err != nil {
		return nil, err
	}

	if err := s.books.ReleaseCopy(ctx, loan.BookID); err != nil {
		s.logger.Error("failed to release copy after return",
			zap.Stringer("loan_id", loan.ID), zap.Stringer("book_id", loan.BookID), zap.Error(err))
	}
	if err := s.members.PullBorrowed(ctx, loan.UserID, loan.BookID); err != nil {
		s.logger.Warn("failed to remove book from borrowed list",
			zap.Stringer("user_id", loan.UserID), zap.Stringer("book_id", loan.BookID), zap.Error(err))
	}

	s.publish(ctx, EventLoanReturned, LoanReturnedEvent{
		LoanID:     loan.ID,
		UserID:     loan.UserID,
		BookID:     loan.BookID,
		ReturnedAt: *loan.ReturnedAt,
		FineAmount: loan.FineAmount,
		FineAdded:  delta,
	})

	span.SetAttributes(attribute.String("fine.added", delta.String()))
	return &ReturnReceipt{
		LoanID:     loan.ID,
		FineAmount: loan.FineAmount,
		ReturnedAt: *loan.ReturnedAt,
	}, nil
}

// Renew extends an active loan. Only the owner may renew.
func (s *service) Renew(ctx context.Context, loanID uuid.UUID, actor membership.Identity) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.renew",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	authorize := func(l *Loan) error {
		if !actor.Owns(l.UserID) {
			return fmt.Errorf("%w: only the borrower can renew loan %s", ErrForbidden, loanID)
		}
		return nil
	}
	mutate := func(l *Loan) (decimal.Decimal, error) {
		return decimal.Zero, l.Renew(s.policy)
	}

	loan, _, err := s.mutateLoan(ctx, span, loanID, EventLoanRenewed, authorize, mutate)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventLoanRenewed, LoanRenewedEvent{
		LoanID:       loan.ID,
		UserID:       loan.UserID,
		DueDate:      loan.DueDate,
		RenewalCount: loan.RenewalCount,
	})
	return loan, nil
}

// mutateLoan loads a loan, applies mutate and writes it back conditionally.
// A lost race against another writer reloads the loan and tries again, so
// the state transition is always evaluated against the latest stored state.
func (s *service) mutateLoan(
	ctx context.Context,
	span trace.Span,
	loanID uuid.UUID,
	eventType string,
	authorize func(*Loan) error,
	mutate func(*Loan) (decimal.Decimal, error),
) (*Loan, decimal.Decimal, error) {
	for attempt := 1; ; attempt++ {
		loan, err := s.loans.GetLoan(ctx, loanID)
		if err != nil {
			return nil, decimal.Zero, s.fail(span, "get loan", err, zap.Stringer("loan_id", loanID))
		}
		if err := authorize(loan); err != nil {
			return nil, decimal.Zero, err
		}

		expected := loan.Version
		delta, err := mutate(loan)
		if err != nil {
			return nil, decimal.Zero, err
		}

		err = s.loans.UpdateLoan(ctx, LoanUpdate{
			Loan:            loan,
			ExpectedVersion: expected,
			EventType:       eventType,
			FineDelta:       delta,
		})
		if err == nil {
			return loan, delta, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt == maxWriteAttempts {
			return nil, decimal.Zero, s.fail(span, "update loan", err,
				zap.Stringer("loan_id", loanID), zap.Int("attempt", attempt))
		}

		span.AddEvent("loan.version_conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
		s.logger.Debug("loan changed concurrently, retrying",
			zap.Stringer("loan_id", loanID), zap.String("event_type", eventType), zap.Int("attempt", attempt))
	}
}

// Reserve places a hold on a book regardless of current stock.
func (s *service) Reserve(ctx context.Context, userID, bookID uuid.UUID) (*Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.reserve",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	if _, err := s.books.GetBook(ctx, bookID); err != nil {
		return nil, s.fail(span, "get book", err, zap.Stringer("book_id", bookID))
	}

	now := s.now()
	reservation := &Reservation{
		ID:         uuid.New(),
		UserID:     userID,
		BookID:     bookID,
		ReservedAt: now,
		ExpiresAt:  s.policy.ReservationExpiry(now),
		Status:     ReservationPending,
	}
	if err := s.reservations.CreateReservation(ctx, reservation); err != nil {
		return nil, s.fail(span, "create reservation", err, zap.Stringer("user_id", userID), zap.Stringer("book_id", bookID))
	}

	s.publish(ctx, EventReservationCreated, reservationEvent(reservation))
	return reservation, nil
}

// CancelReservation withdraws a pending reservation.
func (s *service) CancelReservation(ctx context.Context, reservationID uuid.UUID, actor membership.Identity) (*Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.cancel_reservation",
		trace.WithAttributes(attribute.String("reservation.id", reservationID.String())),
	)
	defer span.End()

	reservation, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, s.fail(span, "get reservation", err, zap.Stringer("reservation_id", reservationID))
	}
	if !actor.CanActOn(reservation.UserID) {
		return nil, fmt.Errorf("%w: reservation %s belongs to another member", ErrForbidden, reservationID)
	}
	if reservation.Status != ReservationPending {
		return nil, ErrReservationNotPending
	}

	err = s.reservations.UpdateReservationStatus(ctx, reservationID, ReservationPending, ReservationCancelled)
	if err != nil {
		return nil, s.fail(span, "cancel reservation", err, zap.Stringer("reservation_id", reservationID))
	}
	reservation.Status = ReservationCancelled

	s.publish(ctx, EventReservationCancelled, reservationEvent(reservation))
	return reservation, nil
}

// ExpireReservations marks pending reservations past their expiry as expired.
func (s *service) ExpireReservations(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.expire_reservations")
	defer span.End()

	n, err := s.reservations.ExpireReservations(ctx, s.now())
	if err != nil {
		return 0, s.fail(span, "expire reservations", err)
	}
	span.SetAttributes(attribute.Int("reservations.expired", n))
	if n > 0 {
		s.logger.Info("expired reservations", zap.Int("count", n))
	}
	return n, nil
}

// ListBorrowings returns a member's loans, newest first. An empty status
// returns loans in every state.
func (s *service) ListBorrowings(ctx context.Context, userID uuid.UUID, status LoanStatus) ([]*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_borrowings",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("status", string(status)),
		),
	)
	defer span.End()

	loans, err := s.loans.ListLoansByUser(ctx, userID, status)
	if err != nil {
		return nil, s.fail(span, "list loans", err, zap.Stringer("user_id", userID))
	}
	return loans, nil
}

// ListReservations returns a member's reservations, newest first, each with
// a snapshot of the book. A failed book lookup leaves BookInfo empty.
func (s *service) ListReservations(ctx context.Context, userID uuid.UUID) ([]*ReservationView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_reservations",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	reservations, err := s.reservations.ListReservationsByUser(ctx, userID)
	if err != nil {
		return nil, s.fail(span, "list reservations", err, zap.Stringer("user_id", userID))
	}

	lookup := s.bookLookup(ctx)
	views := make([]*ReservationView, 0, len(reservations))
	for _, r := range reservations {
		view := &ReservationView{Reservation: r}
		if book := lookup(r.BookID); book != nil {
			view.BookInfo = &BookInfo{Title: book.Title, Author: book.Author, CoverImage: book.CoverImage}
		}
		views = append(views, view)
	}
	return views, nil
}

// ListOverdue returns a member's overdue loans with days overdue and book
// details.
func (s *service) ListOverdue(ctx context.Context, userID uuid.UUID) ([]*OverdueLoan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_overdue",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	loans, err := s.loans.ListLoansByUser(ctx, userID, LoanOverdue)
	if err != nil {
		return nil, s.fail(span, "list overdue loans", err, zap.Stringer("user_id", userID))
	}

	now := s.now()
	lookup := s.bookLookup(ctx)
	overdue := make([]*OverdueLoan, 0, len(loans))
	for _, l := range loans {
		item := &OverdueLoan{Loan: l, DaysOverdue: s.policy.DaysOverdue(l.DueDate, now)}
		if book := lookup(l.BookID); book != nil {
			item.BookTitle = book.Title
			item.BookAuthor = book.Author
		}
		overdue = append(overdue, item)
	}
	return overdue, nil
}

// LoanHistory returns the journal of a loan, oldest first.
func (s *service) LoanHistory(ctx context.Context, loanID uuid.UUID, actor membership.Identity) ([]*LoanEvent, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.loan_history",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return nil, s.fail(span, "get loan", err, zap.Stringer("loan_id", loanID))
	}
	if !actor.CanActOn(loan.UserID) {
		return nil, fmt.Errorf("%w: loan %s belongs to another member", ErrForbidden, loanID)
	}

	events, err := s.loans.LoanHistory(ctx, loanID)
	if err != nil {
		return nil, s.fail(span, "load loan history", err, zap.Stringer("loan_id", loanID))
	}
	return events, nil
}

// bookLookup returns a per-call cached book lookup that yields nil on
// failure.
func (s *service) bookLookup(ctx context.Context) func(uuid.UUID) *catalog.Book {
	cache := make(map[uuid.UUID]*catalog.Book)
	return func(id uuid.UUID) *catalog.Book {
		if book, ok := cache[id]; ok {
			return book
		}
		book, err := s.books.GetBook(ctx, id)
		if err != nil {
			s.logger.Warn("book lookup failed", zap.Stringer("book_id", id), zap.Error(err))
			book = nil
		}
		cache[id] = book
		return book
	}
}

func (s *service) publish(ctx context.Context, eventType string, data interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, NewEvent(eventType, s.now(), data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// fail translates a repository or collaborator error into the taxonomy.
// Anything unrecognised is logged and reported as ErrUnavailable.
func (s *service) fail(span trace.Span, op string, err error, fields ...zap.Field) error {
	span.RecordError(err)
	if classified := Classify(err); classified != nil {
		return classified
	}
	span.SetStatus(codes.Error, op)
	s.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	return fmt.Errorf("%s: %w", op, ErrUnavailable)
}

// Classify maps an error onto the taxonomy. It returns nil for errors that
// belong to no category.
func Classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrInvalidAmount):
		return err
	case errors.Is(err, catalog.ErrBookNotFound),
		errors.Is(err, membership.ErrMemberNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, catalog.ErrNoCopiesAvailable):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.Is(err, catalog.ErrCopiesAtCapacity),
		errors.Is(err, membership.ErrInsufficientBalance):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return nil
	}
}

func reservationEvent(r *Reservation) ReservationEvent {
	return ReservationEvent{
		ReservationID: r.ID,
		UserID:        r.UserID,
		BookID:        r.BookID,
		Status:        r.Status,
		ExpiresAt:     r.ExpiresAt,
	}
}
