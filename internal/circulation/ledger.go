package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ledger implements the Ledger interface over the member balance.
type ledger struct {
	members   MemberStore
	payments  PaymentStore
	publisher EventPublisher
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// LedgerOption configures the fine ledger.
type LedgerOption func(*ledger)

// WithLedgerClock sets the time source stamped on payments.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *ledger) { l.now = now }
}

// WithLedgerPublisher sets the publisher notified of payments.
func WithLedgerPublisher(p EventPublisher) LedgerOption {
	return func(l *ledger) { l.publisher = p }
}

// NewLedger creates the fine ledger accessor.
func NewLedger(members MemberStore, payments PaymentStore, logger *zap.Logger, opts ...LedgerOption) Ledger {
	l := &ledger{
		members:  members,
		payments: payments,
		logger:   logger.Named("ledger"),
		tracer:   otel.Tracer("libraai/ledger"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TotalFines returns the member's outstanding balance. It never fails: a
// missing member or unreadable record yields zero and a log entry.
func (l *ledger) TotalFines(ctx context.Context, userID uuid.UUID) decimal.Decimal {
	ctx, span := l.tracer.Start(ctx, "ledger.total_fines",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	member, err := l.members.GetMember(ctx, userID)
	if err != nil {
		span.RecordError(err)
		l.logger.Warn("fine balance unavailable, reporting zero", zap.Stringer("user_id", userID), zap.Error(err))
		return decimal.Zero
	}
	return member.FineBalance.Round(2)
}

// ApplyPayment reduces the member's outstanding fine by amount.
func (l *ledger) ApplyPayment(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*PaymentResult, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.apply_payment",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("amount", amount.String()),
		),
	)
	defer span.End()

	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment must be positive, got %s", ErrInvalidAmount, amount)
	}

	payment := &FinePayment{
		ID:     uuid.New(),
		UserID: userID,
		Amount: amount,
		PaidAt: l.now(),
	}
	if err := l.payments.ApplyPayment(ctx, payment); err != nil {
		span.RecordError(err)
		if classified := Classify(err); classified != nil {
			return nil, classified
		}
		l.logger.Error("apply payment failed", zap.Stringer("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("apply payment: %w", ErrUnavailable)
	}

	l.logger.Info("fine payment applied",
		zap.Stringer("user_id", userID),
		zap.String("paid", payment.Amount.StringFixed(2)),
		zap.String("remaining", payment.RemainingBalance.StringFixed(2)),
	)

	if l.publisher != nil {
		event := NewEvent(EventFinePaid, payment.PaidAt, FinePaidEvent{
			UserID:    userID,
			Paid:      payment.Amount,
			Remaining: payment.RemainingBalance,
		})
		if err := l.publisher.Publish(ctx, event); err != nil {
			l.logger.Warn("failed to publish event", zap.String("event_type", EventFinePaid), zap.Error(err))
		}
	}

	return &PaymentResult{
		Previous:  payment.PreviousBalance,
		Paid:      payment.Amount,
		Remaining: payment.RemainingBalance,
	}, nil
}

// ListPayments returns the member's payments, newest first.
func (l *ledger) ListPayments(ctx context.Context, userID uuid.UUID) ([]*FinePayment, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.list_payments",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	payments, err := l.payments.ListPayments(ctx, userID)
	if err != nil {
		span.RecordError(err)
		l.logger.Error("list payments failed", zap.Stringer("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("list payments: %w", ErrUnavailable)
	}
	return payments, nil
}
