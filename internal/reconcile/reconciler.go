// Package reconcile runs the overdue reconciliation job: it detects loans
// past their due date, marks them overdue and accrues their fines.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"libraai/internal/circulation"
)

const maxWriteAttempts = 3

// ErrAlreadyRunning is returned when another run holds the job.
var ErrAlreadyRunning = fmt.Errorf("reconciliation already running: %w", circulation.ErrUnavailable)

// LoanStore is the subset of the loan repository the job needs.
type LoanStore interface {
	GetLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error)
	ListLoansDueBefore(ctx context.Context, asOf time.Time, statuses ...circulation.LoanStatus) ([]*circulation.Loan, error)
	UpdateLoan(ctx context.Context, update circulation.LoanUpdate) error
}

// Lease guards a run across processes. Acquire reports ok=false when
// another holder owns the lease.
type Lease interface {
	Acquire(ctx context.Context) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// Result summarises one reconciliation run.
type Result struct {
	UpdatedCount    int             `json:"updated_count"`
	TotalFinesAdded decimal.Decimal `json:"total_fines_added"`
	Failed          int             `json:"failed"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPolicy replaces circulation.DefaultPolicy.
func WithPolicy(p circulation.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLease adds a cross-process lease on top of the in-process guard.
func WithLease(l Lease) Option {
	return func(r *Reconciler) { r.lease = l }
}

// WithPublisher publishes a FineAccrued event for every loan whose fine grew.
func WithPublisher(p circulation.EventPublisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

// WithOverdueAccrual makes runs revisit loans that are already overdue, so
// their fines keep growing until the cap.
func WithOverdueAccrual(enabled bool) Option {
	return func(r *Reconciler) {
		r.statuses = []circulation.LoanStatus{circulation.LoanActive}
		if enabled {
			r.statuses = append(r.statuses, circulation.LoanOverdue)
		}
	}
}

// Reconciler is the single code path behind scheduled and manual runs.
type Reconciler struct {
	loans     LoanStore
	policy    circulation.Policy
	statuses  []circulation.LoanStatus
	lease     Lease
	publisher circulation.EventPublisher
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	running   atomic.Bool

	runs    metric.Int64Counter
	updated metric.Int64Counter
	fines   metric.Float64Counter
}

// NewReconciler creates a reconciler over loans.
func NewReconciler(loans LoanStore, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		loans:    loans,
		policy:   circulation.DefaultPolicy(),
		statuses: []circulation.LoanStatus{circulation.LoanActive},
		logger:   logger.Named("reconcile"),
		tracer:   otel.Tracer("libraai/reconcile"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	meter := otel.Meter("libraai/reconcile")
	var err error
	if r.runs, err = meter.Int64Counter("reconcile.runs",
		metric.WithDescription("Completed reconciliation runs")); err != nil {
		r.logger.Warn("failed to create runs counter", zap.Error(err))
	}
	if r.updated, err = meter.Int64Counter("reconcile.loans_updated",
		metric.WithDescription("Loans changed by reconciliation")); err != nil {
		r.logger.Warn("failed to create loans counter", zap.Error(err))
	}
	if r.fines, err = meter.Float64Counter("reconcile.fines_added",
		metric.WithDescription("Fine amount added by reconciliation")); err != nil {
		r.logger.Warn("failed to create fines counter", zap.Error(err))
	}
	return r
}

// Run reconciles every accruable loan as of now. Per-loan failures are
// logged and counted; only a failure to list loans aborts the run.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	ctx, span := r.tracer.Start(ctx, "reconcile.run")
	defer span.End()

	if r.lease != nil {
		token, ok, err := r.lease.Acquire(ctx)
		if err != nil {
			span.RecordError(err)
			r.logger.Error("failed to acquire reconciliation lease", zap.Error(err))
			return nil, fmt.Errorf("acquire lease: %w", circulation.ErrUnavailable)
		}
		if !ok {
			return nil, ErrAlreadyRunning
		}
		defer func() {
			if err := r.lease.Release(context.WithoutCancel(ctx), token); err != nil {
				r.logger.Warn("failed to release reconciliation lease", zap.Error(err))
			}
		}()
	}

	result := &Result{StartedAt: r.now(), TotalFinesAdded: decimal.Zero}
	asOf := result.StartedAt

	loans, err := r.loans.ListLoansDueBefore(ctx, asOf, r.statuses...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list loans")
		r.logger.Error("failed to list accruable loans", zap.Error(err))
		return nil, fmt.Errorf("list loans: %w", circulation.ErrUnavailable)
	}

	for i, loan := range loans {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("reconciliation interrupted", zap.Int("remaining", len(loans)-i), zap.Error(err))
			break
		}

		delta, changed, err := r.reconcileLoan(ctx, loan, asOf)
		if err != nil {
			result.Failed++
			span.RecordError(err)
			r.logger.Error("failed to reconcile loan", zap.Stringer("loan_id", loan.ID), zap.Error(err))
			continue
		}
		if changed {
			result.UpdatedCount++
			result.TotalFinesAdded = result.TotalFinesAdded.Add(delta)
		}
	}
	result.FinishedAt = r.now()

	r.record(ctx, result)
	span.SetAttributes(
		attribute.Int("loans.scanned", len(loans)),
		attribute.Int("loans.updated", result.UpdatedCount),
		attribute.Int("loans.failed", result.Failed),
		attribute.String("fines.added", result.TotalFinesAdded.String()),
	)
	r.logger.Info("reconciliation finished",
		zap.Int("scanned", len(loans)),
		zap.Int("updated", result.UpdatedCount),
		zap.Int("failed", result.Failed),
		zap.String("fines_added", result.TotalFinesAdded.StringFixed(2)),
		zap.Duration("took", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

// reconcileLoan accrues one loan and writes it conditionally, reloading on
// a lost race. A loan returned in the meantime simply stops accruing.
func (r *Reconciler) reconcileLoan(ctx context.Context, loan *circulation.Loan, asOf time.Time) (decimal.Decimal, bool, error) {
	for attempt := 1; ; attempt++ {
		expected := loan.Version
		delta, changed := loan.Accrue(r.policy, asOf)
		if !changed {
			return decimal.Zero, false, nil
		}

		err := r.loans.UpdateLoan(ctx, circulation.LoanUpdate{
			Loan:            loan,
			ExpectedVersion: expected,
			EventType:       circulation.EventFineAccrued,
			FineDelta:       delta,
		})
		if err == nil {
			r.publish(ctx, loan, delta)
			return delta, true, nil
		}
		if !errors.Is(err, circulation.ErrVersionConflict) || attempt == maxWriteAttempts {
			return decimal.Zero, false, err
		}

		if loan, err = r.loans.GetLoan(ctx, loan.ID); err != nil {
			return decimal.Zero, false, err
		}
	}
}

func (r *Reconciler) publish(ctx context.Context, loan *circulation.Loan, delta decimal.Decimal) {
	if r.publisher == nil || !delta.IsPositive() {
		return
	}
	event := circulation.NewEvent(circulation.EventFineAccrued, r.now(), circulation.FineAccruedEvent{
		LoanID:     loan.ID,
		UserID:     loan.UserID,
		FineAmount: loan.FineAmount,
		FineAdded:  delta,
	})
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish fine accrued event", zap.Stringer("loan_id", loan.ID), zap.Error(err))
	}
}

func (r *Reconciler) record(ctx context.Context, result *Result) {
	if r.runs != nil {
		r.runs.Add(ctx, 1)
	}
	if r.updated != nil {
		r.updated.Add(ctx, int64(result.UpdatedCount))
	}
	if r.fines != nil {
		fines, _ := result.TotalFinesAdded.Float64()
		r.fines.Add(ctx, fines)
	}
}
