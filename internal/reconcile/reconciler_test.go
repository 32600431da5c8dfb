package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"libraai/internal/catalog"
	"libraai/internal/circulation"
	"libraai/internal/membership"
	"libraai/internal/reconcile"
	"libraai/internal/storage/memory"
)

var day0 = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store  *memory.Store
	clock  *testClock
	svc    circulation.Service
	member membership.Member
	books  []catalog.Book
}

func newFixture(t *testing.T, books int) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewStore(),
		clock:  &testClock{now: day0},
		member: membership.Member{ID: uuid.New(), Email: "reader@example.com", IsActive: true, FineBalance: decimal.Zero},
	}
	f.store.AddMember(f.member)
	for i := 0; i < books; i++ {
		b := catalog.Book{ID: uuid.New(), Title: "Book", TotalCopies: 1, AvailableCopies: 1}
		f.store.AddBook(b)
		f.books = append(f.books, b)
	}
	f.svc = circulation.NewService(circulation.Stores{
		Loans:        f.store,
		Reservations: f.store,
		Books:        f.store,
		Members:      f.store,
	}, zap.NewNop(), circulation.WithClock(f.clock.Now))
	return f
}

func (f *fixture) reconciler(opts ...reconcile.Option) *reconcile.Reconciler {
	return f.reconcilerOver(f.store, opts...)
}

func (f *fixture) reconcilerOver(loans reconcile.LoanStore, opts ...reconcile.Option) *reconcile.Reconciler {
	return reconcile.NewReconciler(loans, zap.NewNop(), append([]reconcile.Option{reconcile.WithClock(f.clock.Now)}, opts...)...)
}

func (f *fixture) borrow(t *testing.T, i int) *circulation.Loan {
	t.Helper()
	loan, err := f.svc.Borrow(context.Background(), f.member.ID, f.books[i].ID)
	require.NoError(t, err)
	return loan
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	m, err := f.store.GetMember(context.Background(), f.member.ID)
	require.NoError(t, err)
	return m.FineBalance.StringFixed(2)
}

func TestReconcileThenLateReturn(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	loan := f.borrow(t, 0)

	f.clock.Set(day0.AddDate(0, 0, 16))
	result, err := f.reconciler().Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedCount)
	assert.Equal(t, "2.00", result.TotalFinesAdded.StringFixed(2))

	stored, err := f.store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.LoanOverdue, stored.Status)
	assert.Equal(t, "2.00", stored.FineAmount.StringFixed(2))
	assert.Equal(t, "2.00", f.balance(t))

	f.clock.Set(day0.AddDate(0, 0, 20))
	receipt, err := f.svc.ReturnLoan(ctx, loan.ID, membership.Identity{UserID: f.member.ID})
	require.NoError(t, err)
	assert.Equal(t, "6.00", receipt.FineAmount.StringFixed(2))
	assert.Equal(t, "6.00", f.balance(t), "return adds only the 4.00 accrued since reconciliation")
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.borrow(t, 0)
	f.borrow(t, 1)
	rec := f.reconciler()

	f.clock.Set(day0.AddDate(0, 0, 17))
	first, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.UpdatedCount)
	assert.Equal(t, "6.00", first.TotalFinesAdded.StringFixed(2))

	second, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.UpdatedCount)
	assert.True(t, second.TotalFinesAdded.IsZero())
	assert.Equal(t, "6.00", f.balance(t))
}

func TestReconcileSkipsLoansNotYetDue(t *testing.T) {
	f := newFixture(t, 1)
	f.borrow(t, 0)

	f.clock.Set(day0.AddDate(0, 0, 14))
	result, err := f.reconciler().Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.UpdatedCount)
	assert.Equal(t, "0.00", f.balance(t))
}

func TestOverdueAccrualKeepsFinesGrowing(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	loan := f.borrow(t, 0)

	f.clock.Set(day0.AddDate(0, 0, 16))
	_, err := f.reconciler().Run(ctx)
	require.NoError(t, err)

	f.clock.Set(day0.AddDate(0, 0, 18))
	result, err := f.reconciler().Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.UpdatedCount, "overdue loans are left alone by default")

	result, err = f.reconciler(reconcile.WithOverdueAccrual(true)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedCount)
	assert.Equal(t, "2.00", result.TotalFinesAdded.StringFixed(2))

	stored, err := f.store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "4.00", stored.FineAmount.StringFixed(2))
	assert.Equal(t, "4.00", f.balance(t))
}

// failingLoans fails writes for one loan.
type failingLoans struct {
	*memory.Store
	failID uuid.UUID
}

func (s *failingLoans) UpdateLoan(ctx context.Context, update circulation.LoanUpdate) error {
	if update.Loan.ID == s.failID {
		return errors.New("connection reset by peer")
	}
	return s.Store.UpdateLoan(ctx, update)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	f := newFixture(t, 2)
	broken := f.borrow(t, 0)
	f.borrow(t, 1)

	f.clock.Set(day0.AddDate(0, 0, 15))
	result, err := f.reconcilerOver(&failingLoans{Store: f.store, failID: broken.ID}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedCount)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "1.00", f.balance(t))
}

// unlistableLoans cannot list loans.
type unlistableLoans struct {
	*memory.Store
}

func (unlistableLoans) ListLoansDueBefore(ctx context.Context, asOf time.Time, statuses ...circulation.LoanStatus) ([]*circulation.Loan, error) {
	return nil, errors.New("too many connections")
}

func TestReconcileListFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.reconcilerOver(unlistableLoans{f.store}).Run(context.Background())
	assert.ErrorIs(t, err, circulation.ErrUnavailable)
}

// racingLoans returns the loan through the service right before the
// reconciler's first write lands.
type racingLoans struct {
	*memory.Store
	once   sync.Once
	racer  func()
	writes int
}

func (s *racingLoans) UpdateLoan(ctx context.Context, update circulation.LoanUpdate) error {
	s.once.Do(s.racer)
	s.writes++
	return s.Store.UpdateLoan(ctx, update)
}

func TestReconcileYieldsToConcurrentReturn(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	loan := f.borrow(t, 0)
	f.clock.Set(day0.AddDate(0, 0, 19))

	racing := &racingLoans{Store: f.store}
	racing.racer = func() {
		_, err := f.svc.ReturnLoan(ctx, loan.ID, membership.Identity{UserID: f.member.ID})
		require.NoError(t, err)
	}

	result, err := f.reconcilerOver(racing).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.UpdatedCount)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 1, racing.writes, "the stale write is rejected and the reloaded loan needs none")

	stored, err := f.store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.LoanReturned, stored.Status)
	assert.Equal(t, "5.00", f.balance(t), "the fine is charged exactly once")
}

type fakeLease struct {
	ok       bool
	err      error
	released []string
}

func (l *fakeLease) Acquire(ctx context.Context) (string, bool, error) {
	return "token", l.ok, l.err
}

func (l *fakeLease) Release(ctx context.Context, token string) error {
	l.released = append(l.released, token)
	return nil
}

func TestReconcileRespectsLease(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	held := &fakeLease{ok: false}
	_, err := f.reconciler(reconcile.WithLease(held)).Run(ctx)
	assert.ErrorIs(t, err, reconcile.ErrAlreadyRunning)
	assert.ErrorIs(t, err, circulation.ErrUnavailable)
	assert.Empty(t, held.released)

	broken := &fakeLease{err: errors.New("redis: connection refused")}
	_, err = f.reconciler(reconcile.WithLease(broken)).Run(ctx)
	assert.ErrorIs(t, err, circulation.ErrUnavailable)

	free := &fakeLease{ok: true}
	_, err = f.reconciler(reconcile.WithLease(free)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"token"}, free.released)
}

// blockingLoans parks the first listing until released.
type blockingLoans struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (s *blockingLoans) ListLoansDueBefore(ctx context.Context, asOf time.Time, statuses ...circulation.LoanStatus) ([]*circulation.Loan, error) {
	close(s.entered)
	<-s.release
	return s.Store.ListLoansDueBefore(ctx, asOf, statuses...)
}

func TestReconcileRejectsOverlappingRuns(t *testing.T) {
	f := newFixture(t, 0)
	blocking := &blockingLoans{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	rec := f.reconcilerOver(blocking)

	done := make(chan error, 1)
	go func() {
		_, err := rec.Run(context.Background())
		done <- err
	}()
	<-blocking.entered

	_, err := rec.Run(context.Background())
	assert.ErrorIs(t, err, reconcile.ErrAlreadyRunning)

	close(blocking.release)
	require.NoError(t, <-done)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []circulation.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e circulation.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func TestReconcilePublishesFineAccrued(t *testing.T) {
	f := newFixture(t, 1)
	loan := f.borrow(t, 0)
	pub := &recordingPublisher{}

	f.clock.Set(day0.AddDate(0, 0, 17))
	_, err := f.reconciler(reconcile.WithPublisher(pub)).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, circulation.EventFineAccrued, pub.events[0].Type)
	data, ok := pub.events[0].Data.(circulation.FineAccruedEvent)
	require.True(t, ok)
	assert.Equal(t, loan.ID, data.LoanID)
	assert.Equal(t, "3.00", data.FineAdded.StringFixed(2))
}

func TestBalanceTracksFinesAcrossRuns(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, 1)
		ctx := context.Background()
		loan := f.borrow(t, 0)
		rec := f.reconciler(reconcile.WithOverdueAccrual(true))

		offset := 0
		runs := rapid.IntRange(1, 8).Draw(rt, "runs")
		for i := 0; i < runs; i++ {
			offset += rapid.IntRange(0, 10*24).Draw(rt, "stepHours")
			f.clock.Set(day0.Add(time.Duration(offset) * time.Hour))
			if _, err := rec.Run(ctx); err != nil {
				rt.Fatalf("run failed: %v", err)
			}
		}

		stored, err := f.store.GetLoan(ctx, loan.ID)
		if err != nil {
			rt.Fatalf("get loan: %v", err)
		}
		want := circulation.DefaultPolicy().FineFor(stored.DueDate, f.clock.Now())
		if !stored.FineAmount.Equal(want) {
			rt.Fatalf("fine %s, want %s", stored.FineAmount, want)
		}
		if got := f.balance(t); got != want.StringFixed(2) {
			rt.Fatalf("balance %s, want %s", got, want.StringFixed(2))
		}
	})
}
