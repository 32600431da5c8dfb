package reconcile_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"libraai/internal/reconcile"
)

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := reconcile.NewScheduler(zap.NewNop(), time.Second)

	err := s.AddJob("reconcile", "not a schedule", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := reconcile.NewScheduler(zap.NewNop(), time.Second)
	var runs atomic.Int32
	require.NoError(t, s.AddJob("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSchedulerStopCancelsStuckJobs(t *testing.T) {
	s := reconcile.NewScheduler(zap.NewNop(), time.Hour)
	started := make(chan struct{})
	var once atomic.Bool
	finished := make(chan error, 1)
	require.NoError(t, s.AddJob("stuck", "@every 1s", func(ctx context.Context) error {
		if !once.CompareAndSwap(false, true) {
			return nil
		}
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return ctx.Err()
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stuck job was not cancelled")
	}
}
