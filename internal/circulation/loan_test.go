package circulation

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewLoan(t *testing.T) {
	p := DefaultPolicy()
	l := p.NewLoan(uuid.New(), uuid.New(), day0)

	assert.Equal(t, LoanActive, l.Status)
	assert.Equal(t, day0.Add(days(14)), l.DueDate)
	assert.True(t, l.FineAmount.IsZero())
	assert.Equal(t, 2, l.MaxRenewals)
	assert.Equal(t, 1, l.Version)
	assert.Nil(t, l.ReturnedAt)
}

func TestAccrueBeforeDueIsNoop(t *testing.T) {
	p := DefaultPolicy()
	l := p.NewLoan(uuid.New(), uuid.New(), day0)

	delta, changed := l.Accrue(p, day0.Add(days(14)))
	assert.False(t, changed)
	assert.True(t, delta.IsZero())
	assert.Equal(t, LoanActive, l.Status)
}

func TestAccrueMarksOverdueAndAddsOnlyDifference(t *testing.T) {
	p := DefaultPolicy()
	l := p.NewLoan(uuid.New(), uuid.New(), day0)

	delta, changed := l.Accrue(p, day0.Add(days(16)))
	require.True(t, changed)
	assert.Equal(t, LoanOverdue, l.Status)
	assert.Equal(t, "2", delta.String())

	delta, changed = l.Accrue(p, day0.Add(days(16)))
	assert.False(t, changed, "same instant again changes nothing")
	assert.True(t, delta.IsZero())

	delta, changed = l.Accrue(p, day0.Add(days(19)))
	assert.True(t, changed)
	assert.Equal(t, "3", delta.String())
	assert.Equal(t, "5", l.FineAmount.String())
}

func TestReturnKeepsHigherFine(t *testing.T) {
	p := DefaultPolicy()
	l := p.NewLoan(uuid.New(), uuid.New(), day0)
	l.FineAmount = decimal.NewFromInt(10)
	l.Status = LoanOverdue

	delta, err := l.Return(p, day0.Add(days(16)))
	require.NoError(t, err)
	assert.True(t, delta.IsZero())
	assert.Equal(t, "10", l.FineAmount.String())
	assert.Equal(t, LoanReturned, l.Status)
	require.NotNil(t, l.ReturnedAt)

	_, err = l.Return(p, day0.Add(days(17)))
	assert.ErrorIs(t, err, ErrLoanAlreadyReturned)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReturnedLoanNeverAccrues(t *testing.T) {
	p := DefaultPolicy()
	l := p.NewLoan(uuid.New(), uuid.New(), day0)
	_, err := l.Return(p, day0.Add(days(20)))
	require.NoError(t, err)

	delta, changed := l.Accrue(p, day0.Add(days(40)))
	assert.False(t, changed)
	assert.True(t, delta.IsZero())
	assert.Equal(t, "6", l.FineAmount.String())
}

func TestRenewLimits(t *testing.T) {
	p := DefaultPolicy()
	l := p.NewLoan(uuid.New(), uuid.New(), day0)
	due := l.DueDate

	require.NoError(t, l.Renew(p))
	assert.Equal(t, due.Add(days(14)), l.DueDate)
	assert.Equal(t, 1, l.RenewalCount)

	require.NoError(t, l.Renew(p))
	assert.Equal(t, due.Add(days(28)), l.DueDate)

	err := l.Renew(p)
	assert.ErrorIs(t, err, ErrMaxRenewalsReached)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 2, l.RenewalCount)
}

func TestRenewRequiresActive(t *testing.T) {
	p := DefaultPolicy()
	l := p.NewLoan(uuid.New(), uuid.New(), day0)
	l.Accrue(p, day0.Add(days(15)))

	assert.ErrorIs(t, l.Renew(p), ErrLoanNotRenewable)
}

func TestLoanFineInvariantUnderRandomLifecycle(t *testing.T) {
	p := DefaultPolicy()
	rapid.Check(t, func(t *rapid.T) {
		l := p.NewLoan(uuid.New(), uuid.New(), day0)
		at := day0
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			at = at.Add(days(rapid.IntRange(0, 10).Draw(t, "advanceDays")))
			before := l.FineAmount
			var err error
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				l.Accrue(p, at)
			case 1:
				err = l.Renew(p)
			case 2:
				_, err = l.Return(p, at)
			}
			if err != nil && !errors.Is(err, ErrConflict) {
				t.Fatalf("unexpected error: %v", err)
			}
			if l.FineAmount.LessThan(before) {
				t.Fatalf("fine decreased from %s to %s", before, l.FineAmount)
			}
			if l.FineAmount.IsNegative() || l.FineAmount.GreaterThan(p.MaxFinePerBook) {
				t.Fatalf("fine %s out of bounds", l.FineAmount)
			}
			if l.RenewalCount > l.MaxRenewals {
				t.Fatalf("renewal count %d above max", l.RenewalCount)
			}
		}
	})
}
