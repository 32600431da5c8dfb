package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"libraai/internal/catalog"
	"libraai/internal/membership"
	"libraai/internal/storage/memory"
)

func TestEvaluateThreshold(t *testing.T) {
	cases := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 2, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evaluateThreshold(tc.value, Threshold{Operator: tc.op, Value: 1}), "%v %s 1", tc.value, tc.op)
	}
}

func TestHealthyStore(t *testing.T) {
	store := memory.NewStore()
	store.AddBook(catalog.Book{ID: uuid.New(), TotalCopies: 3, AvailableCopies: 1})
	store.AddMember(membership.Member{ID: uuid.New(), FineBalance: decimal.Zero})

	a := NewAuditor(zap.NewNop())
	a.Register(InvariantChecks(store, decimal.NewFromInt(30))...)
	assert.Nil(t, a.LastReport())

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Len(t, report.Values, 3)
	assert.Same(t, report, a.LastReport())
}

func TestDriftIsReportedNotRepaired(t *testing.T) {
	store := memory.NewStore()
	member := membership.Member{ID: uuid.New(), FineBalance: decimal.NewFromInt(3)}
	store.AddMember(member)

	a := NewAuditor(zap.NewNop())
	a.Register(InvariantChecks(store, decimal.NewFromInt(30))...)

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Healthy())
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "ledger_drift_members", report.Violations[0].Check)
	assert.Equal(t, float64(1), report.Violations[0].Actual)

	stored, err := store.GetMember(context.Background(), member.ID)
	require.NoError(t, err)
	assert.Equal(t, "3.00", stored.FineBalance.StringFixed(2))
}

func TestFailingCheckIsAViolation(t *testing.T) {
	a := NewAuditor(zap.NewNop())
	a.Register(Check{
		Name:      "unreachable",
		Query:     func(ctx context.Context) (float64, error) { return 0, errors.New("connection refused") },
		Threshold: Threshold{Operator: "==", Value: 0},
	})

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, float64(-1), report.Violations[0].Actual)
	assert.Equal(t, "connection refused", report.Violations[0].Error)
}
