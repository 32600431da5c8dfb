package audit

import (
	"context"

	"github.com/shopspring/decimal"
)

// Source counts records that break a circulation invariant.
type Source interface {
	CountCopiesOutOfRange(ctx context.Context) (int, error)
	CountFinesOutOfRange(ctx context.Context, max decimal.Decimal) (int, error)
	CountLedgerDrift(ctx context.Context) (int, error)
}

// InvariantChecks returns the standard circulation checks against src.
// maxFine is the per-loan fine cap.
func InvariantChecks(src Source, maxFine decimal.Decimal) []Check {
	return []Check{
		{
			Name:        "copies_out_of_range",
			Description: "Books whose available copies fall outside [0, total]",
			Query: func(ctx context.Context) (float64, error) {
				n, err := src.CountCopiesOutOfRange(ctx)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:        "fines_over_cap",
			Description: "Loans whose fine is negative or above the per-book cap",
			Query: func(ctx context.Context) (float64, error) {
				n, err := src.CountFinesOutOfRange(ctx, maxFine)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:        "ledger_drift_members",
			Description: "Members whose balance differs from loan fines minus payments",
			Query: func(ctx context.Context) (float64, error) {
				n, err := src.CountLedgerDrift(ctx)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}
