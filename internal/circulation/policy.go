package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the loan and fine rules.
type Policy struct {
	LoanPeriodDays     int
	RenewalPeriodDays  int
	MaxRenewals        int
	ReservationTTLDays int
	FinePerDay         decimal.Decimal
	MaxFinePerBook     decimal.Decimal
}

// DefaultPolicy returns the standard library rules: 14-day loans, two
// 14-day renewals, 1.00 per day capped at 30.00 per book, 7-day holds.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriodDays:     14,
		RenewalPeriodDays:  14,
		MaxRenewals:        2,
		ReservationTTLDays: 7,
		FinePerDay:         decimal.NewFromInt(1),
		MaxFinePerBook:     decimal.NewFromInt(30),
	}
}

// DueDate returns the due date for a loan starting at borrowedAt.
func (p Policy) DueDate(borrowedAt time.Time) time.Time {
	return borrowedAt.AddDate(0, 0, p.LoanPeriodDays)
}

// ReservationExpiry returns when a reservation made at reservedAt lapses.
func (p Policy) ReservationExpiry(reservedAt time.Time) time.Time {
	return reservedAt.AddDate(0, 0, p.ReservationTTLDays)
}

// DaysOverdue returns the number of whole days asOf is past due, or 0.
func (p Policy) DaysOverdue(due, asOf time.Time) int {
	if !asOf.After(due) {
		return 0
	}
	return int(asOf.Sub(due) / (24 * time.Hour))
}

// FineFor returns the fine owed for a loan due at due, evaluated at asOf.
// The result is never negative and never exceeds MaxFinePerBook.
func (p Policy) FineFor(due, asOf time.Time) decimal.Decimal {
	days := p.DaysOverdue(due, asOf)
	if days == 0 {
		return decimal.Zero
	}
	fine := p.FinePerDay.Mul(decimal.NewFromInt(int64(days)))
	if fine.GreaterThan(p.MaxFinePerBook) {
		fine = p.MaxFinePerBook
	}
	return fine.Round(2)
}
