package circulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewLoan opens an active loan for userID on bookID at borrowedAt.
func (p Policy) NewLoan(userID, bookID uuid.UUID, borrowedAt time.Time) *Loan {
	return &Loan{
		ID:          uuid.New(),
		UserID:      userID,
		BookID:      bookID,
		BorrowedAt:  borrowedAt,
		DueDate:     p.DueDate(borrowedAt),
		Status:      LoanActive,
		FineAmount:  decimal.Zero,
		MaxRenewals: p.MaxRenewals,
		Version:     1,
	}
}

// Accrue applies overdue detection and fine accrual as of asOf. It moves an
// active loan past its due date to overdue and raises the fine to the
// policy amount if that is higher. The returned delta is the amount the
// fine grew by; changed reports whether the loan needs to be written.
func (l *Loan) Accrue(p Policy, asOf time.Time) (delta decimal.Decimal, changed bool) {
	if l.Status == LoanReturned || !l.DueDate.Before(asOf) {
		return decimal.Zero, false
	}
	if l.Status == LoanActive {
		l.Status = LoanOverdue
		changed = true
	}
	delta = l.raiseFine(p.FineFor(l.DueDate, asOf))
	return delta, changed || delta.IsPositive()
}

// Return closes the loan at the given time. The stored fine is never
// lowered: the higher of the stored and the freshly computed fine wins.
func (l *Loan) Return(p Policy, at time.Time) (decimal.Decimal, error) {
	if l.Status == LoanReturned {
		return decimal.Zero, ErrLoanAlreadyReturned
	}
	delta := l.raiseFine(p.FineFor(l.DueDate, at))
	returnedAt := at
	l.ReturnedAt = &returnedAt
	l.Status = LoanReturned
	return delta, nil
}

// Renew extends an active loan by one renewal period.
func (l *Loan) Renew(p Policy) error {
	if l.Status != LoanActive {
		return ErrLoanNotRenewable
	}
	if l.RenewalCount >= l.MaxRenewals {
		return ErrMaxRenewalsReached
	}
	l.DueDate = l.DueDate.AddDate(0, 0, p.RenewalPeriodDays)
	l.RenewalCount++
	return nil
}

func (l *Loan) raiseFine(fine decimal.Decimal) decimal.Decimal {
	if !fine.GreaterThan(l.FineAmount) {
		return decimal.Zero
	}
	delta := fine.Sub(l.FineAmount)
	l.FineAmount = fine
	return delta
}
