package circulation

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to callers. Everything the lifecycle service and
// the fine ledger return matches exactly one of these with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrForbidden     = errors.New("forbidden")
	ErrUnavailable   = errors.New("unavailable")
	ErrInvalidAmount = errors.New("invalid amount")
)

var (
	ErrLoanNotFound        = fmt.Errorf("loan %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)

	ErrActiveLoanExists         = fmt.Errorf("%w: an active loan already exists for this user and book", ErrConflict)
	ErrPendingReservationExists = fmt.Errorf("%w: a pending reservation already exists for this user and book", ErrConflict)
	ErrLoanAlreadyReturned      = fmt.Errorf("%w: loan already returned", ErrConflict)
	ErrLoanNotRenewable         = fmt.Errorf("%w: only active loans can be renewed", ErrConflict)
	ErrMaxRenewalsReached       = fmt.Errorf("%w: maximum renewals reached", ErrConflict)
	ErrReservationNotPending    = fmt.Errorf("%w: reservation is not pending", ErrConflict)
)

// ErrVersionConflict is returned by repositories when a conditional write
// lost against a concurrent writer. Callers reload and retry.
var ErrVersionConflict = errors.New("concurrency conflict: version mismatch")
