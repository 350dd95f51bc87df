// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// loan manager and handlers to distinguish between different failure
// scenarios without string matching. For example, ErrBookUnavailable
// signals that no free copy existed at the instant of the atomic
// reservation, while ErrConcurrentConflict marks a conditional write
// that lost a race and may safely be retried.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrBookNotFound is returned when the referenced book does not exist
// in the catalog. Handlers should translate this into an HTTP 404.
var ErrBookNotFound = errors.New("book not found")

// ErrBookUnavailable is returned when no lendable copy is free at the
// instant of the atomic check-and-decrement, or when the title is not
// lendable at all. Handlers should translate this into an HTTP 409.
var ErrBookUnavailable = errors.New("book unavailable")

// ErrLoanNotFound is returned when the referenced loan does not exist.
// Handlers should translate this into an HTTP 404.
var ErrLoanNotFound = errors.New("loan not found")

// ErrLoanNotActive is returned when a return or renewal is attempted on
// a loan that is already returned (or, for renewals, logically overdue).
// Handlers should translate this into an HTTP 409.
var ErrLoanNotActive = errors.New("loan not active")

// ErrRenewalLimitReached is returned when a renewal would exceed the
// limit captured on the loan at creation time. The attempt is rejected,
// never clamped. Handlers should translate this into an HTTP 409.
var ErrRenewalLimitReached = errors.New("renewal limit reached")

// ErrConcurrentConflict is returned when a conditional write lost a
// race against another caller. The loan manager retries these a small,
// bounded number of times; if one still escapes, handlers should
// translate it into an HTTP 503 so the client may retry.
var ErrConcurrentConflict = errors.New("concurrent conflict")

// ErrInvariantViolation is defensive: it marks a state the atomic
// operations should make unreachable, such as releasing a copy when the
// available counter already equals the total. It is surfaced rather
// than silently corrected.
var ErrInvariantViolation = errors.New("invariant violation")

// MySQL server error numbers for lock conflicts. Conditional updates
// keep each operation to a single row, but deadlocks and lock wait
// timeouts can still occur under load and are safe to retry.
const (
	mysqlErrLockDeadlock    = 1213
	mysqlErrLockWaitTimeout = 1205
)

// mapConflict rewrites retryable MySQL lock errors to
// ErrConcurrentConflict and passes every other error through unchanged.
func mapConflict(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		if me.Number == mysqlErrLockDeadlock || me.Number == mysqlErrLockWaitTimeout {
			return ErrConcurrentConflict
		}
	}
	return err
}
