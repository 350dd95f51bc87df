// Package service contains the loan manager, the orchestrator of the
// loan lifecycle. Every operation composes the atomic conditional
// updates exposed by the book store and the loan ledger, so the
// availability invariant (available = total - open loans per book)
// holds before and after every call, including failed ones.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chulla-libro/loan-service/internal/model"
	"github.com/chulla-libro/loan-service/internal/repository"
)

// maxAttempts bounds how often an operation is retried after a
// conditional write loses a race. Conflicts beyond this surface as
// repository.ErrConcurrentConflict to the caller.
const maxAttempts = 3

// BookStore is the slice of the book repository the loan manager needs:
// one read plus the two counter mutations. TryReserveCopy must be an
// atomic decrement-if-positive and ReleaseCopy an atomic increment
// capped at the total, never a separate read followed by a write.
type BookStore interface {
	GetByID(ctx context.Context, bookID uint64) (*repository.BookRecord, error)
	TryReserveCopy(ctx context.Context, bookID uint64) (bool, error)
	ReleaseCopy(ctx context.Context, bookID uint64) error
}

// LoanLedger is the slice of the loan repository the manager needs.
// Transition and RenewIfAllowed are compare-and-set writes: they report
// (false, nil) when the guard rejected the update so the manager can
// classify the loss without the ledger ever being corrupted.
type LoanLedger interface {
	Insert(ctx context.Context, l *model.Loan) error
	GetByID(ctx context.Context, loanID uint64) (*model.Loan, error)
	Transition(ctx context.Context, loanID uint64, from []model.LoanState, to model.LoanState, returnedAt *time.Time) (bool, error)
	RenewIfAllowed(ctx context.Context, loanID uint64, newDueAt time.Time) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]model.Loan, error)
}

// LoanManager exposes CreateLoan, ReturnLoan, RenewLoan and
// ExpireOverdueLoans. It holds no state of its own beyond its
// dependencies; all shared state lives behind the store and ledger, so
// unrelated books and loans proceed fully in parallel.
type LoanManager struct {
	books BookStore
	loans LoanLedger
	now   func() time.Time
}

// NewLoanManager constructs a LoanManager. Both dependencies must be
// non-nil.
func NewLoanManager(books BookStore, loans LoanLedger) *LoanManager {
	if books == nil || loans == nil {
		panic("nil dependency passed to NewLoanManager")
	}
	return &LoanManager{books: books, loans: loans, now: time.Now}
}

// withRetry runs op up to maxAttempts times, retrying only when it
// reports a concurrent conflict. Any other outcome is returned as is.
func withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = op()
		if !errors.Is(err, repository.ErrConcurrentConflict) {
			return err
		}
	}
	return err
}

// CreateLoan reserves a copy of the book and appends an ACTIVE loan to
// the ledger. The availability check and the decrement are one
// indivisible operation inside the store; when the subsequent ledger
// insert fails the reservation is released again so no copy leaks.
// Returns repository.ErrBookNotFound when the book does not exist and
// repository.ErrBookUnavailable when it is inactive or has no free copy.
func (m *LoanManager) CreateLoan(ctx context.Context, userID, bookID uint64, dueAt time.Time, notes string) (*model.Loan, error) {
	var created *model.Loan
	err := withRetry(func() error {
		book, err := m.books.GetByID(ctx, bookID)
		if err != nil {
			return err
		}
		if !book.IsActive {
			return repository.ErrBookUnavailable
		}
		ok, err := m.books.TryReserveCopy(ctx, bookID)
		if err != nil {
			return err
		}
		if !ok {
			return repository.ErrBookUnavailable
		}
		loan := &model.Loan{
			UserID:      userID,
			BookID:      bookID,
			Status:      model.LoanActive,
			BorrowedAt:  m.now().UTC(),
			DueAt:       dueAt.UTC(),
			MaxRenewals: book.MaxRenewals,
			Notes:       notes,
		}
		if err := m.loans.Insert(ctx, loan); err != nil {
			// Compensating action: the reservation must not outlive a
			// failed insert or the availability invariant breaks.
			if relErr := m.books.ReleaseCopy(ctx, bookID); relErr != nil {
				log.Printf("loan-manager: release after failed insert for book %d: %v", bookID, relErr)
			}
			return err
		}
		created = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ReturnLoan moves a loan from ACTIVE or OVERDUE to RETURNED and frees
// its copy. The transition is a compare-and-set on the stored status,
// so two concurrent returns of the same loan result in exactly one
// success; the loser observes repository.ErrLoanNotActive and the copy
// counter is incremented exactly once.
func (m *LoanManager) ReturnLoan(ctx context.Context, loanID uint64) (*model.Loan, error) {
	var returned *model.Loan
	err := withRetry(func() error {
		loan, err := m.loans.GetByID(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status == model.LoanReturned {
			return repository.ErrLoanNotActive
		}
		now := m.now().UTC()
		ok, err := m.loans.Transition(ctx, loanID,
			[]model.LoanState{model.LoanActive, model.LoanOverdue},
			model.LoanReturned, &now)
		if err != nil {
			return err
		}
		if !ok {
			return m.classifyLostTransition(ctx, loanID)
		}
		loan.Status = model.LoanReturned
		loan.ReturnedAt = &now
		returned = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The RETURNED transition has landed; from here only the release may
	// be retried. Re-running the whole operation would re-read the row,
	// see RETURNED and report the caller's own success as LoanNotActive
	// while the copy stays reserved forever.
	if err := withRetry(func() error {
		return m.books.ReleaseCopy(ctx, returned.BookID)
	}); err != nil {
		log.Printf("loan-manager: release after return of loan %d: %v", loanID, err)
		return nil, fmt.Errorf("loan %d returned but copy not released: %w", loanID, err)
	}
	return returned, nil
}

// RenewLoan extends the due date of an ACTIVE loan and increments its
// renewal counter, strictly bounded by the limit captured at creation.
// Loans that are returned or logically overdue cannot be renewed. The
// counter check and the update are one conditional write in the ledger;
// availability is never touched.
func (m *LoanManager) RenewLoan(ctx context.Context, loanID uint64, newDueAt time.Time) (*model.Loan, error) {
	var renewed *model.Loan
	err := withRetry(func() error {
		loan, err := m.loans.GetByID(ctx, loanID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		if loan.EffectiveState(now) != model.LoanActive {
			return repository.ErrLoanNotActive
		}
		if loan.RenewalCount >= loan.MaxRenewals {
			return repository.ErrRenewalLimitReached
		}
		ok, err := m.loans.RenewIfAllowed(ctx, loanID, newDueAt)
		if err != nil {
			return err
		}
		if !ok {
			return m.classifyLostRenewal(ctx, loanID)
		}
		loan.DueAt = newDueAt.UTC()
		loan.RenewalCount++
		renewed = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// ExpireOverdueLoans persists the time-based ACTIVE -> OVERDUE
// transition for every loan due before now and returns the loans that
// moved so callers can publish expiry events. Readers derive overdue
// independently; nothing waits on this sweep.
func (m *LoanManager) ExpireOverdueLoans(ctx context.Context, now time.Time) ([]model.Loan, error) {
	var moved []model.Loan
	err := withRetry(func() error {
		ms, err := m.loans.ExpireOverdue(ctx, now)
		if err != nil {
			return err
		}
		moved = ms
		return nil
	})
	return moved, err
}

// classifyLostTransition re-reads a loan after a return CAS did not
// land and maps the row's state to the error the caller should see. A
// row that still looks returnable lost a race mid-flight; that is
// reported as a retryable conflict.
func (m *LoanManager) classifyLostTransition(ctx context.Context, loanID uint64) error {
	cur, err := m.loans.GetByID(ctx, loanID)
	if err != nil {
		return err
	}
	if cur.Status == model.LoanReturned {
		return repository.ErrLoanNotActive
	}
	return repository.ErrConcurrentConflict
}

// classifyLostRenewal is the renewal counterpart of
// classifyLostTransition.
func (m *LoanManager) classifyLostRenewal(ctx context.Context, loanID uint64) error {
	cur, err := m.loans.GetByID(ctx, loanID)
	if err != nil {
		return err
	}
	if cur.Status != model.LoanActive {
		return repository.ErrLoanNotActive
	}
	if cur.RenewalCount >= cur.MaxRenewals {
		return repository.ErrRenewalLimitReached
	}
	return repository.ErrConcurrentConflict
}
