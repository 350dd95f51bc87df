package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chulla-libro/loan-service/internal/model"
	"github.com/chulla-libro/loan-service/internal/repository"
)

// fakeBookStore is a mutex-guarded in-memory BookStore. The guarded
// counter operations mirror the conditional UPDATEs of the real repo so
// concurrency tests exercise the same decrement-if-positive semantics.
// releaseErrs forces ReleaseCopy failures, one per call, before the
// counter is touched.
type fakeBookStore struct {
	mu          sync.Mutex
	books       map[uint64]*repository.BookRecord
	releaseErrs []error
}

func newFakeBookStore(books ...*repository.BookRecord) *fakeBookStore {
	s := &fakeBookStore{books: make(map[uint64]*repository.BookRecord)}
	for _, b := range books {
		cp := *b
		s.books[b.ID] = &cp
	}
	return s
}

func (s *fakeBookStore) GetByID(_ context.Context, bookID uint64) (*repository.BookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return nil, repository.ErrBookNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *fakeBookStore) TryReserveCopy(_ context.Context, bookID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok || !b.IsActive || b.AvailableCopies == 0 {
		return false, nil
	}
	b.AvailableCopies--
	return true, nil
}

func (s *fakeBookStore) ReleaseCopy(_ context.Context, bookID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.releaseErrs) > 0 {
		err := s.releaseErrs[0]
		s.releaseErrs = s.releaseErrs[1:]
		if err != nil {
			return err
		}
	}
	b, ok := s.books[bookID]
	if !ok {
		return repository.ErrBookNotFound
	}
	if b.AvailableCopies >= b.TotalCopies {
		return repository.ErrInvariantViolation
	}
	b.AvailableCopies++
	return nil
}

func (s *fakeBookStore) available(bookID uint64) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books[bookID].AvailableCopies
}

// fakeLedger is a mutex-guarded in-memory LoanLedger whose Transition
// and RenewIfAllowed are genuine compare-and-set operations. The reject
// counters make the next N conditional writes report a lost race
// without touching state, simulating a competing writer.
type fakeLedger struct {
	mu                sync.Mutex
	nextID            uint64
	loans             map[uint64]*model.Loan
	insertErr         error // forced failure for compensation tests
	renewRejects      int
	transitionRejects int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{loans: make(map[uint64]*model.Loan)}
}

func (f *fakeLedger) Insert(_ context.Context, l *model.Loan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nextID++
	l.ID = f.nextID
	cp := *l
	f.loans[l.ID] = &cp
	return nil
}

func (f *fakeLedger) GetByID(_ context.Context, loanID uint64) (*model.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.loans[loanID]
	if !ok {
		return nil, repository.ErrLoanNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLedger) Transition(_ context.Context, loanID uint64, from []model.LoanState, to model.LoanState, returnedAt *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionRejects > 0 {
		f.transitionRejects--
		return false, nil
	}
	l, ok := f.loans[loanID]
	if !ok {
		return false, nil
	}
	match := false
	for _, s := range from {
		if l.Status == s {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	l.Status = to
	if returnedAt != nil {
		t := *returnedAt
		l.ReturnedAt = &t
	}
	return true, nil
}

func (f *fakeLedger) RenewIfAllowed(_ context.Context, loanID uint64, newDueAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewRejects > 0 {
		f.renewRejects--
		return false, nil
	}
	l, ok := f.loans[loanID]
	if !ok || l.Status != model.LoanActive || l.RenewalCount >= l.MaxRenewals {
		return false, nil
	}
	l.DueAt = newDueAt
	l.RenewalCount++
	return true, nil
}

func (f *fakeLedger) ExpireOverdue(_ context.Context, now time.Time) ([]model.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var moved []model.Loan
	for _, l := range f.loans {
		if l.Status == model.LoanActive && l.DueAt.Before(now) {
			l.Status = model.LoanOverdue
			moved = append(moved, *l)
		}
	}
	return moved, nil
}

// openLoans counts loans on a book in ACTIVE or OVERDUE state.
func (f *fakeLedger) openLoans(bookID uint64) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n uint32
	for _, l := range f.loans {
		if l.BookID == bookID && (l.Status == model.LoanActive || l.Status == model.LoanOverdue) {
			n++
		}
	}
	return n
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(books *fakeBookStore, loans *fakeLedger) *LoanManager {
	m := NewLoanManager(books, loans)
	m.now = func() time.Time { return fixedNow }
	return m
}

func testBook(id uint64, total, available uint32) *repository.BookRecord {
	return &repository.BookRecord{
		ID: id, Title: "Cien años de soledad", Author: "G. García Márquez",
		Category: "Novela", TotalCopies: total, AvailableCopies: available,
		MaxRenewals: 2, IsActive: true,
	}
}

// requireAvailability asserts invariant I1: available equals total minus
// open (ACTIVE or OVERDUE) loans on the book.
func requireAvailability(t *testing.T, books *fakeBookStore, loans *fakeLedger, bookID uint64, total uint32) {
	t.Helper()
	require.Equal(t, total-loans.openLoans(bookID), books.available(bookID))
}

func TestCreateLoan(t *testing.T) {
	books := newFakeBookStore(testBook(1, 3, 3))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	due := fixedNow.Add(7 * 24 * time.Hour)
	loan, err := m.CreateLoan(context.Background(), 10, 1, due, "")
	require.NoError(t, err)
	require.Equal(t, model.LoanActive, loan.Status)
	require.Equal(t, uint64(10), loan.UserID)
	require.Equal(t, uint32(0), loan.RenewalCount)
	require.Equal(t, uint32(2), loan.MaxRenewals, "renewal policy copied from book")
	require.Equal(t, fixedNow, loan.BorrowedAt)
	require.Nil(t, loan.ReturnedAt)
	require.Equal(t, uint32(2), books.available(1))
	requireAvailability(t, books, loans, 1, 3)
}

func TestCreateLoanBookMissing(t *testing.T) {
	m := newTestManager(newFakeBookStore(), newFakeLedger())
	_, err := m.CreateLoan(context.Background(), 10, 99, fixedNow.Add(time.Hour), "")
	require.ErrorIs(t, err, repository.ErrBookNotFound)
}

func TestCreateLoanInactiveBook(t *testing.T) {
	b := testBook(1, 3, 3)
	b.IsActive = false
	m := newTestManager(newFakeBookStore(b), newFakeLedger())
	_, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.ErrorIs(t, err, repository.ErrBookUnavailable)
}

func TestCreateLoanNoCopies(t *testing.T) {
	books := newFakeBookStore(testBook(1, 2, 0))
	m := newTestManager(books, newFakeLedger())
	_, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.ErrorIs(t, err, repository.ErrBookUnavailable)
	require.Equal(t, uint32(0), books.available(1))
}

// No over-lending: with N copies and many concurrent callers, exactly N
// creations succeed and every other caller sees BookUnavailable.
func TestCreateLoanConcurrentNoOverLending(t *testing.T) {
	const total = 3
	const callers = 10
	books := newFakeBookStore(testBook(1, total, total))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.CreateLoan(context.Background(), uint64(100+i), 1, fixedNow.Add(time.Hour), "")
		}(i)
	}
	wg.Wait()

	var succeeded, unavailable int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, repository.ErrBookUnavailable):
			unavailable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, total, succeeded)
	require.Equal(t, callers-total, unavailable)
	require.Equal(t, uint32(0), books.available(1))
	requireAvailability(t, books, loans, 1, total)
}

// Failure atomicity: when the ledger insert fails after a successful
// reservation, the copy is released again and nothing leaks.
func TestCreateLoanInsertFailureReleasesCopy(t *testing.T) {
	books := newFakeBookStore(testBook(1, 3, 3))
	loans := newFakeLedger()
	loans.insertErr = errors.New("insert failed")
	m := newTestManager(books, loans)

	_, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.Error(t, err)
	require.Equal(t, uint32(3), books.available(1), "reservation must be compensated")
	requireAvailability(t, books, loans, 1, 3)
}

func TestReturnLoan(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)

	got, err := m.ReturnLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanReturned, got.Status)
	require.NotNil(t, got.ReturnedAt)
	require.Equal(t, fixedNow, *got.ReturnedAt)
	require.Equal(t, uint32(1), books.available(1))
	requireAvailability(t, books, loans, 1, 1)
}

func TestReturnLoanNotFound(t *testing.T) {
	m := newTestManager(newFakeBookStore(testBook(1, 1, 1)), newFakeLedger())
	_, err := m.ReturnLoan(context.Background(), 42)
	require.ErrorIs(t, err, repository.ErrLoanNotFound)
}

func TestReturnLoanAcceptsOverdue(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(-48*time.Hour), "")
	require.NoError(t, err)

	// Persist the overdue state first, then return.
	moved, err := m.ExpireOverdueLoans(context.Background(), fixedNow)
	require.NoError(t, err)
	require.Len(t, moved, 1)

	got, err := m.ReturnLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanReturned, got.Status)
	require.Equal(t, uint32(1), books.available(1))
}

// No double return: two concurrent returns of the same loan result in
// exactly one success, and the available counter increments once.
func TestReturnLoanConcurrentDoubleReturn(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.ReturnLoan(context.Background(), loan.ID)
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, repository.ErrLoanNotActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)
	require.Equal(t, uint32(1), books.available(1), "copy released exactly once")
}

// A transient conflict on the release after the RETURNED transition has
// landed must not fail the return: only the release is retried, the
// caller still gets its returned loan and the counter is restored.
func TestReturnLoanReleaseConflictRetried(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)

	books.releaseErrs = []error{repository.ErrConcurrentConflict}
	got, err := m.ReturnLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanReturned, got.Status)
	require.Equal(t, uint32(1), books.available(1))
	requireAvailability(t, books, loans, 1, 1)
}

// When the release keeps conflicting past the retry bound, the error
// surfaced must name the conflict, never LoanNotActive: the caller's
// transition did land and must not be reported as a rejected return.
func TestReturnLoanReleaseExhaustedSurfacesConflict(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)

	books.releaseErrs = []error{
		repository.ErrConcurrentConflict,
		repository.ErrConcurrentConflict,
		repository.ErrConcurrentConflict,
	}
	_, err = m.ReturnLoan(context.Background(), loan.ID)
	require.ErrorIs(t, err, repository.ErrConcurrentConflict)
	require.NotErrorIs(t, err, repository.ErrLoanNotActive)

	got, err := loans.GetByID(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanReturned, got.Status, "landed transition is kept")
}

// A return whose CAS loses a race against a competing writer while the
// row still looks returnable is retried and succeeds on a later attempt.
func TestReturnLoanTransientConflictRetried(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)

	loans.transitionRejects = 1
	got, err := m.ReturnLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanReturned, got.Status)
	require.Equal(t, uint32(1), books.available(1), "copy released exactly once")
}

// Renewal bound: a loan with max_renewals = 2 renews twice and is then
// rejected, never clamped.
func TestRenewLoanBound(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(7*24*time.Hour), "")
	require.NoError(t, err)

	first, err := m.RenewLoan(context.Background(), loan.ID, fixedNow.Add(14*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, uint32(1), first.RenewalCount)

	second, err := m.RenewLoan(context.Background(), loan.ID, fixedNow.Add(21*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, uint32(2), second.RenewalCount)

	_, err = m.RenewLoan(context.Background(), loan.ID, fixedNow.Add(28*24*time.Hour))
	require.ErrorIs(t, err, repository.ErrRenewalLimitReached)

	got, err := loans.GetByID(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.RenewalCount, "rejected renewal leaves state unchanged")
	require.Equal(t, fixedNow.Add(21*24*time.Hour), got.DueAt)
}

func TestRenewLoanDoesNotTouchAvailability(t *testing.T) {
	books := newFakeBookStore(testBook(1, 2, 2))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)
	before := books.available(1)

	_, err = m.RenewLoan(context.Background(), loan.ID, fixedNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, before, books.available(1))
}

func TestRenewLoanOverdueRejected(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	// Due date already passed: logically overdue even though the sweep
	// has not persisted the state yet.
	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(-time.Hour), "")
	require.NoError(t, err)

	_, err = m.RenewLoan(context.Background(), loan.ID, fixedNow.Add(time.Hour))
	require.ErrorIs(t, err, repository.ErrLoanNotActive)
}

// A renewal whose conditional write loses a race while the row still
// looks renewable is classified as a conflict and retried.
func TestRenewLoanTransientConflictRetried(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)

	loans.renewRejects = 1
	got, err := m.RenewLoan(context.Background(), loan.ID, fixedNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, uint32(1), got.RenewalCount)
}

// Retries are bounded: a renewal that keeps losing its conditional
// write is attempted exactly maxAttempts times, then surfaces
// ConcurrentConflict with no state change.
func TestRenewLoanConflictRetryBound(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)

	loans.renewRejects = maxAttempts + 2
	_, err = m.RenewLoan(context.Background(), loan.ID, fixedNow.Add(2*time.Hour))
	require.ErrorIs(t, err, repository.ErrConcurrentConflict)
	require.Equal(t, 2, loans.renewRejects, "one reject consumed per attempt")

	got, err := loans.GetByID(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(0), got.RenewalCount)
	require.Equal(t, fixedNow.Add(time.Hour), got.DueAt)
}

func TestRenewLoanReturnedRejected(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	loan, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)
	_, err = m.ReturnLoan(context.Background(), loan.ID)
	require.NoError(t, err)

	_, err = m.RenewLoan(context.Background(), loan.ID, fixedNow.Add(2*time.Hour))
	require.ErrorIs(t, err, repository.ErrLoanNotActive)
}

func TestExpireOverdueLoans(t *testing.T) {
	books := newFakeBookStore(testBook(1, 3, 3))
	loans := newFakeLedger()
	m := newTestManager(books, loans)

	overdue, err := m.CreateLoan(context.Background(), 10, 1, fixedNow.Add(-time.Hour), "")
	require.NoError(t, err)
	current, err := m.CreateLoan(context.Background(), 11, 1, fixedNow.Add(time.Hour), "")
	require.NoError(t, err)
	done, err := m.CreateLoan(context.Background(), 12, 1, fixedNow.Add(-time.Hour), "")
	require.NoError(t, err)
	_, err = m.ReturnLoan(context.Background(), done.ID)
	require.NoError(t, err)

	moved, err := m.ExpireOverdueLoans(context.Background(), fixedNow)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, overdue.ID, moved[0].ID)
	require.Equal(t, model.LoanOverdue, moved[0].Status)

	got, err := loans.GetByID(context.Background(), overdue.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanOverdue, got.Status)

	got, err = loans.GetByID(context.Background(), current.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanActive, got.Status)

	got, err = loans.GetByID(context.Background(), done.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanReturned, got.Status, "returned loans never become overdue")

	// Overdue loans still count as open copies.
	requireAvailability(t, books, loans, 1, 3)
}

// End-to-end scenario: one copy, lend it, reject the second borrower,
// return it, reject the double return.
func TestLoanLifecycleScenario(t *testing.T) {
	books := newFakeBookStore(testBook(1, 1, 1))
	loans := newFakeLedger()
	m := newTestManager(books, loans)
	due := fixedNow.Add(7 * 24 * time.Hour)

	l1, err := m.CreateLoan(context.Background(), 1, 1, due, "")
	require.NoError(t, err)
	require.Equal(t, model.LoanActive, l1.Status)
	require.Equal(t, uint32(0), books.available(1))

	_, err = m.CreateLoan(context.Background(), 2, 1, due, "")
	require.ErrorIs(t, err, repository.ErrBookUnavailable)

	ret, err := m.ReturnLoan(context.Background(), l1.ID)
	require.NoError(t, err)
	require.Equal(t, model.LoanReturned, ret.Status)
	require.Equal(t, uint32(1), books.available(1))

	_, err = m.ReturnLoan(context.Background(), l1.ID)
	require.ErrorIs(t, err, repository.ErrLoanNotActive)
	require.Equal(t, uint32(1), books.available(1))
	requireAvailability(t, books, loans, 1, 1)
}
