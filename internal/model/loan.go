package model

import "time"

// LoanState enumerates the closed set of states a loan can be in.  The
// only legal transitions are ACTIVE -> OVERDUE (time based),
// ACTIVE -> RETURNED and OVERDUE -> RETURNED.  RETURNED is terminal.
type LoanState string

const (
	LoanActive   LoanState = "ACTIVE"   // not returned, due date not passed
	LoanOverdue  LoanState = "OVERDUE"  // not returned, due date passed
	LoanReturned LoanState = "RETURNED" // returned; terminal
)

// ValidLoanStates maps every recognised state string to true.  Handlers
// use it to validate ?state= query parameters before hitting the DB.
var ValidLoanStates = map[string]bool{
	string(LoanActive):   true,
	string(LoanOverdue):  true,
	string(LoanReturned): true,
}

// Loan is one entry in the loan ledger.  Rows are inserted only by
// CreateLoan, mutated only by ReturnLoan/RenewLoan/the overdue sweep and
// never deleted.
//
// Fields:
//  ID           – primary key identifier.
//  UserID       – borrower; validated by the upstream auth collaborator.
//  BookID       – book being lent.
//  Status       – current LoanState.
//  BorrowedAt   – set once at creation, immutable.
//  DueAt        – due date; mutated only by RenewLoan.
//  ReturnedAt   – set exactly once by ReturnLoan; nil otherwise.
//  RenewalCount – number of renewals granted so far.
//  MaxRenewals  – renewal limit copied from the book at creation,
//                 immutable thereafter.
//  Notes        – free-form note captured at creation.
//  CreatedAt    – creation timestamp.
//  UpdatedAt    – last update timestamp.
type Loan struct {
	ID           uint64     // loans.id
	UserID       uint64     // loans.user_id
	BookID       uint64     // loans.book_id
	Status       LoanState  // loans.status
	BorrowedAt   time.Time  // loans.borrowed_at
	DueAt        time.Time  // loans.due_at
	ReturnedAt   *time.Time // loans.returned_at (nullable)
	RenewalCount uint32     // loans.renewal_count
	MaxRenewals  uint32     // loans.max_renewals
	Notes        string     // loans.notes
	CreatedAt    time.Time  // loans.created_at
	UpdatedAt    time.Time  // loans.updated_at
}

// EffectiveState derives the logical state at the given instant.  A row
// still marked ACTIVE whose due date has passed is logically OVERDUE even
// before the persistence sweep has run; readers must never depend on the
// sweep having executed.
func (l *Loan) EffectiveState(now time.Time) LoanState {
	if l.Status == LoanActive && l.DueAt.Before(now) {
		return LoanOverdue
	}
	return l.Status
}
