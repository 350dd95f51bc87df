package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/chulla-libro/loan-service/internal/model"
)

// LoanRepo is the loan ledger: it provides append and guarded-transition
// access to the loans table. Rows are never deleted; every state change
// goes through a conditional UPDATE on the current status so concurrent
// duplicate calls cannot both land. All timestamps are stored in UTC.
type LoanRepo struct {
	db *sql.DB
}

// NewLoanRepo returns a new LoanRepo bound to the given database.
func NewLoanRepo(db *sql.DB) *LoanRepo { return &LoanRepo{db: db} }

const loanColumns = `id, user_id, book_id, status, borrowed_at, due_at, returned_at, renewal_count, max_renewals, notes, created_at, updated_at`

func scanLoan(row interface {
	Scan(dest ...interface{}) error
}) (*model.Loan, error) {
	var l model.Loan
	var status string
	var returnedAt sql.NullTime
	if err := row.Scan(
		&l.ID, &l.UserID, &l.BookID, &status, &l.BorrowedAt, &l.DueAt,
		&returnedAt, &l.RenewalCount, &l.MaxRenewals, &l.Notes,
		&l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	l.Status = model.LoanState(status)
	if returnedAt.Valid {
		t := returnedAt.Time
		l.ReturnedAt = &t
	}
	return &l, nil
}

// Insert appends a new loan row and populates the generated ID plus the
// DB-default timestamp columns on the provided record. The caller is
// responsible for having reserved a copy first; Insert itself performs
// no availability check.
func (r *LoanRepo) Insert(ctx context.Context, l *model.Loan) error {
	const q = `INSERT INTO loans (user_id, book_id, status, borrowed_at, due_at, renewal_count, max_renewals, notes)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q,
		l.UserID, l.BookID, string(l.Status),
		l.BorrowedAt.UTC(), l.DueAt.UTC(),
		l.RenewalCount, l.MaxRenewals, l.Notes,
	)
	if err != nil {
		return mapConflict(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = uint64(id)
	// Query back the full row to populate timestamps and defaults.
	const sel = `SELECT ` + loanColumns + ` FROM loans WHERE id = ?`
	got, err := scanLoan(r.db.QueryRowContext(ctx, sel, l.ID))
	if err != nil {
		return err
	}
	*l = *got
	return nil
}

// GetByID returns a single loan. When no loan with the given ID exists,
// ErrLoanNotFound is returned.
func (r *LoanRepo) GetByID(ctx context.Context, loanID uint64) (*model.Loan, error) {
	const q = `SELECT ` + loanColumns + ` FROM loans WHERE id = ?`
	l, err := scanLoan(r.db.QueryRowContext(ctx, q, loanID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return l, nil
}

// Transition is a compare-and-set on the loan's status: the row is
// updated only when its current status is one of the expected states.
// When to is RETURNED, returned_at is stamped in the same statement so
// returned_at is set if and only if the row actually reached RETURNED.
// It returns (false, nil) when the conditional write did not land; the
// caller classifies the loss by re-reading the row.
func (r *LoanRepo) Transition(ctx context.Context, loanID uint64, from []model.LoanState, to model.LoanState, returnedAt *time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := make([]string, 0, len(from))
	args := make([]interface{}, 0, len(from)+3)
	args = append(args, string(to))
	var query string
	if returnedAt != nil {
		query = `UPDATE loans SET status = ?, returned_at = ? WHERE id = ? AND status IN (`
		args = append(args, returnedAt.UTC())
	} else {
		query = `UPDATE loans SET status = ? WHERE id = ? AND status IN (`
	}
	args = append(args, loanID)
	for _, s := range from {
		placeholders = append(placeholders, "?")
		args = append(args, string(s))
	}
	query += strings.Join(placeholders, ",") + `)`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, mapConflict(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

// RenewIfAllowed extends the due date and bumps the renewal counter in a
// single conditional UPDATE guarded by the loan still being ACTIVE and
// strictly under its own renewal limit. This reproduces the ledger-side
// comparison renewal_count < max_renewals against the limit captured at
// creation, so later policy edits on the book never affect this loan.
// Returns (false, nil) when the guard rejected the write.
func (r *LoanRepo) RenewIfAllowed(ctx context.Context, loanID uint64, newDueAt time.Time) (bool, error) {
	const q = `UPDATE loans
	           SET due_at = ?, renewal_count = renewal_count + 1
	           WHERE id = ? AND status = ? AND renewal_count < max_renewals`
	res, err := r.db.ExecContext(ctx, q, newDueAt.UTC(), loanID, string(model.LoanActive))
	if err != nil {
		return false, mapConflict(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

// ExpireOverdue persists the time-based ACTIVE -> OVERDUE transition for
// every loan whose due date lies before now and returns the rows that
// moved. Select and update run in one transaction with the selected rows
// locked, so a loan returned between the two statements cannot be
// flipped back to OVERDUE. Readers derive the overdue condition
// independently; the sweep only keeps the stored column auditable.
func (r *LoanRepo) ExpireOverdue(ctx context.Context, now time.Time) ([]model.Loan, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapConflict(err)
	}
	defer func() { _ = tx.Rollback() }()

	const sel = `SELECT ` + loanColumns + ` FROM loans
	             WHERE status = ? AND due_at < ? FOR UPDATE`
	rows, err := tx.QueryContext(ctx, sel, string(model.LoanActive), now.UTC())
	if err != nil {
		return nil, mapConflict(err)
	}
	var moved []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		moved = append(moved, *l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(moved) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(moved))
	args := make([]interface{}, 0, len(moved)+1)
	args = append(args, string(model.LoanOverdue))
	for i, l := range moved {
		placeholders[i] = "?"
		args = append(args, l.ID)
	}
	upd := `UPDATE loans SET status = ? WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	if _, err := tx.ExecContext(ctx, upd, args...); err != nil {
		return nil, mapConflict(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapConflict(err)
	}
	for i := range moved {
		moved[i].Status = model.LoanOverdue
	}
	return moved, nil
}
