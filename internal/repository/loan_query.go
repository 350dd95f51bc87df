package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/chulla-libro/loan-service/internal/model"
)

// LoanQuery is the read-only query facade over loans and books. It
// performs no mutation; the overdue condition is derived from due_at at
// read time so listings never depend on the persistence sweep having
// run. Results are ordered newest first.
type LoanQuery struct {
	db *sql.DB
}

// NewLoanQuery returns a new LoanQuery bound to the given database.
func NewLoanQuery(db *sql.DB) *LoanQuery { return &LoanQuery{db: db} }

// LoanDetail is a loan joined with its book for display to members.
type LoanDetail struct {
	ID           uint64  `json:"id"`
	BookID       uint64  `json:"book_id"`
	Status       string  `json:"status"`
	BorrowedAt   string  `json:"borrowed_at"`
	DueAt        string  `json:"due_at"`
	ReturnedAt   *string `json:"returned_at,omitempty"`
	RenewalCount uint32  `json:"renewal_count"`
	MaxRenewals  uint32  `json:"max_renewals"`
	Notes        string  `json:"notes,omitempty"`
	BookTitle    string  `json:"book_title"`
	BookAuthor   string  `json:"book_author"`
	BookCategory string  `json:"book_category"`
	BookCoverURL *string `json:"book_cover_url,omitempty"`
}

// AdminLoanDetail extends LoanDetail with borrower information for the
// administrative listing endpoints.
type AdminLoanDetail struct {
	LoanDetail
	UserID    uint64 `json:"user_id"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

const loanDetailColumns = `l.id, l.book_id, l.status, l.borrowed_at, l.due_at, l.returned_at,
	       l.renewal_count, l.max_renewals, l.notes,
	       b.title, b.author, b.category, b.cover_url`

const loanDetailJoin = `FROM loans l JOIN books b ON b.id = l.book_id`

// scanLoanDetail scans one joined row and derives the effective status
// for display: a row still stored as ACTIVE whose due date has passed is
// reported as OVERDUE.
func scanLoanDetail(rows *sql.Rows, now time.Time, withUser bool) (*AdminLoanDetail, error) {
	var d AdminLoanDetail
	var status string
	var borrowedAt, dueAt time.Time
	var returnedAt sql.NullTime
	var cover sql.NullString
	dest := []interface{}{
		&d.ID, &d.BookID, &status, &borrowedAt, &dueAt, &returnedAt,
		&d.RenewalCount, &d.MaxRenewals, &d.Notes,
		&d.BookTitle, &d.BookAuthor, &d.BookCategory, &cover,
	}
	if withUser {
		dest = append(dest, &d.UserID, &d.UserName, &d.UserEmail)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	l := model.Loan{Status: model.LoanState(status), DueAt: dueAt}
	d.Status = string(l.EffectiveState(now))
	d.BorrowedAt = borrowedAt.UTC().Format(time.RFC3339)
	d.DueAt = dueAt.UTC().Format(time.RFC3339)
	if returnedAt.Valid {
		iso := returnedAt.Time.UTC().Format(time.RFC3339)
		d.ReturnedAt = &iso
	}
	if cover.Valid {
		c := cover.String
		d.BookCoverURL = &c
	}
	return &d, nil
}

func (r *LoanQuery) listMember(ctx context.Context, now time.Time, query string, args ...interface{}) ([]LoanDetail, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	details := make([]LoanDetail, 0)
	for rows.Next() {
		d, err := scanLoanDetail(rows, now, false)
		if err != nil {
			return nil, err
		}
		details = append(details, d.LoanDetail)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return details, nil
}

func (r *LoanQuery) listAdmin(ctx context.Context, now time.Time, query string, args ...interface{}) ([]AdminLoanDetail, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	details := make([]AdminLoanDetail, 0)
	for rows.Next() {
		d, err := scanLoanDetail(rows, now, true)
		if err != nil {
			return nil, err
		}
		details = append(details, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return details, nil
}

// ListByUser returns all loans belonging to the given user together
// with book details, newest first. When no loans exist an empty slice
// is returned.
func (r *LoanQuery) ListByUser(ctx context.Context, userID uint64, now time.Time) ([]LoanDetail, error) {
	const q = `SELECT ` + loanDetailColumns + ` ` + loanDetailJoin + `
	           WHERE l.user_id = ?
	           ORDER BY l.borrowed_at DESC, l.id DESC`
	return r.listMember(ctx, now, q, userID)
}

// GetByIDForUser returns a single loan with book details, restricted to
// the given user to enforce ownership. Missing rows and rows belonging
// to another user both yield ErrLoanNotFound so the endpoint does not
// leak loan existence.
func (r *LoanQuery) GetByIDForUser(ctx context.Context, loanID, userID uint64, now time.Time) (*LoanDetail, error) {
	const q = `SELECT ` + loanDetailColumns + ` ` + loanDetailJoin + `
	           WHERE l.id = ? AND l.user_id = ?`
	details, err := r.listMember(ctx, now, q, loanID, userID)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, ErrLoanNotFound
	}
	return &details[0], nil
}

const adminColumns = loanDetailColumns + `, l.user_id, u.name, u.email`
const adminJoin = loanDetailJoin + ` JOIN users u ON u.id = l.user_id`

// ListAll returns every loan with borrower and book details, newest
// first. Intended for administrators.
func (r *LoanQuery) ListAll(ctx context.Context, now time.Time) ([]AdminLoanDetail, error) {
	const q = `SELECT ` + adminColumns + ` ` + adminJoin + `
	           ORDER BY l.borrowed_at DESC, l.id DESC`
	return r.listAdmin(ctx, now, q)
}

// SearchByBookTitle returns loans whose book title contains the given
// substring (case-insensitive). A blank query yields an empty slice.
func (r *LoanQuery) SearchByBookTitle(ctx context.Context, title string, now time.Time) ([]AdminLoanDetail, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return []AdminLoanDetail{}, nil
	}
	const q = `SELECT ` + adminColumns + ` ` + adminJoin + `
	           WHERE LOWER(b.title) LIKE LOWER(?)
	           ORDER BY l.borrowed_at DESC, l.id DESC`
	return r.listAdmin(ctx, now, q, "%"+title+"%")
}

// SearchByUserName returns loans whose borrower name contains the given
// substring (case-insensitive). A blank query yields an empty slice.
func (r *LoanQuery) SearchByUserName(ctx context.Context, name string, now time.Time) ([]AdminLoanDetail, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return []AdminLoanDetail{}, nil
	}
	const q = `SELECT ` + adminColumns + ` ` + adminJoin + `
	           WHERE LOWER(u.name) LIKE LOWER(?)
	           ORDER BY l.borrowed_at DESC, l.id DESC`
	return r.listAdmin(ctx, now, q, "%"+name+"%")
}

// FilterByState returns loans in the given logical state. OVERDUE
// matches both persisted OVERDUE rows and ACTIVE rows whose due date
// has passed; ACTIVE matches only rows still within their due date.
func (r *LoanQuery) FilterByState(ctx context.Context, state model.LoanState, now time.Time) ([]AdminLoanDetail, error) {
	base := `SELECT ` + adminColumns + ` ` + adminJoin + ` WHERE `
	order := ` ORDER BY l.borrowed_at DESC, l.id DESC`
	switch state {
	case model.LoanActive:
		return r.listAdmin(ctx, now, base+`l.status = ? AND l.due_at >= ?`+order, string(model.LoanActive), now.UTC())
	case model.LoanOverdue:
		return r.listAdmin(ctx, now, base+`(l.status = ? OR (l.status = ? AND l.due_at < ?))`+order,
			string(model.LoanOverdue), string(model.LoanActive), now.UTC())
	case model.LoanReturned:
		return r.listAdmin(ctx, now, base+`l.status = ?`+order, string(model.LoanReturned))
	default:
		return []AdminLoanDetail{}, nil
	}
}

// LoanStats aggregates ledger counts by logical state.
type LoanStats struct {
	Active   int64 `json:"active"`
	Overdue  int64 `json:"overdue"`
	Returned int64 `json:"returned"`
	Total    int64 `json:"total"`
}

// Stats computes loan counts by logical state in a single aggregate
// query, deriving overdue from due_at the same way FilterByState does.
func (r *LoanQuery) Stats(ctx context.Context, now time.Time) (*LoanStats, error) {
	const q = `SELECT
	             COALESCE(SUM(CASE WHEN status = 'ACTIVE' AND due_at >= ? THEN 1 ELSE 0 END), 0),
	             COALESCE(SUM(CASE WHEN status = 'OVERDUE' OR (status = 'ACTIVE' AND due_at < ?) THEN 1 ELSE 0 END), 0),
	             COALESCE(SUM(CASE WHEN status = 'RETURNED' THEN 1 ELSE 0 END), 0),
	             COUNT(*)
	           FROM loans`
	var s LoanStats
	nowUTC := now.UTC()
	if err := r.db.QueryRowContext(ctx, q, nowUTC, nowUTC).Scan(&s.Active, &s.Overdue, &s.Returned, &s.Total); err != nil {
		return nil, err
	}
	return &s, nil
}
