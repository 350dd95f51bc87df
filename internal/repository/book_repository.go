// Package repository contains data access logic for the loan service.
// This file covers the books table: catalog reads plus the two counter
// mutations the loan manager is allowed to perform. All timestamp
// fields are assumed to be stored in UTC.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// BookRepo encapsulates database operations for books. The available
// counter is mutated only through TryReserveCopy and ReleaseCopy; every
// other book column is read-only from this service's perspective (the
// catalog collaborator owns creation and edits, including total_copies).
type BookRepo struct {
	db *sql.DB
}

// NewBookRepo returns a new BookRepo bound to the given database.
func NewBookRepo(db *sql.DB) *BookRepo { return &BookRepo{db: db} }

const bookColumns = `id, title, author, category, cover_url, total_copies, available_copies, max_renewals, is_active, created_at, updated_at`

// scanBook scans one books row from the given row scanner.
func scanBook(row interface {
	Scan(dest ...interface{}) error
}) (*BookRecord, error) {
	var b BookRecord
	var cover sql.NullString
	if err := row.Scan(
		&b.ID, &b.Title, &b.Author, &b.Category, &cover,
		&b.TotalCopies, &b.AvailableCopies, &b.MaxRenewals, &b.IsActive,
		&b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if cover.Valid {
		c := cover.String
		b.CoverURL = &c
	}
	return &b, nil
}

// BookRecord mirrors the schema of the books table. It is the shape
// returned by catalog reads and consumed by the loan manager when
// copying the renewal policy onto a new loan.
type BookRecord struct {
	ID              uint64  `json:"id"`
	Title           string  `json:"title"`
	Author          string  `json:"author"`
	Category        string  `json:"category"`
	CoverURL        *string `json:"cover_url,omitempty"`
	TotalCopies     uint32  `json:"total_copies"`
	AvailableCopies uint32  `json:"available_copies"`
	MaxRenewals     uint32  `json:"max_renewals"`
	IsActive        bool    `json:"is_active"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// GetByID returns a single book. When no book with the given ID exists,
// ErrBookNotFound is returned.
func (r *BookRepo) GetByID(ctx context.Context, bookID uint64) (*BookRecord, error) {
	const q = `SELECT ` + bookColumns + ` FROM books WHERE id = ?`
	b, err := scanBook(r.db.QueryRowContext(ctx, q, bookID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, err
	}
	return b, nil
}

// TryReserveCopy atomically decrements a book's available counter if and
// only if at least one copy is free. The check and the decrement are a
// single conditional UPDATE, so two concurrent callers can never both
// take the last copy: whoever's update lands second affects zero rows
// and observes false. Returns (false, nil) when no copy was free, with
// no mutation performed.
func (r *BookRepo) TryReserveCopy(ctx context.Context, bookID uint64) (bool, error) {
	const q = `UPDATE books
	           SET available_copies = available_copies - 1
	           WHERE id = ? AND is_active = 1 AND available_copies > 0`
	res, err := r.db.ExecContext(ctx, q, bookID)
	if err != nil {
		return false, mapConflict(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

// ReleaseCopy atomically increments a book's available counter, capped
// at total_copies. The cap is part of the same conditional UPDATE. When
// the guard rejects the increment the cause is classified: a missing
// book yields ErrBookNotFound, while a counter already at the total
// yields ErrInvariantViolation, because a release must always pair with
// an earlier successful reservation.
func (r *BookRepo) ReleaseCopy(ctx context.Context, bookID uint64) error {
	const q = `UPDATE books
	           SET available_copies = available_copies + 1
	           WHERE id = ? AND available_copies < total_copies`
	res, err := r.db.ExecContext(ctx, q, bookID)
	if err != nil {
		return mapConflict(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM books WHERE id = ?)`, bookID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrBookNotFound
	}
	return ErrInvariantViolation
}

// ListAvailable returns all lendable books that currently have at least
// one free copy, ordered by title.
func (r *BookRepo) ListAvailable(ctx context.Context) ([]BookRecord, error) {
	const q = `SELECT ` + bookColumns + ` FROM books
	           WHERE is_active = 1 AND available_copies > 0
	           ORDER BY title`
	return r.list(ctx, q)
}

// ListAll returns every book in the catalog regardless of availability,
// ordered by title.
func (r *BookRepo) ListAll(ctx context.Context) ([]BookRecord, error) {
	const q = `SELECT ` + bookColumns + ` FROM books ORDER BY title`
	return r.list(ctx, q)
}

// SearchByTitle returns lendable books whose title contains the given
// substring (case-insensitive). An empty or blank query yields an empty
// slice without touching the database.
func (r *BookRepo) SearchByTitle(ctx context.Context, title string) ([]BookRecord, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return []BookRecord{}, nil
	}
	const q = `SELECT ` + bookColumns + ` FROM books
	           WHERE is_active = 1 AND LOWER(title) LIKE LOWER(?)
	           ORDER BY title`
	return r.list(ctx, q, "%"+title+"%")
}

func (r *BookRepo) list(ctx context.Context, query string, args ...interface{}) ([]BookRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	books := make([]BookRecord, 0)
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return books, nil
}
