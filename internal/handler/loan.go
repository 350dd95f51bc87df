package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chulla-libro/loan-service/internal/model"
	"github.com/chulla-libro/loan-service/internal/queue"
	"github.com/chulla-libro/loan-service/internal/repository"
	"github.com/chulla-libro/loan-service/internal/service"
)

// LoanHandler exposes the member-facing loan lifecycle endpoints. All
// methods assume that JWT authentication and role validation has
// already been performed by middleware; the user ID is taken from the
// request context, never from the body, so a member can only operate on
// their own loans. Lifecycle mutations go through the loan manager;
// listings go through the read-only query facade.
type LoanHandler struct {
	Manager    *service.LoanManager // orchestrates create/return/renew
	Query      *repository.LoanQuery
	Books      *repository.BookRepo // for publishing book titles on events
	LoanPeriod time.Duration        // default due date offset when the request omits due_at
}

// NewLoanHandler constructs a LoanHandler. All dependencies must be
// non-nil.
func NewLoanHandler(manager *service.LoanManager, query *repository.LoanQuery, books *repository.BookRepo, loanPeriod time.Duration) *LoanHandler {
	if manager == nil || query == nil || books == nil {
		panic("nil dependency passed to NewLoanHandler")
	}
	return &LoanHandler{Manager: manager, Query: query, Books: books, LoanPeriod: loanPeriod}
}

// loanJSON is the response shape for a single loan produced by a
// lifecycle mutation.
type loanJSON struct {
	ID           uint64  `json:"id"`
	UserID       uint64  `json:"user_id"`
	BookID       uint64  `json:"book_id"`
	Status       string  `json:"status"`
	BorrowedAt   string  `json:"borrowed_at"`
	DueAt        string  `json:"due_at"`
	ReturnedAt   *string `json:"returned_at,omitempty"`
	RenewalCount uint32  `json:"renewal_count"`
	MaxRenewals  uint32  `json:"max_renewals"`
	Notes        string  `json:"notes,omitempty"`
}

func toLoanJSON(l *model.Loan) loanJSON {
	out := loanJSON{
		ID:           l.ID,
		UserID:       l.UserID,
		BookID:       l.BookID,
		Status:       string(l.Status),
		BorrowedAt:   l.BorrowedAt.UTC().Format(time.RFC3339),
		DueAt:        l.DueAt.UTC().Format(time.RFC3339),
		RenewalCount: l.RenewalCount,
		MaxRenewals:  l.MaxRenewals,
		Notes:        l.Notes,
	}
	if l.ReturnedAt != nil {
		iso := l.ReturnedAt.UTC().Format(time.RFC3339)
		out.ReturnedAt = &iso
	}
	return out
}

// loanError maps the repository sentinels onto HTTP responses. Every
// rejected transition leaves state unchanged, so conflicts are reported
// honestly instead of being papered over.
func loanError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrBookNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "book not found"})
	case errors.Is(err, repository.ErrBookUnavailable):
		return c.JSON(http.StatusConflict, echo.Map{"error": "book unavailable"})
	case errors.Is(err, repository.ErrLoanNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "loan not found"})
	case errors.Is(err, repository.ErrLoanNotActive):
		return c.JSON(http.StatusConflict, echo.Map{"error": "loan not active"})
	case errors.Is(err, repository.ErrRenewalLimitReached):
		return c.JSON(http.StatusConflict, echo.Map{"error": "renewal limit reached"})
	case errors.Is(err, repository.ErrConcurrentConflict):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "conflicting update, retry"})
	case errors.Is(err, repository.ErrInvariantViolation):
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "inconsistent state detected"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
}

// publishEvent emits a loan lifecycle event to the broker. Failures are
// logged inside the publisher and otherwise ignored: the loan state has
// already committed and must not be rolled back because the broker is
// unreachable.
func (h *LoanHandler) publishEvent(c echo.Context, action string, l *model.Loan) {
	ev := queue.LoanEvent{
		Action:       action,
		LoanID:       l.ID,
		UserID:       l.UserID,
		BookID:       l.BookID,
		State:        string(l.Status),
		DueAt:        l.DueAt.UTC().Format(time.RFC3339),
		RenewalCount: l.RenewalCount,
		OccurredAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if l.ReturnedAt != nil {
		ev.ReturnedAt = l.ReturnedAt.UTC().Format(time.RFC3339)
	}
	if b, err := h.Books.GetByID(c.Request().Context(), l.BookID); err == nil {
		ev.BookTitle = b.Title
	}
	_ = service.PublishLoanEvent(c.Request().Context(), ev)
}

// CreateLoan handles POST /v1/loans. The body must contain a book_id;
// due_at (RFC3339) and notes are optional, with due_at defaulting to
// the configured loan period. On success it returns 201 Created with
// the new loan. When no copy is free it returns 409 with a book
// unavailable error; the check and the decrement are one atomic
// operation, so two racing borrowers can never both take the last copy.
func (h *LoanHandler) CreateLoan(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		BookID uint64 `json:"book_id"`
		DueAt  string `json:"due_at"`
		Notes  string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.BookID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "book_id is required"})
	}
	dueAt := time.Now().UTC().Add(h.LoanPeriod)
	if body.DueAt != "" {
		dueAt, err = time.Parse(time.RFC3339, body.DueAt)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "due_at must be RFC3339"})
		}
		if !dueAt.After(time.Now().UTC()) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "due_at must be in the future"})
		}
	}
	loan, err := h.Manager.CreateLoan(c.Request().Context(), userID, body.BookID, dueAt, body.Notes)
	if err != nil {
		return loanError(c, err)
	}
	h.publishEvent(c, queue.ActionLoanCreated, loan)
	return c.JSON(http.StatusCreated, echo.Map{"loan": toLoanJSON(loan)})
}

// ReturnLoan handles POST /v1/loans/:id/return. Only the borrower may
// return their loan. Returns 200 with the updated loan, 404 when the
// loan does not exist or belongs to someone else, and 409 when it has
// already been returned (a concurrent double return results in exactly
// one success).
func (h *LoanHandler) ReturnLoan(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	loanID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid loan id"})
	}
	// Ownership check through the facade; not found and not owned look
	// identical to the caller.
	if _, err := h.Query.GetByIDForUser(c.Request().Context(), loanID, userID, time.Now().UTC()); err != nil {
		return loanError(c, err)
	}
	loan, err := h.Manager.ReturnLoan(c.Request().Context(), loanID)
	if err != nil {
		return loanError(c, err)
	}
	h.publishEvent(c, queue.ActionLoanReturned, loan)
	return c.JSON(http.StatusOK, echo.Map{"loan": toLoanJSON(loan)})
}

// RenewLoan handles POST /v1/loans/:id/renew. The body must contain the
// new due_at (RFC3339, later than the current one). Only the borrower
// may renew. Returns 200 with the updated loan, 409 when the loan is
// overdue/returned or its renewal limit is reached.
func (h *LoanHandler) RenewLoan(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	loanID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid loan id"})
	}
	var body struct {
		DueAt string `json:"due_at"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	newDueAt, err := time.Parse(time.RFC3339, body.DueAt)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "due_at must be RFC3339"})
	}
	if !newDueAt.After(time.Now().UTC()) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "due_at must be in the future"})
	}
	if _, err := h.Query.GetByIDForUser(c.Request().Context(), loanID, userID, time.Now().UTC()); err != nil {
		return loanError(c, err)
	}
	loan, err := h.Manager.RenewLoan(c.Request().Context(), loanID, newDueAt)
	if err != nil {
		return loanError(c, err)
	}
	h.publishEvent(c, queue.ActionLoanRenewed, loan)
	return c.JSON(http.StatusOK, echo.Map{"loan": toLoanJSON(loan)})
}

// ListMyLoans handles GET /v1/my-loans. It returns all loans of the
// current user with book details, newest first. Overdue is derived at
// read time, so a loan past its due date reports OVERDUE even before
// the sweep has persisted it.
func (h *LoanHandler) ListMyLoans(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	details, err := h.Query.ListByUser(c.Request().Context(), userID, time.Now().UTC())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load loans"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": details})
}

// GetLoan handles GET /v1/loans/:id. It returns one loan of the current
// user; loans of other users report 404 so existence is not leaked.
func (h *LoanHandler) GetLoan(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	loanID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid loan id"})
	}
	detail, err := h.Query.GetByIDForUser(c.Request().Context(), loanID, userID, time.Now().UTC())
	if err != nil {
		return loanError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item": detail})
}
