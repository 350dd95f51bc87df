package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chulla-libro/loan-service/internal/model"
	"github.com/chulla-libro/loan-service/internal/repository"
	"github.com/chulla-libro/loan-service/internal/service"
)

// AdminLoanHandler groups the administrator endpoints: full ledger
// listing with filters, loan statistics, and a manual trigger for the
// overdue sweep. The ADMIN role is enforced by middleware before any of
// these run.
type AdminLoanHandler struct {
	Manager *service.LoanManager
	Query   *repository.LoanQuery
}

// NewAdminLoanHandler constructs an AdminLoanHandler.
func NewAdminLoanHandler(manager *service.LoanManager, query *repository.LoanQuery) *AdminLoanHandler {
	if manager == nil || query == nil {
		panic("nil dependency passed to NewAdminLoanHandler")
	}
	return &AdminLoanHandler{Manager: manager, Query: query}
}

// ListLoans handles GET /v1/admin/loans. Exactly one of the optional
// filters may be supplied: ?state=ACTIVE|OVERDUE|RETURNED,
// ?book=<title substring> or ?user=<name substring>. Without a filter
// the entire ledger is returned, newest first, with borrower and book
// details.
func (h *AdminLoanHandler) ListLoans(c echo.Context) error {
	ctx := c.Request().Context()
	now := time.Now().UTC()

	state := strings.ToUpper(strings.TrimSpace(c.QueryParam("state")))
	book := c.QueryParam("book")
	user := c.QueryParam("user")

	filters := 0
	for _, f := range []string{state, book, user} {
		if strings.TrimSpace(f) != "" {
			filters++
		}
	}
	if filters > 1 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "use at most one of state, book, user"})
	}

	var (
		details []repository.AdminLoanDetail
		err     error
	)
	switch {
	case state != "":
		if !model.ValidLoanStates[state] {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown state"})
		}
		details, err = h.Query.FilterByState(ctx, model.LoanState(state), now)
	case strings.TrimSpace(book) != "":
		details, err = h.Query.SearchByBookTitle(ctx, book, now)
	case strings.TrimSpace(user) != "":
		details, err = h.Query.SearchByUserName(ctx, user, now)
	default:
		details, err = h.Query.ListAll(ctx, now)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load loans"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": details})
}

// LoanStats handles GET /v1/admin/loans/stats and returns ledger counts
// by logical state.
func (h *AdminLoanHandler) LoanStats(c echo.Context) error {
	stats, err := h.Query.Stats(c.Request().Context(), time.Now().UTC())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load stats"})
	}
	return c.JSON(http.StatusOK, echo.Map{"stats": stats})
}

// ExpireOverdue handles POST /v1/admin/loans/expire-overdue. It runs
// the same sweep the background job performs, publishes a loan.expired
// event per moved loan and reports the count. Useful for operators who
// do not want to wait for the next tick.
func (h *AdminLoanHandler) ExpireOverdue(c echo.Context) error {
	moved, err := h.Manager.ExpireOverdueLoans(c.Request().Context(), time.Now().UTC())
	if err != nil {
		return loanError(c, err)
	}
	for i := range moved {
		_ = service.PublishLoanExpired(c.Request().Context(), &moved[i])
	}
	return c.JSON(http.StatusOK, echo.Map{"expired": len(moved)})
}
