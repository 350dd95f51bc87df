package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/chulla-libro/loan-service/internal/handler"    // import the handlers that implement business logic
	"github.com/chulla-libro/loan-service/internal/middleware" // import middleware for JWT authentication and role enforcement
	"github.com/chulla-libro/loan-service/internal/model"      // role constants shared with the JWT claims
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	// Map the GET request at path "/healthz" to the Health handler.  This
	// endpoint can be used by load balancers or monitoring systems to verify
	// that the service is up and running.
	e.GET("/healthz", handler.Health)
}

// RegisterCatalog registers unauthenticated browse endpoints.  The provided
// CatalogHandler exposes read-only book data for guests; no JWT or role
// middleware is applied.  The optional middleware (typically the Redis
// response cache) is applied per route so that authenticated groups stay
// uncached.
func RegisterCatalog(e *echo.Echo, h *handler.CatalogHandler, mw ...echo.MiddlewareFunc) {
	// Expose the list of books; ?all=true includes unavailable titles.
	e.GET("/v1/books", h.ListBooks, mw...)
	// Book details by ID, including availability counters.
	e.GET("/v1/books/:id", h.GetBook, mw...)
	// Substring title search over lendable books.
	e.GET("/v1/search/books", h.SearchBooks, mw...)
}

// RegisterLoans registers the member-facing loan lifecycle endpoints.  All
// routes require a valid access token; both MEMBER and ADMIN roles are
// accepted, since administrators may borrow books too.  The jwtSecret must
// match the one used by the auth service that issues tokens.
func RegisterLoans(e *echo.Echo, h *handler.LoanHandler, jwtSecret string) {
	g := e.Group("/v1")
	// Apply the JWTAuth middleware to the protected group using the provided secret.
	g.Use(middleware.JWTAuth(jwtSecret))
	// The middleware rejects requests with missing or unknown roles.
	g.Use(middleware.RequireRole(model.RoleMember, model.RoleAdmin))

	// Borrow a copy of a book.
	g.POST("/loans", h.CreateLoan)
	// List the caller's own loans, newest first.
	g.GET("/my-loans", h.ListMyLoans)
	// Details of one of the caller's loans.
	g.GET("/loans/:id", h.GetLoan)
	// Return a borrowed copy.
	g.POST("/loans/:id/return", h.ReturnLoan)
	// Extend the due date of an active loan.
	g.POST("/loans/:id/renew", h.RenewLoan)
}

// RegisterAdmin registers the administrative ledger endpoints under
// /v1/admin.  Only the ADMIN role is accepted here.
func RegisterAdmin(e *echo.Echo, h *handler.AdminLoanHandler, jwtSecret string) {
	g := e.Group("/v1/admin")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(model.RoleAdmin))

	// Full ledger listing with optional state/book/user filters.
	g.GET("/loans", h.ListLoans)
	// Loan counts by logical state.
	g.GET("/loans/stats", h.LoanStats)
	// Manual trigger for the overdue sweep.
	g.POST("/loans/expire-overdue", h.ExpireOverdue)
}
