package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chulla-libro/loan-service/internal/repository"
)

// CatalogHandler exposes unauthenticated, read-only catalog endpoints
// so guests can browse books before borrowing. Filtering is plain
// equality/substring matching; ranking and full-text search belong to
// the external search collaborator.
type CatalogHandler struct {
	Books *repository.BookRepo
}

// NewCatalogHandler constructs a CatalogHandler.
func NewCatalogHandler(books *repository.BookRepo) *CatalogHandler {
	if books == nil {
		panic("nil repository passed to NewCatalogHandler")
	}
	return &CatalogHandler{Books: books}
}

// ListBooks handles GET /v1/books. By default only lendable books with
// at least one free copy are returned; pass ?all=true for the full
// catalog including unavailable titles.
func (h *CatalogHandler) ListBooks(c echo.Context) error {
	var (
		books []repository.BookRecord
		err   error
	)
	if strings.EqualFold(c.QueryParam("all"), "true") {
		books, err = h.Books.ListAll(c.Request().Context())
	} else {
		books, err = h.Books.ListAvailable(c.Request().Context())
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load books"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": books})
}

// GetBook handles GET /v1/books/:id and returns a single catalog entry
// including its current availability counters.
func (h *CatalogHandler) GetBook(c echo.Context) error {
	bookID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid book id"})
	}
	book, err := h.Books.GetByID(c.Request().Context(), bookID)
	if err != nil {
		if err == repository.ErrBookNotFound {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "book not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"item": book})
}

// SearchBooks handles GET /v1/search/books?title=... It returns
// lendable books whose title contains the given substring. A blank
// query yields an empty list rather than an error.
func (h *CatalogHandler) SearchBooks(c echo.Context) error {
	books, err := h.Books.SearchByTitle(c.Request().Context(), c.QueryParam("title"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "search failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": books})
}
