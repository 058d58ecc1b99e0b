package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/readlog/internal/books"
	"github.com/hitoshi/readlog/internal/middleware"
	"github.com/hitoshi/readlog/internal/model"
)

// BookHandler は書籍検索のハンドラー。
type BookHandler struct {
	books  books.Provider
	logger *slog.Logger
}

// NewBookHandler はBookHandlerを生成する。
func NewBookHandler(provider books.Provider, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: provider, logger: logger}
}

type bookSearchResponse struct {
	Books []model.BookSummary `json:"books"`
}

// Search はキーワードで書籍を検索する。
// GET /api/books?q=xxx
func (h *BookHandler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.books.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		if errors.Is(err, books.ErrEmptyQuery) {
			handleServiceError(w, h.logger, model.NewInvalidQueryError())
			return
		}
		h.logger.Warn("book search failed", slog.String("error", err.Error()))
		handleServiceError(w, h.logger, model.NewBookLookupFailedError())
		return
	}
	if results == nil {
		results = []model.BookSummary{}
	}

	middleware.WriteJSON(w, http.StatusOK, bookSearchResponse{Books: results})
}

// GetBook は書籍の詳細を返す。
// GET /api/books/{id}
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	detail, err := h.books.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Warn("book lookup failed", slog.String("book_id", id), slog.String("error", err.Error()))
		handleServiceError(w, h.logger, model.NewBookLookupFailedError())
		return
	}
	if detail == nil {
		handleServiceError(w, h.logger, model.NewBookNotFoundError(id))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, detail)
}
