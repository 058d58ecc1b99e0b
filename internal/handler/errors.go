package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/readlog/internal/middleware"
	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/session"
)

// handleServiceError はドメイン層から返されたエラーを統一フォーマットのHTTPレスポンスに変換する。
// ValidationErrorはストアのErrAlreadyExistsを包んでいることがあるため、先に判定する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var vErr *model.ValidationError
	if errors.As(err, &vErr) {
		status := http.StatusUnprocessableEntity
		if vErr.Kind == model.ValidationTaken {
			status = http.StatusConflict
		}
		middleware.WriteErrorResponse(w, status, model.NewValidationAPIError(vErr))
		return
	}

	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		if authErr.Kind == model.AuthServiceUnavailable {
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewServiceUnavailableError())
			return
		}
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSignInFailedError(authErr.Detail))
		return
	}

	switch {
	case errors.Is(err, model.ErrNotAuthenticated):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewNotAuthenticatedError())
	case errors.Is(err, model.ErrSessionChanged):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewSessionChangedError())
	case errors.Is(err, model.ErrStoreUnavailable):
		logger.Warn("store unavailable", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewProfileSaveFailedError())
	case errors.Is(err, session.ErrManagerClosed), errors.Is(err, context.DeadlineExceeded):
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewServiceUnavailableError())
	default:
		logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidQuery:
		return http.StatusBadRequest
	case model.ErrCodeBookNotFound:
		return http.StatusNotFound
	case model.ErrCodeBookLookupFailed, model.ErrCodeServiceUnavailable:
		return http.StatusBadGateway
	case model.ErrCodeProfileSaveFailed:
		return http.StatusServiceUnavailable
	case model.ErrCodeSignInFailed:
		return http.StatusUnauthorized
	case model.ErrCodeNotAuthenticated:
		return http.StatusForbidden
	case model.ErrCodeSessionChanged, model.ErrCodeUsernameTaken:
		return http.StatusConflict
	case model.ErrCodeUsernameTooShort, model.ErrCodeUsernameInvalid, model.ErrCodeInvalidAvatar:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストの形式が正しくありません。",
			Category: "validation",
			Action:   "入力内容を確認してください。",
		})
		return false
	}
	return true
}

// maxRequestBodySize はJSONリクエストボディの上限（64KB）。
const maxRequestBodySize = 64 << 10
