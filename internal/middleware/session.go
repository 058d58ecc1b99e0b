// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// externalIDContextKey はリクエストコンテキストに外部IDを格納するためのキー。
var externalIDContextKey = contextKey("external_id")

// SessionReader は現在のSessionを参照するインターフェース。
// session.Managerの部分集合として定義する。
type SessionReader interface {
	Current() session.Session
}

// NewRequireSignedInMiddleware はサインイン済みのSessionでのみリクエストを通すミドルウェアを返す。
// 外部IDをリクエストコンテキストに注入する。
// loadingとsigned_outのリクエストには401を返す。
func NewRequireSignedInMiddleware(reader SessionReader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := reader.Current()
			if !s.IsSignedIn() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			if h := holderFromContext(r.Context()); h != nil {
				h.id = s.ExternalID()
			}
			ctx := context.WithValue(r.Context(), externalIDContextKey, s.ExternalID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExternalIDFromContext はリクエストコンテキストから外部IDを取得する。
// NewRequireSignedInMiddlewareを通過したリクエストでのみ有効。
func ExternalIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(externalIDContextKey).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("external ID not found in context")
	}
	return id, nil
}

// ContextWithExternalID はコンテキストに外部IDを注入する。
func ContextWithExternalID(ctx context.Context, externalID string) context.Context {
	return context.WithValue(ctx, externalIDContextKey, externalID)
}

// compile-time interface check
var _ SessionReader = (*session.Manager)(nil)
