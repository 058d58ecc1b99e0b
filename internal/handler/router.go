package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/readlog/internal/books"
	"github.com/hitoshi/readlog/internal/middleware"
)

// SessionManager はハンドラーが利用するSession Managerの操作をまとめたもの。
// *session.Managerが実装する。
type SessionManager interface {
	SessionService
	ProfileService
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	StatusRecorder    middleware.StatusRecorder
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig

	// 認証・セッション
	Sessions    SessionManager
	GoogleLogin LoginURLProvider
	AuthConfig  AuthHandlerConfig
	Navigator   RouteNavigator

	// プロフィール
	UsernameDraft   UsernameDraft
	UsernameChecker UsernameChecker

	// 書籍
	Books books.Provider

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → CSRF → RequireSignedIn
//
// /health と /metrics はCSRF検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Sessions, deps.GoogleLogin, deps.AuthConfig, logger)
	sessionHandler := NewSessionHandler(deps.Sessions, deps.Navigator, logger)
	profileHandler := NewProfileHandler(deps.Sessions, deps.UsernameDraft, deps.UsernameChecker, logger)
	bookHandler := NewBookHandler(deps.Books, logger)

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// --- 認証不要のルート ---
		r.Route("/auth", func(r chi.Router) {
			r.Get("/google/login", authHandler.GoogleLogin)
			r.Get("/google/callback", authHandler.GoogleCallback)
			r.Get("/apple/nonce", authHandler.AppleNonce)
			r.Post("/apple", authHandler.AppleSignIn)
			r.Post("/logout", authHandler.Logout)
		})

		// 画面はサインイン前から存在するため、セッション参照と遷移は認証不要
		r.Get("/api/session", sessionHandler.GetSession)
		r.Post("/api/navigation", sessionHandler.Navigate)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireSignedInMiddleware(deps.Sessions))

			r.Route("/api/profile", func(r chi.Router) {
				r.Post("/", profileHandler.CreateProfile)
				r.Patch("/", profileHandler.UpdateBio)
				r.Post("/username-draft", profileHandler.SubmitUsernameDraft)
				r.Get("/username-status", profileHandler.GetUsernameStatus)
			})

			r.Get("/api/usernames/{name}", profileHandler.CheckUsername)

			r.Route("/api/books", func(r chi.Router) {
				r.Get("/", bookHandler.Search)
				r.Get("/{id}", bookHandler.GetBook)
			})
		})
	})

	return r
}
