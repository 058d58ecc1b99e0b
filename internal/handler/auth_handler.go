// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/readlog/internal/auth"
	"github.com/hitoshi/readlog/internal/middleware"
	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/session"
)

const (
	oauthStateCookie = "oauth_state"
	appleNonceCookie = "apple_nonce"

	// shortLivedCookieMaxAge はstateとnonceのCookieの有効期間（10分）。
	shortLivedCookieMaxAge = 600

	defaultSettleTimeout = 5 * time.Second
)

// SessionService は認証ハンドラーが必要とするSession Managerの操作。
type SessionService interface {
	Current() session.Session
	SignIn(ctx context.Context, cred auth.Credential) error
	SignOut(ctx context.Context) error
	WaitFor(ctx context.Context, pred func(session.Session) bool) (session.Session, error)
}

// LoginURLProvider はOAuthの認可URLを生成する。auth.GoogleProviderが実装する。
type LoginURLProvider interface {
	LoginURL(state string) string
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string
	CookieDomain string
	CookieSecure bool
	// SettleTimeout はサインイン後にプロフィール取得が終わるのを待つ上限。
	SettleTimeout time.Duration
}

// AuthHandler はサインイン・サインアウトのHTTPハンドラー。
type AuthHandler struct {
	sessions SessionService
	google   LoginURLProvider
	config   AuthHandlerConfig
	logger   *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions SessionService, google LoginURLProvider, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = defaultSettleTimeout
	}
	return &AuthHandler{
		sessions: sessions,
		google:   google,
		config:   config,
		logger:   logger,
	}
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	h.setShortLivedCookie(w, oauthStateCookie, state)
	http.Redirect(w, r, h.google.LoginURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
// 失敗時はBASE_URLに auth_error クエリを付けてリダイレクトする。
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		h.logger.Warn("oauth state mismatch", slog.String("query_state", state))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_OAUTH_STATE",
			Message:  "サインイン要求を検証できませんでした。",
			Category: "auth",
			Action:   "もう一度サインインしてください。",
		})
		return
	}
	h.clearCookie(w, oauthStateCookie)

	cred := auth.Credential{
		Provider:  auth.ProviderGoogle,
		Code:      q.Get("code"),
		ErrorCode: q.Get("error"),
	}
	if err := h.sessions.SignIn(r.Context(), cred); err != nil {
		h.logger.Warn("google sign in failed", slog.String("error", err.Error()))
		http.Redirect(w, r, h.redirectWithError(err), http.StatusTemporaryRedirect)
		return
	}

	if cred.ErrorCode == "" {
		h.settle(r.Context())
	}
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// AppleNonce はSign in with Apple用のnonceを発行する。
// GET /auth/apple/nonce
// 生のnonceはHttpOnly Cookieに保持し、クライアントにはApple SDKへ渡すSHA-256値を返す。
func (h *AuthHandler) AppleNonce(w http.ResponseWriter, r *http.Request) {
	nonce := uuid.NewString()
	h.setShortLivedCookie(w, appleNonceCookie, nonce)
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"nonce": auth.HashNonce(nonce),
	})
}

type appleSignInRequest struct {
	IDToken     string `json:"id_token"`
	DisplayName string `json:"display_name"`
	ErrorCode   string `json:"error_code"`
}

// AppleSignIn はデバイスで取得したAppleのIDトークンでサインインする。
// POST /auth/apple
func (h *AuthHandler) AppleSignIn(w http.ResponseWriter, r *http.Request) {
	var req appleSignInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cred := auth.Credential{
		Provider:    auth.ProviderApple,
		IDToken:     req.IDToken,
		DisplayName: req.DisplayName,
		ErrorCode:   req.ErrorCode,
	}
	if cred.ErrorCode == "" {
		nonceCookie, err := r.Cookie(appleNonceCookie)
		if err != nil || nonceCookie.Value == "" {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "MISSING_NONCE",
				Message:  "サインイン要求の有効期限が切れています。",
				Category: "auth",
				Action:   "もう一度サインインしてください。",
			})
			return
		}
		cred.Nonce = nonceCookie.Value
	}
	h.clearCookie(w, appleNonceCookie)

	if err := h.sessions.SignIn(r.Context(), cred); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	s := h.sessions.Current()
	if cred.ErrorCode == "" {
		s = h.settle(r.Context())
	}
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(s, ""))
}

// Logout はサインアウトする。IdP側の失敗はログのみで、Sessionはsigned_outになる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.SignOut(r.Context()); err != nil {
		h.logger.Warn("sign out reported an error", slog.String("error", err.Error()))
	}
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(h.sessions.Current(), ""))
}

// settle はサインイン済み（プロフィール取得完了後）の状態になるまで待ち、そのSessionを返す。
// SignIn直後はまだsigned_outが公開されていることがある。
// タイムアウトした場合はその時点のSessionを返す。
func (h *AuthHandler) settle(ctx context.Context) session.Session {
	ctx, cancel := context.WithTimeout(ctx, h.config.SettleTimeout)
	defer cancel()

	s, err := h.sessions.WaitFor(ctx, func(s session.Session) bool {
		return s.IsSignedIn()
	})
	if err != nil {
		h.logger.Info("session did not settle", slog.String("error", err.Error()))
	}
	return s
}

func (h *AuthHandler) redirectWithError(err error) string {
	code := model.ErrCodeSignInFailed
	if authErr := auth.AsAuthError(err); authErr.Kind == model.AuthServiceUnavailable {
		code = model.ErrCodeServiceUnavailable
	}
	u, parseErr := url.Parse(h.config.BaseURL)
	if parseErr != nil {
		return h.config.BaseURL
	}
	q := u.Query()
	q.Set("auth_error", code)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *AuthHandler) setShortLivedCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth",
		Domain:   h.config.CookieDomain,
		MaxAge:   shortLivedCookieMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/auth",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
