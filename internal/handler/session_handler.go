package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/readlog/internal/middleware"
	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/navigation"
	"github.com/hitoshi/readlog/internal/session"
)

// SessionReader は現在のSessionを返す。
type SessionReader interface {
	Current() session.Session
}

// RouteNavigator はナビゲーションガードを通した画面遷移を行う。
type RouteNavigator interface {
	Current() navigation.Route
	Navigate(route navigation.Route) navigation.Route
}

// SessionHandler はセッション状態と画面遷移のハンドラー。
type SessionHandler struct {
	sessions  SessionReader
	navigator RouteNavigator
	logger    *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(sessions SessionReader, navigator RouteNavigator, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, navigator: navigator, logger: logger}
}

type identityResponse struct {
	ExternalID  string `json:"external_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
}

type profileResponse struct {
	Username  string    `json:"username"`
	AvatarID  string    `json:"avatar_id"`
	Bio       string    `json:"bio"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionResponse struct {
	State    string            `json:"state"`
	Identity *identityResponse `json:"identity,omitempty"`
	Profile  *profileResponse  `json:"profile,omitempty"`
	Route    string            `json:"route,omitempty"`
}

func toProfileResponse(p *model.Profile) *profileResponse {
	if p == nil {
		return nil
	}
	return &profileResponse{
		Username:  p.Username,
		AvatarID:  p.AvatarID,
		Bio:       p.Bio,
		CreatedAt: p.CreatedAt,
	}
}

func toSessionResponse(s session.Session, route navigation.Route) sessionResponse {
	resp := sessionResponse{
		State:   string(s.State),
		Profile: toProfileResponse(s.Profile),
		Route:   string(route),
	}
	if s.Identity != nil {
		resp.Identity = &identityResponse{
			ExternalID:  s.Identity.ExternalID,
			Email:       s.Identity.Email,
			DisplayName: s.Identity.ProviderDisplayName,
			Provider:    s.Identity.Provider,
		}
	}
	return resp
}

// GetSession は現在のSessionと表示中の画面を返す。
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(h.sessions.Current(), h.navigator.Current()))
}

type navigateRequest struct {
	Route string `json:"route"`
}

type navigateResponse struct {
	Route      string `json:"route"`
	Redirected bool   `json:"redirected"`
}

// Navigate は指定画面への遷移を要求する。ガードにより別の画面へ差し替えられることがある。
// POST /api/navigation
func (h *SessionHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	requested := navigation.Route(req.Route)
	if !requested.Valid() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "UNKNOWN_ROUTE",
			Message:  "指定された画面は存在しません。",
			Category: "validation",
			Action:   "画面の指定を確認してください。",
		})
		return
	}

	got := h.navigator.Navigate(requested)
	if got != requested {
		h.logger.Info("navigation redirected",
			slog.String("requested", string(requested)),
			slog.String("route", string(got)),
		)
	}
	middleware.WriteJSON(w, http.StatusOK, navigateResponse{
		Route:      string(got),
		Redirected: got != requested,
	})
}
