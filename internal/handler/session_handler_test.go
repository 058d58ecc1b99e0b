package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/navigation"
	"github.com/hitoshi/readlog/internal/session"
)

func TestGetSession_CompleteSession(t *testing.T) {
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sessions := &mockSessionManager{
		currentFn: func() session.Session {
			return session.Session{
				State: session.StateSignedInComplete,
				Identity: &model.ExternalIdentity{
					ExternalID:          "ext-1",
					Email:               "reader@example.com",
					ProviderDisplayName: "Reader",
					Provider:            "google",
				},
				Profile: &model.Profile{
					ExternalID: "ext-1",
					Username:   "reader_1",
					AvatarID:   model.AvatarSage,
					Bio:        "SF好き",
					CreatedAt:  createdAt,
				},
			}
		},
	}
	logger, _ := newTestLogger()
	h := NewSessionHandler(sessions, &mockNavigator{current: navigation.RouteHome}, logger)

	rec := httptest.NewRecorder()
	h.GetSession(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body sessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.State != "signed_in_complete" {
		t.Errorf("state = %q, want signed_in_complete", body.State)
	}
	if body.Route != string(navigation.RouteHome) {
		t.Errorf("route = %q, want %q", body.Route, navigation.RouteHome)
	}
	if body.Identity == nil || body.Identity.DisplayName != "Reader" {
		t.Errorf("identity = %+v", body.Identity)
	}
	if body.Profile == nil || body.Profile.Username != "reader_1" || !body.Profile.CreatedAt.Equal(createdAt) {
		t.Errorf("profile = %+v", body.Profile)
	}
}

func TestGetSession_SignedOutOmitsIdentity(t *testing.T) {
	logger, _ := newTestLogger()
	h := NewSessionHandler(&mockSessionManager{}, &mockNavigator{current: navigation.RouteLogin}, logger)

	rec := httptest.NewRecorder()
	h.GetSession(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	body := rec.Body.String()
	if strings.Contains(body, `"identity"`) || strings.Contains(body, `"profile"`) {
		t.Errorf("signed out session should omit identity and profile: %s", body)
	}
}

func TestNavigate_ReportsRedirect(t *testing.T) {
	nav := &mockNavigator{
		navigateFn: func(route navigation.Route) navigation.Route {
			return navigation.RouteLogin
		},
	}
	logger, _ := newTestLogger()
	h := NewSessionHandler(&mockSessionManager{}, nav, logger)

	rec := httptest.NewRecorder()
	h.Navigate(rec, httptest.NewRequest(http.MethodPost, "/api/navigation", strings.NewReader(`{"route":"app/shelves"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body navigateResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Route != string(navigation.RouteLogin) || !body.Redirected {
		t.Errorf("response = %+v, want redirect to login", body)
	}
}

func TestNavigate_AllowedRoute(t *testing.T) {
	logger, _ := newTestLogger()
	nav := &mockNavigator{}
	h := NewSessionHandler(&mockSessionManager{}, nav, logger)

	rec := httptest.NewRecorder()
	h.Navigate(rec, httptest.NewRequest(http.MethodPost, "/api/navigation", strings.NewReader(`{"route":"app/search"}`)))

	var body navigateResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Redirected || body.Route != string(navigation.RouteSearch) {
		t.Errorf("response = %+v, want app/search without redirect", body)
	}
}

func TestNavigate_UnknownRoute_Returns400(t *testing.T) {
	logger, _ := newTestLogger()
	nav := &mockNavigator{
		navigateFn: func(route navigation.Route) navigation.Route {
			t.Error("Navigate should not be called for unknown routes")
			return route
		},
	}
	h := NewSessionHandler(&mockSessionManager{}, nav, logger)

	for _, body := range []string{`{"route":"app/settings"}`, `{"route":""}`, `not json`} {
		rec := httptest.NewRecorder()
		h.Navigate(rec, httptest.NewRequest(http.MethodPost, "/api/navigation", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
}
