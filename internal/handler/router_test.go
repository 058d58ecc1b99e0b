package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/readlog/internal/auth"
	"github.com/hitoshi/readlog/internal/middleware"
	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/navigation"
	"github.com/hitoshi/readlog/internal/repository"
	"github.com/hitoshi/readlog/internal/session"
	"github.com/hitoshi/readlog/internal/username"
)

// stubGoogle は認可コードを検証せずに固定の外部IDを返すGoogleプロバイダ。
type stubGoogle struct {
	identity *model.ExternalIdentity
}

func (p *stubGoogle) Kind() auth.ProviderKind { return auth.ProviderGoogle }

func (p *stubGoogle) Authenticate(ctx context.Context, cred auth.Credential) (*model.ExternalIdentity, error) {
	return p.identity, nil
}

func (p *stubGoogle) NormalizeError(err error) *model.AuthError { return auth.AsAuthError(err) }

func (p *stubGoogle) LoginURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

// testClient はCookieとCSRFトークンを引き回してルーターを呼び出す。
type testClient struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func (c *testClient) do(method, target, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Origin", "http://localhost:3000")
	for _, cookie := range c.cookies {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	if token, ok := c.cookies["csrf_token"]; ok {
		req.Header.Set("X-CSRF-Token", token.Value)
	}

	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	for _, cookie := range rec.Result().Cookies() {
		if cookie.MaxAge < 0 {
			delete(c.cookies, cookie.Name)
			continue
		}
		c.cookies[cookie.Name] = cookie
	}
	return rec
}

func (c *testClient) session() sessionResponse {
	c.t.Helper()
	rec := c.do(http.MethodGet, "/api/session", "")
	var body sessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		c.t.Fatalf("failed to decode session: %v", err)
	}
	return body
}

func (c *testClient) waitForRoute(want navigation.Route) sessionResponse {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last sessionResponse
	for time.Now().Before(deadline) {
		last = c.session()
		if last.Route == string(want) {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("route did not become %q, last = %+v", want, last)
	return last
}

type routerFixture struct {
	client  *testClient
	manager *session.Manager
	store   *repository.MemoryDocumentStore
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger, _ := newTestLogger()

	store := repository.NewProfileMemoryStore()
	repo := repository.NewDocumentProfileRepo(store)
	checker := username.NewChecker(repo)
	google := &stubGoogle{identity: &model.ExternalIdentity{
		ExternalID: "google-123",
		Email:      "reader@example.com",
		Provider:   "google",
	}}
	adapter := auth.NewAdapter(logger, nil, google)
	manager := session.NewManager(adapter, repo, checker, session.Config{Logger: logger})
	history := navigation.NewHistory()
	nav := navigation.NewNavigator(manager, history, navigation.RouteLogin, logger, nil)
	validator := username.NewValidator(checker, username.ValidatorConfig{Delay: 10 * time.Millisecond, Logger: logger})

	nav.Start()
	manager.Start(context.Background())
	t.Cleanup(func() {
		validator.Close()
		nav.Stop()
		manager.Close()
	})

	router := NewRouter(&RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: "http://localhost:3000",
		CSRF:              middleware.CSRFConfig{},
		Sessions:          manager,
		GoogleLogin:       google,
		AuthConfig:        AuthHandlerConfig{BaseURL: "http://localhost:3000", SettleTimeout: time.Second},
		Navigator:         nav,
		UsernameDraft:     validator,
		UsernameChecker:   checker,
		Books: &mockBookProvider{
			searchFn: func(ctx context.Context, query string) ([]model.BookSummary, error) {
				return []model.BookSummary{{ID: "OL1W", Title: query}}, nil
			},
		},
	})

	return &routerFixture{
		client:  &testClient{t: t, handler: router, cookies: map[string]*http.Cookie{}},
		manager: manager,
		store:   store,
	}
}

func (f *routerFixture) signIn(t *testing.T) {
	t.Helper()
	c := f.client

	if rec := c.do(http.MethodGet, "/api/csrf-token", ""); rec.Code != http.StatusOK {
		t.Fatalf("csrf-token status = %d", rec.Code)
	}
	if rec := c.do(http.MethodGet, "/auth/google/login", ""); rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("login status = %d", rec.Code)
	}
	state := c.cookies[oauthStateCookie].Value
	rec := c.do(http.MethodGet, "/auth/google/callback?code=auth-code&state="+state, "")
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("callback status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "http://localhost:3000" {
		t.Fatalf("callback Location = %q", loc)
	}
}

func TestRouter_FirstSignInOnboardingFlow(t *testing.T) {
	f := newRouterFixture(t)
	c := f.client

	if rec := c.do(http.MethodGet, "/api/books?q=dune", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("books before sign in: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	f.signIn(t)

	s := c.waitForRoute(navigation.RouteProfileCreation)
	if s.State != string(session.StateSignedInIncomplete) {
		t.Fatalf("state = %q, want signed_in_incomplete", s.State)
	}

	// 未完成のプロフィールではアプリ画面に入れない
	rec := c.do(http.MethodPost, "/api/navigation", `{"route":"app/home"}`)
	var nav navigateResponse
	if err := json.NewDecoder(rec.Body).Decode(&nav); err != nil {
		t.Fatalf("failed to decode navigation: %v", err)
	}
	if !nav.Redirected || nav.Route != string(navigation.RouteProfileCreation) {
		t.Errorf("navigation = %+v, want redirect to profile creation", nav)
	}

	rec = c.do(http.MethodGet, "/api/usernames/Reader_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("username check status = %d", rec.Code)
	}

	rec = c.do(http.MethodPost, "/api/profile", `{"username":"Reader_1","avatar_id":"explorer","bio":"hello"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create profile status = %d, body = %s", rec.Code, rec.Body.String())
	}

	s = c.waitForRoute(navigation.RouteHome)
	if s.State != string(session.StateSignedInComplete) {
		t.Errorf("state = %q, want signed_in_complete", s.State)
	}
	if s.Profile == nil || s.Profile.Username != "reader_1" {
		t.Errorf("profile = %+v, want reader_1", s.Profile)
	}

	rec = c.do(http.MethodGet, "/api/books?q=dune", "")
	if rec.Code != http.StatusOK {
		t.Errorf("books after sign in: status = %d", rec.Code)
	}

	rec = c.do(http.MethodGet, "/api/usernames/reader_1", "")
	var avail usernameAvailabilityResponse
	if err := json.NewDecoder(rec.Body).Decode(&avail); err != nil {
		t.Fatalf("failed to decode availability: %v", err)
	}
	if avail.Available {
		t.Error("reader_1 should be taken after profile creation")
	}
}

func TestRouter_SignOutReturnsToLogin(t *testing.T) {
	f := newRouterFixture(t)
	c := f.client

	f.signIn(t)
	c.waitForRoute(navigation.RouteProfileCreation)

	rec := c.do(http.MethodPost, "/auth/logout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body = %s", rec.Code, rec.Body.String())
	}

	s := c.waitForRoute(navigation.RouteLogin)
	if s.State != string(session.StateSignedOut) {
		t.Errorf("state = %q, want signed_out", s.State)
	}
	if rec := c.do(http.MethodPost, "/api/profile", `{"username":"reader_1","avatar_id":"explorer"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("create profile after sign out: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRouter_StateChangingRequestsRequireCSRFToken(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	f.client.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if got := rec.Header().Get(middleware.RequestIDHeader); got == "" {
		t.Error("response should carry a request id")
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.client.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", rec.Code, http.StatusOK)
	}

	// MetricsHandler未設定のため公開されない
	rec = f.client.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("metrics status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

type failingPinger struct{}

func (failingPinger) PingContext(ctx context.Context) error { return context.DeadlineExceeded }

func TestHealthHandler_PingFailure_Returns503(t *testing.T) {
	logger, _ := newTestLogger()
	h := NewHealthHandler(failingPinger{}, logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
