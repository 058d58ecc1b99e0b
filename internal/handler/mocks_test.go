package handler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/readlog/internal/auth"
	"github.com/hitoshi/readlog/internal/books"
	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/navigation"
	"github.com/hitoshi/readlog/internal/session"
	"github.com/hitoshi/readlog/internal/username"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})), &buf
}

// --- SessionManager ---

type mockSessionManager struct {
	currentFn       func() session.Session
	signInFn        func(ctx context.Context, cred auth.Credential) error
	signOutFn       func(ctx context.Context) error
	waitForFn       func(ctx context.Context, pred func(session.Session) bool) (session.Session, error)
	createProfileFn func(ctx context.Context, rawUsername, avatarID, bio string) (*model.Profile, error)
	updateBioFn     func(ctx context.Context, bio string) (*model.Profile, error)
}

func (m *mockSessionManager) Current() session.Session {
	if m.currentFn != nil {
		return m.currentFn()
	}
	return session.Session{State: session.StateSignedOut}
}

func (m *mockSessionManager) SignIn(ctx context.Context, cred auth.Credential) error {
	if m.signInFn != nil {
		return m.signInFn(ctx, cred)
	}
	return nil
}

func (m *mockSessionManager) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockSessionManager) WaitFor(ctx context.Context, pred func(session.Session) bool) (session.Session, error) {
	if m.waitForFn != nil {
		return m.waitForFn(ctx, pred)
	}
	return m.Current(), nil
}

func (m *mockSessionManager) CreateProfile(ctx context.Context, rawUsername, avatarID, bio string) (*model.Profile, error) {
	if m.createProfileFn != nil {
		return m.createProfileFn(ctx, rawUsername, avatarID, bio)
	}
	return nil, nil
}

func (m *mockSessionManager) UpdateBio(ctx context.Context, bio string) (*model.Profile, error) {
	if m.updateBioFn != nil {
		return m.updateBioFn(ctx, bio)
	}
	return nil, nil
}

func signedInSession(externalID string) session.Session {
	return session.Session{
		State: session.StateSignedInIncomplete,
		Identity: &model.ExternalIdentity{
			ExternalID: externalID,
			Email:      "reader@example.com",
			Provider:   "google",
		},
	}
}

// --- LoginURLProvider ---

type mockLoginURL struct {
	lastState string
}

func (m *mockLoginURL) LoginURL(state string) string {
	m.lastState = state
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

// --- RouteNavigator ---

type mockNavigator struct {
	current    navigation.Route
	navigateFn func(route navigation.Route) navigation.Route
}

func (m *mockNavigator) Current() navigation.Route { return m.current }

func (m *mockNavigator) Navigate(route navigation.Route) navigation.Route {
	if m.navigateFn != nil {
		return m.navigateFn(route)
	}
	m.current = route
	return route
}

// --- UsernameDraft ---

type mockUsernameDraft struct {
	mu     sync.Mutex
	inputs []string
	result username.Result
}

func (m *mockUsernameDraft) Input(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, text)
}

func (m *mockUsernameDraft) Current() username.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// --- UsernameChecker ---

type mockUsernameChecker struct {
	takenFn func(ctx context.Context, candidate, externalID string) (bool, error)
}

func (m *mockUsernameChecker) TakenByOther(ctx context.Context, candidate, externalID string) (bool, error) {
	if m.takenFn != nil {
		return m.takenFn(ctx, candidate, externalID)
	}
	return false, nil
}

// --- books.Provider ---

type mockBookProvider struct {
	searchFn  func(ctx context.Context, query string) ([]model.BookSummary, error)
	getByIDFn func(ctx context.Context, id string) (*model.BookDetail, error)
}

func (m *mockBookProvider) Search(ctx context.Context, query string) ([]model.BookSummary, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, query)
	}
	return nil, nil
}

func (m *mockBookProvider) GetByID(ctx context.Context, id string) (*model.BookDetail, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, nil
}

// compile-time interface checks
var (
	_ SessionManager   = (*mockSessionManager)(nil)
	_ LoginURLProvider = (*mockLoginURL)(nil)
	_ RouteNavigator   = (*mockNavigator)(nil)
	_ UsernameDraft    = (*mockUsernameDraft)(nil)
	_ UsernameChecker  = (*mockUsernameChecker)(nil)
	_ books.Provider   = (*mockBookProvider)(nil)
	_ SessionManager   = (*session.Manager)(nil)
)
