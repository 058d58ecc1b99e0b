package auth

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/hitoshi/readlog/internal/model"
)

// Listener は外部IDの変化を受け取るコールバック。サインアウト時はnilを受け取る。
type Listener func(identity *model.ExternalIdentity)

// Unsubscribe は購読を解除する。複数回呼んでも安全。
type Unsubscribe func()

// SignInRecorder はサインイン結果を記録する。
type SignInRecorder interface {
	RecordSignIn(provider, outcome string)
}

// Adapter は複数のProviderをまとめ、サインイン状態を1つの外部IDとして公開する。
// 状態遷移1回につきリスナーは1回だけ、遷移の順序どおりに呼ばれる。
type Adapter struct {
	providers map[ProviderKind]Provider
	logger    *slog.Logger
	recorder  SignInRecorder

	// emitMu は遷移の通知と購読開始時の初期通知を直列化する。
	emitMu sync.Mutex

	mu        sync.Mutex
	current   *model.ExternalIdentity
	signingIn bool
	nextID    int
	listeners map[int]Listener
}

// NewAdapter はAdapterを生成する。recorderはnil可。
func NewAdapter(logger *slog.Logger, recorder SignInRecorder, providers ...Provider) *Adapter {
	m := make(map[ProviderKind]Provider, len(providers))
	for _, p := range providers {
		m[p.Kind()] = p
	}
	return &Adapter{
		providers: m,
		logger:    logger,
		recorder:  recorder,
		listeners: make(map[int]Listener),
	}
}

// SignIn は指定プロバイダーでサインインする。
// 返すエラーは常に*model.AuthError。サインイン中の多重呼び出しはInProgress、
// サインイン済みの場合はUnknownを返し、外部IDは変化しない。
func (a *Adapter) SignIn(ctx context.Context, cred Credential) (*model.ExternalIdentity, error) {
	provider, ok := a.providers[cred.Provider]
	if !ok {
		return nil, a.fail(cred.Provider, model.NewAuthError(model.AuthUnknown, string(cred.Provider), "unsupported provider", nil))
	}

	a.mu.Lock()
	if a.signingIn {
		a.mu.Unlock()
		return nil, a.fail(cred.Provider, model.NewAuthError(model.AuthInProgress, string(cred.Provider), "", nil))
	}
	if a.current != nil {
		a.mu.Unlock()
		return nil, a.fail(cred.Provider, model.NewAuthError(model.AuthUnknown, string(cred.Provider), "already signed in", nil))
	}
	a.signingIn = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.signingIn = false
		a.mu.Unlock()
	}()

	identity, err := provider.Authenticate(ctx, cred)
	if err != nil {
		return nil, a.fail(cred.Provider, provider.NormalizeError(err))
	}

	a.logger.Info("signed in",
		slog.String("provider", string(cred.Provider)),
		slog.String("external_id", identity.ExternalID),
	)
	a.record(cred.Provider, "success")
	a.transition(identity, nil)

	return identity, nil
}

// SignOut はサインアウトする。ローカルの外部IDは必ずクリアし、
// IdP側のトークン失効に失敗した場合はそのエラーを返す。
// 同時に呼ばれても、サインアウトの通知は1回だけ行う。
func (a *Adapter) SignOut(ctx context.Context) error {
	identity, changed := a.transition(nil, func(prev *model.ExternalIdentity) bool {
		return prev != nil
	})
	if !changed {
		return nil
	}

	a.logger.Info("signed out",
		slog.String("provider", identity.Provider),
		slog.String("external_id", identity.ExternalID),
	)

	provider, ok := a.providers[ProviderKind(identity.Provider)]
	if !ok {
		return nil
	}
	revoker, ok := provider.(Revoker)
	if !ok {
		return nil
	}
	if err := revoker.Revoke(ctx, identity); err != nil {
		authErr := provider.NormalizeError(err)
		a.logger.Warn("failed to revoke provider token",
			slog.String("provider", identity.Provider),
			slog.String("error", authErr.Error()),
		)
		return authErr
	}
	return nil
}

// Subscribe はリスナーを登録し、現在の外部IDで1回だけ即座に呼び出す。
func (a *Adapter) Subscribe(fn Listener) Unsubscribe {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	current := a.current
	a.mu.Unlock()

	fn(copyIdentity(current))

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

// Current は現在の外部IDを返す。未サインインの場合はnil。
func (a *Adapter) Current() *model.ExternalIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyIdentity(a.current)
}

// transition は外部IDを更新し、登録順にリスナーへ通知する。
// allowがnilでなく、更新前の外部IDに対してfalseを返した場合は更新も通知もしない。
// 判定と更新は同じ排他区間で行う。更新前の外部IDと、更新したかを返す。
func (a *Adapter) transition(identity *model.ExternalIdentity, allow func(prev *model.ExternalIdentity) bool) (*model.ExternalIdentity, bool) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	prev := a.current
	if allow != nil && !allow(prev) {
		a.mu.Unlock()
		return prev, false
	}
	a.current = identity
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, a.listeners[id])
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(copyIdentity(identity))
	}
	return prev, true
}

// fail はサインイン失敗をログとメトリクスに記録する。
// CancelledとInProgressはinfo、それ以外はwarnで出力する。
func (a *Adapter) fail(kind ProviderKind, authErr *model.AuthError) *model.AuthError {
	attrs := []any{
		slog.String("provider", string(kind)),
		slog.String("kind", string(authErr.Kind)),
		slog.String("error", authErr.Error()),
	}
	if authErr.IsAbsorbable() {
		a.logger.Info("sign in not completed", attrs...)
	} else {
		a.logger.Warn("sign in failed", attrs...)
	}
	a.record(kind, string(authErr.Kind))
	return authErr
}

func (a *Adapter) record(kind ProviderKind, outcome string) {
	if a.recorder != nil {
		a.recorder.RecordSignIn(string(kind), outcome)
	}
}

func copyIdentity(identity *model.ExternalIdentity) *model.ExternalIdentity {
	if identity == nil {
		return nil
	}
	cp := *identity
	return &cp
}

// AsAuthError はerrを*model.AuthErrorとして取り出す。AuthErrorでない場合はUnknownで包む。
func AsAuthError(err error) *model.AuthError {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return model.NewAuthError(model.AuthUnknown, "", "", err)
}
