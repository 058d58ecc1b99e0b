package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/readlog/internal/auth"
	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/security"
	"github.com/hitoshi/readlog/internal/username"
)

// ErrManagerClosed はClose後に操作した場合に返す。
var ErrManagerClosed = errors.New("session manager closed")

// IdentitySource は外部IDの変化を通知するIdP側の境界。auth.Adapterが実装する。
type IdentitySource interface {
	SignIn(ctx context.Context, cred auth.Credential) (*model.ExternalIdentity, error)
	SignOut(ctx context.Context) error
	Subscribe(fn auth.Listener) auth.Unsubscribe
}

// ProfileStore はプロフィールの読み書きに必要なインターフェース。
type ProfileStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.Profile, error)
	Create(ctx context.Context, profile *model.Profile) error
	UpdateBio(ctx context.Context, externalID, bio string) error
}

// UsernameChecker は送信直前のユーザー名の存在確認を行う。
// 自分の部分的なプロフィールが持つusernameは使用済みとみなさない。
type UsernameChecker interface {
	TakenByOther(ctx context.Context, candidate, externalID string) (bool, error)
}

// BioSanitizer は自己紹介をサニタイズする。
type BioSanitizer interface {
	SanitizeBio(raw string) string
}

// Recorder はセッション遷移とプロフィール書き込みのメトリクス記録インターフェース。
type Recorder interface {
	RecordSessionTransition(state string)
	RecordProfileWrite(outcome string)
}

// Listener はSessionの変化を受け取るコールバック。
// イベントループ上で呼ばれるため、Managerの操作を同期的に呼び出してはならない。
type Listener func(Session)

// Config はManagerの任意設定。
type Config struct {
	Logger    *slog.Logger
	Recorder  Recorder
	Sanitizer BioSanitizer
	Now       func() time.Time
}

// Manager はSessionの唯一の書き込み手。
// 状態遷移は全て単一のイベントループ上で行い、非同期のプロフィール取得には
// 世代番号を付けて、完了時に世代が進んでいれば結果を破棄する。
type Manager struct {
	source    IdentitySource
	profiles  ProfileStore
	checker   UsernameChecker
	sanitizer BioSanitizer
	logger    *slog.Logger
	recorder  Recorder
	now       func() time.Time

	events      chan any
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	startOnce   sync.Once
	closeOnce   sync.Once
	unsubscribe auth.Unsubscribe

	ready     chan struct{}
	readyOnce sync.Once

	// sessionとgenはイベントループのみが書き込む。
	mu      sync.RWMutex
	session Session
	gen     uint64

	// emitMu は通知と購読開始時の初期通知を直列化する。
	emitMu     sync.Mutex
	listenerMu sync.Mutex
	nextID     int
	listeners  map[int]Listener
}

// イベントループが処理するイベント。
type (
	identityChanged struct {
		identity *model.ExternalIdentity
	}
	profileFetched struct {
		gen      uint64
		identity *model.ExternalIdentity
		profile  *model.Profile
		err      error
	}
	profileWritten struct {
		gen     uint64
		expect  State
		profile *model.Profile
		reply   chan error
	}
	signOutRequested struct {
		reply chan struct{}
	}
	profileRefreshRequested struct {
		gen uint64
	}
)

// NewManager はManagerを生成する。Startを呼ぶまでSessionはloadingのまま。
func NewManager(source IdentitySource, profiles ProfileStore, checker UsernameChecker, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewContentSanitizer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source:    source,
		profiles:  profiles,
		checker:   checker,
		sanitizer: cfg.Sanitizer,
		logger:    cfg.Logger,
		recorder:  cfg.Recorder,
		now:       cfg.Now,
		events:    make(chan any, 16),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		session:   loading(),
		listeners: make(map[int]Listener),
	}
}

// Start はイベントループを起動し、IdentitySourceを購読する。
// ctxが終了するとCloseと同様に停止する。
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()

		m.unsubscribe = m.source.Subscribe(m.onIdentity)

		go func() {
			select {
			case <-ctx.Done():
				m.Close()
			case <-m.done:
			}
		}()
	})
}

// Close は購読を解除し、イベントループと実行中のプロフィール取得を停止する。
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		close(m.done)
		m.cancel()
		m.wg.Wait()
		m.logger.Info("session manager stopped")
	})
}

// Current は現在のSessionを返す。
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Ready は起動後に最初のloading以外のSessionが確定した時点でcloseされる。
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Subscribe はリスナーを登録し、現在のSessionで1回呼び出す。
func (m *Manager) Subscribe(fn Listener) func() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.listenerMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenerMu.Unlock()

	fn(m.Current())

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenerMu.Lock()
			delete(m.listeners, id)
			m.listenerMu.Unlock()
		})
	}
}

// WaitFor はpredを満たすSessionが公開されるまで待つ。
func (m *Manager) WaitFor(ctx context.Context, pred func(Session) bool) (Session, error) {
	matched := make(chan Session, 1)
	unsubscribe := m.Subscribe(func(s Session) {
		if pred(s) {
			select {
			case matched <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case s := <-matched:
		return s, nil
	case <-ctx.Done():
		return m.Current(), ctx.Err()
	case <-m.done:
		return m.Current(), ErrManagerClosed
	}
}

// SignIn はIdPでサインインする。結果のSessionは購読経由で公開される。
// CancelledとInProgressはログのみで吸収し、nilを返す。
func (m *Manager) SignIn(ctx context.Context, cred auth.Credential) error {
	_, err := m.source.SignIn(ctx, cred)
	if err == nil {
		return nil
	}
	if model.IsAbsorbableAuthError(err) {
		m.logger.Info("sign in absorbed",
			slog.String("provider", string(cred.Provider)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return err
}

// SignOut は即座にsigned_outを公開し、実行中の取得・作成の結果を無効にしてから
// IdPのサインアウトを行う。IdP側のエラーは返すがSessionはsigned_outのまま。
func (m *Manager) SignOut(ctx context.Context) error {
	reply := make(chan struct{})
	if !m.send(signOutRequested{reply: reply}) {
		return ErrManagerClosed
	}
	select {
	case <-reply:
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.source.SignOut(ctx); err != nil {
		m.logger.Warn("provider sign out failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// CreateProfile はsigned_in_incompleteのセッションにプロフィールを作成する。
// 書式とアバターを検証し、送信直前にユーザー名の存在を確認した上で
// create-if-absentで書き込む。部分的なプロフィールが既にあればそれを完成させる。
// 書き込みが成功した後にのみsigned_in_completeを公開する。
func (m *Manager) CreateProfile(ctx context.Context, rawUsername, avatarID, bio string) (*model.Profile, error) {
	cur, gen := m.snapshot()
	if cur.State != StateSignedInIncomplete {
		return nil, model.ErrNotAuthenticated
	}

	name := username.Normalize(rawUsername)
	if err := username.ValidateFormat(name); err != nil {
		return nil, err
	}
	if !model.IsValidAvatar(avatarID) {
		return nil, &model.ValidationError{Kind: model.ValidationInvalidAvatar, Value: avatarID}
	}

	externalID := cur.Identity.ExternalID
	taken, err := m.checker.TakenByOther(ctx, name, externalID)
	if err != nil {
		m.recordWrite("error")
		return nil, fmt.Errorf("failed to check username before create: %w", err)
	}
	if taken {
		m.recordWrite("taken")
		return nil, &model.ValidationError{Kind: model.ValidationTaken, Value: name}
	}

	profile := &model.Profile{
		ExternalID: externalID,
		Username:   name,
		AvatarID:   avatarID,
		Bio:        m.sanitizer.SanitizeBio(bio),
	}
	if err := m.profiles.Create(ctx, profile); err != nil {
		switch {
		case errors.Is(err, model.ErrUniqueViolation):
			m.recordWrite("taken")
			return nil, fmt.Errorf("%w: %w", &model.ValidationError{Kind: model.ValidationTaken, Value: name}, err)
		case errors.Is(err, model.ErrAlreadyExists):
			// 別のクライアントが先にプロフィールを完成させた。保存済みの内容を読み直す。
			m.recordWrite("conflict")
			m.logger.Info("profile already completed elsewhere",
				slog.String("external_id", externalID),
			)
			m.send(profileRefreshRequested{gen: gen})
			return nil, fmt.Errorf("%w: %w", model.ErrSessionChanged, err)
		}
		m.recordWrite("error")
		m.logger.Error("failed to create profile",
			slog.String("external_id", profile.ExternalID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	m.recordWrite("created")

	stored := m.readBack(ctx, profile)
	if err := m.applyWrite(ctx, gen, StateSignedInIncomplete, stored); err != nil {
		return nil, err
	}

	m.logger.Info("profile created",
		slog.String("external_id", stored.ExternalID),
		slog.String("username", stored.Username),
	)
	return stored, nil
}

// UpdateBio はsigned_in_completeのセッションの自己紹介を更新する。
func (m *Manager) UpdateBio(ctx context.Context, bio string) (*model.Profile, error) {
	cur, gen := m.snapshot()
	if cur.State != StateSignedInComplete {
		return nil, model.ErrNotAuthenticated
	}

	clean := m.sanitizer.SanitizeBio(bio)
	if err := m.profiles.UpdateBio(ctx, cur.Profile.ExternalID, clean); err != nil {
		m.recordWrite("error")
		return nil, err
	}
	m.recordWrite("bio_updated")

	updated := *cur.Profile
	updated.Bio = clean
	if err := m.applyWrite(ctx, gen, StateSignedInComplete, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// readBack はサーバー側で設定されたcreatedAtを読み直す。
// 読み込みに失敗した場合は書き込んだ値とローカル時刻を使う。
func (m *Manager) readBack(ctx context.Context, written *model.Profile) *model.Profile {
	stored, err := m.profiles.FindByExternalID(ctx, written.ExternalID)
	if err == nil && stored.IsComplete() {
		return stored
	}
	if err != nil {
		m.logger.Warn("failed to read back created profile",
			slog.String("external_id", written.ExternalID),
			slog.String("error", err.Error()),
		)
	}
	fallback := *written
	fallback.CreatedAt = m.now().UTC()
	return &fallback
}

// applyWrite はプロフィール書き込みの結果をイベントループに反映させ、適用を待つ。
func (m *Manager) applyWrite(ctx context.Context, gen uint64, expect State, profile *model.Profile) error {
	reply := make(chan error, 1)
	if !m.send(profileWritten{gen: gen, expect: expect, profile: profile, reply: reply}) {
		return ErrManagerClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) onIdentity(identity *model.ExternalIdentity) {
	m.send(identityChanged{identity: identity})
}

// send はイベントをループに渡す。停止済みの場合はfalseを返す。
func (m *Manager) send(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case identityChanged:
		m.handleIdentity(ev.identity)
	case profileFetched:
		m.handleFetched(ev)
	case profileWritten:
		m.handleWritten(ev)
	case signOutRequested:
		m.handleSignOut()
		close(ev.reply)
	case profileRefreshRequested:
		m.handleRefresh(ev.gen)
	}
}

// handleRefresh は世代が変わっておらずsigned_in_incompleteのままの場合に
// loadingを公開せずにプロフィールを取得し直す。
func (m *Manager) handleRefresh(gen uint64) {
	cur, current := m.snapshot()
	if gen != current || cur.State != StateSignedInIncomplete {
		return
	}
	next := current + 1
	m.commit(next, nil)
	m.fetch(next, cur.Identity)
}

// handleIdentity は外部IDの変化を処理する。
// 同じ外部IDでsigned_in_incompleteの場合はloadingを再公開せずに再取得する。
func (m *Manager) handleIdentity(identity *model.ExternalIdentity) {
	cur, gen := m.snapshot()
	next := gen + 1

	if identity == nil {
		if cur.State == StateSignedOut {
			m.commit(next, nil)
			return
		}
		s := signedOut()
		m.commit(next, &s)
		return
	}

	switch {
	case cur.State == StateSignedInComplete && cur.ExternalID() == identity.ExternalID:
		// completeからの遷移はサインアウトのみ
		return
	case cur.IsSignedIn() && cur.ExternalID() == identity.ExternalID:
		m.commit(next, nil)
	case cur.State == StateLoading:
		m.commit(next, nil)
	default:
		s := loading()
		m.commit(next, &s)
	}

	m.fetch(next, identity)
}

// fetch はプロフィールを非同期に取得し、結果をループに戻す。
func (m *Manager) fetch(gen uint64, identity *model.ExternalIdentity) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		profile, err := m.profiles.FindByExternalID(m.ctx, identity.ExternalID)
		m.send(profileFetched{gen: gen, identity: identity, profile: profile, err: err})
	}()
}

func (m *Manager) handleFetched(r profileFetched) {
	_, gen := m.snapshot()
	if r.gen != gen {
		m.logger.Debug("discarding stale profile fetch",
			slog.String("external_id", r.identity.ExternalID),
			slog.Uint64("fetch_generation", r.gen),
			slog.Uint64("current_generation", gen),
		)
		return
	}

	var s Session
	switch {
	case r.err != nil:
		m.logger.Warn("failed to fetch profile, treating as incomplete",
			slog.String("external_id", r.identity.ExternalID),
			slog.String("error", r.err.Error()),
		)
		s = incomplete(r.identity)
	case r.profile != nil && !r.profile.IsComplete():
		m.logger.Info("partial profile treated as incomplete",
			slog.String("external_id", r.identity.ExternalID),
		)
		s = incomplete(r.identity)
	default:
		s = complete(r.identity, r.profile)
	}
	m.commit(gen, &s)
}

// handleWritten は書き込み開始時から世代と状態が変わっていない場合のみ反映する。
// 反映時は世代を進め、書き込み前に開始した取得の結果で上書きされないようにする。
func (m *Manager) handleWritten(w profileWritten) {
	cur, gen := m.snapshot()
	if w.gen != gen || cur.State != w.expect {
		m.logger.Info("discarding profile write result, session changed",
			slog.String("external_id", w.profile.ExternalID),
		)
		w.reply <- model.ErrSessionChanged
		return
	}

	s := complete(cur.Identity, w.profile)
	m.commit(gen+1, &s)
	w.reply <- nil
}

func (m *Manager) handleSignOut() {
	cur, gen := m.snapshot()
	if cur.State == StateSignedOut {
		m.commit(gen+1, nil)
		return
	}
	s := signedOut()
	m.commit(gen+1, &s)
}

func (m *Manager) snapshot() (Session, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, m.gen
}

// commit は世代を更新し、nextがnilでなければSessionを公開する。ループ上でのみ呼ぶ。
func (m *Manager) commit(gen uint64, next *Session) {
	if next == nil {
		m.mu.Lock()
		m.gen = gen
		m.mu.Unlock()
		return
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	prev := m.session
	m.session = *next
	m.gen = gen
	m.mu.Unlock()

	if next.State != StateLoading {
		m.readyOnce.Do(func() { close(m.ready) })
	}

	m.logger.Info("session state changed",
		slog.String("from", string(prev.State)),
		slog.String("to", string(next.State)),
		slog.String("external_id", next.ExternalID()),
	)
	if m.recorder != nil {
		m.recorder.RecordSessionTransition(string(next.State))
	}

	for _, fn := range m.snapshotListeners() {
		fn(*next)
	}
}

func (m *Manager) snapshotListeners() []Listener {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.listeners[id])
	}
	return out
}

func (m *Manager) recordWrite(outcome string) {
	if m.recorder != nil {
		m.recorder.RecordProfileWrite(outcome)
	}
}
