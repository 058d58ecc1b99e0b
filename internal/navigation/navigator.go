package navigation

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/readlog/internal/session"
)

// Router は画面遷移を行う。Replaceは履歴に残さない置き換え遷移。
type Router interface {
	Replace(route Route)
}

// SessionSource はNavigatorが購読するSessionの提供元。session.Managerが実装する。
type SessionSource interface {
	Current() session.Session
	Ready() <-chan struct{}
	Subscribe(fn session.Listener) func()
}

// RedirectRecorder はリダイレクトのメトリクス記録インターフェース。
type RedirectRecorder interface {
	RecordRedirect(to string)
}

// Navigator はSessionと現在の画面の変化を監視し、必要なときだけRouterに遷移を指示する。
type Navigator struct {
	source   SessionSource
	router   Router
	guard    *Guard
	logger   *slog.Logger
	recorder RedirectRecorder

	mu          sync.Mutex
	current     Route
	unsubscribe func()
}

// NewNavigator はNavigatorを生成する。initialは起動時に表示している画面。
func NewNavigator(source SessionSource, router Router, initial Route, logger *slog.Logger, recorder RedirectRecorder) *Navigator {
	return &Navigator{
		source:   source,
		router:   router,
		guard:    NewGuard(source.Ready()),
		logger:   logger,
		recorder: recorder,
		current:  initial,
	}
}

// Start はSessionの購読を開始する。1回だけ呼ぶこと。
// Subscribeは現在のSessionで即座にonSessionを呼ぶため、ロック外で登録する。
func (n *Navigator) Start() {
	unsubscribe := n.source.Subscribe(n.onSession)

	n.mu.Lock()
	n.unsubscribe = unsubscribe
	n.mu.Unlock()
}

// Stop はSessionの購読を解除する。
func (n *Navigator) Stop() {
	n.mu.Lock()
	unsubscribe := n.unsubscribe
	n.unsubscribe = nil
	n.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Current は現在の画面を返す。
func (n *Navigator) Current() Route {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Navigate はユーザー操作による画面遷移を反映し、ガードを評価した結果の画面を返す。
func (n *Navigator) Navigate(route Route) Route {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = route
	n.evaluateLocked(n.source.Current())
	return n.current
}

func (n *Navigator) onSession(s session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evaluateLocked(s)
}

func (n *Navigator) evaluateLocked(s session.Session) {
	target, ok := n.guard.Evaluate(s, n.current)
	if !ok {
		return
	}

	n.logger.Info("navigation redirect",
		slog.String("from", string(n.current)),
		slog.String("to", string(target)),
		slog.String("session_state", string(s.State)),
	)
	n.current = target
	n.router.Replace(target)
	if n.recorder != nil {
		n.recorder.RecordRedirect(string(target))
	}
}

// History は遷移履歴を保持するRouter。HTTP経由のクライアントは現在の画面をここから取得する。
type History struct {
	mu      sync.Mutex
	entries []Route
}

// NewHistory はHistoryを生成する。
func NewHistory() *History {
	return &History{}
}

// Replace は遷移を記録する。
func (h *History) Replace(route Route) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, route)
}

// Entries はこれまでの遷移を返す。
func (h *History) Entries() []Route {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Route(nil), h.entries...)
}

// compile-time interface check
var (
	_ Router        = (*History)(nil)
	_ SessionSource = (*session.Manager)(nil)
)
