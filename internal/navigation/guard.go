// Package navigation はSessionと現在の画面から必要なリダイレクトを決定する。
package navigation

import (
	"strings"
	"sync"

	"github.com/hitoshi/readlog/internal/session"
)

// Group は画面グループ。
type Group string

const (
	GroupAuth Group = "auth"
	GroupApp  Group = "app"
)

// Route は "group/screen" 形式の画面名。
type Route string

// 名前付きの画面。
const (
	RouteLogin           Route = "auth/login"
	RouteProfileCreation Route = "auth/profile-creation"
	RouteHome            Route = "app/home"
	RouteSearch          Route = "app/search"
	RouteShelves         Route = "app/shelves"
	RouteProfile         Route = "app/profile"
)

// Group はRouteの属するグループを返す。不明な場合は空文字列。
func (r Route) Group() Group {
	group, _, ok := strings.Cut(string(r), "/")
	if !ok {
		return ""
	}
	switch Group(group) {
	case GroupAuth, GroupApp:
		return Group(group)
	default:
		return ""
	}
}

// Valid はRouteが既知のグループに属し、画面名を持つかを返す。
func (r Route) Valid() bool {
	_, screen, ok := strings.Cut(string(r), "/")
	return ok && screen != "" && r.Group() != ""
}

// Decide はSessionと現在の画面から、必要なリダイレクト先を返す純粋関数。
// リダイレクト不要の場合はfalseを返す。
//
//	loading               any                   -> なし
//	signed_out            auth                  -> なし
//	signed_out            app                   -> auth/login
//	signed_in_incomplete  auth/profile-creation -> なし
//	signed_in_incomplete  それ以外              -> auth/profile-creation
//	signed_in_complete    auth                  -> app/home
//	signed_in_complete    app                   -> なし
func Decide(s session.Session, current Route) (Route, bool) {
	switch s.State {
	case session.StateSignedOut:
		if current.Group() == GroupAuth {
			return "", false
		}
		return RouteLogin, true
	case session.StateSignedInIncomplete:
		if current == RouteProfileCreation {
			return "", false
		}
		return RouteProfileCreation, true
	case session.StateSignedInComplete:
		if current.Group() == GroupApp {
			return "", false
		}
		return RouteHome, true
	default:
		return "", false
	}
}

// guardInput は直前にリダイレクトを出した入力。
type guardInput struct {
	state      session.State
	externalID string
	current    Route
}

// Guard はDecideを冪等にするラッパー。
// 同じ入力に対してリダイレクトを出すのは1回だけで、
// Session Managerがreadyになるまでは判定しない。
type Guard struct {
	ready <-chan struct{}

	mu   sync.Mutex
	last *guardInput
}

// NewGuard はGuardを生成する。readyはsession.Manager.Ready()を渡す。
func NewGuard(ready <-chan struct{}) *Guard {
	return &Guard{ready: ready}
}

// Evaluate はリダイレクトが必要な場合にその行き先を返す。
func (g *Guard) Evaluate(s session.Session, current Route) (Route, bool) {
	select {
	case <-g.ready:
	default:
		return "", false
	}

	target, ok := Decide(s, current)

	g.mu.Lock()
	defer g.mu.Unlock()

	if !ok {
		g.last = nil
		return "", false
	}

	in := guardInput{state: s.State, externalID: s.ExternalID(), current: current}
	if g.last != nil && *g.last == in {
		return "", false
	}
	g.last = &in
	return target, true
}
