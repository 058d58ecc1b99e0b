// Package session はサインイン状態とプロフィールを結合した単一のSessionを管理する。
package session

import "github.com/hitoshi/readlog/internal/model"

// State はSessionの状態。
type State string

const (
	StateSignedOut          State = "signed_out"
	StateLoading            State = "loading"
	StateSignedInIncomplete State = "signed_in_incomplete"
	StateSignedInComplete   State = "signed_in_complete"
)

// Session はSession Managerが公開する不変の値。
// StateSignedInIncompleteではIdentityのみ、StateSignedInCompleteでは
// IdentityとProfileの両方が設定される。
type Session struct {
	State    State
	Identity *model.ExternalIdentity
	Profile  *model.Profile
}

// ExternalID はサインイン中の外部IDを返す。未サインインの場合は空文字列。
func (s Session) ExternalID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ExternalID
}

// IsSignedIn はサインイン済み（プロフィールの有無を問わない）かを返す。
func (s Session) IsSignedIn() bool {
	return s.State == StateSignedInIncomplete || s.State == StateSignedInComplete
}

func signedOut() Session {
	return Session{State: StateSignedOut}
}

func loading() Session {
	return Session{State: StateLoading}
}

func incomplete(identity *model.ExternalIdentity) Session {
	return Session{State: StateSignedInIncomplete, Identity: identity}
}

// complete はprofileが完成している場合のみStateSignedInCompleteを返す。
// 部分的なプロフィールはincompleteとして扱う。
func complete(identity *model.ExternalIdentity, profile *model.Profile) Session {
	if !profile.IsComplete() {
		return incomplete(identity)
	}
	return Session{State: StateSignedInComplete, Identity: identity, Profile: profile}
}
