// Package auth は外部IdP（Google, Apple）によるサインインを正規化して提供する。
package auth

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/hitoshi/readlog/internal/model"
)

// ProviderKind はIdPの種別。
type ProviderKind string

const (
	// ProviderGoogle はOAuthの認可コードフローで認証するGoogle。
	ProviderGoogle ProviderKind = "google"
	// ProviderApple は端末ネイティブのSign in with Apple。
	ProviderApple ProviderKind = "apple"
)

// Credential はクライアントから受け取るサインイン結果。
// IdPのSDKがエラーを返した場合はErrorCodeのみが設定される。
type Credential struct {
	Provider ProviderKind

	// Code はGoogleの認可コード。
	Code string

	// IDToken はAppleが発行したIDトークン。
	IDToken string
	// Nonce はApple認可リクエストに使った生のnonce。トークンにはSHA-256のhex値が入る。
	Nonce string
	// DisplayName はAppleが初回認可時にのみ返す氏名。
	DisplayName string

	// ErrorCode はIdPまたはSDKが返したエラーコード。
	ErrorCode string
}

// Provider は1つのIdPとのやり取りを担う。
// 返すエラーはNormalizeErrorで正規化済みであること。
type Provider interface {
	// Kind はIdPの種別を返す。
	Kind() ProviderKind
	// Authenticate はクレデンシャルを検証し、外部IDを返す。
	Authenticate(ctx context.Context, cred Credential) (*model.ExternalIdentity, error)
	// NormalizeError はIdP固有のエラーをAuthErrorに変換する。
	NormalizeError(err error) *model.AuthError
}

// Revoker はサインアウト時にIdP側のトークンを失効させるProvider。
type Revoker interface {
	Revoke(ctx context.Context, identity *model.ExternalIdentity) error
}

// transportErrorKind はHTTP通信のエラーを分類する。
// 分類できない場合はfalseを返す。
func transportErrorKind(err error) (model.AuthErrorKind, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return model.AuthCancelled, true
	case errors.Is(err, context.DeadlineExceeded):
		return model.AuthServiceUnavailable, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.AuthServiceUnavailable, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return model.AuthServiceUnavailable, true
	}
	return "", false
}
