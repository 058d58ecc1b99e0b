package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hitoshi/readlog/internal/model"
)

const (
	defaultAppleIssuer  = "https://appleid.apple.com"
	defaultAppleKeysURL = "https://appleid.apple.com/auth/keys"
)

// ASAuthorizationErrorのコード。
// 1000(unknown), 1002(invalidResponse), 1003(notHandled), 1004(failed)はUnknownとして扱う。
const (
	appleErrCanceled        = "1001"
	appleErrCanceledName    = "ERR_REQUEST_CANCELED"
	appleErrInProgressName  = "ERR_REQUEST_IN_PROGRESS"
	appleErrUnavailableName = "ERR_REQUEST_NOT_AVAILABLE"
)

// AppleConfig はAppleプロバイダーの設定。
type AppleConfig struct {
	// ClientID はトークンのaudとして期待するサービスIDまたはバンドルID。
	ClientID string

	// テスト用にオーバーライド可能な値
	Issuer  string
	KeysURL string
	KeySet  oidc.KeySet

	HTTPClient *http.Client
}

// AppleProvider は端末で取得したAppleのIDトークンを検証する。
type AppleProvider struct {
	verifier *oidc.IDTokenVerifier
}

// NewAppleProvider はAppleProviderを生成する。
// KeySet未指定の場合はAppleの公開鍵エンドポイントから取得する。
func NewAppleProvider(config AppleConfig) *AppleProvider {
	if config.Issuer == "" {
		config.Issuer = defaultAppleIssuer
	}
	if config.KeysURL == "" {
		config.KeysURL = defaultAppleKeysURL
	}

	keySet := config.KeySet
	if keySet == nil {
		ctx := context.Background()
		if config.HTTPClient != nil {
			ctx = oidc.ClientContext(ctx, config.HTTPClient)
		}
		keySet = oidc.NewRemoteKeySet(ctx, config.KeysURL)
	}

	return &AppleProvider{
		verifier: oidc.NewVerifier(config.Issuer, keySet, &oidc.Config{ClientID: config.ClientID}),
	}
}

// Kind はProviderAppleを返す。
func (p *AppleProvider) Kind() ProviderKind {
	return ProviderApple
}

// appleClaims はAppleのIDトークンに含まれる追加クレーム。
type appleClaims struct {
	Email string `json:"email"`
}

// Authenticate はIDトークンの署名・発行者・audience・nonceを検証し、外部IDを返す。
// 表示名はトークンに含まれないため、クライアントから渡された値をヒントとして使う。
func (p *AppleProvider) Authenticate(ctx context.Context, cred Credential) (*model.ExternalIdentity, error) {
	if cred.ErrorCode != "" {
		return nil, p.normalizeCode(cred.ErrorCode)
	}
	if cred.IDToken == "" {
		return nil, model.NewAuthError(model.AuthUnknown, string(ProviderApple), "missing identity token", nil)
	}

	token, err := p.verifier.Verify(ctx, cred.IDToken)
	if err != nil {
		return nil, p.NormalizeError(fmt.Errorf("failed to verify identity token: %w", err))
	}

	if cred.Nonce != "" && token.Nonce != HashNonce(cred.Nonce) {
		return nil, model.NewAuthError(model.AuthUnknown, string(ProviderApple), "nonce mismatch", nil)
	}

	var claims appleClaims
	if err := token.Claims(&claims); err != nil {
		return nil, p.NormalizeError(fmt.Errorf("failed to decode claims: %w", err))
	}

	return &model.ExternalIdentity{
		ExternalID:          token.Subject,
		Email:               claims.Email,
		ProviderDisplayName: cred.DisplayName,
		Provider:            string(ProviderApple),
	}, nil
}

// NormalizeError はApple固有のエラーをAuthErrorに変換する。
func (p *AppleProvider) NormalizeError(err error) *model.AuthError {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var expired *oidc.TokenExpiredError
	if errors.As(err, &expired) {
		return model.NewAuthError(model.AuthUnknown, string(ProviderApple), "identity token expired", err)
	}

	if kind, ok := transportErrorKind(err); ok {
		return model.NewAuthError(kind, string(ProviderApple), "", err)
	}

	return model.NewAuthError(model.AuthUnknown, string(ProviderApple), "", err)
}

// normalizeCode はASAuthorizationErrorのコードをAuthErrorに変換する。
func (p *AppleProvider) normalizeCode(code string) *model.AuthError {
	var kind model.AuthErrorKind
	switch code {
	case appleErrCanceled, appleErrCanceledName:
		kind = model.AuthCancelled
	case appleErrInProgressName:
		kind = model.AuthInProgress
	case appleErrUnavailableName:
		kind = model.AuthServiceUnavailable
	default:
		kind = model.AuthUnknown
	}
	return model.NewAuthError(kind, string(ProviderApple), code, nil)
}

// HashNonce はnonceをAppleの認可リクエストに渡す形式（SHA-256のhex）に変換する。
func HashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

// compile-time interface check
var _ Provider = (*AppleProvider)(nil)
