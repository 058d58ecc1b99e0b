package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hitoshi/readlog/internal/model"
	"golang.org/x/oauth2"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	defaultGoogleRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// Googleサインインのステータスコード。
// ネイティブSDKの値とOAuthのerrorパラメータの両方を受け付ける。
const (
	googleSignInCancelled       = "SIGN_IN_CANCELLED"
	googleSignInCancelledCode   = "12501"
	googleInProgress            = "IN_PROGRESS"
	googlePlayServicesMissing   = "PLAY_SERVICES_NOT_AVAILABLE"
	googleOAuthAccessDenied     = "access_denied"
	googleOAuthTemporarilyUnavl = "temporarily_unavailable"
	googleOAuthServerError      = "server_error"
)

// GoogleConfig はGoogleプロバイダーの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string

	// HTTPClient はトークン交換とユーザー情報取得に使う。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GoogleProvider はGoogle OAuth 2.0の認可コードフローで認証する。
type GoogleProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
	revokeURL   string
	client      *http.Client

	mu     sync.Mutex
	tokens map[string]*oauth2.Token // externalID -> token
}

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(config GoogleConfig) *GoogleProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaultGoogleRevokeURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: config.UserInfoURL,
		revokeURL:   config.RevokeURL,
		client:      config.HTTPClient,
		tokens:      make(map[string]*oauth2.Token),
	}
}

// Kind はProviderGoogleを返す。
func (p *GoogleProvider) Kind() ProviderKind {
	return ProviderGoogle
}

// LoginURL はGoogleの認可画面のURLを生成する。
func (p *GoogleProvider) LoginURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Authenticate は認可コードをトークンに交換し、ユーザー情報を取得する。
func (p *GoogleProvider) Authenticate(ctx context.Context, cred Credential) (*model.ExternalIdentity, error) {
	if cred.ErrorCode != "" {
		return nil, p.normalizeCode(cred.ErrorCode)
	}
	if cred.Code == "" {
		return nil, model.NewAuthError(model.AuthUnknown, string(ProviderGoogle), "missing authorization code", nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	token, err := p.oauth.Exchange(ctx, cred.Code)
	if err != nil {
		return nil, p.NormalizeError(fmt.Errorf("failed to exchange token: %w", err))
	}

	info, err := p.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, p.NormalizeError(fmt.Errorf("failed to fetch user info: %w", err))
	}

	p.mu.Lock()
	p.tokens[info.Sub] = token
	p.mu.Unlock()

	return &model.ExternalIdentity{
		ExternalID:          info.Sub,
		Email:               info.Email,
		ProviderDisplayName: info.Name,
		Provider:            string(ProviderGoogle),
	}, nil
}

// statusError はGoogleのエンドポイントが返した非200レスポンス。
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// fetchUserInfo はアクセストークンでGoogleのユーザー情報を取得する。
func (p *GoogleProvider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}

	resp, err := p.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &info, nil
}

// Revoke はサインイン時に取得したトークンを失効させる。
// トークンを保持していない場合は何もしない。
func (p *GoogleProvider) Revoke(ctx context.Context, identity *model.ExternalIdentity) error {
	p.mu.Lock()
	token, ok := p.tokens[identity.ExternalID]
	delete(p.tokens, identity.ExternalID)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	form := url.Values{"token": {token.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return p.NormalizeError(fmt.Errorf("failed to create revoke request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return p.NormalizeError(fmt.Errorf("revoke request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return p.NormalizeError(&statusError{StatusCode: resp.StatusCode, Body: string(body)})
	}
	return nil
}

// NormalizeError はGoogle固有のエラーをAuthErrorに変換する。
func (p *GoogleProvider) NormalizeError(err error) *model.AuthError {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			normalized := p.normalizeCode(retrieveErr.ErrorCode)
			normalized.Err = err
			if normalized.Kind != model.AuthUnknown {
				return normalized
			}
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return model.NewAuthError(model.AuthServiceUnavailable, string(ProviderGoogle), "", err)
		}
		return model.NewAuthError(model.AuthUnknown, string(ProviderGoogle), retrieveErr.ErrorCode, err)
	}

	var stErr *statusError
	if errors.As(err, &stErr) && stErr.StatusCode >= http.StatusInternalServerError {
		return model.NewAuthError(model.AuthServiceUnavailable, string(ProviderGoogle), "", err)
	}

	if kind, ok := transportErrorKind(err); ok {
		return model.NewAuthError(kind, string(ProviderGoogle), "", err)
	}

	return model.NewAuthError(model.AuthUnknown, string(ProviderGoogle), "", err)
}

// normalizeCode はGoogleのステータスコードをAuthErrorに変換する。
func (p *GoogleProvider) normalizeCode(code string) *model.AuthError {
	var kind model.AuthErrorKind
	switch code {
	case googleSignInCancelled, googleSignInCancelledCode, googleOAuthAccessDenied:
		kind = model.AuthCancelled
	case googleInProgress:
		kind = model.AuthInProgress
	case googlePlayServicesMissing, googleOAuthTemporarilyUnavl, googleOAuthServerError:
		kind = model.AuthServiceUnavailable
	default:
		return model.NewAuthError(model.AuthUnknown, string(ProviderGoogle), code, nil)
	}
	return model.NewAuthError(kind, string(ProviderGoogle), code, nil)
}

// compile-time interface check
var (
	_ Provider = (*GoogleProvider)(nil)
	_ Revoker  = (*GoogleProvider)(nil)
)
