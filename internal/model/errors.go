package model

import (
	"errors"
	"fmt"
)

// AuthErrorKind はIdP固有のエラーを正規化した分類。
type AuthErrorKind string

const (
	// AuthCancelled はユーザーがサインインをキャンセルしたことを示す。
	AuthCancelled AuthErrorKind = "cancelled"
	// AuthInProgress は別のサインインが進行中であることを示す。
	AuthInProgress AuthErrorKind = "in_progress"
	// AuthServiceUnavailable はIdPまたはプラットフォームのサービスが利用できないことを示す。
	AuthServiceUnavailable AuthErrorKind = "service_unavailable"
	// AuthUnknown はその他のエラー。Detailに詳細を持つ。
	AuthUnknown AuthErrorKind = "unknown"
)

// AuthError はIdentity Provider Adapterが返す正規化済みエラー。
// セッション管理側はプロバイダー種別で分岐せず、Kindのみを見る。
type AuthError struct {
	Kind     AuthErrorKind
	Provider string
	Detail   string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	msg := "auth " + string(e.Kind)
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is はKindが一致するAuthErrorを同一とみなす。
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsAbsorbable はセッションを変えずにログだけで吸収するエラーかを返す。
func (e *AuthError) IsAbsorbable() bool {
	return e.Kind == AuthCancelled || e.Kind == AuthInProgress
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(kind AuthErrorKind, provider, detail string, err error) *AuthError {
	return &AuthError{Kind: kind, Provider: provider, Detail: detail, Err: err}
}

// errors.Is 比較用のAuthError。
var (
	ErrAuthCancelled          = &AuthError{Kind: AuthCancelled}
	ErrAuthInProgress         = &AuthError{Kind: AuthInProgress}
	ErrAuthServiceUnavailable = &AuthError{Kind: AuthServiceUnavailable}
	ErrAuthUnknown            = &AuthError{Kind: AuthUnknown}
)

// IsAbsorbableAuthError はerrがCancelledまたはInProgressのAuthErrorかを返す。
func IsAbsorbableAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.IsAbsorbable()
}

// ドキュメントストアのエラー。
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrStoreUnknown     = errors.New("store error")
	// ErrUniqueViolation はキー以外の一意制約（username等）への違反。
	// 常にErrAlreadyExistsと一緒に包まれる。
	ErrUniqueViolation = errors.New("unique constraint violated")
)

// ValidationKind はローカル入力検証エラーの分類。
type ValidationKind string

const (
	ValidationTooShort      ValidationKind = "too_short"
	ValidationInvalidChars  ValidationKind = "invalid_chars"
	ValidationTaken         ValidationKind = "taken"
	ValidationInvalidAvatar ValidationKind = "invalid_avatar"
)

// ValidationError はUIレベルで完結する入力検証エラー。
type ValidationError struct {
	Kind  ValidationKind
	Value string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation %s: %q", e.Kind, e.Value)
}

// Is はKindが一致するValidationErrorを同一とみなす。
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Kind == e.Kind
}

// errors.Is 比較用のValidationError。
var (
	ErrTooShort      = &ValidationError{Kind: ValidationTooShort}
	ErrInvalidChars  = &ValidationError{Kind: ValidationInvalidChars}
	ErrTaken         = &ValidationError{Kind: ValidationTaken}
	ErrInvalidAvatar = &ValidationError{Kind: ValidationInvalidAvatar}
)

// セッション操作のエラー。
var (
	// ErrNotAuthenticated はプロフィール未作成のサインイン状態以外でcreateProfileを呼んだ場合に返す。
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSessionChanged は待機中にサインアウト等でセッションが切り替わり、結果が破棄されたことを示す。
	ErrSessionChanged = errors.New("session changed while the operation was in flight")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, books, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSignInFailed       = "SIGN_IN_FAILED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeSessionChanged     = "SESSION_CHANGED"
	ErrCodeUsernameTooShort   = "USERNAME_TOO_SHORT"
	ErrCodeUsernameInvalid    = "USERNAME_INVALID"
	ErrCodeUsernameTaken      = "USERNAME_TAKEN"
	ErrCodeInvalidAvatar      = "INVALID_AVATAR"
	ErrCodeProfileSaveFailed  = "PROFILE_SAVE_FAILED"
	ErrCodeBookNotFound       = "BOOK_NOT_FOUND"
	ErrCodeBookLookupFailed   = "BOOK_LOOKUP_FAILED"
	ErrCodeInvalidQuery       = "INVALID_QUERY"
)

// NewSignInFailedError はサインイン失敗エラーを生成する。
func NewSignInFailedError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeSignInFailed,
		Message:  fmt.Sprintf("サインインに失敗しました: %s", detail),
		Category: "auth",
		Action:   "もう一度サインインしてください。",
	}
}

// NewServiceUnavailableError はIdPが利用できない場合のエラーを生成する。
func NewServiceUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeServiceUnavailable,
		Message:  "サインインサービスに接続できませんでした。",
		Category: "auth",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "プロフィールを作成できる状態ではありません。",
		Category: "auth",
		Action:   "サインインし直してください。",
	}
}

// NewSessionChangedError は処理中にセッションが切り替わった場合のエラーを生成する。
func NewSessionChangedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionChanged,
		Message:  "処理中にサインイン状態が変わりました。",
		Category: "auth",
		Action:   "画面を再読み込みしてください。",
	}
}

// NewValidationAPIError は入力検証エラーをユーザー向けエラーに変換する。
func NewValidationAPIError(v *ValidationError) *APIError {
	switch v.Kind {
	case ValidationTooShort:
		return &APIError{
			Code:     ErrCodeUsernameTooShort,
			Message:  "ユーザー名が短すぎます。",
			Category: "validation",
			Action:   "3文字以上で入力してください。",
		}
	case ValidationInvalidChars:
		return &APIError{
			Code:     ErrCodeUsernameInvalid,
			Message:  fmt.Sprintf("ユーザー名に使用できない文字が含まれています: %s", v.Value),
			Category: "validation",
			Action:   "英小文字、数字、アンダースコアのみ使用できます。",
		}
	case ValidationTaken:
		return &APIError{
			Code:     ErrCodeUsernameTaken,
			Message:  fmt.Sprintf("このユーザー名は既に使われています: %s", v.Value),
			Category: "validation",
			Action:   "別のユーザー名を入力してください。",
		}
	default:
		return &APIError{
			Code:     ErrCodeInvalidAvatar,
			Message:  fmt.Sprintf("無効なアバターです: %s", v.Value),
			Category: "validation",
			Action:   "一覧からアバターを選択してください。",
		}
	}
}

// NewProfileSaveFailedError はプロフィール保存失敗エラーを生成する。
func NewProfileSaveFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileSaveFailed,
		Message:  "プロフィールを保存できませんでした。",
		Category: "profile",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewBookNotFoundError は書籍未検出エラーを生成する。
func NewBookNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeBookNotFound,
		Message:  fmt.Sprintf("指定された書籍が見つかりません: %s", id),
		Category: "books",
		Action:   "書籍IDを確認してください。",
	}
}

// NewBookLookupFailedError は書籍API呼び出し失敗エラーを生成する。
func NewBookLookupFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeBookLookupFailed,
		Message:  "書籍情報を取得できませんでした。",
		Category: "books",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidQueryError は検索クエリ不正エラーを生成する。
func NewInvalidQueryError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQuery,
		Message:  "検索キーワードが指定されていません。",
		Category: "validation",
		Action:   "書名や著者名を入力してください。",
	}
}
