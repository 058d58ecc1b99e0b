// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/readlog/internal/model"
)

// コレクション名。
const (
	CollectionProfiles = "profiles"
)

// Fields はドキュメントのフィールド集合。JSONとして保存される。
type Fields map[string]any

// Document はコレクションとキーで識別される型なしレコード。
type Document struct {
	Collection string
	Key        string
	Fields     Fields
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SetOptions はSetの動作を指定する。
type SetOptions struct {
	// Merge がtrueの場合は既存フィールドに上書きマージする。falseの場合は全置換する。
	Merge bool
}

// Filter はフィールドの等値条件。
type Filter struct {
	Field string
	Value string
}

// Query はQueryの検索条件。
type Query struct {
	Filters    []Filter
	OrderBy    string // 空の場合はキー順
	Descending bool
	Limit      int // 0以下は無制限
}

// DocumentStore はホスト型ドキュメントDBの抽象。
type DocumentStore interface {
	// Get は指定キーのドキュメントを取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, collection, key string) (*Document, error)

	// Set はドキュメントを書き込む。opts.Mergeで既存フィールドとのマージを指定する。
	Set(ctx context.Context, collection, key string, fields Fields, opts SetOptions) error

	// Query は等値条件に一致するドキュメントを返す。
	Query(ctx context.Context, collection string, q Query) ([]*Document, error)

	// CreateIfAbsent はキーが存在しない場合のみドキュメントを作成する。
	// キーの重複、またはコレクションの一意制約違反の場合はmodel.ErrAlreadyExistsを返す。
	// 上書きは決して行わない。
	CreateIfAbsent(ctx context.Context, collection, key string, fields Fields) error
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByExternalID は外部IDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.Profile, error)

	// Create はプロフィールを作成する。同一外部IDの部分的なプロフィールは完成させる。
	// usernameが使用済みの場合はmodel.ErrUniqueViolation、完成済みプロフィールが
	// 既に存在する場合はmodel.ErrAlreadyExistsを返す。CreatedAtはストア側で設定される。
	Create(ctx context.Context, profile *model.Profile) error

	// UsernameExists は正規化済みusernameを持つプロフィールが存在するかを返す。
	UsernameExists(ctx context.Context, username string) (bool, error)

	// UsernameTakenByOther はusernameが外部ID以外のプロフィールで使われているかを返す。
	UsernameTakenByOther(ctx context.Context, username, externalID string) (bool, error)

	// UpdateBio は自己紹介のみをマージ更新する。
	UpdateBio(ctx context.Context, externalID, bio string) error
}
