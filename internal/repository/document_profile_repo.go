package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/readlog/internal/model"
)

// プロフィールドキュメントのフィールド名。既存データとの互換性のため変更しない。
const (
	fieldUsername  = "username"
	fieldAvatarID  = "avatarId"
	fieldBio       = "bio"
	fieldCreatedAt = "createdAt"
)

// DocumentProfileRepo はDocumentStore上のprofilesコレクションを使用したプロフィールリポジトリ。
type DocumentProfileRepo struct {
	store DocumentStore
}

// NewDocumentProfileRepo はDocumentProfileRepoを生成する。
func NewDocumentProfileRepo(store DocumentStore) *DocumentProfileRepo {
	return &DocumentProfileRepo{store: store}
}

// FindByExternalID は外部IDでプロフィールを取得する。見つからない場合はnilを返す。
// usernameやavatarIdが欠けた部分的なドキュメントもそのまま返す（完成判定は呼び出し側）。
func (r *DocumentProfileRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Profile, error) {
	doc, err := r.store.Get(ctx, CollectionProfiles, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return profileFromDocument(doc), nil
}

// Create はプロフィールをcreate-if-absentで作成する。
// 同一外部IDの部分的なドキュメントがある場合はマージ書き込みで完成させる。
// usernameが他のドキュメントで使われている場合はmodel.ErrUniqueViolationを、
// 同一外部IDの完成済みドキュメントがある場合はmodel.ErrAlreadyExistsのみを返し、
// 既存データを上書きしない。
func (r *DocumentProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	fields := Fields{
		fieldUsername:  profile.Username,
		fieldAvatarID:  profile.AvatarID,
		fieldBio:       profile.Bio,
		fieldCreatedAt: ServerTimestamp,
	}
	err := r.store.CreateIfAbsent(ctx, CollectionProfiles, profile.ExternalID, fields)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrAlreadyExists) || errors.Is(err, model.ErrUniqueViolation) {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return r.completePartial(ctx, profile, err)
}

// completePartial はキーが衝突した既存ドキュメントが未完成の場合にマージで完成させる。
// createdAtが既にあれば保持する。usernameの一意性はストアの一意制約が保証する。
func (r *DocumentProfileRepo) completePartial(ctx context.Context, profile *model.Profile, collision error) error {
	doc, err := r.store.Get(ctx, CollectionProfiles, profile.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to load existing profile: %w", err)
	}
	if doc == nil || profileFromDocument(doc).IsComplete() {
		return fmt.Errorf("failed to create profile: %w", collision)
	}

	fields := Fields{
		fieldUsername: profile.Username,
		fieldAvatarID: profile.AvatarID,
		fieldBio:      profile.Bio,
	}
	if stringField(doc.Fields, fieldCreatedAt) == "" {
		fields[fieldCreatedAt] = ServerTimestamp
	}
	if err := r.store.Set(ctx, CollectionProfiles, profile.ExternalID, fields, SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to complete partial profile: %w", err)
	}
	return nil
}

// UsernameExists は正規化済みusernameを持つプロフィールが存在するかを返す。
func (r *DocumentProfileRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	docs, err := r.store.Query(ctx, CollectionProfiles, Query{
		Filters: []Filter{{Field: fieldUsername, Value: username}},
		Limit:   1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to query username: %w", err)
	}
	return len(docs) > 0, nil
}

// UsernameTakenByOther はusernameが外部ID以外のプロフィールで使われているかを返す。
// 一意制約により保持者は高々1件だが、部分的な旧データに備えて2件まで見る。
func (r *DocumentProfileRepo) UsernameTakenByOther(ctx context.Context, username, externalID string) (bool, error) {
	docs, err := r.store.Query(ctx, CollectionProfiles, Query{
		Filters: []Filter{{Field: fieldUsername, Value: username}},
		Limit:   2,
	})
	if err != nil {
		return false, fmt.Errorf("failed to query username: %w", err)
	}
	for _, doc := range docs {
		if doc.Key != externalID {
			return true, nil
		}
	}
	return false, nil
}

// UpdateBio は自己紹介のみをマージ更新する。
func (r *DocumentProfileRepo) UpdateBio(ctx context.Context, externalID, bio string) error {
	if err := r.store.Set(ctx, CollectionProfiles, externalID, Fields{fieldBio: bio}, SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to update bio: %w", err)
	}
	return nil
}

// profileFromDocument はドキュメントをProfileに変換する。
// createdAtが文字列でない場合はドキュメントの作成時刻を使う。
func profileFromDocument(doc *Document) *model.Profile {
	p := &model.Profile{
		ExternalID: doc.Key,
		Username:   stringField(doc.Fields, fieldUsername),
		AvatarID:   stringField(doc.Fields, fieldAvatarID),
		Bio:        stringField(doc.Fields, fieldBio),
		CreatedAt:  doc.CreatedAt,
	}
	if raw := stringField(doc.Fields, fieldCreatedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			p.CreatedAt = t
		}
	}
	return p
}

func stringField(fields Fields, name string) string {
	s, _ := fields[name].(string)
	return s
}

// compile-time interface check
var _ ProfileRepository = (*DocumentProfileRepo)(nil)
