package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/readlog/internal/model"
)

// mockDocumentStore はDocumentStoreのテスト用モック。
type mockDocumentStore struct {
	getFn            func(ctx context.Context, collection, key string) (*Document, error)
	setFn            func(ctx context.Context, collection, key string, fields Fields, opts SetOptions) error
	queryFn          func(ctx context.Context, collection string, q Query) ([]*Document, error)
	createIfAbsentFn func(ctx context.Context, collection, key string, fields Fields) error
}

func (m *mockDocumentStore) Get(ctx context.Context, collection, key string) (*Document, error) {
	if m.getFn != nil {
		return m.getFn(ctx, collection, key)
	}
	return nil, nil
}

func (m *mockDocumentStore) Set(ctx context.Context, collection, key string, fields Fields, opts SetOptions) error {
	if m.setFn != nil {
		return m.setFn(ctx, collection, key, fields, opts)
	}
	return nil
}

func (m *mockDocumentStore) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, collection, q)
	}
	return nil, nil
}

func (m *mockDocumentStore) CreateIfAbsent(ctx context.Context, collection, key string, fields Fields) error {
	if m.createIfAbsentFn != nil {
		return m.createIfAbsentFn(ctx, collection, key, fields)
	}
	return nil
}

var _ DocumentStore = (*mockDocumentStore)(nil)

func TestDocumentProfileRepo_Create_WritesInteropFieldNames(t *testing.T) {
	var gotCollection, gotKey string
	var gotFields Fields
	store := &mockDocumentStore{
		createIfAbsentFn: func(_ context.Context, collection, key string, fields Fields) error {
			gotCollection, gotKey, gotFields = collection, key, fields
			return nil
		},
	}
	repo := NewDocumentProfileRepo(store)

	err := repo.Create(context.Background(), &model.Profile{
		ExternalID: "ext-1",
		Username:   "reader_1",
		AvatarID:   "explorer",
		Bio:        "hi",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if gotCollection != CollectionProfiles || gotKey != "ext-1" {
		t.Errorf("wrote to %s/%s, want profiles/ext-1", gotCollection, gotKey)
	}
	for _, name := range []string{"username", "avatarId", "bio", "createdAt"} {
		if _, ok := gotFields[name]; !ok {
			t.Errorf("field %q missing from written document", name)
		}
	}
	if gotFields["createdAt"] != ServerTimestamp {
		t.Errorf("createdAt should be server-assigned, got %v", gotFields["createdAt"])
	}
}

func TestDocumentProfileRepo_Create_PropagatesAlreadyExists(t *testing.T) {
	store := &mockDocumentStore{
		createIfAbsentFn: func(context.Context, string, string, Fields) error {
			return model.ErrAlreadyExists
		},
	}
	repo := NewDocumentProfileRepo(store)

	err := repo.Create(context.Background(), &model.Profile{ExternalID: "x", Username: "foo", AvatarID: "sage"})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestDocumentProfileRepo_FindByExternalID_PartialDocument(t *testing.T) {
	store := NewProfileMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, CollectionProfiles, "ext-1", Fields{"username": "abc"}, SetOptions{})
	repo := NewDocumentProfileRepo(store)

	p, err := repo.FindByExternalID(ctx, "ext-1")
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if p == nil {
		t.Fatal("expected partial profile, got nil")
	}
	if p.IsComplete() {
		t.Error("profile without avatarId must not be complete")
	}
}

func TestDocumentProfileRepo_FindByExternalID_Missing(t *testing.T) {
	repo := NewDocumentProfileRepo(NewProfileMemoryStore())

	p, err := repo.FindByExternalID(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if p != nil {
		t.Errorf("FindByExternalID() = %+v, want nil", p)
	}
}

func TestDocumentProfileRepo_RoundTrip(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	repo := NewDocumentProfileRepo(NewProfileMemoryStore(WithClock(func() time.Time { return fixed })))
	ctx := context.Background()

	if err := repo.Create(ctx, &model.Profile{ExternalID: "ext-1", Username: "reader_1", AvatarID: "explorer"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	p, err := repo.FindByExternalID(ctx, "ext-1")
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if !p.IsComplete() {
		t.Errorf("profile = %+v, want complete", p)
	}
	if !p.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", p.CreatedAt, fixed)
	}

	exists, err := repo.UsernameExists(ctx, "reader_1")
	if err != nil || !exists {
		t.Errorf("UsernameExists(reader_1) = %v, %v; want true, nil", exists, err)
	}
	exists, _ = repo.UsernameExists(ctx, "reader_2")
	if exists {
		t.Error("UsernameExists(reader_2) = true, want false")
	}

	if err := repo.UpdateBio(ctx, "ext-1", "loves sci-fi"); err != nil {
		t.Fatalf("UpdateBio() error = %v", err)
	}
	p, _ = repo.FindByExternalID(ctx, "ext-1")
	if p.Bio != "loves sci-fi" || p.Username != "reader_1" {
		t.Errorf("after UpdateBio profile = %+v", p)
	}
}

func TestDocumentProfileRepo_StoreErrorIsWrapped(t *testing.T) {
	store := &mockDocumentStore{
		getFn: func(context.Context, string, string) (*Document, error) {
			return nil, model.ErrStoreUnavailable
		},
	}
	repo := NewDocumentProfileRepo(store)

	_, err := repo.FindByExternalID(context.Background(), "ext-1")
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("error = %v, want wrapping ErrStoreUnavailable", err)
	}
}

func TestDocumentProfileRepo_Create_CompletesPartialDocument(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	store := NewProfileMemoryStore(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	_ = store.Set(ctx, CollectionProfiles, "ext-1", Fields{"username": "abc", "legacy": "kept"}, SetOptions{})
	repo := NewDocumentProfileRepo(store)

	if err := repo.Create(ctx, &model.Profile{ExternalID: "ext-1", Username: "reader_1", AvatarID: "explorer"}); err != nil {
		t.Fatalf("Create() on partial document error = %v", err)
	}

	doc, _ := store.Get(ctx, CollectionProfiles, "ext-1")
	if doc.Fields["username"] != "reader_1" || doc.Fields["avatarId"] != "explorer" {
		t.Errorf("fields = %v, want username reader_1 and avatarId explorer", doc.Fields)
	}
	if doc.Fields["legacy"] != "kept" {
		t.Error("merge write should keep unrelated fields")
	}
	if doc.Fields["createdAt"] != fixed.Format(time.RFC3339Nano) {
		t.Errorf("createdAt = %v, want server timestamp", doc.Fields["createdAt"])
	}
}

func TestDocumentProfileRepo_Create_PartialKeepsCreatedAt(t *testing.T) {
	store := NewProfileMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, CollectionProfiles, "ext-1", Fields{"username": "abc", "createdAt": "2024-01-02T03:04:05Z"}, SetOptions{})
	repo := NewDocumentProfileRepo(store)

	if err := repo.Create(ctx, &model.Profile{ExternalID: "ext-1", Username: "abc", AvatarID: "sage"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	doc, _ := store.Get(ctx, CollectionProfiles, "ext-1")
	if doc.Fields["createdAt"] != "2024-01-02T03:04:05Z" {
		t.Errorf("createdAt = %v, want the original value", doc.Fields["createdAt"])
	}
}

func TestDocumentProfileRepo_Create_CompleteDocumentIsNotOverwritten(t *testing.T) {
	store := NewProfileMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, CollectionProfiles, "ext-1", Fields{"username": "first", "avatarId": "poet"}, SetOptions{})
	repo := NewDocumentProfileRepo(store)

	err := repo.Create(ctx, &model.Profile{ExternalID: "ext-1", Username: "second", AvatarID: "sage"})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("Create() error = %v, want ErrAlreadyExists", err)
	}
	if errors.Is(err, model.ErrUniqueViolation) {
		t.Errorf("key collision reported as unique violation: %v", err)
	}

	doc, _ := store.Get(ctx, CollectionProfiles, "ext-1")
	if doc.Fields["username"] != "first" {
		t.Errorf("complete profile was overwritten: %v", doc.Fields)
	}
}

func TestDocumentProfileRepo_Create_PartialWithTakenUsername(t *testing.T) {
	store := NewProfileMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, CollectionProfiles, "ext-other", Fields{"username": "foo", "avatarId": "poet"}, SetOptions{})
	_ = store.Set(ctx, CollectionProfiles, "ext-1", Fields{"username": "abc"}, SetOptions{})
	repo := NewDocumentProfileRepo(store)

	err := repo.Create(ctx, &model.Profile{ExternalID: "ext-1", Username: "foo", AvatarID: "sage"})
	if !errors.Is(err, model.ErrUniqueViolation) {
		t.Fatalf("Create() error = %v, want ErrUniqueViolation", err)
	}

	doc, _ := store.Get(ctx, CollectionProfiles, "ext-1")
	if doc.Fields["username"] != "abc" {
		t.Errorf("partial profile changed after failed write: %v", doc.Fields)
	}
}

func TestDocumentProfileRepo_UsernameTakenByOther(t *testing.T) {
	store := NewProfileMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, CollectionProfiles, "ext-1", Fields{"username": "abc"}, SetOptions{})
	repo := NewDocumentProfileRepo(store)

	taken, err := repo.UsernameTakenByOther(ctx, "abc", "ext-1")
	if err != nil || taken {
		t.Errorf("UsernameTakenByOther(abc, ext-1) = %v, %v; want false, nil", taken, err)
	}
	taken, err = repo.UsernameTakenByOther(ctx, "abc", "ext-2")
	if err != nil || !taken {
		t.Errorf("UsernameTakenByOther(abc, ext-2) = %v, %v; want true, nil", taken, err)
	}
}
