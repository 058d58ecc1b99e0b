package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/readlog/internal/model"
)

// MemoryDocumentStore はプロセス内メモリのドキュメントストア。
// DATABASE_URL未設定時の開発モードとテストで使用する。
// 一意制約はWithUniqueFieldで登録したフィールドに対してのみ検査する。
type MemoryDocumentStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]*Document
	unique  map[string][]string
	nowFunc func() time.Time
}

// MemoryOption はMemoryDocumentStoreのオプション。
type MemoryOption func(*MemoryDocumentStore)

// WithUniqueField はコレクション内でフィールド値の一意性を保証する。
// Postgres側の部分一意インデックスに相当する。
func WithUniqueField(collection, field string) MemoryOption {
	return func(s *MemoryDocumentStore) {
		s.unique[collection] = append(s.unique[collection], field)
	}
}

// WithClock はServerTimestampに使う時刻関数を差し替える。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryDocumentStore) {
		s.nowFunc = now
	}
}

// NewMemoryDocumentStore はMemoryDocumentStoreを生成する。
func NewMemoryDocumentStore(opts ...MemoryOption) *MemoryDocumentStore {
	s := &MemoryDocumentStore{
		docs:    make(map[string]map[string]*Document),
		unique:  make(map[string][]string),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewProfileMemoryStore はprofilesコレクションのusername一意制約付きストアを生成する。
func NewProfileMemoryStore(opts ...MemoryOption) *MemoryDocumentStore {
	return NewMemoryDocumentStore(append([]MemoryOption{WithUniqueField(CollectionProfiles, "username")}, opts...)...)
}

// Get は指定キーのドキュメントのコピーを返す。見つからない場合はnilを返す。
func (s *MemoryDocumentStore) Get(_ context.Context, collection, key string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][key]
	if !ok {
		return nil, nil
	}
	return copyDocument(doc), nil
}

// Set はドキュメントを書き込む。
func (s *MemoryDocumentStore) Set(_ context.Context, collection, key string, fields Fields, opts SetOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc().UTC()
	resolved := s.resolve(fields, now)

	existing, ok := s.docs[collection][key]
	next := make(Fields)
	if ok && opts.Merge {
		for k, v := range existing.Fields {
			next[k] = v
		}
	}
	for k, v := range resolved {
		next[k] = v
	}

	if err := s.checkUnique(collection, key, next); err != nil {
		return err
	}

	doc := &Document{Collection: collection, Key: key, Fields: next, CreatedAt: now, UpdatedAt: now}
	if ok {
		doc.CreatedAt = existing.CreatedAt
	}
	s.put(doc)
	return nil
}

// Query は等値条件に一致するドキュメントを返す。
// 比較と並び替えはフィールド値の文字列表現で行う。
func (s *MemoryDocumentStore) Query(_ context.Context, collection string, q Query) ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []*Document
	for _, doc := range s.docs[collection] {
		if matches(doc, q.Filters) {
			docs = append(docs, copyDocument(doc))
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i].Key, docs[j].Key
		if q.OrderBy != "" {
			av, bv := stringValue(docs[i].Fields[q.OrderBy]), stringValue(docs[j].Fields[q.OrderBy])
			if av != bv {
				a, b = av, bv
			}
		}
		if q.Descending {
			return a > b
		}
		return a < b
	})

	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// CreateIfAbsent はキーが存在せず一意制約にも違反しない場合のみ作成する。
// 検査と書き込みは同一ロック内で行う。
func (s *MemoryDocumentStore) CreateIfAbsent(_ context.Context, collection, key string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[collection][key]; ok {
		return fmt.Errorf("document %s/%s: %w", collection, key, model.ErrAlreadyExists)
	}

	now := s.nowFunc().UTC()
	resolved := s.resolve(fields, now)
	if err := s.checkUnique(collection, key, resolved); err != nil {
		return err
	}

	s.put(&Document{Collection: collection, Key: key, Fields: resolved, CreatedAt: now, UpdatedAt: now})
	return nil
}

func (s *MemoryDocumentStore) put(doc *Document) {
	if s.docs[doc.Collection] == nil {
		s.docs[doc.Collection] = make(map[string]*Document)
	}
	s.docs[doc.Collection][doc.Key] = doc
}

func (s *MemoryDocumentStore) resolve(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now.Format(time.RFC3339Nano)
			continue
		}
		out[k] = v
	}
	return out
}

// checkUnique は他キーのドキュメントが同じ一意フィールド値を持っていないかを検査する。
func (s *MemoryDocumentStore) checkUnique(collection, key string, fields Fields) error {
	for _, field := range s.unique[collection] {
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		want := stringValue(v)
		for otherKey, other := range s.docs[collection] {
			if otherKey == key {
				continue
			}
			if ov, ok := other.Fields[field]; ok && stringValue(ov) == want {
				return fmt.Errorf("%s.%s=%q: %w: %w", collection, field, want, model.ErrAlreadyExists, model.ErrUniqueViolation)
			}
		}
	}
	return nil
}

func matches(doc *Document, filters []Filter) bool {
	for _, f := range filters {
		v, ok := doc.Fields[f.Field]
		if !ok || stringValue(v) != f.Value {
			return false
		}
	}
	return true
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func copyDocument(doc *Document) *Document {
	cp := *doc
	cp.Fields = make(Fields, len(doc.Fields))
	for k, v := range doc.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// compile-time interface check
var _ DocumentStore = (*MemoryDocumentStore)(nil)
