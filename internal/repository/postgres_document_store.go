package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/hitoshi/readlog/internal/model"
	"github.com/lib/pq"
)

// serverTimestamp はストア側の現在時刻で置き換えるフィールド値のマーカー。
type serverTimestamp struct{}

// ServerTimestamp をフィールド値に指定すると、書き込み時にストアの時刻が設定される。
// 値はRFC3339Nano形式の文字列として保存される。
var ServerTimestamp = serverTimestamp{}

// PostgresDocumentStore はPostgreSQLのJSONBカラムを使用したドキュメントストア。
// documentsテーブルは(collection, key)を主キーとし、
// profilesコレクションのusernameには部分一意インデックスが張られている。
type PostgresDocumentStore struct {
	db *sql.DB
}

// NewPostgresDocumentStore はPostgresDocumentStoreを生成する。
func NewPostgresDocumentStore(db *sql.DB) *PostgresDocumentStore {
	return &PostgresDocumentStore{db: db}
}

// Get は指定キーのドキュメントを取得する。見つからない場合はnilを返す。
func (s *PostgresDocumentStore) Get(ctx context.Context, collection, key string) (*Document, error) {
	doc := &Document{Collection: collection, Key: key}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, created_at, updated_at FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&raw, &doc.CreatedAt, &doc.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, key, classifyError(err))
	}

	if err := json.Unmarshal(raw, &doc.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

// Set はドキュメントを書き込む。Mergeの場合は既存のJSONBに連結する。
func (s *PostgresDocumentStore) Set(ctx context.Context, collection, key string, fields Fields, opts SetOptions) error {
	fieldsExpr, args, err := buildFieldsExpr(fields, collection, key)
	if err != nil {
		return err
	}

	update := `EXCLUDED.fields`
	if opts.Merge {
		update = `documents.fields || EXCLUDED.fields`
	}

	query := fmt.Sprintf(
		`INSERT INTO documents (collection, key, fields, created_at, updated_at)
		 VALUES ($1, $2, %s, now(), now())
		 ON CONFLICT (collection, key) DO UPDATE SET fields = %s, updated_at = now()`,
		fieldsExpr, update,
	)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set document %s/%s: %w", collection, key, classifyError(err))
	}
	return nil
}

// Query は等値条件に一致するドキュメントを返す。
func (s *PostgresDocumentStore) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	var sb strings.Builder
	args := []any{collection}

	sb.WriteString(`SELECT key, fields, created_at, updated_at FROM documents WHERE collection = $1`)
	for _, f := range q.Filters {
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&sb, ` AND fields ->> $%d = $%d`, len(args)-1, len(args))
	}

	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		fmt.Fprintf(&sb, ` ORDER BY fields ->> $%d %s, key ASC`, len(args), direction)
	} else {
		fmt.Fprintf(&sb, ` ORDER BY key %s`, direction)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, classifyError(err))
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{Collection: collection}
		var raw []byte
		if err := rows.Scan(&doc.Key, &raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", classifyError(err))
		}
		if err := json.Unmarshal(raw, &doc.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, doc.Key, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", collection, classifyError(err))
	}

	return docs, nil
}

// CreateIfAbsent はキーが存在しない場合のみドキュメントを作成する。
// (collection, key)の重複はON CONFLICT DO NOTHINGで検出し、
// usernameの一意インデックス違反は23505で検出する。どちらもErrAlreadyExistsを返し、
// 後者はErrUniqueViolationも包む。
func (s *PostgresDocumentStore) CreateIfAbsent(ctx context.Context, collection, key string, fields Fields) error {
	fieldsExpr, args, err := buildFieldsExpr(fields, collection, key)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		`INSERT INTO documents (collection, key, fields, created_at, updated_at)
		 VALUES ($1, $2, %s, now(), now())
		 ON CONFLICT (collection, key) DO NOTHING`,
		fieldsExpr,
	)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create document %s/%s: %w", collection, key, classifyError(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", classifyError(err))
	}
	if rowsAffected == 0 {
		return fmt.Errorf("document %s/%s: %w", collection, key, model.ErrAlreadyExists)
	}
	return nil
}

// buildFieldsExpr はINSERT用のフィールド式と引数を構築する。
// ServerTimestampマーカーはjsonb_build_objectでnow()に置き換える。
// 引数の$1, $2はcollectionとkey、$3はJSONB本体。
func buildFieldsExpr(fields Fields, collection, key string) (string, []any, error) {
	plain := make(Fields, len(fields))
	var stamped []string
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			stamped = append(stamped, k)
			continue
		}
		plain[k] = v
	}

	raw, err := json.Marshal(plain)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode document %s/%s: %w", collection, key, err)
	}

	args := []any{collection, key, raw}
	expr := `$3::jsonb`
	sort.Strings(stamped)
	for _, k := range stamped {
		args = append(args, k)
		expr += fmt.Sprintf(` || jsonb_build_object($%d::text, to_jsonb(now()))`, len(args))
	}
	return expr, args, nil
}

// classifyError はドライバのエラーをStoreErrorの分類に対応付ける。
// 元のエラーも%wで保持する。
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			// (collection, key)の重複はON CONFLICTで処理するため、ここに来るのは一意インデックス違反のみ
			return fmt.Errorf("%w: %w: %w", model.ErrAlreadyExists, model.ErrUniqueViolation, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		default:
			return fmt.Errorf("%w: %w", model.ErrStoreUnknown, err)
		}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%w: %w", model.ErrStoreUnknown, err)
}

// compile-time interface check
var _ DocumentStore = (*PostgresDocumentStore)(nil)
