// Package books は外部の書籍メタデータAPI（Open Library）のクライアントを提供する。
// 認証コアからは検索とID指定取得の2操作だけを持つ協調先として扱う。
package books

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/security"
)

const (
	// DefaultBaseURL はOpen LibraryのベースURL。
	DefaultBaseURL = "https://openlibrary.org"
	// CoverHost は表紙画像のホスト。外向き通信の許可ホストにも加える。
	CoverHost = "covers.openlibrary.org"
	// coverURLFormat は表紙画像URLの書式。
	coverURLFormat = "https://" + CoverHost + "/b/id/%d-M.jpg"
	// defaultSearchLimit は検索結果の最大件数。
	defaultSearchLimit = 20
	// maxResponseSize はレスポンスボディの最大読み取りサイズ（2MB）。
	maxResponseSize = 2 << 20
)

// ErrEmptyQuery は検索キーワードが空の場合に返す。
var ErrEmptyQuery = errors.New("empty search query")

// workIDPattern はOpen LibraryのワークID形式。
var workIDPattern = regexp.MustCompile(`^OL[0-9]+W$`)

// Provider は書籍メタデータの取得インターフェース。
type Provider interface {
	// Search はキーワードで書籍を検索する。
	Search(ctx context.Context, query string) ([]model.BookSummary, error)
	// GetByID はIDで書籍を取得する。存在しない場合はnil, nilを返す。
	GetByID(ctx context.Context, id string) (*model.BookDetail, error)
}

// Recorder は書籍API呼び出しのメトリクス記録インターフェース。
type Recorder interface {
	RecordBookLookup(operation, outcome string, duration time.Duration)
}

// ClientConfig はOpenLibraryClientの設定。
type ClientConfig struct {
	BaseURL     string
	SearchLimit int
	Sanitizer   security.ContentSanitizerService
	Recorder    Recorder

	// MaxRetries は429/5xxと通信エラー時の再試行回数。0はデフォルト、負数は再試行しない。
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// OpenLibraryClient はOpen Library APIのクライアント。
type OpenLibraryClient struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	searchLimit int
	sanitizer   security.ContentSanitizerService
	recorder    Recorder
	maxRetries  int
	retryDelay  time.Duration
}

// NewOpenLibraryClient はOpenLibraryClientの新しいインスタンスを生成する。
// 本番ではsecurity.BookEgress.NewClientで生成したクライアントを渡す。
func NewOpenLibraryClient(httpClient *http.Client, logger *slog.Logger, cfg ClientConfig) *OpenLibraryClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = defaultSearchLimit
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewContentSanitizer()
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = defaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &OpenLibraryClient{
		httpClient:  httpClient,
		logger:      logger,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		searchLimit: cfg.SearchLimit,
		sanitizer:   cfg.Sanitizer,
		recorder:    cfg.Recorder,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryBaseDelay,
	}
}

type searchResponse struct {
	Docs []struct {
		Key              string   `json:"key"`
		Title            string   `json:"title"`
		AuthorName       []string `json:"author_name"`
		FirstPublishYear int      `json:"first_publish_year"`
		CoverID          int      `json:"cover_i"`
	} `json:"docs"`
}

type workResponse struct {
	Key         string          `json:"key"`
	Title       string          `json:"title"`
	Description json.RawMessage `json:"description"`
	Subjects    []string        `json:"subjects"`
	Covers      []int           `json:"covers"`
}

// Search はキーワードで書籍を検索する。
func (c *OpenLibraryClient) Search(ctx context.Context, query string) ([]model.BookSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", fmt.Sprintf("%d", c.searchLimit))
	q.Set("fields", "key,title,author_name,first_publish_year,cover_i")

	var resp searchResponse
	found, err := c.getJSON(ctx, "search", "/search.json?"+q.Encode(), &resp)
	if err != nil {
		return nil, err
	}

	results := make([]model.BookSummary, 0, len(resp.Docs))
	if !found {
		return results, nil
	}
	for _, doc := range resp.Docs {
		id := strings.TrimPrefix(doc.Key, "/works/")
		if !workIDPattern.MatchString(id) {
			continue
		}
		results = append(results, model.BookSummary{
			ID:               id,
			Title:            doc.Title,
			Authors:          doc.AuthorName,
			FirstPublishYear: doc.FirstPublishYear,
			CoverURL:         coverURL(doc.CoverID),
		})
	}
	return results, nil
}

// GetByID はワークIDで書籍を取得する。IDの形式が不正な場合も存在しないものとして扱う。
func (c *OpenLibraryClient) GetByID(ctx context.Context, id string) (*model.BookDetail, error) {
	if !workIDPattern.MatchString(id) {
		return nil, nil
	}

	var resp workResponse
	found, err := c.getJSON(ctx, "get", "/works/"+id+".json", &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	detail := &model.BookDetail{
		ID:          id,
		Title:       resp.Title,
		Description: c.sanitizer.SanitizeDescription(parseDescription(resp.Description)),
		Subjects:    resp.Subjects,
	}
	if len(resp.Covers) > 0 {
		detail.CoverURL = coverURL(resp.Covers[0])
	}
	return detail, nil
}

// getJSON はGETリクエストを送りJSONをデコードする。404の場合はfalseを返す。
// 429/5xxと通信エラーは指数バックオフで再試行する。
func (c *OpenLibraryClient) getJSON(ctx context.Context, operation, path string, out any) (found bool, err error) {
	start := time.Now()
	defer func() {
		c.record(operation, outcomeOf(found, err), time.Since(start))
	}()

	var body []byte
	for attempt := 0; ; attempt++ {
		var class statusClass
		class, body, err = c.get(ctx, operation, path)
		if class != statusRetry {
			if err != nil {
				return false, err
			}
			if class == statusNotFound {
				return false, nil
			}
			break
		}
		if attempt >= c.maxRetries || ctx.Err() != nil {
			if err == nil {
				err = fmt.Errorf("book API returned retryable status after %d attempts", attempt+1)
			}
			return false, err
		}

		delay := backoffDelay(c.retryDelay, attempt)
		c.logger.Warn("retrying book API request",
			slog.String("operation", operation),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return false, fmt.Errorf("book API retry aborted: %w", sleepErr)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("failed to parse book API response",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return true, nil
}

// get は1回分のGETリクエストを送り、ステータスの分類と200の場合のボディを返す。
// 再試行で回復しない応答はerrorとして返す。
func (c *OpenLibraryClient) get(ctx context.Context, operation, path string) (statusClass, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return statusFail, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Readlog/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("book API request failed",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return statusRetry, nil, fmt.Errorf("failed to call book API: %w", err)
	}
	defer resp.Body.Close()

	switch class := classifyStatus(resp.StatusCode); class {
	case statusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return statusFail, nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return statusOK, body, nil
	case statusNotFound:
		return class, nil, nil
	case statusRetry:
		c.logger.Warn("book API returned retryable status",
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
		)
		return class, nil, nil
	default:
		c.logger.Error("book API returned error status",
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
		)
		return class, nil, fmt.Errorf("book API returned status %d", resp.StatusCode)
	}
}

func (c *OpenLibraryClient) record(operation, outcome string, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordBookLookup(operation, outcome, d)
	}
}

func outcomeOf(found bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case !found:
		return "not_found"
	default:
		return "ok"
	}
}

// parseDescription はdescriptionの文字列形式と {"type": ..., "value": ...} 形式の両方を扱う。
func parseDescription(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var typed struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &typed); err == nil {
		return typed.Value
	}
	return ""
}

func coverURL(id int) string {
	if id <= 0 {
		return ""
	}
	return fmt.Sprintf(coverURLFormat, id)
}

// compile-time interface check
var _ Provider = (*OpenLibraryClient)(nil)
