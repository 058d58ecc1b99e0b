package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/readlog/internal/session"
)

// mockStatusRecorder はStatusRecorderのモック。
type mockStatusRecorder struct {
	codes []int
}

func (m *mockStatusRecorder) RecordHTTPStatus(code int) {
	m.codes = append(m.codes, code)
}

func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockStatusRecorder{}

	handler := NewLoggingMiddleware(newBufferLogger(&buf), rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %q, want %q", entry["msg"], "http_request")
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %q, want %q", entry["method"], "GET")
	}
	if entry["path"] != "/api/session" {
		t.Errorf("path = %q, want %q", entry["path"], "/api/session")
	}
	if status, ok := entry["status"].(float64); !ok || status != 200 {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected 'duration_ms' field in log entry")
	}
	if _, ok := entry["external_id"]; ok {
		t.Error("external_id should be absent for anonymous requests")
	}
	if len(rec.codes) != 1 || rec.codes[0] != 200 {
		t.Errorf("recorded codes = %v, want [200]", rec.codes)
	}
}

// TestLoggingMiddleware_IncludesIDsFromInnerMiddleware は内側で決まったIDがログに含まれることを検証する。
func TestLoggingMiddleware_IncludesIDsFromInnerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	reader := signedInReader(session.StateSignedInComplete, "ext-42")

	inner := NewRequireSignedInMiddleware(reader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler := NewRequestIDMiddleware()(NewLoggingMiddleware(newBufferLogger(&buf), nil)(inner))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/books", nil))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	if entry["external_id"] != "ext-42" {
		t.Errorf("external_id = %v, want %q", entry["external_id"], "ext-42")
	}
	if entry["request_id"] != w.Header().Get(RequestIDHeader) {
		t.Errorf("request_id = %v, want %q", entry["request_id"], w.Header().Get(RequestIDHeader))
	}
}

// TestLoggingMiddleware_LevelByStatus はステータスコードに応じてログレベルが変わることを検証する。
func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{status: http.StatusOK, level: "INFO"},
		{status: http.StatusConflict, level: "WARN"},
		{status: http.StatusServiceUnavailable, level: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			handler := NewLoggingMiddleware(newBufferLogger(&buf), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/profile", nil))

			if !strings.Contains(buf.String(), `"level":"`+tt.level+`"`) {
				t.Errorf("expected level %s, got: %s", tt.level, buf.String())
			}
		})
	}
}

// TestLoggingMiddleware_DefaultStatusOnWrite はWriteのみの場合に200を記録することを検証する。
func TestLoggingMiddleware_DefaultStatusOnWrite(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockStatusRecorder{}
	handler := NewLoggingMiddleware(newBufferLogger(&buf), rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if len(rec.codes) != 1 || rec.codes[0] != http.StatusOK {
		t.Errorf("recorded codes = %v, want [200]", rec.codes)
	}
}
