package books

import (
	"context"
	"net/http"
	"time"
)

// statusClass はHTTPステータスコードに基づく応答の分類。
type statusClass int

const (
	// statusOK は取得成功（200）。
	statusOK statusClass = iota
	// statusNotFound は該当なし（404/410）。
	statusNotFound
	// statusRetry は再試行で回復しうる応答（429/5xx）。
	statusRetry
	// statusFail は再試行しても回復しない応答。
	statusFail
)

const (
	// defaultMaxRetries は1回の操作で行う再試行の上限。
	defaultMaxRetries = 2
	// defaultRetryBaseDelay は初回再試行までの待機時間。
	defaultRetryBaseDelay = 200 * time.Millisecond
	// maxRetryDelay は再試行間隔の上限。
	maxRetryDelay = 2 * time.Second
)

// classifyStatus はHTTPステータスコードを分類する。
func classifyStatus(statusCode int) statusClass {
	switch {
	case statusCode == http.StatusOK:
		return statusOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return statusNotFound
	case statusCode == http.StatusTooManyRequests:
		return statusRetry
	case statusCode >= 500:
		return statusRetry
	default:
		return statusFail
	}
}

// backoffDelay はattempt回目（0始まり）の再試行前の待機時間を返す。
// base から2倍ずつ増加し、maxRetryDelay で頭打ちにする。
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// sleepContext はdだけ待つ。ctxが先に終わった場合はctx.Err()を返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
