// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// Session Manager、認証アダプタ、ナビゲーション、書籍クライアント、HTTP層から利用する。
type MetricsCollector interface {
	RecordSessionTransition(state string)
	RecordProfileWrite(outcome string)
	RecordSignIn(provider, outcome string)
	RecordUsernameCheck(outcome string)
	RecordRedirect(to string)
	RecordBookLookup(operation, outcome string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionTransitions *prometheus.CounterVec
	profileWrites      *prometheus.CounterVec
	signIns            *prometheus.CounterVec
	usernameChecks     *prometheus.CounterVec
	redirects          *prometheus.CounterVec
	bookLatency        *prometheus.HistogramVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readlog_session_transitions_total",
			Help: "状態別のセッション遷移数",
		}, []string{"state"}),
		profileWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readlog_profile_writes_total",
			Help: "結果別のプロフィール書き込み数",
		}, []string{"outcome"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readlog_sign_in_total",
			Help: "プロバイダ・結果別のサインイン試行数",
		}, []string{"provider", "outcome"}),
		usernameChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readlog_username_checks_total",
			Help: "結果別のユーザー名重複チェック数",
		}, []string{"outcome"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readlog_navigation_redirects_total",
			Help: "遷移先別のナビゲーションリダイレクト数",
		}, []string{"to"}),
		bookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "readlog_book_api_latency_seconds",
			Help:    "書籍API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readlog_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionTransitions,
		c.profileWrites,
		c.signIns,
		c.usernameChecks,
		c.redirects,
		c.bookLatency,
		c.httpStatus,
	)

	return c
}

// RecordSessionTransition はセッション状態の遷移を記録する。
func (c *Collector) RecordSessionTransition(state string) {
	c.sessionTransitions.WithLabelValues(state).Inc()
}

// RecordProfileWrite はプロフィール書き込みの結果を記録する。
func (c *Collector) RecordProfileWrite(outcome string) {
	c.profileWrites.WithLabelValues(outcome).Inc()
}

// RecordSignIn はサインイン試行の結果を記録する。
func (c *Collector) RecordSignIn(provider, outcome string) {
	c.signIns.WithLabelValues(provider, outcome).Inc()
}

// RecordUsernameCheck はユーザー名チェックの結果を記録する。
func (c *Collector) RecordUsernameCheck(outcome string) {
	c.usernameChecks.WithLabelValues(outcome).Inc()
}

// RecordRedirect はナビゲーションリダイレクトを記録する。
func (c *Collector) RecordRedirect(to string) {
	c.redirects.WithLabelValues(to).Inc()
}

// RecordBookLookup は書籍API呼び出しのレイテンシを記録する。
func (c *Collector) RecordBookLookup(operation, outcome string, duration time.Duration) {
	c.bookLatency.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
