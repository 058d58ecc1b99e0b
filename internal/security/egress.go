// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// defaultMaxResponseBytes は書籍APIの応答本文の上限。
// 検索結果と作品詳細のJSONはこれより十分小さい。
const defaultMaxResponseBytes = 1 << 20

// maxRedirects は書籍APIの応答で追従するリダイレクトの上限。
const maxRedirects = 3

// ErrHostNotAllowed は許可されていないホストへの通信を拒否したことを示す。
var ErrHostNotAllowed = errors.New("host not allowed")

// ErrResponseTooLarge は応答本文が上限を超えたことを示す。
var ErrResponseTooLarge = errors.New("response too large")

// EgressConfig は書籍APIへの外向き通信の設定。
type EgressConfig struct {
	// BaseURL はBOOKS_API_URL。このホストが通信先として固定される。
	BaseURL string
	// ExtraHosts は追加で許可するホスト（表紙画像のホストなど）。
	ExtraHosts []string
	Timeout    time.Duration
	// MaxResponseBytes は応答本文の上限。0以下はdefaultMaxResponseBytes。
	MaxResponseBytes int64
}

// BookEgress は書籍APIへの外向き通信の制約。
// 通信先を設定されたホストに固定し、応答の大きさを制限する。
// 名前解決後のIP検証（プライベートIP、ループバック、メタデータIP）はsafeurlが行う。
type BookEgress struct {
	hosts    []string
	port     int
	timeout  time.Duration
	maxBytes int64
}

// NewBookEgress はBaseURLを検証してBookEgressを生成する。
func NewBookEgress(cfg EgressConfig) (*BookEgress, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	port := 443
	if p := base.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %s: %w", cfg.BaseURL, err)
		}
	}

	hosts := []string{strings.ToLower(base.Hostname())}
	for _, h := range cfg.ExtraHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && !containsHost(hosts, h) {
			hosts = append(hosts, h)
		}
	}

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}

	return &BookEgress{hosts: hosts, port: port, timeout: cfg.Timeout, maxBytes: maxBytes}, nil
}

// Hosts は通信を許可するホストの一覧を返す。
func (e *BookEgress) Hosts() []string {
	return append([]string(nil), e.hosts...)
}

// NewClient は書籍API用のHTTPクライアントを生成する。
// リダイレクトを含む全リクエストでスキームとホストを検証し、
// 接続時のIPとポートの検証はsafeurlのDialerに任せる。
func (e *BookEgress) NewClient() *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(e.timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(e.port).
		SetAllowedHosts(e.hosts...).
		Build()

	client := safeurl.Client(config).Client
	client.Transport = &egressTransport{
		base:     client.Transport,
		hosts:    e.hosts,
		maxBytes: e.maxBytes,
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return client
}

// egressTransport はホストを検証し、応答本文の大きさを制限するRoundTripper。
type egressTransport struct {
	base     http.RoundTripper
	hosts    []string
	maxBytes int64
}

func (t *egressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.EqualFold(req.URL.Scheme, "https") {
		return nil, fmt.Errorf("book API request to %s: scheme %q: %w", req.URL.Host, req.URL.Scheme, ErrHostNotAllowed)
	}
	if !containsHost(t.hosts, strings.ToLower(req.URL.Hostname())) {
		return nil, fmt.Errorf("book API request to %s: %w", req.URL.Hostname(), ErrHostNotAllowed)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > t.maxBytes {
		resp.Body.Close()
		return nil, fmt.Errorf("book API response of %d bytes: %w", resp.ContentLength, ErrResponseTooLarge)
	}
	resp.Body = &limitedBody{body: resp.Body, remaining: t.maxBytes}
	return resp, nil
}

// limitedBody は上限を超えて読もうとした時点でErrResponseTooLargeを返す。
type limitedBody struct {
	body      io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		// 上限ちょうどで終わる本文は許可する
		var one [1]byte
		n, err := b.body.Read(one[:])
		if n > 0 {
			return 0, ErrResponseTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.body.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error {
	return b.body.Close()
}

// parseBaseURL は起動時にBOOKS_API_URLを静的に検証する。
// IPリテラルとlocalhostは名前解決を待たずに拒否する。
func parseBaseURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, fmt.Errorf("disallowed scheme: %q (book API must use https)", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("credentials are not allowed in the book API URL")
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, fmt.Errorf("blocked host: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil && isInternalIP(ip) {
		return nil, fmt.Errorf("blocked IP address: %s", ip)
	}
	return u, nil
}

// isInternalIP はIPが外部の書籍APIとしてあり得ない範囲かを判定する。
func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast()
}

func containsHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}
