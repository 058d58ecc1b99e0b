// Package app はコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/readlog/internal/auth"
	"github.com/hitoshi/readlog/internal/books"
	"github.com/hitoshi/readlog/internal/config"
	"github.com/hitoshi/readlog/internal/database"
	"github.com/hitoshi/readlog/internal/handler"
	"github.com/hitoshi/readlog/internal/logger"
	"github.com/hitoshi/readlog/internal/metrics"
	"github.com/hitoshi/readlog/internal/middleware"
	"github.com/hitoshi/readlog/internal/navigation"
	"github.com/hitoshi/readlog/internal/repository"
	"github.com/hitoshi/readlog/internal/security"
	"github.com/hitoshi/readlog/internal/session"
	"github.com/hitoshi/readlog/internal/username"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("memory_store", cfg.UsesMemoryStore()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// application はワイヤリング済みのHTTPハンドラーと、停止時に解放するコンポーネントを保持する。
type application struct {
	handler http.Handler
	manager *session.Manager
	closers []func()
}

// Close は起動したコンポーネントを逆順に停止する。
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApplication はストアを受け取り、全依存関係をワイヤリングする。
// healthがnilの場合（インメモリストア）は/healthが常に200を返す。
func newApplication(ctx context.Context, cfg *config.Config, store repository.DocumentStore, health handler.HealthChecker) (*application, error) {
	base := slog.Default()

	// 1. メトリクス
	// 無効時も記録先は用意し、/metricsのみ公開しない
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. セキュリティサービス
	sanitizer := security.NewContentSanitizer()

	// 3. 認証プロバイダ
	google := auth.NewGoogleProvider(auth.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	})
	providers := []auth.Provider{google}
	if cfg.AppleClientID != "" {
		providers = append(providers, auth.NewAppleProvider(auth.AppleConfig{
			ClientID:   cfg.AppleClientID,
			HTTPClient: &http.Client{Timeout: 10 * time.Second},
		}))
	}
	adapter := auth.NewAdapter(logger.Component(base, "auth"), collector, providers...)

	// 4. プロフィールストアとSession Manager
	profiles := repository.NewDocumentProfileRepo(store)
	checker := username.NewChecker(profiles)
	manager := session.NewManager(adapter, profiles, checker, session.Config{
		Logger:    logger.Component(base, "session"),
		Recorder:  collector,
		Sanitizer: sanitizer,
	})

	// 5. ナビゲーション
	history := navigation.NewHistory()
	navigator := navigation.NewNavigator(manager, history, navigation.RouteLogin,
		logger.Component(base, "navigation"), collector)

	// 6. ユーザー名の対話的検証
	validator := username.NewValidator(checker, username.ValidatorConfig{
		Delay:    cfg.UsernameCheckDebounce,
		Logger:   logger.Component(base, "username"),
		Recorder: collector,
	})
	stopDraftReset := resetDraftOnSignOut(manager, validator)

	// 7. 書籍メタデータ
	egress, err := security.NewBookEgress(security.EgressConfig{
		BaseURL:    cfg.BooksAPIURL,
		ExtraHosts: []string{books.CoverHost},
		Timeout:    cfg.BooksTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid BOOKS_API_URL: %w", err)
	}
	bookClient := books.NewOpenLibraryClient(
		egress.NewClient(),
		logger.Component(base, "books"),
		books.ClientConfig{
			BaseURL:   cfg.BooksAPIURL,
			Sanitizer: sanitizer,
			Recorder:  collector,
		},
	)

	// Navigatorは初回のSession公開を受け取れるよう、Managerより先に購読する
	navigator.Start()
	manager.Start(ctx)

	// 8. ルーター
	deps := &handler.RouterDeps{
		Logger:            base,
		StatusRecorder:    collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		Sessions:    manager,
		GoogleLogin: google,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		Navigator: navigator,

		UsernameDraft:   validator,
		UsernameChecker: checker,

		Books: bookClient,

		HealthChecker: health,
	}
	if cfg.MetricsEnabled {
		deps.MetricsHandler = metrics.Handler(registry)
	}

	return &application{
		handler: handler.NewRouter(deps),
		manager: manager,
		closers: []func(){
			manager.Close,
			navigator.Stop,
			stopDraftReset,
			validator.Close,
		},
	}, nil
}

// sessionSubscriber はSessionの変化を購読できる。session.Managerが実装する。
type sessionSubscriber interface {
	Subscribe(fn session.Listener) func()
}

// draftResetter は入力中のユーザー名の下書きを破棄できる。
type draftResetter interface {
	Reset()
}

// resetDraftOnSignOut はsigned_outになるたびにユーザー名の下書きをidleに戻す。
// 次にサインインしたユーザーに前のユーザーの入力を見せないため。購読解除関数を返す。
func resetDraftOnSignOut(sessions sessionSubscriber, draft draftResetter) func() {
	return sessions.Subscribe(func(s session.Session) {
		if s.State == session.StateSignedOut {
			draft.Reset()
		}
	})
}

var (
	_ sessionSubscriber = (*session.Manager)(nil)
	_ draftResetter     = (*username.Validator)(nil)
)

// runServe はAPIサーバーモードで起動する。
// DATABASE_URLがあればPostgreSQL、なければインメモリのドキュメントストアを使う。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	var (
		store  repository.DocumentStore
		health handler.HealthChecker
	)

	if cfg.UsesMemoryStore() {
		slog.Warn("DATABASE_URL is not set, using in-memory profile store")
		store = repository.NewProfileMemoryStore()
	} else {
		// 1. DB接続
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		slog.Info("database connection established")
		store = repository.NewPostgresDocumentStore(db)
		health = db
	}

	// 2. ワイヤリング
	app, err := newApplication(ctx, cfg, store, health)
	if err != nil {
		return err
	}
	defer app.Close()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.UsesMemoryStore() {
		return fmt.Errorf("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
