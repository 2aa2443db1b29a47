package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tgfeed/internal/cache"
	"github.com/hitoshi/tgfeed/internal/config"
	"github.com/hitoshi/tgfeed/internal/database"
	"github.com/hitoshi/tgfeed/internal/feed"
	"github.com/hitoshi/tgfeed/internal/handler"
	"github.com/hitoshi/tgfeed/internal/logger"
	"github.com/hitoshi/tgfeed/internal/mail"
	"github.com/hitoshi/tgfeed/internal/metrics"
	"github.com/hitoshi/tgfeed/internal/middleware"
	"github.com/hitoshi/tgfeed/internal/notify"
	"github.com/hitoshi/tgfeed/internal/repository"
	"github.com/hitoshi/tgfeed/internal/security"
	"github.com/hitoshi/tgfeed/internal/subscription"
	"github.com/hitoshi/tgfeed/internal/telegram"
	"github.com/hitoshi/tgfeed/internal/worker/cleanup"
	"github.com/hitoshi/tgfeed/internal/worker/ingest"
)

// cleanupInterval は未確認購読者クリーンアップの実行間隔。
const cleanupInterval = 24 * time.Hour

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
		slog.String("channel", cfg.TelegramChannel),
		slog.String("port", cfg.ServerPort),
		slog.String("site_base_url", cfg.SiteBaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// App はワイヤリング済みのHTTPハンドラーとバックグラウンドジョブを保持する。
type App struct {
	Handler http.Handler

	logger      *slog.Logger
	db          *sql.DB
	rateLimiter *middleware.RateLimiter
	notifier    *notify.AsyncNotifier
	scheduler   *ingest.Scheduler
	cleanupJob  *cleanup.CleanupJob

	wg sync.WaitGroup
}

// New は設定から全依存関係をワイヤリングしたAppを生成する。
// DATABASE_URLが空の場合は購読ストアを持たず、購読系エンドポイントはストア不可エラーを返す。
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{logger: log}

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. 外部リクエスト（SSRF防止付きクライアント）
	pageGuard := security.NewGuard()
	telegramClient := telegram.NewClient(
		pageGuard.NewSafeClient(cfg.FetchTimeout),
		telegram.NewExtractor(),
		log,
		telegram.ClientConfig{
			BaseURL:     cfg.TelegramBaseURL,
			Channel:     cfg.TelegramChannel,
			Timeout:     cfg.FetchTimeout,
			MaxBodySize: cfg.FetchMaxSize,
		},
	)

	mediaGuard := security.NewGuard(security.TelegramMediaHosts...)
	mediaFetcher := feed.NewMediaFetcher(
		mediaGuard,
		mediaGuard.NewSafeClient(cfg.FetchTimeout),
		feed.DefaultMaxMediaSize,
		log,
	)

	// 3. 購読ストアと通知（任意）
	var (
		subRepo  repository.SubscriberRepository
		notifier feed.Notifier
	)
	mailer, err := newMailer(cfg, log)
	if err != nil {
		return nil, err
	}

	if cfg.SubscriptionsEnabled() {
		db, dialect, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established", slog.String("dialect", string(dialect)))
		a.db = db

		var notifRepo repository.NotificationRepository
		subRepo, notifRepo = repository.New(db, dialect)

		notifySvc := notify.NewService(subRepo, notifRepo, mailer, collector, log, notify.Config{
			SiteBaseURL: cfg.SiteBaseURL,
			MaxAge:      cfg.NotifyMaxAge,
			MaxParallel: cfg.NotifyMaxParallel,
		})
		a.notifier = notify.NewAsyncNotifier(notifySvc, cfg.NotifyQueueSize, collector, log)
		notifier = a.notifier
		a.cleanupJob = cleanup.NewCleanupJob(subRepo, log, cfg.UnconfirmedRetention)
	} else {
		log.Warn("DATABASE_URL is not set; subscriptions and notifications are disabled")
	}

	subscriptionSvc := subscription.NewService(subRepo, mailer, log, cfg.SiteBaseURL)

	// 4. 投稿キャッシュとバックフィル
	feedSvc := feed.NewService(cache.New(), telegramClient, notifier, collector, log, feed.Config{
		Policy:         cfg.CachePolicy,
		MaxPages:       cfg.MaxBackfillPages,
		MediaProxyPath: cfg.MediaProxyPath,
	})
	a.scheduler = ingest.NewScheduler(feedSvc, log, cfg.IngestInterval)

	// 5. ルーター
	a.rateLimiter = middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSubscribe),
		log,
	)

	a.Handler = handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       a.rateLimiter,
		StatusObserver:    collector,
		TrustProxyHeaders: cfg.TrustProxyHeaders,

		PostsService: feedSvc,
		RSSConfig: handler.RSSConfig{
			Title:       cfg.RSSTitle,
			Description: cfg.RSSDescription,
			SiteBaseURL: cfg.SiteBaseURL,
			ChannelURL:  cfg.ChannelURL(),
		},

		SubscriptionService: subscriptionSvc,

		MediaFetcher:   mediaFetcher,
		MediaProxyPath: cfg.MediaProxyPath,

		MetricsHandler: metrics.Handler(registry),
	})

	return a, nil
}

// newMailer はSMTP_HOSTが設定されていればSMTPMailerを、無ければLogMailerを返す。
func newMailer(cfg *config.Config, log *slog.Logger) (notify.Mailer, error) {
	if cfg.SMTPHost == "" {
		log.Info("SMTP_HOST is not set; outgoing mail is written to the log")
		return mail.NewLogMailer(log), nil
	}
	m, err := mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		SSL:      cfg.SMTPSSL,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to configure mailer: %w", err)
	}
	return m, nil
}

// Start はバックグラウンドジョブを起動する。ctxのキャンセルで停止する。
func (a *App) Start(ctx context.Context) {
	a.goJob(func() { a.scheduler.Start(ctx) })
	if a.notifier != nil {
		a.goJob(func() { a.notifier.Run(ctx) })
	}
	if a.cleanupJob != nil {
		a.goJob(func() { a.cleanupJob.Start(ctx, cleanupInterval) })
	}
}

func (a *App) goJob(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Close はバックグラウンドジョブの終了を待ち、保持しているリソースを解放する。
// Startに渡したctxをキャンセルしてから呼ぶこと。
func (a *App) Close() error {
	a.wg.Wait()
	a.rateLimiter.Stop()
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、バックグラウンドジョブとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	a, err := New(cfg, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.Start(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serveErr:
	}
	cancel()
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := a.Close(); err != nil {
		slog.Error("failed to release resources", slog.String("error", err.Error()))
	}
	if listenErr != nil {
		return fmt.Errorf("server listen error: %w", listenErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if !cfg.SubscriptionsEnabled() {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
