package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/tgfeed/internal/feed"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Telegram
	TelegramChannel string
	TelegramBaseURL string

	// Database
	DatabaseURL string // 空の場合は購読機能を無効化する

	// Mail
	SMTPHost     string // 空の場合はLogMailerを使う
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPSSL      bool // 465番ポート以外で暗黙のTLSを使う場合に指定する
	MailFrom     string

	// Fetch
	FetchTimeout     time.Duration
	FetchMaxSize     int64
	MaxBackfillPages int
	IngestInterval   time.Duration // 0の場合は定期取り込みを行わない

	// Cache
	CachePolicy feed.Policy

	// Notify
	NotifyMaxAge         time.Duration
	NotifyQueueSize      int
	NotifyMaxParallel    int
	UnconfirmedRetention time.Duration

	// Media
	MediaProxyPath string

	// Rate Limit
	RateLimitGeneral   int
	RateLimitSubscribe int

	// RSS
	RSSTitle       string
	RSSDescription string

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	SiteBaseURL       string
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、またはキャッシュポリシーが不明な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TelegramChannel = strings.TrimPrefix(strings.TrimSpace(os.Getenv("TELEGRAM_CHANNEL")), "@")
	if cfg.TelegramChannel == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"TELEGRAM_CHANNEL"})
	}

	policy, err := feed.ParsePolicy(os.Getenv("CACHE_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_POLICY: %w", err)
	}
	cfg.CachePolicy = policy

	// Optional fields with defaults
	cfg.TelegramBaseURL = getEnvString("TELEGRAM_BASE_URL", "https://t.me/s/")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.SMTPSSL = getEnvBool("SMTP_SSL", false)
	cfg.MailFrom = getEnvString("MAIL_FROM", "")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.MaxBackfillPages = getEnvInt("MAX_BACKFILL_PAGES", 50)
	cfg.IngestInterval = getEnvDuration("INGEST_INTERVAL", 5*time.Minute)
	cfg.NotifyMaxAge = getEnvDuration("NOTIFY_MAX_AGE", 72*time.Hour)
	cfg.NotifyQueueSize = getEnvInt("NOTIFY_QUEUE_SIZE", 64)
	cfg.NotifyMaxParallel = getEnvInt("NOTIFY_MAX_PARALLEL", 8)
	cfg.UnconfirmedRetention = getEnvDuration("UNCONFIRMED_RETENTION", 168*time.Hour)
	cfg.MediaProxyPath = getEnvString("MEDIA_PROXY_PATH", "/api/media")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSubscribe = getEnvInt("RATE_LIMIT_SUBSCRIBE", 10)
	cfg.RSSTitle = getEnvString("RSS_TITLE", cfg.TelegramChannel)
	cfg.RSSDescription = getEnvString("RSS_DESCRIPTION", "Posts from the "+cfg.TelegramChannel+" Telegram channel")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.SiteBaseURL = strings.TrimSuffix(getEnvString("SITE_BASE_URL", "http://localhost:8080"), "/")
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if !strings.HasPrefix(cfg.MediaProxyPath, "/") {
		cfg.MediaProxyPath = "/" + cfg.MediaProxyPath
	}
	if cfg.IngestInterval < 0 {
		cfg.IngestInterval = 0
	}

	return cfg, nil
}

// ChannelURL はチャンネルの公開ページURLを返す。
func (c *Config) ChannelURL() string {
	return "https://t.me/" + c.TelegramChannel
}

// SubscriptionsEnabled は購読者ストアが設定されているかを返す。
func (c *Config) SubscriptionsEnabled() bool {
	return c.DatabaseURL != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
