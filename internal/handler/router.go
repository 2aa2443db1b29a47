package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/tgfeed/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusObserver    middleware.StatusObserver
	TrustProxyHeaders bool

	// 投稿
	PostsService PostsServiceInterface
	RSSConfig    RSSConfig

	// 購読（nilの場合は購読系エンドポイントが500を返す）
	SubscriptionService SubscriptionServiceInterface

	// メディアプロキシ
	MediaFetcher   MediaFetcherInterface
	MediaProxyPath string

	// /metrics（nilの場合は公開しない）
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	[RealIP] → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusObserver))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.MethodNotAllowed(methodNotAllowed)

	postsHandler := NewPostsHandler(deps.PostsService, deps.Logger)
	rssHandler := NewRSSHandler(deps.PostsService, deps.RSSConfig, deps.Logger)
	subHandler := NewSubscribeHandler(deps.SubscriptionService, deps.Logger)
	mediaHandler := NewMediaHandler(deps.MediaFetcher, deps.Logger)

	mediaPath := deps.MediaProxyPath
	if mediaPath == "" {
		mediaPath = "/api/media"
	}

	r.Get("/health", Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/posts", postsHandler.ListPosts)
		r.Get("/feed.xml", rssHandler.Feed)
		r.Get(mediaPath, mediaHandler.Proxy)

		// POST /api/subscribe - 購読登録（登録専用レート制限を追加）
		r.With(deps.RateLimiter.SubscribeMiddleware()).Post("/api/subscribe", subHandler.Subscribe)
		r.Get("/api/subscribe/confirm", subHandler.Confirm)
		r.Get("/api/unsubscribe", subHandler.Unsubscribe)
	})

	return r
}
