package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/tgfeed/internal/feed"
	"github.com/hitoshi/tgfeed/internal/model"
)

// PostsServiceInterface は投稿ページの取得を提供するインターフェース。
type PostsServiceInterface interface {
	GetPage(ctx context.Context, req feed.PageRequest) (*feed.PageResult, error)
}

// PostsHandler は投稿一覧のHTTPハンドラー。
type PostsHandler struct {
	service PostsServiceInterface
	logger  *slog.Logger
}

// NewPostsHandler はPostsHandlerを生成する。
func NewPostsHandler(service PostsServiceInterface, logger *slog.Logger) *PostsHandler {
	return &PostsHandler{service: service, logger: logger}
}

// postsErrorResponse は投稿一覧取得失敗時のレスポンス。
// クライアントがpostsを常に配列として扱えるよう空配列を含める。
type postsErrorResponse struct {
	Error string       `json:"error"`
	Posts []model.Post `json:"posts"`
}

// ListPosts は投稿一覧を返す。
// GET /api/posts?limit=<n>&offset=<n>&refresh=<bool>
func (h *PostsHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := feed.PageRequest{
		Limit:   queryInt(q.Get("limit"), feed.DefaultLimit),
		Offset:  queryInt(q.Get("offset"), 0),
		Refresh: queryBool(q.Get("refresh")),
	}

	result, err := h.service.GetPage(r.Context(), req)
	if err != nil {
		h.logger.Error("投稿一覧の取得に失敗しました",
			slog.Int("limit", req.Limit),
			slog.Int("offset", req.Offset),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, postsErrorResponse{
			Error: model.NewUpstreamFetchFailedError().Message,
			Posts: []model.Post{},
		})
		return
	}

	if result.Posts == nil {
		result.Posts = []model.Post{}
	}
	writeJSON(w, http.StatusOK, result)
}

// queryInt は整数のクエリパラメータを解析する。空または不正な値はdefを返す。
func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryBool は真偽値のクエリパラメータを解析する。不正な値はfalseとする。
func queryBool(raw string) bool {
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}
