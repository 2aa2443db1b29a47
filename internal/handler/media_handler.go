package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/tgfeed/internal/feed"
	"github.com/hitoshi/tgfeed/internal/model"
)

// mediaCacheControl はプロキシした画像のキャッシュ指定。
const mediaCacheControl = "public, max-age=86400"

// MediaFetcherInterface はメディア取得のインターフェース。
type MediaFetcherInterface interface {
	Fetch(ctx context.Context, rawURL string) (*feed.Media, error)
}

// MediaHandler はチャンネル画像のプロキシハンドラー。
type MediaHandler struct {
	fetcher MediaFetcherInterface
	logger  *slog.Logger
}

// NewMediaHandler はMediaHandlerを生成する。
func NewMediaHandler(fetcher MediaFetcherInterface, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{fetcher: fetcher, logger: logger}
}

// Proxy は許可されたメディアホストの画像を中継する。
// GET /api/media?url=
func (h *MediaHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("url is required"))
		return
	}

	media, err := h.fetcher.Fetch(r.Context(), raw)
	if errors.Is(err, feed.ErrMediaNotAllowed) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMediaHostNotAllowedError(hostOf(raw)))
		return
	}
	if err != nil {
		h.logger.Warn("メディアのプロキシに失敗しました", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewMediaUnavailableError())
		return
	}

	w.Header().Set("Content-Type", media.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(media.Data)))
	w.Header().Set("Cache-Control", mediaCacheControl)
	w.WriteHeader(http.StatusOK)
	w.Write(media.Data)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
