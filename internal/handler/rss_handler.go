package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"github.com/hitoshi/tgfeed/internal/feed"
	"github.com/hitoshi/tgfeed/internal/model"
)

// RSSConfig はRSSフィードのメタデータ。
type RSSConfig struct {
	Title       string
	Description string
	SiteBaseURL string // 相対パスの画像URLを絶対URLにするために使う
	ChannelURL  string
}

// RSSHandler はキャッシュ済み投稿をRSSとして配信するハンドラー。
type RSSHandler struct {
	service PostsServiceInterface
	config  RSSConfig
	logger  *slog.Logger
}

// NewRSSHandler はRSSHandlerを生成する。
func NewRSSHandler(service PostsServiceInterface, config RSSConfig, logger *slog.Logger) *RSSHandler {
	config.SiteBaseURL = strings.TrimSuffix(config.SiteBaseURL, "/")
	return &RSSHandler{service: service, config: config, logger: logger}
}

// Feed は最新の投稿をRSS 2.0で返す。
// GET /feed.xml?limit=<n>
func (h *RSSHandler) Feed(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), feed.DefaultLimit*2)

	result, err := h.service.GetPage(r.Context(), feed.PageRequest{Limit: limit})
	if err != nil {
		h.logger.Error("RSSの生成に必要な投稿を取得できませんでした", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFetchFailedError())
		return
	}

	rss, err := h.build(result.Posts).ToRss()
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(rss))
}

func (h *RSSHandler) build(posts []model.Post) *feeds.Feed {
	f := &feeds.Feed{
		Title:       h.config.Title,
		Link:        &feeds.Link{Href: h.config.ChannelURL},
		Description: h.config.Description,
	}

	for _, p := range posts {
		created := time.UnixMilli(p.Timestamp).UTC()
		if f.Created.IsZero() || created.After(f.Created) {
			f.Created = created
		}

		item := &feeds.Item{
			Id:          p.ID,
			Title:       p.Title.EN,
			Description: p.Content.EN,
			Created:     created,
		}
		if p.TelegramURL != "" {
			item.Id = p.TelegramURL
			item.Link = &feeds.Link{Href: p.TelegramURL}
		}
		if len(p.Images) > 0 {
			item.Enclosure = &feeds.Enclosure{
				Url:    h.absolute(p.Images[0]),
				Length: "0",
				Type:   "image/jpeg",
			}
		}
		f.Items = append(f.Items, item)
	}
	return f
}

// absolute は同一オリジンの相対パスをSiteBaseURL基準の絶対URLにする。
func (h *RSSHandler) absolute(u string) string {
	if strings.HasPrefix(u, "/") {
		return h.config.SiteBaseURL + u
	}
	return u
}
