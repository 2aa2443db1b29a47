package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL は公開チャンネルのプレビューページのベースURL。
	DefaultBaseURL = "https://t.me/s/"
	// defaultMaxBodySize はレスポンスボディの最大読み取りサイズ（5MiB）。
	defaultMaxBodySize = 5 * 1024 * 1024
	// browserUserAgent は一般的なブラウザを名乗るUser-Agent。
	// 未知のクライアントには簡略化されたマークアップが返されるため必要。
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// ErrUnexpectedStatus はプレビューページが2xx以外を返した場合のエラー。
var ErrUnexpectedStatus = errors.New("unexpected upstream status")

// ClientConfig はClientの設定を保持する。
type ClientConfig struct {
	BaseURL     string // 空の場合はDefaultBaseURL
	Channel     string
	Timeout     time.Duration // 1ページ取得あたりのタイムアウト。0以下なら無制限
	MaxBodySize int64
}

// Client はチャンネルのプレビューページを1ページずつ取得する。
type Client struct {
	httpClient  *http.Client
	extractor   *Extractor
	logger      *slog.Logger
	baseURL     string
	channel     string
	timeout     time.Duration
	maxBodySize int64
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, extractor *Extractor, logger *slog.Logger, cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	return &Client{
		httpClient:  httpClient,
		extractor:   extractor,
		logger:      logger,
		baseURL:     baseURL,
		channel:     strings.TrimPrefix(cfg.Channel, "@"),
		timeout:     cfg.Timeout,
		maxBodySize: maxBody,
	}
}

// PageURL はbeforeカーソルを反映したプレビューページのURLを返す。
func (c *Client) PageURL(before *int64) string {
	u := c.baseURL + url.PathEscape(c.channel)
	if before != nil {
		u += "?before=" + strconv.FormatInt(*before, 10)
	}
	return u
}

// FetchPage は1回のリクエストで1ページを取得し、抽出結果を返す。
// beforeがnilの場合は最新ページを取得する。
// 2xx以外のステータス、ネットワークエラー、タイムアウトはエラーとして返す。
func (c *Client) FetchPage(ctx context.Context, before *int64) (*Page, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	pageURL := c.PageURL(before)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("チャンネルページの取得に失敗しました",
			slog.String("url", pageURL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("チャンネルページがエラーステータスを返しました",
			slog.String("url", pageURL),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	page, err := c.extractor.Parse(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("チャンネルページを取得しました",
		slog.String("url", pageURL),
		slog.Int("post_count", len(page.Posts)),
	)

	return page, nil
}
