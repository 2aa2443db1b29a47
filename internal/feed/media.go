package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultMaxMediaSize はプロキシする画像の最大サイズ（10MB）。
const DefaultMaxMediaSize = 10 * 1024 * 1024

var (
	// ErrMediaNotAllowed はURLがメディアホストの許可リストやSSRF検証に通らない場合のエラー。
	ErrMediaNotAllowed = errors.New("media URL not allowed")
	// ErrMediaUnavailable は取得先がエラーを返した、または応答が不正な場合のエラー。
	ErrMediaUnavailable = errors.New("media unavailable")
)

// MediaValidator はメディアURLを静的に検証するインターフェース。
type MediaValidator interface {
	ValidateURL(rawURL string) error
}

// Media はプロキシで返す画像データ。
type Media struct {
	Data        []byte
	ContentType string
}

// MediaFetcher はチャンネルのメディアホストから画像を取得する。
type MediaFetcher struct {
	validator MediaValidator
	client    *http.Client
	maxSize   int64
	logger    *slog.Logger
}

// NewMediaFetcher はMediaFetcherを生成する。
// clientには通常security.Guard.NewSafeClientで生成したクライアントを渡す。
func NewMediaFetcher(validator MediaValidator, client *http.Client, maxSize int64, logger *slog.Logger) *MediaFetcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxMediaSize
	}
	return &MediaFetcher{
		validator: validator,
		client:    client,
		maxSize:   maxSize,
		logger:    logger,
	}
}

// Fetch は画像を取得する。
// 検証に失敗した場合はErrMediaNotAllowed、取得に失敗した場合はErrMediaUnavailableをラップして返す。
func (f *MediaFetcher) Fetch(ctx context.Context, rawURL string) (*Media, error) {
	if err := f.validator.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaNotAllowed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaNotAllowed, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("メディア取得: HTTPリクエスト失敗", slog.String("url", rawURL), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Warn("メディア取得: HTTPステータス異常", slog.String("url", rawURL), slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrMediaUnavailable, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isImageMime(extractMimeType(contentType)) {
		f.logger.Warn("メディア取得: 画像以外のContent-Type", slog.String("url", rawURL), slog.String("content_type", contentType))
		return nil, fmt.Errorf("%w: content type %q", ErrMediaUnavailable, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if int64(len(body)) > f.maxSize {
		f.logger.Warn("メディア取得: サイズ超過", slog.String("url", rawURL), slog.Int("size", len(body)))
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrMediaUnavailable, f.maxSize)
	}

	return &Media{Data: body, ContentType: contentType}, nil
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}

// isImageMime はMIMEタイプが画像かどうかを判定する。
// SVGはスクリプトを含みうるため除外する。
func isImageMime(mimeType string) bool {
	if mimeType == "image/svg+xml" {
		return false
	}
	return strings.HasPrefix(mimeType, "image/")
}
