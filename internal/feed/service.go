// Package feed はチャンネル投稿のバックフィルとページネーションを提供する。
// キャッシュへの書き込みはすべてServiceを経由し、ページ取得は常に逐次で行う。
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/tgfeed/internal/cache"
	"github.com/hitoshi/tgfeed/internal/metrics"
	"github.com/hitoshi/tgfeed/internal/model"
	"github.com/hitoshi/tgfeed/internal/security"
	"github.com/hitoshi/tgfeed/internal/telegram"
)

const (
	// DefaultLimit はlimit未指定時の1ページあたりの件数。
	DefaultLimit = 10
	// MaxLimit は1ページあたりの最大件数。
	MaxLimit = 50
	// DefaultMaxPages はEnsure 1回あたりのページ取得上限。
	DefaultMaxPages = 50
)

// Policy はキャッシュの生存期間ポリシーを表す。
type Policy string

const (
	// PolicyProcess はプロセスの生存期間中キャッシュを保持する。
	// 先頭ページのrefreshは最新ページの取り込みとして扱う。
	PolicyProcess Policy = "process"
	// PolicyResetOnRefresh は先頭ページのrefreshでキャッシュを破棄し、最新ページから再構築する。
	PolicyResetOnRefresh Policy = "reset-on-refresh"
)

// ParsePolicy は文字列をPolicyに変換する。空文字列はPolicyProcess。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyProcess:
		return PolicyProcess, nil
	case PolicyResetOnRefresh:
		return PolicyResetOnRefresh, nil
	default:
		return "", fmt.Errorf("unknown cache policy: %q", s)
	}
}

// PageFetcher は1ページ分の投稿を取得するインターフェース。
// beforeがnilの場合は最新ページを取得する。
type PageFetcher interface {
	FetchPage(ctx context.Context, before *int64) (*telegram.Page, error)
}

// Notifier は新着投稿の通知を受け付けるインターフェース。
// 呼び出し側をブロックせず、失敗も返さない。
type Notifier interface {
	Notify(ctx context.Context, post model.Post)
}

// Config はServiceの設定を保持する。
type Config struct {
	Policy         Policy
	MaxPages       int    // 0以下ならDefaultMaxPages
	MediaProxyPath string // 空ならメディアURLを書き換えない
}

// PageRequest はページネーション要求を表す。
type PageRequest struct {
	Limit   int
	Offset  int
	Refresh bool // offset 0 の場合のみ有効
}

// PageResult はページネーションの結果を表す。
type PageResult struct {
	Posts   []model.Post `json:"posts"`
	HasMore bool         `json:"hasMore"`
}

// Service はバックフィル制御とページネーションを統括する。
// Ensure/IngestLatestはmuで直列化され、カーソルが同時に進むことはない。
type Service struct {
	mu sync.Mutex

	// gaps は最新側の取り込みで既知の投稿に到達できなかった区間の再開カーソル。
	// 末尾が最も新しい区間。muで保護し、hasGapsはロックなしの判定用。
	gaps    []int64
	hasGaps atomic.Bool

	cache     *cache.PostCache
	fetcher   PageFetcher
	notifier  Notifier
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	policy    Policy
	maxPages  int
	proxyPath string
	media     *security.Guard
}

// NewService はServiceの新しいインスタンスを生成する。
// notifierとmはnilでもよい。
func NewService(
	c *cache.PostCache,
	fetcher PageFetcher,
	notifier Notifier,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyProcess
	}
	return &Service{
		cache:     c,
		fetcher:   fetcher,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		policy:    policy,
		maxPages:  maxPages,
		proxyPath: cfg.MediaProxyPath,
		media:     security.NewGuard(security.TelegramMediaHosts...),
	}
}

// Policy は設定されたキャッシュポリシーを返す。
func (s *Service) Policy() Policy {
	return s.policy
}

// Ensure はキャッシュがminCount件以上になるか、チャンネルを最後まで取得し終えるまで
// 後方ページを取得する。1回の呼び出しでの取得はmaxPagesページまで。
// 上限到達はエラーではない。取得失敗は終端扱いにせずそのまま返す。
func (s *Service) Ensure(ctx context.Context, minCount int) error {
	if s.satisfied(minCount) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(ctx, minCount)
}

func (s *Service) satisfied(minCount int) bool {
	return !s.hasGaps.Load() && s.cacheSatisfied(minCount)
}

func (s *Service) cacheSatisfied(minCount int) bool {
	return s.cache.EndReached() || s.cache.Size() >= minCount
}

// ensureLocked はEnsureの本体。呼び出し側でmuを保持すること。
// 未取得の区間が残っている場合は後方より先にそれを埋める。
func (s *Service) ensureLocked(ctx context.Context, minCount int) error {
	if _, err := s.fillGapsLocked(ctx); err != nil {
		return err
	}

	for pages := 0; pages < s.maxPages; pages++ {
		// 待機中に他のリクエストが取得を済ませている場合がある
		if s.cacheSatisfied(minCount) {
			return nil
		}

		cursor := s.cache.OldestLoadedID()
		page, err := s.fetch(ctx, cursor)
		if err != nil {
			return err
		}

		if len(page.Posts) == 0 {
			s.markExhausted("empty page", cursor)
			return nil
		}

		added := s.cache.UpsertAll(page.Posts)
		s.recordIngest(len(added))
		if cursor == nil {
			s.notifyAll(ctx, added)
		}

		if page.OldestID == nil {
			s.markExhausted("no cursor on page", cursor)
			return nil
		}
		s.cache.AdvanceOldest(*page.OldestID)

		// 既知の投稿しか無いページはカーソルが進んでいない
		if len(added) == 0 {
			s.markExhausted("no new posts", cursor)
			return nil
		}
	}

	s.logger.Info("バックフィルがページ取得上限に達しました",
		slog.Int("max_pages", s.maxPages),
		slog.Int("cache_size", s.cache.Size()),
		slog.Int("min_count", minCount),
	)
	return nil
}

// GetPage はoffsetからlimit件の投稿とhasMoreを返す。
// limitは[1, MaxLimit]、offsetは0以上に丸める。
// 取得に失敗してもoffset以降の投稿がキャッシュにあればそれを返し、hasMoreはtrueとする。
func (s *Service) GetPage(ctx context.Context, req PageRequest) (*PageResult, error) {
	limit := clampLimit(req.Limit)
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	need := offset + limit + 1

	var err error
	if offset == 0 && req.Refresh {
		err = s.refresh(ctx, need)
	} else {
		err = s.Ensure(ctx, need)
	}

	if err != nil {
		s.logger.Warn("投稿の取得に失敗したためキャッシュから応答します",
			slog.Int("offset", offset),
			slog.Int("limit", limit),
			slog.Int("cache_size", s.cache.Size()),
			slog.String("error", err.Error()),
		)
		if s.cache.Size() <= offset {
			return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
		}
		return &PageResult{
			Posts:   s.RewriteMediaURLs(s.cache.Slice(offset, limit)),
			HasMore: true,
		}, nil
	}

	return &PageResult{
		Posts:   s.RewriteMediaURLs(s.cache.Slice(offset, limit)),
		HasMore: !s.cache.EndReached() || s.hasGaps.Load() || s.cache.Size() > offset+limit,
	}, nil
}

// refresh は先頭ページのrefresh要求をポリシーに従って処理する。
func (s *Service) refresh(ctx context.Context, need int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.policy {
	case PolicyResetOnRefresh:
		s.logger.Info("キャッシュを破棄して再構築します", slog.Int("cache_size", s.cache.Size()))
		s.cache.Reset()
		s.clearGaps()
		s.metrics.SetCacheSize(0)
	default:
		if _, err := s.ingestLatestLocked(ctx); err != nil {
			return err
		}
	}
	return s.ensureLocked(ctx, need)
}

// IngestLatest は最新ページを取得してキャッシュへ取り込み、新着投稿を通知する。
// 最新ページが全て新着だった場合は、既知の投稿に到達するまで後方ページも取り込む。
// 途中で取得に失敗した区間は記録しておき、次回のIngestLatestまたはEnsureで再開する。
// 既知投稿が無いキャッシュでは最新ページのみ取り込み、以降はEnsureが後方を埋める。
// 取り込んだ新着件数を返す。
func (s *Service) IngestLatest(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestLatestLocked(ctx)
}

func (s *Service) ingestLatestLocked(ctx context.Context) (int, error) {
	wasEmpty := s.cache.Size() == 0

	page, err := s.fetch(ctx, nil)
	if err != nil {
		return 0, err
	}

	total := 0
	if len(page.Posts) > 0 {
		added := s.cache.UpsertAll(page.Posts)
		s.recordIngest(len(added))
		s.notifyAll(ctx, added)
		total = len(added)

		if page.OldestID != nil {
			s.cache.AdvanceOldest(*page.OldestID)
			// 全て新着なら最新ページと既知の投稿の間に未取得の区間がある
			if !wasEmpty && len(added) == len(page.Posts) {
				s.pushGap(*page.OldestID)
			}
		}
	}

	filled, err := s.fillGapsLocked(ctx)
	total += filled
	if err != nil {
		s.logger.Warn("新着の取り込みが途中で失敗しました",
			slog.Int("ingested", total),
			slog.Int("pending_gaps", len(s.gaps)),
			slog.String("error", err.Error()),
		)
		if total == 0 {
			return 0, err
		}
	}

	if total > 0 {
		s.logger.Info("新着投稿を取り込みました",
			slog.Int("new_posts", total),
			slog.Int("cache_size", s.cache.Size()),
		)
	}
	return total, nil
}

// fillGapsLocked は記録済みの区間を新しい順に、既知の投稿に到達するまで取得する。
// 取り込んだ投稿は最新側の新着として通知する。取得はmaxPagesページまでで、
// 上限到達や失敗の場合は到達位置を残して次回に再開する。呼び出し側でmuを保持すること。
func (s *Service) fillGapsLocked(ctx context.Context) (int, error) {
	total := 0
	for pages := 0; pages < s.maxPages && len(s.gaps) > 0; pages++ {
		cursor := s.gaps[len(s.gaps)-1]
		page, err := s.fetch(ctx, &cursor)
		if err != nil {
			return total, err
		}

		added := s.cache.UpsertAll(page.Posts)
		s.recordIngest(len(added))
		s.notifyAll(ctx, added)
		total += len(added)

		if page.OldestID != nil {
			s.cache.AdvanceOldest(*page.OldestID)
		}
		if len(page.Posts) == 0 || page.OldestID == nil || len(added) < len(page.Posts) {
			s.popGap()
			continue
		}
		s.gaps[len(s.gaps)-1] = *page.OldestID
	}

	if len(s.gaps) > 0 {
		s.logger.Info("未取得の区間が残っています",
			slog.Int("pending_gaps", len(s.gaps)),
			slog.Int64("before", s.gaps[len(s.gaps)-1]),
		)
	}
	return total, nil
}

func (s *Service) pushGap(before int64) {
	s.gaps = append(s.gaps, before)
	s.hasGaps.Store(true)
}

func (s *Service) popGap() {
	s.gaps = s.gaps[:len(s.gaps)-1]
	s.hasGaps.Store(len(s.gaps) > 0)
}

func (s *Service) clearGaps() {
	s.gaps = nil
	s.hasGaps.Store(false)
}

// fetch は1ページを取得し、メトリクスを記録する。
func (s *Service) fetch(ctx context.Context, cursor *int64) (*telegram.Page, error) {
	kind := metrics.FetchKindBackfill
	if cursor == nil {
		kind = metrics.FetchKindLatest
	}

	start := time.Now()
	page, err := s.fetcher.FetchPage(ctx, cursor)
	s.metrics.RecordFetchLatency(time.Since(start))
	if err != nil {
		s.metrics.RecordPageFetchFailure(kind)
		return nil, fmt.Errorf("ページ取得に失敗しました: %w", err)
	}
	s.metrics.RecordPageFetch(kind)
	if page == nil {
		return nil, errors.New("ページ取得結果がnilです")
	}
	return page, nil
}

func (s *Service) recordIngest(added int) {
	s.metrics.RecordPostsIngested(added)
	s.metrics.SetCacheSize(s.cache.Size())
}

func (s *Service) markExhausted(reason string, cursor *int64) {
	s.cache.MarkEndReached()
	attrs := []any{
		slog.String("reason", reason),
		slog.Int("cache_size", s.cache.Size()),
	}
	if cursor != nil {
		attrs = append(attrs, slog.Int64("before", *cursor))
	}
	s.logger.Info("チャンネルの終端に到達しました", attrs...)
}

func (s *Service) notifyAll(ctx context.Context, posts []model.Post) {
	if s.notifier == nil {
		return
	}
	for _, p := range posts {
		s.notifier.Notify(ctx, p)
	}
}

// RewriteMediaURLs はチャンネルのメディアホストを指す画像URLを同一オリジンのプロキシパスへ書き換える。
// 引数のスライスは変更せず、書き換え後のコピーを返す。キャッシュ内のデータには影響しない。
func (s *Service) RewriteMediaURLs(posts []model.Post) []model.Post {
	out := make([]model.Post, len(posts))
	for i, p := range posts {
		out[i] = p.Clone()
		if s.proxyPath == "" {
			continue
		}
		for j, img := range out[i].Images {
			out[i].Images[j] = s.proxiedURL(img)
		}
	}
	return out
}

func (s *Service) proxiedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return raw
	}
	if !s.media.HostAllowed(u.Hostname()) {
		return raw
	}
	return s.proxyPath + "?url=" + url.QueryEscape(raw)
}

// clampLimit はlimitを[1, MaxLimit]に丸める。
func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
