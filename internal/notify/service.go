// Package notify は新着投稿を確認済み購読者へメールで通知する。
// 通知はベストエフォートで、失敗してもフィードの配信には影響しない。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tgfeed/internal/mail"
	"github.com/hitoshi/tgfeed/internal/metrics"
	"github.com/hitoshi/tgfeed/internal/model"
)

const (
	// DefaultMaxAge は通知対象とする投稿の最大経過時間。
	DefaultMaxAge = 72 * time.Hour
	// DefaultMaxParallel は同時に送信するメールの上限数。
	DefaultMaxParallel = 8
)

// ErrAlreadyNotified は投稿が既に通知済みの場合のエラー。
var ErrAlreadyNotified = errors.New("post already notified")

// SubscriberLister は確認済み購読者を返すインターフェース。
type SubscriberLister interface {
	ListConfirmed(ctx context.Context) ([]*model.Subscriber, error)
}

// MarkerStore は通知済みマーカーを記録するインターフェース。
// 既にマーカーが存在する場合はfalseを返す。
type MarkerStore interface {
	MarkNotified(ctx context.Context, postID string) (bool, error)
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Config はServiceの設定を保持する。
type Config struct {
	SiteBaseURL string        // 購読解除リンクの生成に使う
	MaxAge      time.Duration // 0の場合は経過時間で除外しない
	MaxParallel int
}

// Service は1投稿分の通知を行う。
type Service struct {
	subscribers SubscriberLister
	markers     MarkerStore
	mailer      Mailer
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	siteBaseURL string
	maxAge      time.Duration
	maxParallel int
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。mはnilでもよい。
func NewService(
	subscribers SubscriberLister,
	markers MarkerStore,
	mailer Mailer,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Service{
		subscribers: subscribers,
		markers:     markers,
		mailer:      mailer,
		metrics:     m,
		logger:      logger,
		siteBaseURL: strings.TrimSuffix(cfg.SiteBaseURL, "/"),
		maxAge:      cfg.MaxAge,
		maxParallel: maxParallel,
		now:         time.Now,
	}
}

// Notify は投稿の通知済みマーカーを記録し、記録できた場合のみ確認済み購読者全員へ送信する。
// マーカーが既に存在する場合はErrAlreadyNotifiedを返し、送信は行わない。
// 個別の送信失敗はログに記録し、エラーとしては返さない。
func (s *Service) Notify(ctx context.Context, post model.Post) error {
	if s.tooOld(post) {
		s.metrics.RecordNotification(metrics.NotifyOutcomeSkipped)
		s.logger.Debug("古い投稿のため通知をスキップしました",
			slog.String("post_id", post.ID),
			slog.Int64("timestamp", post.Timestamp),
		)
		return nil
	}

	marked, err := s.markers.MarkNotified(ctx, post.ID)
	if err != nil {
		return fmt.Errorf("通知済みマーカーの記録に失敗: %w", err)
	}
	if !marked {
		return ErrAlreadyNotified
	}

	subs, err := s.subscribers.ListConfirmed(ctx)
	if err != nil {
		return fmt.Errorf("購読者の取得に失敗: %w", err)
	}

	var failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(s.maxParallel)

	for _, sub := range subs {
		g.Go(func() error {
			if err := s.mailer.Send(ctx, s.buildMessage(post, sub)); err != nil {
				failed.Add(1)
				s.metrics.RecordNotification(metrics.NotifyOutcomeFailed)
				s.logger.Warn("通知メールの送信に失敗しました",
					slog.String("post_id", post.ID),
					slog.String("subscriber_id", sub.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			s.metrics.RecordNotification(metrics.NotifyOutcomeSent)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("新着投稿を通知しました",
		slog.String("post_id", post.ID),
		slog.Int("recipients", len(subs)),
		slog.Int("failed", int(failed.Load())),
	)
	return nil
}

func (s *Service) tooOld(post model.Post) bool {
	if s.maxAge <= 0 {
		return false
	}
	published := time.UnixMilli(post.Timestamp)
	return s.now().Sub(published) > s.maxAge
}

// buildMessage は購読者1人分の通知メールを組み立てる。
func (s *Service) buildMessage(post model.Post, sub *model.Subscriber) mail.Message {
	var b strings.Builder
	b.WriteString(post.Title.EN)
	b.WriteString("\n\n")
	if post.Content.EN != post.Title.EN {
		b.WriteString(post.Content.EN)
		b.WriteString("\n\n")
	}
	if post.TelegramURL != "" {
		b.WriteString(post.TelegramURL)
		b.WriteString("\n\n")
	}
	b.WriteString("--\n")
	b.WriteString("Unsubscribe: ")
	b.WriteString(s.siteBaseURL + "/api/unsubscribe?token=" + url.QueryEscape(sub.Token))
	b.WriteString("\n")

	return mail.Message{
		To:      sub.Email,
		Subject: post.Title.EN,
		Text:    b.String(),
	}
}
