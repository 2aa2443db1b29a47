package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/tgfeed/internal/metrics"
	"github.com/hitoshi/tgfeed/internal/model"
)

// DefaultQueueSize は非同期通知キューのデフォルト容量。
const DefaultQueueSize = 64

// PostNotifier は1投稿分の通知を同期的に行うインターフェース。
type PostNotifier interface {
	Notify(ctx context.Context, post model.Post) error
}

// AsyncNotifier は通知要求をキューに積み、Runのゴルーチンで逐次処理する。
// キューが満杯の場合は要求を破棄し、呼び出し側をブロックしない。
type AsyncNotifier struct {
	target  PostNotifier
	queue   chan model.Post
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewAsyncNotifier はAsyncNotifierを生成する。mはnilでもよい。
func NewAsyncNotifier(target PostNotifier, queueSize int, m metrics.MetricsCollector, logger *slog.Logger) *AsyncNotifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &AsyncNotifier{
		target:  target,
		queue:   make(chan model.Post, queueSize),
		metrics: m,
		logger:  logger,
	}
}

// Notify は投稿をキューに積む。キューが満杯なら破棄する。
func (a *AsyncNotifier) Notify(_ context.Context, post model.Post) {
	select {
	case a.queue <- post.Clone():
	default:
		a.metrics.RecordNotification(metrics.NotifyOutcomeDropped)
		a.logger.Warn("通知キューが満杯のため破棄しました", slog.String("post_id", post.ID))
	}
}

// Run はコンテキストがキャンセルされるまでキューを処理する。
// 通知の失敗はログに記録して処理を続ける。
func (a *AsyncNotifier) Run(ctx context.Context) {
	a.logger.Info("通知ワーカーを開始しました", slog.Int("queue_size", cap(a.queue)))
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("通知ワーカーを停止しました", slog.Int("pending", len(a.queue)))
			return
		case post := <-a.queue:
			a.handle(ctx, post)
		}
	}
}

func (a *AsyncNotifier) handle(ctx context.Context, post model.Post) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("通知処理でpanicが発生しました",
				slog.String("post_id", post.ID),
				slog.Any("panic", r),
			)
		}
	}()

	err := a.target.Notify(ctx, post)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyNotified):
		a.logger.Debug("通知済みの投稿です", slog.String("post_id", post.ID))
	default:
		a.logger.Warn("通知に失敗しました",
			slog.String("post_id", post.ID),
			slog.String("error", err.Error()),
		)
	}
}
