// Package ingest はチャンネル最新ページの定期取り込みを提供する。
// 連続して失敗した場合は指数バックオフで実行間隔を延ばす。
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ingester は最新ページを取り込み、新規に追加した投稿数を返すインターフェース。
type Ingester interface {
	IngestLatest(ctx context.Context) (int, error)
}

// Scheduler はIngestLatestを一定間隔で実行する。
type Scheduler struct {
	ingester Ingester
	logger   *slog.Logger
	interval time.Duration

	mu                sync.Mutex
	consecutiveErrors int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// intervalが0以下の場合、Startは何もせずに戻る。
func NewScheduler(ingester Ingester, logger *slog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		ingester: ingester,
		logger:   logger,
		interval: interval,
	}
}

// Start は起動直後に1回取り込みを実行し、その後NextDelayごとに繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("定期取り込みは無効です")
		return
	}

	s.logger.Info("取り込みスケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	_ = s.RunOnce(ctx)

	timer := time.NewTimer(s.NextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("取り込みスケジューラを停止しました")
			return
		case <-timer.C:
			_ = s.RunOnce(ctx)
			timer.Reset(s.NextDelay())
		}
	}
}

// RunOnce は取り込みを1回実行し、結果に応じて連続エラー回数を更新する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	added, err := s.ingester.IngestLatest(ctx)
	if err != nil {
		s.mu.Lock()
		s.consecutiveErrors++
		n := s.consecutiveErrors
		s.mu.Unlock()

		s.logger.Error("最新ページの取り込みに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("consecutive_errors", n),
			slog.Duration("next_delay", s.NextDelay()),
		)
		return err
	}

	s.mu.Lock()
	s.consecutiveErrors = 0
	s.mu.Unlock()

	s.logger.Info("最新ページの取り込みが完了しました",
		slog.Int("added", added),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// NextDelay は次回実行までの遅延を返す。
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CalculateBackoff(s.interval, s.consecutiveErrors)
}

// ConsecutiveErrors は現在の連続エラー回数を返す。
func (s *Scheduler) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}
