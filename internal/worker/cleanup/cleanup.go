// Package cleanup は未確認購読者の自動削除ジョブを提供する。
// 保持期間（デフォルト7日）を超過しても確認されなかった購読者を
// 日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention は未確認購読者の保持期間のデフォルト値。
const DefaultRetention = 7 * 24 * time.Hour

// SubscriberPurger は指定時刻より前に作成された未確認購読者を削除するインターフェース。
type SubscriberPurger interface {
	DeleteUnconfirmedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した未確認購読者の自動削除ジョブ。
// 冪等な削除処理のため何度実行してもよい。
type CleanupJob struct {
	store     SubscriberPurger
	logger    *slog.Logger
	Retention time.Duration // 0以下の場合はDefaultRetention
	now       func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store SubscriberPurger, logger *slog.Logger, retention time.Duration) *CleanupJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &CleanupJob{
		store:     store,
		logger:    logger,
		Retention: retention,
		now:       time.Now,
	}
}

// Run は現在時刻からRetentionより前に作成された未確認購読者を削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().Add(-j.Retention)

	deletedCount, err := j.store.DeleteUnconfirmedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("未確認購読者クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("未確認購読者クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("未確認購読者クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回Runを実行し、その後interval毎に繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
