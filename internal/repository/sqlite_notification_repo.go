package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteNotificationRepo はSQLiteを使用した通知済みマーカーのリポジトリ。
type SQLiteNotificationRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteNotificationRepo はSQLiteNotificationRepoを生成する。
func NewSQLiteNotificationRepo(db *sql.DB) *SQLiteNotificationRepo {
	return &SQLiteNotificationRepo{db: db, now: time.Now}
}

// MarkNotified は通知済みマーカーを挿入する。
// 既に存在する場合はON CONFLICTで何もせず、falseを返す。
func (r *SQLiteNotificationRepo) MarkNotified(ctx context.Context, postID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO notified_posts (post_id, notified_at) VALUES (?, ?)
		 ON CONFLICT (post_id) DO NOTHING`,
		postID, r.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("通知済みマーカーの記録に失敗しました: %w", err)
	}
	return affected(result)
}

// compile-time interface check
var _ NotificationRepository = (*SQLiteNotificationRepo)(nil)
