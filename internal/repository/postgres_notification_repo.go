package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知済みマーカーのリポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// MarkNotified は通知済みマーカーを挿入する。
// 主キー衝突は「通知済み」としてfalseを返す。
func (r *PostgresNotificationRepo) MarkNotified(ctx context.Context, postID string) (bool, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notified_posts (post_id, notified_at) VALUES ($1, NOW())`,
		postID,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("通知済みマーカーの記録に失敗しました: %w", err)
	}
	return true, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
