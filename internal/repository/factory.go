package repository

import (
	"database/sql"

	"github.com/hitoshi/tgfeed/internal/database"
)

// New は接続先のダイアレクトに応じたリポジトリ実装を返す。
func New(db *sql.DB, dialect database.Dialect) (SubscriberRepository, NotificationRepository) {
	if dialect == database.DialectSQLite {
		return NewSQLiteSubscriberRepo(db), NewSQLiteNotificationRepo(db)
	}
	return NewPostgresSubscriberRepo(db), NewPostgresNotificationRepo(db)
}
