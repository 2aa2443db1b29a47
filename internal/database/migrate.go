// Package database はデータベース接続とマイグレーション管理を提供する。
// 本番はPostgreSQL（golang-migrate）、単一ノードや開発環境ではSQLite（組み込みスキーマ）を使う。
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteSchema はSQLite用のスキーマ。PostgreSQLのマイグレーションと同じテーブルを定義する。
// 時刻はUnixミリ秒の整数で保持する。
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subscribers (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL UNIQUE,
	token        TEXT NOT NULL UNIQUE,
	confirmed    INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	confirmed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_subscribers_confirmed ON subscribers (confirmed, created_at);
CREATE TABLE IF NOT EXISTS notified_posts (
	post_id     TEXT PRIMARY KEY,
	notified_at INTEGER NOT NULL
);
`

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。SQLiteの場合は組み込みスキーマを適用する。
func RunMigrations(databaseURL string) error {
	dialect, dsn, err := ParseURL(databaseURL)
	if err != nil {
		return err
	}

	if dialect == DialectSQLite {
		db, err := OpenSQLite(dsn)
		if err != nil {
			return err
		}
		return db.Close()
	}

	m, err := NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// ApplySQLiteSchema はSQLiteにスキーマを適用する。何度実行してもよい。
func ApplySQLiteSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return nil
}
