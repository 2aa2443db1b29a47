package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect は接続先データベースの種類を表す。
type Dialect string

const (
	// DialectPostgres はPostgreSQL（lib/pq）。
	DialectPostgres Dialect = "postgres"
	// DialectSQLite はSQLite（modernc.org/sqlite）。
	DialectSQLite Dialect = "sqlite"
)

const sqliteScheme = "sqlite://"

// ParseURL は接続URLからDialectとドライバに渡すDSNを返す。
// postgres:// と postgresql:// はそのまま、sqlite://<path> はパス部分をDSNとする。
func ParseURL(databaseURL string) (Dialect, string, error) {
	u := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, u, nil
	case strings.HasPrefix(lower, sqliteScheme):
		path := u[len(sqliteScheme):]
		if path == "" {
			return "", "", fmt.Errorf("empty sqlite path in database URL")
		}
		return DialectSQLite, path, nil
	default:
		return "", "", fmt.Errorf("unsupported database URL scheme: %q", redact(u))
	}
}

// Open はURLのスキームに応じてPostgreSQLまたはSQLiteの接続を開く。
// PostgreSQLの場合sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
// SQLiteの場合はスキーマを適用した状態で返す。
func Open(databaseURL string) (*sql.DB, Dialect, error) {
	dialect, dsn, err := ParseURL(databaseURL)
	if err != nil {
		return nil, "", err
	}

	switch dialect {
	case DialectSQLite:
		db, err := OpenSQLite(dsn)
		if err != nil {
			return nil, "", err
		}
		return db, dialect, nil
	default:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		return db, dialect, nil
	}
}

// OpenSQLite はSQLiteデータベースを開き、スキーマを適用する。
// ":memory:" でも全操作が同じデータベースを見るよう接続数を1に制限する。
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	if err := ApplySQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// redact は接続URLに含まれる認証情報をログ・エラー出力用に伏せる。
func redact(databaseURL string) string {
	at := strings.LastIndex(databaseURL, "@")
	scheme := strings.Index(databaseURL, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return databaseURL
	}
	return databaseURL[:scheme+3] + "***" + databaseURL[at:]
}
