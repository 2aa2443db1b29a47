package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/tgfeed/internal/model"
)

// SQLiteSubscriberRepo はSQLiteを使用した購読者リポジトリ。
// 時刻はUnixミリ秒で保存する。
type SQLiteSubscriberRepo struct {
	db *sql.DB
}

// NewSQLiteSubscriberRepo はSQLiteSubscriberRepoを生成する。
func NewSQLiteSubscriberRepo(db *sql.DB) *SQLiteSubscriberRepo {
	return &SQLiteSubscriberRepo{db: db}
}

const sqliteSubscriberColumns = `id, email, token, confirmed, created_at, confirmed_at`

// Create は未確認の購読者を作成する。
func (r *SQLiteSubscriberRepo) Create(ctx context.Context, sub *model.Subscriber) error {
	var confirmedAt sql.NullInt64
	if sub.ConfirmedAt != nil {
		confirmedAt = sql.NullInt64{Int64: sub.ConfirmedAt.UnixMilli(), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, email, token, confirmed, created_at, confirmed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (email) DO NOTHING`,
		sub.ID, sub.Email, sub.Token, sub.Confirmed, sub.CreatedAt.UnixMilli(), confirmedAt,
	)
	if err != nil {
		return fmt.Errorf("購読者の作成に失敗しました: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateEmail
	}
	return nil
}

// FindByEmail はメールアドレスで購読者を検索する。見つからない場合はnilを返す。
func (r *SQLiteSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	return r.findOne(ctx, "email", email)
}

// FindByToken はトークンで購読者を検索する。見つからない場合はnilを返す。
func (r *SQLiteSubscriberRepo) FindByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	return r.findOne(ctx, "token", token)
}

func (r *SQLiteSubscriberRepo) findOne(ctx context.Context, column, value string) (*model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteSubscriberColumns+` FROM subscribers WHERE `+column+` = ?`,
		value,
	)
	sub, err := scanSQLiteSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読者の検索に失敗しました（%s）: %w", column, err)
	}
	return sub, nil
}

// Confirm はトークンに一致する購読者を確認済みにする。
func (r *SQLiteSubscriberRepo) Confirm(ctx context.Context, token string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscribers
		 SET confirmed = 1, confirmed_at = COALESCE(confirmed_at, ?)
		 WHERE token = ?`,
		at.UnixMilli(), token,
	)
	if err != nil {
		return false, fmt.Errorf("購読者の確認に失敗しました: %w", err)
	}
	return affected(result)
}

// DeleteByToken はトークンに一致する購読者を削除する。
func (r *SQLiteSubscriberRepo) DeleteByToken(ctx context.Context, token string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM subscribers WHERE token = ?`, token)
	if err != nil {
		return false, fmt.Errorf("購読者の削除に失敗しました: %w", err)
	}
	return affected(result)
}

// ListConfirmed は確認済みの購読者を登録順に返す。
func (r *SQLiteSubscriberRepo) ListConfirmed(ctx context.Context) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteSubscriberColumns+` FROM subscribers WHERE confirmed = 1 ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("確認済み購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscriber
	for rows.Next() {
		sub, err := scanSQLiteSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("購読者行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// DeleteUnconfirmedBefore は指定時刻より前に作成された未確認の購読者を削除する。
func (r *SQLiteSubscriberRepo) DeleteUnconfirmedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE confirmed = 0 AND created_at < ?`,
		before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("未確認購読者の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

func scanSQLiteSubscriber(s rowScanner) (*model.Subscriber, error) {
	sub := &model.Subscriber{}
	var (
		confirmed   int64
		createdAt   int64
		confirmedAt sql.NullInt64
	)
	if err := s.Scan(&sub.ID, &sub.Email, &sub.Token, &confirmed, &createdAt, &confirmedAt); err != nil {
		return nil, err
	}
	sub.Confirmed = confirmed != 0
	sub.CreatedAt = time.UnixMilli(createdAt).UTC()
	if confirmedAt.Valid {
		t := time.UnixMilli(confirmedAt.Int64).UTC()
		sub.ConfirmedAt = &t
	}
	return sub, nil
}

// compile-time interface check
var _ SubscriberRepository = (*SQLiteSubscriberRepo)(nil)
