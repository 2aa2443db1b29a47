package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/tgfeed/internal/model"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

const pgSubscriberColumns = `id, email, token, confirmed, created_at, confirmed_at`

// Create は未確認の購読者を作成する。
func (r *PostgresSubscriberRepo) Create(ctx context.Context, sub *model.Subscriber) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, email, token, confirmed, created_at, confirmed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.Email, sub.Token, sub.Confirmed, sub.CreatedAt, sub.ConfirmedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("購読者の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByEmail はメールアドレスで購読者を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pgSubscriberColumns+` FROM subscribers WHERE email = $1`,
		email,
	)
	sub, err := scanPgSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メールアドレスによる購読者の検索に失敗しました: %w", err)
	}
	return sub, nil
}

// FindByToken はトークンで購読者を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pgSubscriberColumns+` FROM subscribers WHERE token = $1`,
		token,
	)
	sub, err := scanPgSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トークンによる購読者の検索に失敗しました: %w", err)
	}
	return sub, nil
}

// Confirm はトークンに一致する購読者を確認済みにする。
func (r *PostgresSubscriberRepo) Confirm(ctx context.Context, token string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscribers
		 SET confirmed = TRUE, confirmed_at = COALESCE(confirmed_at, $2)
		 WHERE token = $1`,
		token, at,
	)
	if err != nil {
		return false, fmt.Errorf("購読者の確認に失敗しました: %w", err)
	}
	return affected(result)
}

// DeleteByToken はトークンに一致する購読者を削除する。
func (r *PostgresSubscriberRepo) DeleteByToken(ctx context.Context, token string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM subscribers WHERE token = $1`, token)
	if err != nil {
		return false, fmt.Errorf("購読者の削除に失敗しました: %w", err)
	}
	return affected(result)
}

// ListConfirmed は確認済みの購読者を登録順に返す。
func (r *PostgresSubscriberRepo) ListConfirmed(ctx context.Context) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+pgSubscriberColumns+` FROM subscribers WHERE confirmed = TRUE ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("確認済み購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscriber
	for rows.Next() {
		sub, err := scanPgSubscriber(rows)
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
func (r *PostgresSubscriberRepo) DeleteUnconfirmedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE confirmed = FALSE AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("未確認購読者の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPgSubscriber(s rowScanner) (*model.Subscriber, error) {
	sub := &model.Subscriber{}
	var confirmedAt sql.NullTime
	if err := s.Scan(&sub.ID, &sub.Email, &sub.Token, &sub.Confirmed, &sub.CreatedAt, &confirmedAt); err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		sub.ConfirmedAt = &t
	}
	return sub, nil
}

// isUniqueViolation はエラーが一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}

// affected は更新件数が1件以上かどうかを返す。
func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)
