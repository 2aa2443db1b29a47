// Package repository はデータ永続化のインターフェースと、
// PostgreSQL・SQLiteそれぞれの実装を提供する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/tgfeed/internal/model"
)

// ErrDuplicateEmail は同じメールアドレスの購読者が既に存在する場合のエラー。
var ErrDuplicateEmail = errors.New("subscriber email already exists")

// SubscriberRepository は購読者データの永続化インターフェース。
type SubscriberRepository interface {
	// Create は未確認の購読者を作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, sub *model.Subscriber) error

	// FindByEmail はメールアドレスで購読者を検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Subscriber, error)

	// FindByToken はトークンで購読者を検索する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Subscriber, error)

	// Confirm はトークンに一致する購読者を確認済みにする。該当が無い場合はfalseを返す。
	// 既に確認済みの場合もtrueを返し、confirmed_atは更新しない。
	Confirm(ctx context.Context, token string, at time.Time) (bool, error)

	// DeleteByToken はトークンに一致する購読者を削除する。該当が無い場合はfalseを返す。
	DeleteByToken(ctx context.Context, token string) (bool, error)

	// ListConfirmed は確認済みの購読者を登録順に返す。
	ListConfirmed(ctx context.Context) ([]*model.Subscriber, error)

	// DeleteUnconfirmedBefore は指定時刻より前に作成された未確認の購読者を削除し、削除件数を返す。
	DeleteUnconfirmedBefore(ctx context.Context, before time.Time) (int64, error)
}

// NotificationRepository は通知済みマーカーの永続化インターフェース。
type NotificationRepository interface {
	// MarkNotified は投稿IDの通知済みマーカーを挿入する。
	// 既に存在する場合（一意制約の衝突）はエラーではなくfalseを返す。
	MarkNotified(ctx context.Context, postID string) (bool, error)
}
