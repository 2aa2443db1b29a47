package model

import "time"

// Subscriber は新着投稿のメール通知を受け取る購読者を表す。
// Confirmedがtrueになるまでは通知の配信対象にならない。
type Subscriber struct {
	ID          string
	Email       string
	Token       string // 確認・解除リンク用のランダムトークン
	Confirmed   bool
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}
