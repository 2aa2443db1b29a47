// Package model はドメインモデルを定義する。
package model

import "strconv"

// LocalizedText は言語コード別のテキストを表す。
// チャンネル本文は単一言語のため、通常は両方に同じ値が入る。
type LocalizedText struct {
	RU string `json:"ru"`
	EN string `json:"en"`
}

// NewLocalizedText は全言語に同じテキストを設定したLocalizedTextを返す。
func NewLocalizedText(s string) LocalizedText {
	return LocalizedText{RU: s, EN: s}
}

// ChannelCategory はチャンネル由来の投稿であることを示す固定ラベル。
var ChannelCategory = LocalizedText{
	RU: "Telegram-канал",
	EN: "Telegram channel",
}

// Post はチャンネルから取得し正規化した投稿を表す。
// IDはチャンネル内のメッセージIDを文字列化したもので、キャッシュの一意キーとなる。
type Post struct {
	ID          string        `json:"id"`
	Title       LocalizedText `json:"title"`
	Content     LocalizedText `json:"content"`
	Images      []string      `json:"images"`
	Timestamp   int64         `json:"timestamp"` // エポックミリ秒
	TelegramURL string        `json:"telegramUrl,omitempty"`
	Category    LocalizedText `json:"category"`
}

// MessageID はIDを数値のメッセージIDとして返す。
func (p Post) MessageID() (int64, error) {
	return strconv.ParseInt(p.ID, 10, 64)
}

// Clone はImagesスライスを複製したコピーを返す。
// キャッシュ外での書き換えが保存データに波及しないようにする。
func (p Post) Clone() Post {
	c := p
	if p.Images != nil {
		c.Images = append([]string(nil), p.Images...)
	}
	return c
}
