package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はHTML断片からタグを除去してプレーンテキストを取り出す。
// bluemondayのStrictPolicyで全タグを除去した後、HTMLエンティティ
// （名前付き・10進・16進の数値参照）をデコードする。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// PlainText はHTML断片のタグを除去し、エンティティをデコードしたテキストを返す。
// 改行などの空白はそのまま保持される。
func (s *TextSanitizer) PlainText(fragment string) string {
	if fragment == "" {
		return ""
	}
	return html.UnescapeString(s.policy.Sanitize(fragment))
}
