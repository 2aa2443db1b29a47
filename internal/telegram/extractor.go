// Package telegram は公開チャンネルのプレビューページ（t.me/s/<channel>）の
// 取得と、メッセージマークアップから投稿への正規化を提供する。
package telegram

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/hitoshi/tgfeed/internal/model"
	"github.com/hitoshi/tgfeed/internal/security"
)

const (
	// messageWrapSelector は1メッセージ分のブロックを区切る構造マーカー。
	messageWrapSelector = ".tgme_widget_message_wrap"
	// messageTextSelector は本文領域。返信元の引用本文は除外する。
	messageTextSelector  = ".tgme_widget_message_text"
	replyTextSelector    = ".tgme_widget_message_reply .tgme_widget_message_text"
	photoWrapSelector    = ".tgme_widget_message_photo_wrap"
	messageDateSelector  = "a.tgme_widget_message_date"
	datetimeSelector     = "time[datetime]"
	postReferenceAttr    = "data-post"
	telegramPublicOrigin = "https://t.me/"

	// maxTitleRunes は1行目をそのままタイトルに使える最大文字数。
	maxTitleRunes = 120
	// titleWordLimit は1行目が使えない場合にタイトルへ採用する単語数。
	titleWordLimit = 8
)

var (
	lineBreakPattern  = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockClosePattern = regexp.MustCompile(`(?i)</(p|div|blockquote|li|pre|h[1-6])\s*>`)
	extraBlankLines   = regexp.MustCompile(`\n(?:[ \t]*\n){2,}`)
	backgroundImage   = regexp.MustCompile(`background-image\s*:\s*url\(\s*['"]?([^'")]+?)['"]?\s*\)`)
)

// Page は1ページ分の抽出結果を表す。
// OldestIDは採用したブロックの中で最小のメッセージIDで、次の後方ページのカーソルになる。
// 採用ブロックが無い場合はnil。
type Page struct {
	Posts    []model.Post
	OldestID *int64
}

// Extractor はプレビューページのHTMLから投稿を抽出する。
// 壊れたブロックはページ全体を失敗させず、個別にスキップする。
type Extractor struct {
	sanitizer *security.TextSanitizer
}

// NewExtractor はExtractorを生成する。
func NewExtractor() *Extractor {
	return &Extractor{sanitizer: security.NewTextSanitizer()}
}

// Parse はHTMLドキュメントを解析し、含まれる投稿をページ内の出現順で返す。
// マーカーが1つも無いドキュメントはエラーではなく空のPageになる。
func (e *Extractor) Parse(r io.Reader) (*Page, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("HTMLのパースに失敗しました: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	page := &Page{}
	doc.Find(messageWrapSelector).Each(func(_ int, block *goquery.Selection) {
		post, id, ok := e.parseBlock(block)
		if !ok {
			return
		}
		page.Posts = append(page.Posts, post)
		if page.OldestID == nil || id < *page.OldestID {
			oldest := id
			page.OldestID = &oldest
		}
	})

	return page, nil
}

// ParseString は文字列のHTMLドキュメントを解析する。
func (e *Extractor) ParseString(document string) (*Page, error) {
	return e.Parse(strings.NewReader(document))
}

// parseBlock は1メッセージブロックを投稿に変換する。
// ID・日時が読めないブロック、本文も画像も無いブロックはok=falseを返す。
func (e *Extractor) parseBlock(block *goquery.Selection) (model.Post, int64, bool) {
	ref, ok := postReference(block)
	if !ok {
		return model.Post{}, 0, false
	}
	id, err := parseMessageID(ref)
	if err != nil {
		return model.Post{}, 0, false
	}

	// 日時が無いブロックは現在時刻で補わず捨てる
	raw, ok := block.Find(datetimeSelector).First().Attr("datetime")
	if !ok {
		return model.Post{}, 0, false
	}
	publishedAt, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return model.Post{}, 0, false
	}

	text := e.messageText(block)
	images := photoURLs(block)
	if text == "" && len(images) == 0 {
		return model.Post{}, 0, false
	}

	idStr := strconv.FormatInt(id, 10)
	title := deriveTitle(text, idStr)

	link := block.Find(messageDateSelector).First().AttrOr("href", "")
	if link == "" {
		link = telegramPublicOrigin + ref
	}

	return model.Post{
		ID:          idStr,
		Title:       model.NewLocalizedText(title),
		Content:     model.NewLocalizedText(deriveContent(text)),
		Images:      images,
		Timestamp:   publishedAt.UnixMilli(),
		TelegramURL: link,
		Category:    model.ChannelCategory,
	}, id, true
}

// postReference は "channel/messageId" 形式の投稿参照を返す。
func postReference(block *goquery.Selection) (string, bool) {
	if ref, ok := block.Attr(postReferenceAttr); ok && ref != "" {
		return ref, true
	}
	ref, ok := block.Find("[" + postReferenceAttr + "]").First().Attr(postReferenceAttr)
	if !ok || ref == "" {
		return "", false
	}
	return strings.TrimSpace(ref), true
}

// parseMessageID は投稿参照の末尾からメッセージIDを取り出す。
func parseMessageID(ref string) (int64, error) {
	idx := strings.LastIndex(ref, "/")
	if idx < 0 || idx == len(ref)-1 {
		return 0, fmt.Errorf("invalid post reference: %q", ref)
	}
	id, err := strconv.ParseInt(ref[idx+1:], 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid message id: %d", id)
	}
	return id, nil
}

// messageText は本文領域をプレーンテキストに変換する。
// ブロック要素の区切りを改行にし、タグ除去とエンティティのデコードを行い、
// 3行以上の連続改行を2行に詰めてトリムする。
func (e *Extractor) messageText(block *goquery.Selection) string {
	region := block.Find(messageTextSelector).Not(replyTextSelector).First()
	if region.Length() == 0 {
		return ""
	}
	inner, err := region.Html()
	if err != nil {
		return ""
	}

	inner = lineBreakPattern.ReplaceAllString(inner, "\n")
	inner = blockClosePattern.ReplaceAllString(inner, "\n")

	text := e.sanitizer.PlainText(inner)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = extraBlankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// photoURLs は写真ラッパー要素のインラインbackground-imageから画像URLを取り出す。
// imgタグはアバターや絵文字スプライトの可能性があるため対象にしない。
// 重複は最初の出現順を保って除去する。
func photoURLs(block *goquery.Selection) []string {
	var urls []string
	seen := make(map[string]struct{})

	block.Find(photoWrapSelector).Each(func(_ int, wrap *goquery.Selection) {
		style, ok := wrap.Attr("style")
		if !ok {
			return
		}
		m := backgroundImage.FindStringSubmatch(style)
		if m == nil {
			return
		}
		u := strings.TrimSpace(m[1])
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	})

	return urls
}

// deriveTitle は本文からタイトルを導出する。
func deriveTitle(text, id string) string {
	if text == "" {
		return "Post #" + id
	}

	first := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	if first != "" && utf8.RuneCountInString(first) <= maxTitleRunes {
		return first
	}

	words := strings.Fields(text)
	if len(words) > titleWordLimit {
		return strings.Join(words[:titleWordLimit], " ") + "…"
	}
	return strings.Join(words, " ")
}

// deriveContent は1行目より後の行を本文とする。残りが空なら全文を返す。
func deriveContent(text string) string {
	parts := strings.SplitN(text, "\n", 2)
	if len(parts) == 2 {
		if rest := strings.TrimSpace(parts[1]); rest != "" {
			return rest
		}
	}
	return text
}
