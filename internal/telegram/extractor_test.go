package telegram

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// messageBlock はプレビューページの1メッセージ分のマークアップを組み立てる。
// datetimeが空の場合はtime要素を出力しない。
func messageBlock(ref, datetime, textHTML, extra string) string {
	var b strings.Builder
	b.WriteString(`<div class="tgme_widget_message_wrap js-widget_message_wrap">`)
	fmt.Fprintf(&b, `<div class="tgme_widget_message text_not_supported_wrap js-widget_message" data-post="%s">`, ref)
	b.WriteString(`<div class="tgme_widget_message_user"><a href="https://t.me/ch"><i class="tgme_widget_message_user_photo"><img src="https://cdn4.telesco.pe/file/avatar.jpg"></i></a></div>`)
	b.WriteString(extra)
	if textHTML != "" {
		fmt.Fprintf(&b, `<div class="tgme_widget_message_text js-message_text" dir="auto">%s</div>`, textHTML)
	}
	b.WriteString(`<div class="tgme_widget_message_footer">`)
	if datetime != "" {
		fmt.Fprintf(&b, `<a class="tgme_widget_message_date" href="https://t.me/%s"><time datetime="%s" class="time">10:00</time></a>`, ref, datetime)
	}
	b.WriteString(`</div></div></div>`)
	return b.String()
}

func photoWrap(u string) string {
	return fmt.Sprintf(`<a class="tgme_widget_message_photo_wrap" href="https://t.me/ch/1" style="width:800px;background-image:url('%s')"></a>`, u)
}

func channelPage(blocks ...string) string {
	return `<!DOCTYPE html><html><head><title>ch</title></head><body><section class="tgme_channel_history js-message_history">` +
		strings.Join(blocks, "") +
		`</section></body></html>`
}

func TestExtractor_TwoBlockScenario(t *testing.T) {
	doc := channelPage(
		messageBlock("ch/5", "2024-05-01T10:00:00Z", "Hello<br>World", photoWrap("https://cdn4.telesco.pe/file/photo5.jpg")),
		messageBlock("ch/3", "2024-04-01T10:00:00Z", "Single line title here", ""),
	)

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 2 {
		t.Fatalf("投稿数 = %d, want 2", len(page.Posts))
	}

	a := page.Posts[0]
	if a.ID != "5" {
		t.Errorf("Posts[0].ID = %q, want %q", a.ID, "5")
	}
	if a.Title.EN != "Hello" || a.Title.RU != "Hello" {
		t.Errorf("Posts[0].Title = %+v, want Hello", a.Title)
	}
	if a.Content.EN != "World" {
		t.Errorf("Posts[0].Content = %q, want %q", a.Content.EN, "World")
	}
	if len(a.Images) != 1 || a.Images[0] != "https://cdn4.telesco.pe/file/photo5.jpg" {
		t.Errorf("Posts[0].Images = %v, want [https://cdn4.telesco.pe/file/photo5.jpg]", a.Images)
	}
	wantTS := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	if a.Timestamp != wantTS {
		t.Errorf("Posts[0].Timestamp = %d, want %d", a.Timestamp, wantTS)
	}
	if a.TelegramURL != "https://t.me/ch/5" {
		t.Errorf("Posts[0].TelegramURL = %q, want %q", a.TelegramURL, "https://t.me/ch/5")
	}
	if a.Category.EN != "Telegram channel" || a.Category.RU != "Telegram-канал" {
		t.Errorf("Posts[0].Category = %+v", a.Category)
	}

	b := page.Posts[1]
	if b.ID != "3" {
		t.Errorf("Posts[1].ID = %q, want %q", b.ID, "3")
	}
	if b.Title.EN != "Single line title here" {
		t.Errorf("Posts[1].Title = %q, want %q", b.Title.EN, "Single line title here")
	}
	if b.Content.EN != b.Title.EN {
		t.Errorf("Posts[1].Content = %q, want title fallback %q", b.Content.EN, b.Title.EN)
	}
	if len(b.Images) != 0 {
		t.Errorf("Posts[1].Images = %v, want empty", b.Images)
	}

	if page.OldestID == nil || *page.OldestID != 3 {
		t.Errorf("OldestID = %v, want 3", page.OldestID)
	}
}

func TestExtractor_DropsBlockWithoutDatetime(t *testing.T) {
	rich := "Long text<br>with several lines<br>and details"
	doc := channelPage(
		messageBlock("ch/10", "", rich, photoWrap("https://cdn4.telesco.pe/file/a.jpg")+photoWrap("https://cdn4.telesco.pe/file/b.jpg")),
		messageBlock("ch/11", "not-a-date", rich, ""),
	)

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 0 {
		t.Errorf("投稿数 = %d, want 0", len(page.Posts))
	}
	if page.OldestID != nil {
		t.Errorf("OldestID = %d, want nil", *page.OldestID)
	}
}

func TestExtractor_IgnoresImgOutsidePhotoWrap(t *testing.T) {
	extra := `<img class="emoji" src="https://telegram.org/img/emoji/40/F09F9880.png">` +
		`<div class="tgme_widget_message_link_preview"><img src="https://cdn4.telesco.pe/file/preview.jpg"></div>`
	doc := channelPage(messageBlock("ch/8", "2024-05-01T10:00:00Z", "Text with emoji", extra))

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 1 {
		t.Fatalf("投稿数 = %d, want 1", len(page.Posts))
	}
	if len(page.Posts[0].Images) != 0 {
		t.Errorf("Images = %v, want empty", page.Posts[0].Images)
	}
}

func TestExtractor_NoiseFilter(t *testing.T) {
	doc := channelPage(
		messageBlock("ch/20", "2024-05-01T10:00:00Z", "", ""),
		messageBlock("ch/21", "2024-05-01T11:00:00Z", "", photoWrap("https://cdn4.telesco.pe/file/only.jpg")),
		messageBlock("ch/22", "2024-05-01T12:00:00Z", "   <br>  ", ""),
	)

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 1 {
		t.Fatalf("投稿数 = %d, want 1", len(page.Posts))
	}

	p := page.Posts[0]
	if p.ID != "21" {
		t.Errorf("ID = %q, want %q", p.ID, "21")
	}
	if p.Title.EN != "Post #21" {
		t.Errorf("Title = %q, want %q", p.Title.EN, "Post #21")
	}
	if len(p.Images) != 1 {
		t.Errorf("Images = %v, want 1 image", p.Images)
	}
	// 本文無しの投稿もカーソル計算の対象になる
	if page.OldestID == nil || *page.OldestID != 21 {
		t.Errorf("OldestID = %v, want 21", page.OldestID)
	}
}

func TestExtractor_ZeroMarkers(t *testing.T) {
	page, err := NewExtractor().ParseString(`<html><body><div class="tgme_page">Channel not found</div></body></html>`)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 0 {
		t.Errorf("投稿数 = %d, want 0", len(page.Posts))
	}
	if page.OldestID != nil {
		t.Errorf("OldestID = %d, want nil", *page.OldestID)
	}
}

func TestExtractor_SkipsInvalidReference(t *testing.T) {
	doc := channelPage(
		messageBlock("ch/abc", "2024-05-01T10:00:00Z", "broken id", ""),
		messageBlock("ch/", "2024-05-01T10:00:00Z", "empty id", ""),
		messageBlock("ch/0", "2024-05-01T10:00:00Z", "zero id", ""),
		messageBlock("ch/42", "2024-05-01T10:00:00Z", "valid", ""),
	)

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 1 || page.Posts[0].ID != "42" {
		t.Fatalf("Posts = %+v, want only id 42", page.Posts)
	}
}

func TestExtractor_TextNormalization(t *testing.T) {
	tests := []struct {
		name        string
		html        string
		wantTitle   string
		wantContent string
	}{
		{
			name:        "エンティティをデコードする",
			html:        "Tom &amp; Jerry &#169; &#x41;&lt;B&gt;",
			wantTitle:   "Tom & Jerry © A<B>",
			wantContent: "Tom & Jerry © A<B>",
		},
		{
			name:        "3行以上の改行を2行に詰める",
			html:        "First<br><br><br><br>Second",
			wantTitle:   "First",
			wantContent: "Second",
		},
		{
			name:        "インラインタグを除去する",
			html:        `<b>Bold</b> and <a href="https://example.com">link</a><br><i>next</i> line`,
			wantTitle:   "Bold and link",
			wantContent: "next line",
		},
		{
			name:        "先頭と末尾の空白をトリムする",
			html:        "<br>  Padded  <br><br>",
			wantTitle:   "Padded",
			wantContent: "Padded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := channelPage(messageBlock("ch/1", "2024-05-01T10:00:00Z", tt.html, ""))
			page, err := NewExtractor().ParseString(doc)
			if err != nil {
				t.Fatalf("ParseString がエラーを返した: %v", err)
			}
			if len(page.Posts) != 1 {
				t.Fatalf("投稿数 = %d, want 1", len(page.Posts))
			}
			if got := page.Posts[0].Title.EN; got != tt.wantTitle {
				t.Errorf("Title = %q, want %q", got, tt.wantTitle)
			}
			if got := page.Posts[0].Content.EN; got != tt.wantContent {
				t.Errorf("Content = %q, want %q", got, tt.wantContent)
			}
		})
	}
}

func TestExtractor_LongFirstLineTitle(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 30))
	doc := channelPage(messageBlock("ch/9", "2024-05-01T10:00:00Z", long, ""))

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 1 {
		t.Fatalf("投稿数 = %d, want 1", len(page.Posts))
	}

	want := "word word word word word word word word…"
	if got := page.Posts[0].Title.EN; got != want {
		t.Errorf("Title = %q, want %q", got, want)
	}
	if got := page.Posts[0].Content.EN; got != long {
		t.Errorf("Content = %q, want full text", got)
	}
}

func TestExtractor_DeduplicatesImages(t *testing.T) {
	extra := photoWrap("https://cdn4.telesco.pe/file/1.jpg") +
		photoWrap("https://cdn4.telesco.pe/file/2.jpg") +
		photoWrap("https://cdn4.telesco.pe/file/1.jpg")
	doc := channelPage(messageBlock("ch/2", "2024-05-01T10:00:00Z", "album", extra))

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 1 {
		t.Fatalf("投稿数 = %d, want 1", len(page.Posts))
	}

	got := page.Posts[0].Images
	want := []string{"https://cdn4.telesco.pe/file/1.jpg", "https://cdn4.telesco.pe/file/2.jpg"}
	if len(got) != len(want) {
		t.Fatalf("Images = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Images[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractor_ExcludesReplyQuote(t *testing.T) {
	extra := `<a class="tgme_widget_message_reply" href="https://t.me/ch/1"><div class="tgme_widget_message_text">quoted original</div></a>`
	doc := channelPage(messageBlock("ch/6", "2024-05-01T10:00:00Z", "Answer", extra))

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if len(page.Posts) != 1 {
		t.Fatalf("投稿数 = %d, want 1", len(page.Posts))
	}
	if got := page.Posts[0].Title.EN; got != "Answer" {
		t.Errorf("Title = %q, want %q", got, "Answer")
	}
}

func TestExtractor_OldestIDIsMinimum(t *testing.T) {
	doc := channelPage(
		messageBlock("ch/100", "2024-05-03T10:00:00Z", "c", ""),
		messageBlock("ch/98", "2024-05-01T10:00:00Z", "a", ""),
		messageBlock("ch/99", "2024-05-02T10:00:00Z", "b", ""),
	)

	page, err := NewExtractor().ParseString(doc)
	if err != nil {
		t.Fatalf("ParseString がエラーを返した: %v", err)
	}
	if page.OldestID == nil || *page.OldestID != 98 {
		t.Errorf("OldestID = %v, want 98", page.OldestID)
	}
	// 出現順を保つ
	if page.Posts[0].ID != "100" || page.Posts[1].ID != "98" || page.Posts[2].ID != "99" {
		t.Errorf("順序 = [%s %s %s], want [100 98 99]", page.Posts[0].ID, page.Posts[1].ID, page.Posts[2].ID)
	}
}
