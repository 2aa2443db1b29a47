package security

import "testing"

func TestPlainText(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"空文字列", "", ""},
		{"タグ除去", "<b>太字</b>と<i>斜体</i>", "太字と斜体"},
		{"リンクはテキストのみ残る", `<a href="https://example.com">link</a>`, "link"},
		{"名前付きエンティティ", "Tom &amp; Jerry &quot;ok&quot;", `Tom & Jerry "ok"`},
		{"10進数値参照", "&#1055;&#1088;&#1080;", "При"},
		{"16進数値参照", "&#x41;&#x42;", "AB"},
		{"改行は保持される", "line1\nline2", "line1\nline2"},
		{"二重エスケープは1段だけ戻る", "&amp;lt;tag&amp;gt;", "&lt;tag&gt;"},
		{"scriptは除去される", "a<script>alert(1)</script>b", "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.PlainText(tt.input); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
