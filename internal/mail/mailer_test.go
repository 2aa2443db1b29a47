package mail

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	gomail "github.com/wneessen/go-mail"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewSMTPMailer_Validation(t *testing.T) {
	logger := newTestLogger(&bytes.Buffer{})

	if _, err := NewSMTPMailer(SMTPConfig{From: "news@example.com"}, logger); err == nil {
		t.Error("ホスト未指定でエラーが返されなかった")
	}
	if _, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com"}, logger); err == nil {
		t.Error("送信元未指定でエラーが返されなかった")
	}

	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", From: "news@example.com"}, logger)
	if err != nil {
		t.Fatalf("NewSMTPMailer がエラーを返した: %v", err)
	}
	if m.cfg.Port != 587 {
		t.Errorf("Port = %d, want 587", m.cfg.Port)
	}
	if m.cfg.Timeout <= 0 {
		t.Error("Timeoutにデフォルト値が設定されていない")
	}
}

func TestSMTPMailer_BuildMsg(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", From: "news@example.com"}, newTestLogger(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("NewSMTPMailer がエラーを返した: %v", err)
	}

	gm, err := m.buildMsg(Message{To: "reader@example.com", Subject: "New post", Text: "Hello World"})
	if err != nil {
		t.Fatalf("buildMsg がエラーを返した: %v", err)
	}

	var out bytes.Buffer
	if _, err := gm.WriteTo(&out); err != nil {
		t.Fatalf("WriteTo がエラーを返した: %v", err)
	}
	raw := out.String()
	for _, want := range []string{"Subject: New post", "reader@example.com", "news@example.com", "Hello World"} {
		if !strings.Contains(raw, want) {
			t.Errorf("メッセージに %q が含まれていない:\n%s", want, raw)
		}
	}
}

func TestSMTPMailer_BuildMsgInvalidRecipient(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", From: "news@example.com"}, newTestLogger(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("NewSMTPMailer がエラーを返した: %v", err)
	}
	if _, err := m.buildMsg(Message{To: "not an address", Subject: "x"}); err == nil {
		t.Error("不正な宛先でエラーが返されなかった")
	}
}

func TestNewSMTPMailer_SSL(t *testing.T) {
	logger := newTestLogger(&bytes.Buffer{})

	tests := []struct {
		name string
		cfg  SMTPConfig
		want bool
	}{
		{"587番はSTARTTLS", SMTPConfig{Port: 587}, false},
		{"465番は暗黙のTLS", SMTPConfig{Port: 465}, true},
		{"明示的に有効化", SMTPConfig{Port: 2465, SSL: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Host = "smtp.example.com"
			tt.cfg.From = "news@example.com"
			m, err := NewSMTPMailer(tt.cfg, logger)
			if err != nil {
				t.Fatalf("NewSMTPMailer がエラーを返した: %v", err)
			}
			if m.cfg.SSL != tt.want {
				t.Errorf("SSL = %v, want %v", m.cfg.SSL, tt.want)
			}
			if _, err := gomail.NewClient(m.cfg.Host, m.clientOptions()...); err != nil {
				t.Errorf("クライアント生成に失敗: %v", err)
			}
		})
	}
}

func TestLogMailer_LogsWithoutTokens(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(newTestLogger(&buf))

	msg := Message{
		To:      "reader@example.com",
		Subject: "Confirm",
		Text:    "Confirm: https://example.com/api/subscribe/confirm?token=secret-123\nUnsubscribe: https://example.com/api/unsubscribe?token=secret-456&x=1",
	}
	if err := m.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send がエラーを返した: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"to":"reader@example.com"`) {
		t.Errorf("宛先がログに出力されていない: %s", out)
	}
	if strings.Contains(out, "secret-123") || strings.Contains(out, "secret-456") {
		t.Errorf("トークンがログに出力された: %s", out)
	}
	if !strings.Contains(out, "/api/subscribe/confirm?token=REDACTED") {
		t.Errorf("伏せ字のリンクが出力されていない: %s", out)
	}
}
