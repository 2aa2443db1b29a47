// Package mail はメール送信を提供する。
// SMTP設定が無い環境ではLogMailerで送信内容をログに出力する。
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// Message は送信する1通のメールを表す。
type Message struct {
	To      string
	Subject string
	Text    string
}

// SMTPConfig はSMTP送信の設定を保持する。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string // 空の場合はSMTP認証を行わない
	Password string
	From     string
	Timeout  time.Duration
	SSL      bool // 接続直後からTLSを使う。465番ポートでは常に有効
}

// SMTPMailer はgo-mailを使ってSMTPでメールを送信する。
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPMailer はSMTPMailerの新しいインスタンスを生成する。
func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("SMTP host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Port == 465 {
		cfg.SSL = true
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPMailer{cfg: cfg, logger: logger}, nil
}

// Send はメッセージを1通送信する。接続は送信ごとに確立する。
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	gm, err := m.buildMsg(msg)
	if err != nil {
		return err
	}

	client, err := gomail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("SMTPクライアントの生成に失敗: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, gm); err != nil {
		return fmt.Errorf("メール送信に失敗: %w", err)
	}

	m.logger.Debug("メールを送信しました", slog.String("subject", msg.Subject))
	return nil
}

func (m *SMTPMailer) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithTimeout(m.cfg.Timeout),
	}
	if m.cfg.SSL {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.Username),
			gomail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}

// buildMsg はMessageをgo-mailのメッセージに変換する。
func (m *SMTPMailer) buildMsg(msg Message) (*gomail.Msg, error) {
	gm := gomail.NewMsg()
	if err := gm.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("送信元アドレスが不正です: %w", err)
	}
	if err := gm.To(msg.To); err != nil {
		return nil, fmt.Errorf("宛先アドレスが不正です: %w", err)
	}
	gm.Subject(msg.Subject)
	gm.SetBodyString(gomail.TypeTextPlain, msg.Text)
	return gm, nil
}

// tokenParam は確認・解除リンクに含まれるトークンに一致する。
var tokenParam = regexp.MustCompile(`token=[^&\s]+`)

// LogMailer は送信せずに内容をログへ出力するMailer。
// 本文中のトークンは伏せて出力する。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send はメッセージをログへ出力する。
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("メール送信（ログのみ）",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("body", redactTokens(msg.Text)),
	)
	return nil
}

func redactTokens(s string) string {
	return tokenParam.ReplaceAllString(s, "token=REDACTED")
}
