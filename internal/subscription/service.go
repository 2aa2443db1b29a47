// Package subscription はメール通知の購読登録・確認・解除を提供する。
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tgfeed/internal/mail"
	"github.com/hitoshi/tgfeed/internal/model"
	"github.com/hitoshi/tgfeed/internal/repository"
)

// emailPattern は local@domain.tld 形式の簡易チェック。
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateEmail はメールアドレスの形式を検証する。
func ValidateEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Service は購読者のライフサイクルを管理する。
type Service struct {
	repo        repository.SubscriberRepository
	mailer      Mailer
	logger      *slog.Logger
	siteBaseURL string
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// repoがnilの場合、全操作がSUBSCRIBER_STORE_UNAVAILABLEを返す。
func NewService(repo repository.SubscriberRepository, mailer Mailer, logger *slog.Logger, siteBaseURL string) *Service {
	return &Service{
		repo:        repo,
		mailer:      mailer,
		logger:      logger,
		siteBaseURL: strings.TrimSuffix(siteBaseURL, "/"),
		now:         time.Now,
	}
}

// Available は購読者ストアが設定されているかを返す。
func (s *Service) Available() bool {
	return s.repo != nil
}

// Subscribe はメールアドレスを未確認の購読者として登録し、確認メールを送る。
// 同じアドレスが未確認で登録済みの場合は確認メールを再送し、確認済みの場合は何もしない。
func (s *Service) Subscribe(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !ValidateEmail(email) {
		return model.NewInvalidEmailError()
	}
	if s.repo == nil {
		return model.NewSubscriberStoreUnavailableError()
	}

	sub, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return s.storeError("購読者の検索に失敗しました", err)
	}

	if sub == nil {
		sub = &model.Subscriber{
			ID:        uuid.NewString(),
			Email:     email,
			Token:     uuid.NewString(),
			CreatedAt: s.now().UTC(),
		}
		err := s.repo.Create(ctx, sub)
		if errors.Is(err, repository.ErrDuplicateEmail) {
			// 同時登録で先に作成された購読者を使う
			sub, err = s.repo.FindByEmail(ctx, email)
			if err == nil && sub == nil {
				err = repository.ErrDuplicateEmail
			}
		}
		if err != nil {
			return s.storeError("購読者の作成に失敗しました", err)
		}
	}

	if sub.Confirmed {
		return nil
	}
	s.sendConfirmation(ctx, sub)
	return nil
}

// Confirm はトークンに一致する購読者を確認済みにする。
func (s *Service) Confirm(ctx context.Context, token string) error {
	if s.repo == nil {
		return model.NewSubscriberStoreUnavailableError()
	}
	if token == "" {
		return model.NewTokenNotFoundError()
	}

	ok, err := s.repo.Confirm(ctx, token, s.now().UTC())
	if err != nil {
		return s.storeError("購読者の確認に失敗しました", err)
	}
	if !ok {
		return model.NewTokenNotFoundError()
	}
	s.logger.Info("購読が確認されました")
	return nil
}

// Unsubscribe はトークンに一致する購読者を削除する。
func (s *Service) Unsubscribe(ctx context.Context, token string) error {
	if s.repo == nil {
		return model.NewSubscriberStoreUnavailableError()
	}
	if token == "" {
		return model.NewTokenNotFoundError()
	}

	ok, err := s.repo.DeleteByToken(ctx, token)
	if err != nil {
		return s.storeError("購読の解除に失敗しました", err)
	}
	if !ok {
		return model.NewTokenNotFoundError()
	}
	s.logger.Info("購読が解除されました")
	return nil
}

// sendConfirmation は確認リンク付きのメールを送る。
// 送信失敗は登録自体を失敗させず、再度の登録で再送できる。
func (s *Service) sendConfirmation(ctx context.Context, sub *model.Subscriber) {
	link := s.siteBaseURL + "/api/subscribe/confirm?token=" + url.QueryEscape(sub.Token)
	msg := mail.Message{
		To:      sub.Email,
		Subject: "Confirm your subscription",
		Text: "Please confirm your subscription to new channel posts:\n\n" +
			link + "\n\n" +
			"If you did not request this, ignore this email.\n",
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Warn("確認メールの送信に失敗しました",
			slog.String("subscriber_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}

// storeError はストア障害をログに記録し、クライアント向けのエラーに変換する。
func (s *Service) storeError(msg string, err error) error {
	s.logger.Error(msg, slog.String("error", err.Error()))
	return model.NewSubscriberStoreUnavailableError()
}
