// Package subscription は購読申込と購読確認のドメインロジックを提供する。
package subscription

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsman/internal/email"
	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/repository"
)

// tokenLength は購読確認トークンの長さ。
const tokenLength = 25

// tokenAlphabet はトークンに使用する文字集合（英数字）。
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// SubscribeForm は購読申込の入力を表す。
type SubscribeForm struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Service は購読申込・確認のサービス層。
type Service struct {
	repo    repository.SubscriberRepository
	sender  email.Sender
	baseURL string
	logger  *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// baseURLは確認リンクの生成に使用する（例: https://newsman.example.com）。
func NewService(repo repository.SubscriberRepository, sender email.Sender, baseURL string, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		sender:  sender,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Subscribe は購読申込を受け付け、確認トークン付きのメールを送信する。
//
// 同じメールアドレスの再申込は新しいトークンを発行して確認メールを再送する。
// 購読者行とトークンの保存が確定してからメールを送るため、リンクを開いた
// 時点でトークンが未保存ということは起きない。
func (s *Service) Subscribe(ctx context.Context, form SubscribeForm) error {
	sub, err := s.validate(form)
	if err != nil {
		return err
	}

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("確認トークンの生成に失敗しました: %w", err)
	}

	if err := s.repo.CreateWithToken(ctx, sub, token); err != nil {
		return fmt.Errorf("購読者の保存に失敗しました: %w", err)
	}

	if err := s.sendConfirmationEmail(ctx, sub.Email, token); err != nil {
		return fmt.Errorf("確認メールの送信に失敗しました: %w", err)
	}

	s.logger.Info("購読申込を受け付けました",
		slog.String("subscriber_id", sub.ID),
	)

	return nil
}

// Confirm は確認トークンを検証し、購読者を確認済みへ更新する。
func (s *Service) Confirm(ctx context.Context, token string) error {
	if token == "" {
		return model.NewInvalidSubscriptionError("確認トークンが指定されていません")
	}

	subscriberID, err := s.repo.FindSubscriberIDByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("確認トークンの検索に失敗しました: %w", err)
	}
	if subscriberID == "" {
		return model.NewUnknownTokenError()
	}

	if err := s.repo.ConfirmSubscriber(ctx, subscriberID); err != nil {
		return fmt.Errorf("購読者の確認に失敗しました: %w", err)
	}

	s.logger.Info("購読を確認しました",
		slog.String("subscriber_id", subscriberID),
	)

	return nil
}

// validate は購読申込の入力を検証し、保存用のSubscriberを構築する。
func (s *Service) validate(form SubscribeForm) (*model.Subscriber, error) {
	name := strings.TrimSpace(form.Name)
	if name == "" {
		return nil, model.NewInvalidSubscriptionError("名前は空にできません")
	}

	addr, err := mail.ParseAddress(form.Email)
	if err != nil {
		return nil, model.NewInvalidSubscriptionError("メールアドレスの形式が不正です")
	}

	return &model.Subscriber{
		ID:           uuid.NewString(),
		Email:        addr.Address,
		Name:         name,
		SubscribedAt: time.Now().UTC(),
		Status:       model.SubscriberStatusPending,
	}, nil
}

// sendConfirmationEmail は確認リンク付きのメールを送信する。
func (s *Service) sendConfirmationEmail(ctx context.Context, to, token string) error {
	link := fmt.Sprintf("%s/subscriptions/confirm?subscription_token=%s", s.baseURL, url.QueryEscape(token))

	htmlBody := fmt.Sprintf(
		`ニュースレターへお申し込みいただきありがとうございます。<br /><a href="%s">こちらをクリック</a>して購読を確定してください。`,
		link,
	)
	textBody := fmt.Sprintf(
		"ニュースレターへお申し込みいただきありがとうございます。\n次のリンクを開いて購読を確定してください: %s",
		link,
	)

	return s.sender.Send(ctx, to, "購読の確認", htmlBody, textBody)
}

// generateToken は暗号論的乱数から英数字のトークンを生成する。
func generateToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	out := make([]byte, tokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
