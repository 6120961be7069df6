package subscription

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/hitoshi/newsman/internal/model"
)

type mockSubscriberRepo struct {
	createdSub   *model.Subscriber
	createdToken string
	createErr    error

	subscriberID string
	findErr      error

	confirmedID string
	confirmErr  error
}

func (m *mockSubscriberRepo) CreateWithToken(ctx context.Context, sub *model.Subscriber, token string) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.createdSub = sub
	m.createdToken = token
	return nil
}

func (m *mockSubscriberRepo) FindSubscriberIDByToken(ctx context.Context, token string) (string, error) {
	return m.subscriberID, m.findErr
}

func (m *mockSubscriberRepo) ConfirmSubscriber(ctx context.Context, subscriberID string) error {
	if m.confirmErr != nil {
		return m.confirmErr
	}
	m.confirmedID = subscriberID
	return nil
}

type mockSender struct {
	sendCalled bool
	to         string
	subject    string
	htmlBody   string
	textBody   string
	err        error
}

func (m *mockSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	m.sendCalled = true
	m.to = to
	m.subject = subject
	m.htmlBody = htmlBody
	m.textBody = textBody
	return m.err
}

func newTestService(repo *mockSubscriberRepo, sender *mockSender) *Service {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewService(repo, sender, "https://newsman.example.com", logger)
}

func TestSubscribe_Success(t *testing.T) {
	repo := &mockSubscriberRepo{}
	sender := &mockSender{}
	svc := newTestService(repo, sender)

	err := svc.Subscribe(context.Background(), SubscribeForm{
		Email: "reader@example.com",
		Name:  "山田太郎",
	})
	if err != nil {
		t.Fatalf("Subscribe はエラーを返してはならない: %v", err)
	}

	if repo.createdSub == nil {
		t.Fatal("購読者が保存されていない")
	}
	if repo.createdSub.Email != "reader@example.com" {
		t.Errorf("Email = %q, want %q", repo.createdSub.Email, "reader@example.com")
	}
	if repo.createdSub.Status != model.SubscriberStatusPending {
		t.Errorf("Status = %q, want %q", repo.createdSub.Status, model.SubscriberStatusPending)
	}
	if repo.createdSub.ID == "" {
		t.Error("購読者IDが採番されていない")
	}
	if !sender.sendCalled {
		t.Fatal("確認メールが送信されていない")
	}
	if sender.to != "reader@example.com" {
		t.Errorf("確認メールの宛先 = %q, want %q", sender.to, "reader@example.com")
	}
}

func TestSubscribe_TokenFormat(t *testing.T) {
	repo := &mockSubscriberRepo{}
	svc := newTestService(repo, &mockSender{})

	err := svc.Subscribe(context.Background(), SubscribeForm{
		Email: "reader@example.com",
		Name:  "山田太郎",
	})
	if err != nil {
		t.Fatalf("Subscribe はエラーを返してはならない: %v", err)
	}

	if len(repo.createdToken) != 25 {
		t.Errorf("トークン長 = %d, want 25", len(repo.createdToken))
	}
	for _, c := range repo.createdToken {
		if !strings.ContainsRune(tokenAlphabet, c) {
			t.Errorf("トークンに英数字以外の文字が含まれている: %q", c)
		}
	}
}

func TestSubscribe_ConfirmationLinkContainsToken(t *testing.T) {
	repo := &mockSubscriberRepo{}
	sender := &mockSender{}
	svc := newTestService(repo, sender)

	err := svc.Subscribe(context.Background(), SubscribeForm{
		Email: "reader@example.com",
		Name:  "山田太郎",
	})
	if err != nil {
		t.Fatalf("Subscribe はエラーを返してはならない: %v", err)
	}

	wantLink := "https://newsman.example.com/subscriptions/confirm?subscription_token=" + repo.createdToken
	if !strings.Contains(sender.htmlBody, wantLink) {
		t.Errorf("HTML本文に確認リンクが含まれていない: %s", sender.htmlBody)
	}
	if !strings.Contains(sender.textBody, wantLink) {
		t.Errorf("テキスト本文に確認リンクが含まれていない: %s", sender.textBody)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	tests := []struct {
		name string
		form SubscribeForm
	}{
		{name: "メールアドレスが不正", form: SubscribeForm{Email: "not-an-address", Name: "山田太郎"}},
		{name: "メールアドレスが空", form: SubscribeForm{Email: "", Name: "山田太郎"}},
		{name: "名前が空", form: SubscribeForm{Email: "reader@example.com", Name: "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockSubscriberRepo{}
			sender := &mockSender{}
			svc := newTestService(repo, sender)

			err := svc.Subscribe(context.Background(), tt.form)
			if err == nil {
				t.Fatal("検証エラーになるべき")
			}

			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("エラーは *model.APIError であるべき: %T", err)
			}
			if apiErr.Code != model.ErrCodeInvalidSubscription {
				t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeInvalidSubscription)
			}
			if repo.createdSub != nil {
				t.Error("検証エラーでは購読者を保存してはならない")
			}
			if sender.sendCalled {
				t.Error("検証エラーではメールを送信してはならない")
			}
		})
	}
}

func TestSubscribe_DoesNotSendEmailWhenSaveFails(t *testing.T) {
	repo := &mockSubscriberRepo{createErr: errors.New("connection refused")}
	sender := &mockSender{}
	svc := newTestService(repo, sender)

	err := svc.Subscribe(context.Background(), SubscribeForm{
		Email: "reader@example.com",
		Name:  "山田太郎",
	})
	if err == nil {
		t.Fatal("保存失敗はエラーになるべき")
	}
	if sender.sendCalled {
		t.Error("トークンが未保存のままメールを送信してはならない")
	}
}

func TestConfirm_Success(t *testing.T) {
	repo := &mockSubscriberRepo{subscriberID: "sub-1"}
	svc := newTestService(repo, &mockSender{})

	if err := svc.Confirm(context.Background(), "valid-token"); err != nil {
		t.Fatalf("Confirm はエラーを返してはならない: %v", err)
	}
	if repo.confirmedID != "sub-1" {
		t.Errorf("confirmedID = %q, want %q", repo.confirmedID, "sub-1")
	}
}

func TestConfirm_EmptyToken(t *testing.T) {
	repo := &mockSubscriberRepo{}
	svc := newTestService(repo, &mockSender{})

	err := svc.Confirm(context.Background(), "")
	if err == nil {
		t.Fatal("空のトークンは検証エラーになるべき")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("エラーは *model.APIError であるべき: %T", err)
	}
	if apiErr.Category != "validation" {
		t.Errorf("Category = %q, want validation", apiErr.Category)
	}
}

func TestConfirm_UnknownToken(t *testing.T) {
	repo := &mockSubscriberRepo{subscriberID: ""}
	svc := newTestService(repo, &mockSender{})

	err := svc.Confirm(context.Background(), "unknown-token")
	if err == nil {
		t.Fatal("未知のトークンはエラーになるべき")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("エラーは *model.APIError であるべき: %T", err)
	}
	if apiErr.Code != model.ErrCodeUnknownToken {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeUnknownToken)
	}
	if repo.confirmedID != "" {
		t.Error("未知のトークンで購読者を確認してはならない")
	}
}

func TestGenerateToken_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := generateToken()
		if err != nil {
			t.Fatalf("generateToken はエラーを返してはならない: %v", err)
		}
		if seen[token] {
			t.Fatalf("トークンが重複した: %s", token)
		}
		seen[token] = true
	}
}
