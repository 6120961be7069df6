// Package email はメール配信プロバイダのAPIクライアントを提供する。
// プロバイダはPostmark互換のJSON API（POST /email）を想定する。
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Sender はメール送信のインターフェース。
// 配信ワーカーと購読確認メールの送信元から利用する。
type Sender interface {
	// Send は1通のメールを送信する。
	// 失敗は*SendErrorとして返し、一時的か恒久的かを区別できるようにする。
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// SendError はメール送信の失敗を表す。
// Permanentがtrueの場合、同じ入力での再送は成功し得ない。
type SendError struct {
	Permanent bool
	Err       error
}

// Error はerrorインターフェースを実装する。
func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("恒久的な送信エラー: %v", e.Err)
	}
	return fmt.Sprintf("一時的な送信エラー: %v", e.Err)
}

// Unwrap はラップされた原因エラーを返す。
func (e *SendError) Unwrap() error {
	return e.Err
}

// Client はメール配信プロバイダのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
	sender     string
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientにはタイムアウト設定済みの*http.Clientを渡すこと。
func NewClient(httpClient *http.Client, baseURL, authToken, sender string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		authToken:  authToken,
		sender:     sender,
	}
}

// sendEmailRequest はプロバイダAPIへのリクエストボディ。
type sendEmailRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

// Send は1通のメールを送信する。
// 失敗の分類:
//   - ネットワークエラー、HTTP 5xx、429 → 一時的（再送で成功し得る）
//   - それ以外の4xx（不正な宛先など） → 恒久的
func (c *Client) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	payload, err := json.Marshal(sendEmailRequest{
		From:     c.sender,
		To:       to,
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return &SendError{Permanent: true, Err: fmt.Errorf("リクエストボディのシリアライズに失敗しました: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return &SendError{Permanent: true, Err: fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Server-Token", c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SendError{Permanent: false, Err: fmt.Errorf("メールAPIの呼び出しに失敗しました: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &SendError{Permanent: false, Err: fmt.Errorf("メールAPIがステータス %d を返しました", resp.StatusCode)}
	default:
		return &SendError{Permanent: true, Err: fmt.Errorf("メールAPIがステータス %d を返しました", resp.StatusCode)}
	}
}

// compile-time interface check
var _ Sender = (*Client)(nil)
