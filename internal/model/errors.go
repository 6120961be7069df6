package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	ErrCodeInvalidNewsletter     = "INVALID_NEWSLETTER"
	ErrCodeInvalidSubscription   = "INVALID_SUBSCRIPTION"
	ErrCodeUnknownToken          = "UNKNOWN_TOKEN"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewInvalidIdempotencyKeyError は冪等キーの形式エラーを生成する。
func NewInvalidIdempotencyKeyError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidIdempotencyKey,
		Message:  fmt.Sprintf("冪等キーが不正です: %s", reason),
		Category: "validation",
		Action:   "空でなく50文字未満の冪等キーを指定してください。",
	}
}

// NewInvalidNewsletterError はニュースレター入力の検証エラーを生成する。
func NewInvalidNewsletterError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidNewsletter,
		Message:  fmt.Sprintf("ニュースレターの内容が不正です: %s", reason),
		Category: "validation",
		Action:   "タイトル・テキスト本文・HTML本文をすべて入力してください。",
	}
}

// NewInvalidSubscriptionError は購読申込入力の検証エラーを生成する。
func NewInvalidSubscriptionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSubscription,
		Message:  fmt.Sprintf("購読申込の内容が不正です: %s", reason),
		Category: "validation",
		Action:   "有効なメールアドレスと名前を入力してください。",
	}
}

// NewUnknownTokenError は確認トークンが見つからない場合のエラーを生成する。
func NewUnknownTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeUnknownToken,
		Message:  "確認トークンに対応する購読者が存在しません。",
		Category: "auth",
		Action:   "確認メールに記載されたリンクをそのまま開いてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 呼び出し元には詳細を開示せず、ログにのみ原因を残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
