package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/subscription"
)

// SubscriptionServiceInterface は購読ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	// Subscribe は購読申込を受け付け、確認メールを送信する。
	Subscribe(ctx context.Context, form subscription.SubscribeForm) error
	// Confirm は確認トークンを検証し、購読者を確認済みへ更新する。
	Confirm(ctx context.Context, token string) error
}

// SubscriptionHandler は購読申込・確認のHTTPハンドラー。
type SubscriptionHandler struct {
	service SubscriptionServiceInterface
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service SubscriptionServiceInterface) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: service,
	}
}

// Subscribe は購読申込を受け付ける。
// POST /subscriptions
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var form subscription.SubscribeForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if err := h.service.Subscribe(r.Context(), form); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "確認メールを送信しました。メール内のリンクから購読を確定してください。",
	})
}

// Confirm は確認トークンを検証し、購読を確定する。
// GET /subscriptions/confirm?subscription_token=...
func (h *SubscriptionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("subscription_token")

	if err := h.service.Confirm(r.Context(), token); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "購読を確定しました。",
	})
}
