package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/newsman/internal/middleware"
	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/newsletter"
)

// NewsletterServiceInterface はニュースレターハンドラーが必要とするサービスインターフェース。
type NewsletterServiceInterface interface {
	// Publish はニュースレター公開コマンドを実行し、確定済みのHTTP応答を返す。
	// 同一冪等キーの再実行ではキャッシュ応答がそのまま返る。
	Publish(ctx context.Context, userID string, form newsletter.PublishForm) (*model.StoredResponse, error)
}

// NewsletterHandler はニュースレター公開のHTTPハンドラー。
type NewsletterHandler struct {
	service NewsletterServiceInterface
}

// NewNewsletterHandler はNewsletterHandlerを生成する。
func NewNewsletterHandler(service NewsletterServiceInterface) *NewsletterHandler {
	return &NewsletterHandler{
		service: service,
	}
}

// PublishNewsletter はニュースレター号を公開する。
// POST /admin/newsletters
//
// 応答はサービス層が確定したキャッシュ可能な形（ステータス・ヘッダー・ボディ）を
// そのまま書き込む。初回実行と再生とで応答がバイト単位で一致する。
func (h *NewsletterHandler) PublishNewsletter(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var form newsletter.PublishForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	outcome, err := h.service.Publish(r.Context(), userID, form)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeStoredResponse(w, outcome)
}

// writeStoredResponse は確定済み応答をそのまま書き込む。
func writeStoredResponse(w http.ResponseWriter, resp *model.StoredResponse) {
	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
