package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsman/internal/middleware"
)

// Pinger はデータベース疎通確認のインターフェース。
// *sql.DB が実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder middleware.SessionFinder
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger

	// サービス
	NewsletterService   NewsletterServiceInterface
	SubscriptionService SubscriptionServiceInterface

	// ヘルスチェック・メトリクス
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → (Session → RateLimit(General))
//
// 公開エンドポイント（購読申込・確認、ヘルスチェック、メトリクス）は
// 認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	nlHandler := NewNewsletterHandler(deps.NewsletterService)
	subHandler := NewSubscriptionHandler(deps.SubscriptionService)

	// --- 認証不要のルート ---

	r.Route("/subscriptions", func(r chi.Router) {
		// POST /subscriptions - 購読申込（IP単位のレート制限を追加）
		r.With(deps.RateLimiter.SubscribeMiddleware()).Post("/", subHandler.Subscribe)

		// GET /subscriptions/confirm - 購読確認
		r.Get("/confirm", subHandler.Confirm)
	})

	r.Get("/health", newHealthHandler(deps.DB))
	r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ニュースレター公開
		r.Post("/admin/newsletters", nlHandler.PublishNewsletter)
	})

	return r
}

// newHealthHandler はデータベース疎通を含むヘルスチェックハンドラーを返す。
func newHealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			slog.Error("ヘルスチェックでデータベース疎通に失敗しました",
				slog.String("error", err.Error()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
