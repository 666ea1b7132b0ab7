package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/numgate/internal/metrics"
	"github.com/hitoshi/numgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	Logger            *slog.Logger
	RateLimiter       *middleware.RateLimiter
	GeneralPolicy     middleware.Policy
	RentalPolicy      middleware.Policy
	GlobalLimiter     *middleware.ConcurrencyLimiter
	RentalLimiter     *middleware.ConcurrencyLimiter

	// ハンドラー
	RentalHandler *RentalHandler
	AdminHandler  *AdminHandler

	// 監視
	Gatherer prometheus.Gatherer
	Health   http.HandlerFunc
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Recovery → Logging → Identity →
//	ConcurrencyLimit(global) → RateLimit(general)
//
// レンタルルートはさらにレンタル専用の同時実行枠とレート制限で包む。
// /healthz と /metrics はミドルウェアチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// 監視ルートは制限の影響を受けない
	if deps.Health != nil {
		r.Get("/healthz", deps.Health)
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewRecoveryMiddleware())
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
		r.Use(middleware.NewIdentityMiddleware())
		r.Use(deps.GlobalLimiter.Middleware())
		r.Use(deps.RateLimiter.Middleware(deps.GeneralPolicy))

		// レンタルルート: 専用の同時実行枠とレート制限を追加
		r.Route("/api/rentals", func(r chi.Router) {
			r.Use(deps.RentalLimiter.Middleware())
			r.Use(deps.RateLimiter.Middleware(deps.RentalPolicy))

			r.Post("/", deps.RentalHandler.Rent)
			r.Get("/{id}/otp", deps.RentalHandler.GetOTP)
			r.Post("/{id}/cancel", deps.RentalHandler.Cancel)
		})

		// 管理ルート: 特権ユーザーのみ
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(deps.AdminHandler.RequireAdmin)

			r.Post("/audit/run", deps.AdminHandler.RunAudit)
			r.Post("/audit/recover", deps.AdminHandler.RunRecovery)
			r.Get("/audit/validate", deps.AdminHandler.Validate)
			r.Get("/breakers", deps.AdminHandler.ListBreakers)
			r.Post("/breakers/{name}/reset", deps.AdminHandler.ResetBreaker)
			r.Get("/limits", deps.AdminHandler.ListLimits)
		})
	})

	return r
}
