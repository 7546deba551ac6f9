// Package handler はHTTPエンドポイントを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/attendance/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 公開エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	Artifacts      ArtifactOpener

	// アクション
	Services Services
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → CORS → SecurityHeaders → Recovery → Identity → RateLimit
//
// /health、/metrics、/badges/* はIdentity以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	// CORS はプリフライトに応答するためルーティングより前に置く
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	if deps.Artifacts != nil {
		r.Get("/badges/{name}", NewArtifactHandler(deps.Artifacts, deps.Logger))
	}

	dispatcher := NewDispatcher(deps.Logger)
	RegisterActions(dispatcher, deps.Services)

	// --- トークン検証が必要なルート ---
	// ミドルウェアスタック: Identity → RateLimit
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.TokenVerifier))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Post("/exec", dispatcher.ServeHTTP)
	})

	return r
}
