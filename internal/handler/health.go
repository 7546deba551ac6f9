package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker は依存先の疎通確認を行うインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewHealthHandler はヘルスチェック用のハンドラーを返す。
// checkerがnilの場合は常に200を返す。
// GET /health
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				logger.Error("health check failed", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(healthResponse{Status: "error", Message: "database unavailable"})
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(healthResponse{Status: "ok", Message: "Backend is running."})
	}
}
