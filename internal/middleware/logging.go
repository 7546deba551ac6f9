package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
	// email は内側のミドルウェアが検証したメールアドレス。
	email string
}

// SetEmail はログに出力するメールアドレスを記録する。
// コンテキストは内側にしか伝播しないため、IdentityMiddlewareから書き戻す。
func (sr *statusRecorder) SetEmail(email string) {
	sr.email = email
}

// Email は記録済みのメールアドレスを返す。未検証の場合は空。
func (sr *statusRecorder) Email() string {
	return sr.email
}

// Written はレスポンスヘッダーが送信済みかを返す。
func (sr *statusRecorder) Written() bool {
	return sr.written
}

// emailSetter はstatusRecorderにメールアドレスを書き戻すためのインターフェース。
type emailSetter interface {
	SetEmail(email string)
}

// responseState はRecoveryMiddlewareが外側のstatusRecorderから状態を読むためのインターフェース。
type responseState interface {
	Email() string
	Written() bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、email（トークン検証済みの場合）を含む。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			// 検証済みメールアドレスがある場合は追加
			if email := rec.email; email != "" {
				attrs = append(attrs, slog.String("email", email))
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			// slog.Attr をany スライスに変換
			args := make([]any, len(attrs))
			for i, attr := range attrs {
				args[i] = attr
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
