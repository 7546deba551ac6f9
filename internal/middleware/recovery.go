package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// 統一フォーマットの500レスポンスを返すミドルウェアを生成する。
// http.ErrAbortHandler はnet/httpの規約どおり再送出する。
// レスポンスの送信が始まっていた場合は本文を追記せずログのみ出力する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				state, hasState := w.(responseState)
				if hasState && state.Email() != "" {
					attrs = append(attrs, slog.String("email", state.Email()))
				}
				logger.Error("panic recovered", attrs...)

				if hasState && state.Written() {
					return
				}
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
