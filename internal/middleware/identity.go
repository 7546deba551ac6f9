// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/attendance/internal/model"
)

// MaxRequestBodyBytes はディスパッチリクエストボディの上限。
const MaxRequestBodyBytes = 1 << 20

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// emailContextKey はリクエストコンテキストに検証済みメールアドレスを格納するためのキー。
var emailContextKey = contextKey("email")

// TokenVerifier はIDトークンを検証してメールアドレスを返すインターフェース。
// auth.TokenVerifierの部分集合として定義する。
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// tokenEnvelope はリクエストボディからトークンだけを読み取るための型。
type tokenEnvelope struct {
	Token string `json:"token"`
}

// NewIdentityMiddleware はJSONボディのtokenフィールドを検証し、
// 検証済みメールアドレスをリクエストコンテキストに注入するミドルウェアを返す。
// ボディは後続のハンドラーが再度読めるように復元する。
func NewIdentityMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes))
			if err != nil {
				WriteErrorResponse(w, http.StatusRequestEntityTooLarge,
					model.NewInvalidRequestError("リクエストボディが大きすぎます"))
				return
			}

			var env tokenEnvelope
			if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &env) != nil {
				WriteErrorResponse(w, http.StatusBadRequest,
					model.NewInvalidRequestError("JSON形式のリクエストボディが必要です"))
				return
			}

			email, err := verifier.VerifyToken(r.Context(), env.Token)
			if err != nil {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) {
					slog.Error("failed to verify token", slog.String("error", err.Error()))
					apiErr = model.NewUnauthorizedError("トークンを検証できませんでした")
				}
				status := http.StatusUnauthorized
				if apiErr.Code == model.ErrCodeInvalidDomain {
					status = http.StatusForbidden
				}
				WriteErrorResponse(w, status, apiErr)
				return
			}

			if setter, ok := w.(emailSetter); ok {
				setter.SetEmail(email)
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), emailContextKey, email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EmailFromContext はリクエストコンテキストから検証済みメールアドレスを取得する。
// IdentityMiddlewareを通過したリクエストでのみ有効。
func EmailFromContext(ctx context.Context) (string, error) {
	email, ok := ctx.Value(emailContextKey).(string)
	if !ok || email == "" {
		return "", fmt.Errorf("email not found in context")
	}
	return email, nil
}

// ContextWithEmail はコンテキストに検証済みメールアドレスを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailContextKey, email)
}
