// Package auth はリクエストに付与されたIDトークンの検証を提供する。
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/attendance/internal/model"
)

// maxTokenInfoSize はtokeninfoレスポンスとして受け付ける最大サイズ。
const maxTokenInfoSize = 64 << 10

// TokenVerifier はIDトークンを検証し、検証済みのメールアドレスを返すインターフェース。
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// GoogleTokenInfoConfig はGoogleTokenVerifierの設定。
type GoogleTokenInfoConfig struct {
	// TokenInfoURL はtokeninfoエンドポイント。テスト用にオーバーライド可能。
	TokenInfoURL string
	// ClientID が設定されている場合、トークンのaudと一致する必要がある。
	ClientID      string
	AllowedDomain string
}

// GoogleTokenVerifier はGoogleのtokeninfoエンドポイントでIDトークンを検証する。
type GoogleTokenVerifier struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     GoogleTokenInfoConfig
}

// NewGoogleTokenVerifier はGoogleTokenVerifierを生成する。
func NewGoogleTokenVerifier(httpClient *http.Client, logger *slog.Logger, config GoogleTokenInfoConfig) *GoogleTokenVerifier {
	config.AllowedDomain = strings.ToLower(strings.TrimPrefix(config.AllowedDomain, "@"))
	return &GoogleTokenVerifier{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

// tokenInfo はtokeninfoエンドポイントのレスポンス。
// email_verifiedは文字列として返される。
type tokenInfo struct {
	Email            string `json:"email"`
	EmailVerified    string `json:"email_verified"`
	Audience         string `json:"aud"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// VerifyToken はIDトークンを検証し、許可ドメインに属するメールアドレスを返す。
// トークンが無効な場合はUNAUTHORIZED、ドメイン外の場合はINVALID_DOMAINとなる。
func (v *GoogleTokenVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", model.NewUnauthorizedError("トークンがありません")
	}

	info, err := v.fetchTokenInfo(ctx, token)
	if err != nil {
		return "", err
	}

	if v.config.ClientID != "" && info.Audience != v.config.ClientID {
		return "", model.NewUnauthorizedError("トークンの発行先が一致しません")
	}
	if info.Email == "" {
		return "", model.NewUnauthorizedError("トークンにメールアドレスが含まれていません")
	}
	if info.EmailVerified != "" && info.EmailVerified != "true" {
		return "", model.NewUnauthorizedError("メールアドレスが確認されていません")
	}

	email := strings.ToLower(info.Email)
	if model.EmailDomain(email) != v.config.AllowedDomain {
		return "", model.NewInvalidDomainError(email)
	}
	return email, nil
}

func (v *GoogleTokenVerifier) fetchTokenInfo(ctx context.Context, token string) (*tokenInfo, error) {
	reqURL := v.config.TokenInfoURL + "?" + url.Values{"id_token": {token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokeninfo request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.Error("tokeninfo request failed",
			slog.String("error", err.Error()),
		)
		return nil, model.NewUnauthorizedError("トークンを検証できませんでした")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenInfoSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokeninfo response: %w", err)
	}

	var info tokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, model.NewUnauthorizedError("トークン検証のレスポンスが不正です")
	}
	if resp.StatusCode != http.StatusOK || info.Error != "" {
		reason := info.ErrorDescription
		if reason == "" {
			reason = info.Error
		}
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, model.NewUnauthorizedError("無効なトークンです: " + reason)
	}
	return &info, nil
}

// compile-time interface check
var _ TokenVerifier = (*GoogleTokenVerifier)(nil)
