// Package generator は外部画像生成APIのクライアントを提供する。
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/attendance/internal/model"
)

// maxImageSize はレスポンスとして受け付ける画像の最大サイズ。
const maxImageSize = 20 << 20

// ErrNoResponse はAPIからレスポンスを受け取る前に呼び出しが失敗したことを表す。
// 接続拒否、DNS解決の失敗、タイムアウトなどが該当する。
var ErrNoResponse = errors.New("画像生成APIからレスポンスを受信できませんでした")

// Options は生成リクエストの固定パラメータ。
type Options struct {
	Endpoint string
	Model    string
	Width    int
	Height   int
	// OnStatus が設定されている場合、レスポンスを受け取るたびにHTTPステータスコードで呼ばれる。
	OnStatus func(statusCode int)
}

// Client は画像生成APIのクライアント。
// リクエストの構築と送信を分離し、バッチ全体のリクエストを送信前に用意できるようにする。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, opts Options) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		opts:       opts,
	}
}

// BuildRequest はプロンプトをURLエンコードしてエンドポイントのパスに連結し、
// model/width/heightなどの固定パラメータとBearer認証ヘッダーを付与したGETリクエストを構築する。
func (c *Client) BuildRequest(ctx context.Context, apiKey, prompt string) (*http.Request, error) {
	if apiKey == "" {
		return nil, model.NewMissingCredentialError("GENERATION_API_KEY")
	}

	reqURL, err := url.Parse(strings.TrimRight(c.opts.Endpoint, "/") + "/" + url.PathEscape(prompt))
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}

	q := reqURL.Query()
	q.Set("model", c.opts.Model)
	q.Set("width", strconv.Itoa(c.opts.Width))
	q.Set("height", strconv.Itoa(c.opts.Height))
	q.Set("nologo", "true")
	q.Set("private", "true")
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "image/*, application/json")
	return req, nil
}

// errorEnvelope はAPIが返すJSONエラーの形式。
type errorEnvelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Do はリクエストを送信し、成功時は画像のバイト列を返す。
// Content-TypeがJSONの場合、success=falseまたは200以外のステータスはエラーとする。
// それ以外で200以外のステータスもエラーとする。
func (c *Client) Do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	defer resp.Body.Close()

	if c.opts.OnStatus != nil {
		c.opts.OnStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if len(body) > maxImageSize {
		return nil, model.NewGenerationFailedError("レスポンスが大きすぎます")
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var env errorEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, model.NewGenerationFailedError(fmt.Sprintf("JSONレスポンスのパースに失敗しました（ステータス %d）", resp.StatusCode))
		}
		if (env.Success != nil && !*env.Success) || resp.StatusCode != http.StatusOK {
			c.logger.Warn("画像生成APIがエラーを返しました",
				slog.Int("http_status", resp.StatusCode),
				slog.String("error", env.describe()),
			)
			return nil, model.NewGenerationFailedError(fmt.Sprintf("API Error: %s", env.describe()))
		}
	} else if resp.StatusCode != http.StatusOK {
		c.logger.Warn("画像生成APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewGenerationFailedError(fmt.Sprintf("HTTP Error: %d", resp.StatusCode))
	}

	return body, nil
}

func (e errorEnvelope) describe() string {
	switch {
	case e.Error != "" && e.Message != "":
		return e.Error + ": " + e.Message
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	default:
		return "unknown"
	}
}
