package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/hitoshi/attendance/internal/middleware"
	"github.com/hitoshi/attendance/internal/model"
)

// ActionFunc は1つのアクションを処理する関数。
// emailはIdentityMiddlewareで検証済みのメールアドレス、payloadはリクエストボディ全体。
type ActionFunc func(ctx context.Context, email string, payload json.RawMessage) (any, error)

// actionEnvelope はリクエストボディからアクション名を読み取るための型。
type actionEnvelope struct {
	Action string `json:"action"`
}

// Dispatcher は POST /exec のリクエストをactionフィールドで振り分ける。
type Dispatcher struct {
	actions map[string]ActionFunc
	logger  *slog.Logger
}

// NewDispatcher は空のDispatcherを生成する。
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		actions: make(map[string]ActionFunc),
		logger:  logger,
	}
}

// Handle はアクション名に処理関数を登録する。同名の登録は上書きする。
func (d *Dispatcher) Handle(action string, fn ActionFunc) {
	d.actions[action] = fn
}

// Actions は登録済みのアクション名を昇順で返す。
func (d *Dispatcher) Actions() []string {
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServeHTTP はアクションを実行し、結果をエンベロープに包んで返す。
// POST /exec
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email, err := middleware.EmailFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError("トークンが必要です"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, middleware.MaxRequestBodyBytes))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディを読み取れません"))
		return
	}

	var env actionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSON形式のリクエストボディが必要です"))
		return
	}

	fn, ok := d.actions[env.Action]
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownActionError(env.Action))
		return
	}

	data, err := fn(r.Context(), email, body)
	if err != nil {
		d.handleServiceError(w, env.Action, err)
		return
	}

	middleware.WriteSuccessResponse(w, data)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func (d *Dispatcher) handleServiceError(w http.ResponseWriter, action string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	d.logger.Error("internal server error",
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidDomain, model.ErrCodePermissionDenied:
		return http.StatusForbidden
	case model.ErrCodeMeetingNotFound, model.ErrCodeBadgeNotFound:
		return http.StatusNotFound
	case model.ErrCodeMeetingNotActive:
		return http.StatusConflict
	case model.ErrCodeCheckInNotOpen, model.ErrCodeMeetingEnded, model.ErrCodeOutsideGeofence:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidRole, model.ErrCodeInvalidMeeting, model.ErrCodeInvalidRequest, model.ErrCodeUnknownAction:
		return http.StatusBadRequest
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeMissingCredential, model.ErrCodeGenerationFailed, model.ErrCodeStorageFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodePayload はリクエストボディをアクション固有の型に変換する。
func decodePayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return model.NewInvalidRequestError("リクエストの形式が正しくありません")
	}
	return nil
}
