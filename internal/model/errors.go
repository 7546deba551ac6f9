// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, permission, not_found, state, validation, external, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryAuth       = "auth"
	CategoryPermission = "permission"
	CategoryNotFound   = "not_found"
	CategoryState      = "state"
	CategoryValidation = "validation"
	CategoryExternal   = "external"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeInvalidDomain     = "INVALID_DOMAIN"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeMeetingNotFound   = "MEETING_NOT_FOUND"
	ErrCodeBadgeNotFound     = "BADGE_NOT_FOUND"
	ErrCodeMeetingNotActive  = "MEETING_NOT_ACTIVE"
	ErrCodeCheckInNotOpen    = "CHECKIN_NOT_YET_OPEN"
	ErrCodeMeetingEnded      = "MEETING_ENDED"
	ErrCodeOutsideGeofence   = "OUTSIDE_GEOFENCE"
	ErrCodeInvalidRole       = "INVALID_ROLE"
	ErrCodeInvalidMeeting    = "INVALID_MEETING"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnknownAction     = "UNKNOWN_ACTION"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeMissingCredential = "MISSING_CREDENTIAL"
	ErrCodeGenerationFailed  = "GENERATION_FAILED"
	ErrCodeStorageFailed     = "STORAGE_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ErrorCategory はエラーチェーン中のAPIErrorのカテゴリを返す。
// APIErrorを含まない場合はsystemを返す。
func ErrorCategory(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return CategorySystem
}

// HasCode はエラーチェーン中に指定コードのAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewUnauthorizedError はトークン検証失敗エラーを生成する。
func NewUnauthorizedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: CategoryAuth,
		Action:   "ログインし直してください。",
	}
}

// NewInvalidDomainError は許可されていないドメインのメールアドレスによるエラーを生成する。
func NewInvalidDomainError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDomain,
		Message:  fmt.Sprintf("許可されていないドメインです: %s", email),
		Category: CategoryAuth,
		Action:   "組織のアカウントでログインしてください。",
	}
}

// NewPermissionDeniedError は権限不足エラーを生成する。
func NewPermissionDeniedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  fmt.Sprintf("権限がありません: %s", reason),
		Category: CategoryPermission,
		Action:   "必要な権限を持つユーザーに依頼してください。",
	}
}

// NewMeetingNotFoundError はミーティング未検出エラーを生成する。
func NewMeetingNotFoundError(meetingID string) *APIError {
	return &APIError{
		Code:     ErrCodeMeetingNotFound,
		Message:  fmt.Sprintf("指定されたミーティングが見つかりません: %s", meetingID),
		Category: CategoryNotFound,
		Action:   "ミーティングIDを確認してください。",
	}
}

// NewBadgeNotFoundError はバッジ未検出エラーを生成する。
func NewBadgeNotFoundError(badgeID string) *APIError {
	return &APIError{
		Code:     ErrCodeBadgeNotFound,
		Message:  fmt.Sprintf("指定されたバッジが見つかりません: %s", badgeID),
		Category: CategoryNotFound,
		Action:   "バッジIDを確認してください。",
	}
}

// NewMeetingNotActiveError はミーティングが受付中でない場合のエラーを生成する。
func NewMeetingNotActiveError(status MeetingStatus) *APIError {
	return &APIError{
		Code:     ErrCodeMeetingNotActive,
		Message:  fmt.Sprintf("ミーティングは受付中ではありません（状態: %s）", status),
		Category: CategoryState,
		Action:   "予定されているミーティングを選択してください。",
	}
}

// NewCheckInNotOpenError は受付開始前のチェックインエラーを生成する。
func NewCheckInNotOpenError(opensAt time.Time) *APIError {
	return &APIError{
		Code:     ErrCodeCheckInNotOpen,
		Message:  fmt.Sprintf("チェックインはまだ受け付けていません。受付開始: %s", opensAt.UTC().Format(time.RFC3339)),
		Category: CategoryValidation,
		Action:   "受付開始時刻以降に再度お試しください。",
	}
}

// NewMeetingEndedError は終了後のチェックインエラーを生成する。
func NewMeetingEndedError() *APIError {
	return &APIError{
		Code:     ErrCodeMeetingEnded,
		Message:  "ミーティングは終了しています。",
		Category: CategoryValidation,
		Action:   "出席の記録が必要な場合は担当者に手動チェックインを依頼してください。",
	}
}

// NewOutsideGeofenceError はジオフェンス外からのチェックインエラーを生成する。
// 距離はメートル単位で四捨五入して表示する。
func NewOutsideGeofenceError(distance, radius float64) *APIError {
	return &APIError{
		Code:     ErrCodeOutsideGeofence,
		Message:  fmt.Sprintf("位置の検証に失敗しました。現在地は%dm離れています（上限: %gm）", int64(math.Round(distance)), radius),
		Category: CategoryValidation,
		Action:   "会場に到着してから再度チェックインしてください。",
	}
}

// NewInvalidRoleError は設定できないロールが指定された場合のエラーを生成する。
func NewInvalidRoleError(role Role) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("無効なロールです: %s", role),
		Category: CategoryValidation,
		Action:   "ロールには elevated または standard を指定してください。",
	}
}

// NewInvalidMeetingError はミーティング入力値が不正な場合のエラーを生成する。
func NewInvalidMeetingError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMeeting,
		Message:  fmt.Sprintf("ミーティングの入力値が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "開始・終了時刻、緯度経度、半径を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "リクエストの形式を確認してください。",
	}
}

// NewUnknownActionError は未定義のアクションが指定された場合のエラーを生成する。
func NewUnknownActionError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownAction,
		Message:  fmt.Sprintf("未定義のアクションです: %s", action),
		Category: CategoryValidation,
		Action:   "アクション名を確認してください。",
	}
}

// NewMissingCredentialError は外部サービスの認証情報が未設定の場合のエラーを生成する。
func NewMissingCredentialError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingCredential,
		Message:  fmt.Sprintf("%s が設定されていません。", name),
		Category: CategoryExternal,
		Action:   "環境変数を設定してワーカーを再起動してください。",
	}
}

// NewGenerationFailedError は画像生成APIの失敗エラーを生成する。
func NewGenerationFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeGenerationFailed,
		Message:  fmt.Sprintf("画像生成に失敗しました: %s", reason),
		Category: CategoryExternal,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewStorageFailedError はオブジェクトストレージへの保存失敗エラーを生成する。
func NewStorageFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeStorageFailed,
		Message:  fmt.Sprintf("画像の保存に失敗しました: %s", reason),
		Category: CategoryExternal,
		Action:   "ストレージの設定を確認してください。",
	}
}
