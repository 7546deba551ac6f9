// Package meeting はミーティングの作成・一覧・中止を提供する。
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
	"github.com/hitoshi/attendance/internal/security"
)

// 受付時間帯のデフォルト値（分）。
const (
	DefaultWindowBeforeMinutes = 15
	DefaultWindowAfterMinutes  = 5
)

// PermissionGate は権限判定のインターフェース。
type PermissionGate interface {
	Require(ctx context.Context, email string, required model.Role) (*model.User, error)
}

// CreateInput はミーティング作成の入力値。
type CreateInput struct {
	Title       string    `json:"title" validate:"required,max=200"`
	Description string    `json:"description" validate:"max=5000"`
	StartTime   time.Time `json:"startTime" validate:"required"`
	EndTime     time.Time `json:"endTime" validate:"required,gtfield=StartTime"`
	Lat         *float64  `json:"lat" validate:"required,latitude"`
	Lng         *float64  `json:"lng" validate:"required,longitude"`
	Radius      float64   `json:"radius" validate:"gt=0,lte=100000"`
	// 省略時はデフォルト値を使う。
	CheckInWindowBefore *int `json:"checkInWindowBefore" validate:"omitempty,min=0,max=1440"`
	CheckInWindowAfter  *int `json:"checkInWindowAfter" validate:"omitempty,min=0,max=1440"`
}

// Service はミーティング管理のサービス層。
type Service struct {
	repo      repository.MeetingRepository
	gate      PermissionGate
	sanitizer security.TextSanitizerService
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.MeetingRepository,
	gate PermissionGate,
	sanitizer security.TextSanitizerService,
	logger *slog.Logger,
) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	// エラーメッセージにはJSONのフィールド名を使う
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		repo:      repo,
		gate:      gate,
		sanitizer: sanitizer,
		validate:  v,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateMeeting はscheduled状態のミーティングを作成する。elevated以上が必要。
func (s *Service) CreateMeeting(ctx context.Context, requestorEmail string, in CreateInput) (*model.Meeting, error) {
	if _, err := s.gate.Require(ctx, requestorEmail, model.RoleElevated); err != nil {
		return nil, err
	}

	in.Title = s.sanitizer.SanitizeTitle(in.Title)
	in.Description = s.sanitizer.SanitizeDescription(in.Description)
	if err := s.validate.Struct(in); err != nil {
		return nil, model.NewInvalidMeetingError(describeValidation(err))
	}

	now := s.now().UTC()
	m := &model.Meeting{
		ID:                  uuid.New().String(),
		Title:               in.Title,
		Description:         in.Description,
		StartTime:           in.StartTime.UTC(),
		EndTime:             in.EndTime.UTC(),
		Lat:                 *in.Lat,
		Lng:                 *in.Lng,
		Radius:              in.Radius,
		CheckInWindowBefore: intOr(in.CheckInWindowBefore, DefaultWindowBeforeMinutes),
		CheckInWindowAfter:  intOr(in.CheckInWindowAfter, DefaultWindowAfterMinutes),
		Status:              model.MeetingStatusScheduled,
		CreatedAt:           now,
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("ミーティングの作成に失敗しました: %w", err)
	}

	s.logger.Info("ミーティングを作成しました",
		slog.String("meeting_id", m.ID),
		slog.String("requestor_email", requestorEmail),
		slog.Time("start_time", m.StartTime),
	)
	return m, nil
}

// ListUpcoming はscheduled状態で終了していないミーティングを開始時刻順に返す。
func (s *Service) ListUpcoming(ctx context.Context, requestorEmail string) ([]*model.Meeting, error) {
	if _, err := s.gate.Require(ctx, requestorEmail, model.RoleStandard); err != nil {
		return nil, err
	}
	meetings, err := s.repo.ListUpcoming(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("予定ミーティングの取得に失敗しました: %w", err)
	}
	return meetings, nil
}

// CancelMeeting はscheduled状態のミーティングをcancelledにする。elevated以上が必要。
// 中止後のミーティングにはチェックインできない。
func (s *Service) CancelMeeting(ctx context.Context, requestorEmail, meetingID string) (*model.Meeting, error) {
	if _, err := s.gate.Require(ctx, requestorEmail, model.RoleElevated); err != nil {
		return nil, err
	}

	m, err := s.repo.FindByID(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("ミーティングの取得に失敗しました: %w", err)
	}
	if m == nil {
		return nil, model.NewMeetingNotFoundError(meetingID)
	}
	if m.Status != model.MeetingStatusScheduled {
		return nil, model.NewMeetingNotActiveError(m.Status)
	}

	editedAt := s.now().UTC()
	updated, err := s.repo.UpdateStatus(ctx, m.ID, model.MeetingStatusCancelled, editedAt)
	if err != nil {
		return nil, fmt.Errorf("ミーティングの中止に失敗しました: %w", err)
	}
	if !updated {
		return nil, model.NewMeetingNotFoundError(meetingID)
	}

	s.logger.Info("ミーティングを中止しました",
		slog.String("meeting_id", m.ID),
		slog.String("requestor_email", requestorEmail),
	)

	m.Status = model.MeetingStatusCancelled
	m.LastEdited = &editedAt
	return m, nil
}

// describeValidation は検証エラーを "field: tag" の一覧に変換する。
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
