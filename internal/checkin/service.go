// Package checkin はミーティングへのチェックインの検証と受理を提供する。
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/metrics"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
)

// 受付時間帯のデフォルト値。
const (
	DefaultWindowBefore = 15 * time.Minute
	DefaultWindowAfter  = 5 * time.Minute
)

// PermissionGate はユーザーの解決と権限判定のインターフェース。
type PermissionGate interface {
	GetOrProvision(ctx context.Context, email string) (*model.User, error)
	Require(ctx context.Context, email string, required model.Role) (*model.User, error)
}

// BadgeEnqueuer はバッジジョブの登録インターフェース。
type BadgeEnqueuer interface {
	CreateBadgeRequest(ctx context.Context, ownerEmail, meetingID string) (string, error)
}

// Request はチェックイン要求を表す。
type Request struct {
	TargetEmail string
	MeetingID   string
	Lat         *float64
	Lng         *float64
	// IsOverride は権限者による手動チェックインかどうか。時間帯と位置の検証を省略する。
	IsOverride  bool
	ActingEmail string
}

// Result はチェックインの結果を表す。
type Result struct {
	Record    *model.CheckIn
	WasOnTime bool
	// BadgeID は今回の受理で作成されたバッジジョブのID。
	// 既存の記録を返した場合は空。
	BadgeID string
	// Duplicate は既存の記録をそのまま返したかどうか。
	Duplicate bool
}

// Service はチェックインの状態遷移を扱うサービス層。
// 権限、ミーティング状態、重複、受付時間帯、ジオフェンスの順に検証する。
type Service struct {
	meetingRepo  repository.MeetingRepository
	checkInRepo  repository.CheckInRepository
	userRepo     repository.UserRepository
	gate         PermissionGate
	badges       BadgeEnqueuer
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	windowBefore time.Duration
	windowAfter  time.Duration
	now          func() time.Time
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithWindows はミーティングに受付時間帯が設定されていない場合のデフォルトを変更する。
func WithWindows(before, after time.Duration) Option {
	return func(s *Service) {
		if before > 0 {
			s.windowBefore = before
		}
		if after > 0 {
			s.windowAfter = after
		}
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(s *Service) {
		if c != nil {
			s.metrics = c
		}
	}
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	meetingRepo repository.MeetingRepository,
	checkInRepo repository.CheckInRepository,
	userRepo repository.UserRepository,
	gate PermissionGate,
	badges BadgeEnqueuer,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		meetingRepo:  meetingRepo,
		checkInRepo:  checkInRepo,
		userRepo:     userRepo,
		gate:         gate,
		badges:       badges,
		metrics:      metrics.Noop{},
		logger:       logger,
		windowBefore: DefaultWindowBefore,
		windowAfter:  DefaultWindowAfter,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckIn はチェックインを検証し、受理した場合は記録の作成、ストリークの加算、
// バッジジョブの登録を行う。同じミーティングへの2回目以降の呼び出しは既存の記録を返す。
func (s *Service) CheckIn(ctx context.Context, req Request) (*Result, error) {
	result, err := s.checkIn(ctx, req)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			s.metrics.RecordCheckInRejected(apiErr.Code)
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) checkIn(ctx context.Context, req Request) (*Result, error) {
	target, err := s.authorize(ctx, req)
	if err != nil {
		return nil, err
	}

	meeting, err := s.meetingRepo.FindByID(ctx, req.MeetingID)
	if err != nil {
		return nil, fmt.Errorf("ミーティングの取得に失敗しました: %w", err)
	}
	if meeting == nil {
		return nil, model.NewMeetingNotFoundError(req.MeetingID)
	}
	if meeting.Status != model.MeetingStatusScheduled {
		return nil, model.NewMeetingNotActiveError(meeting.Status)
	}

	existing, err := s.checkInRepo.FindByMeetingAndUser(ctx, meeting.ID, target.Email)
	if err != nil {
		return nil, fmt.Errorf("チェックインの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return duplicate(existing), nil
	}

	now := s.now().UTC()
	wasOnTime := true
	if !req.IsOverride {
		wasOnTime, err = s.validateTime(meeting, now)
		if err != nil {
			return nil, err
		}
		if err := validateLocation(meeting, req.Lat, req.Lng); err != nil {
			return nil, err
		}
	}

	status := model.CheckInStatusValid
	if req.IsOverride {
		status = model.CheckInStatusManualOverride
	}
	record := &model.CheckIn{
		ID:        uuid.New().String(),
		MeetingID: meeting.ID,
		UserEmail: target.Email,
		Timestamp: now,
		Lat:       req.Lat,
		Lng:       req.Lng,
		Status:    status,
		WasOnTime: wasOnTime,
		Override:  req.IsOverride,
	}

	created, err := s.checkInRepo.CreateIfAbsent(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("チェックインの保存に失敗しました: %w", err)
	}
	if !created {
		// 同時に受理された別の要求が先に保存した
		winner, err := s.checkInRepo.FindByMeetingAndUser(ctx, meeting.ID, target.Email)
		if err != nil {
			return nil, fmt.Errorf("チェックインの取得に失敗しました: %w", err)
		}
		if winner == nil {
			return nil, fmt.Errorf("チェックインの保存に失敗しました: 競合した記録が見つかりません")
		}
		return duplicate(winner), nil
	}

	s.metrics.RecordCheckIn(string(status), wasOnTime)

	if _, err := s.userRepo.IncrementStreak(ctx, target.Email); err != nil {
		s.logger.Error("ストリークの更新に失敗しました",
			slog.String("email", target.Email),
			slog.String("error", err.Error()),
		)
	}

	badgeID, err := s.badges.CreateBadgeRequest(ctx, target.Email, meeting.ID)
	if err != nil {
		// 記録は確定済みのため、チェックイン自体は成功として返す
		s.logger.Error("バッジジョブの登録に失敗しました",
			slog.String("email", target.Email),
			slog.String("meeting_id", meeting.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("チェックインを受理しました",
		slog.String("email", target.Email),
		slog.String("meeting_id", meeting.ID),
		slog.String("status", string(status)),
		slog.Bool("was_on_time", wasOnTime),
		slog.String("badge_id", badgeID),
	)

	return &Result{Record: record, WasOnTime: wasOnTime, BadgeID: badgeID}, nil
}

// authorize は要求者の権限を確認し、チェックイン対象のユーザーを返す。
func (s *Service) authorize(ctx context.Context, req Request) (*model.User, error) {
	if req.IsOverride {
		if _, err := s.gate.Require(ctx, req.ActingEmail, model.RoleElevated); err != nil {
			return nil, err
		}
		return s.gate.GetOrProvision(ctx, req.TargetEmail)
	}

	if !sameEmail(req.TargetEmail, req.ActingEmail) {
		return nil, model.NewPermissionDeniedError("本人以外のチェックインはできません")
	}
	return s.gate.Require(ctx, req.TargetEmail, model.RoleStandard)
}

// validateTime は受付時間帯を検証し、時間内に受け付けたかどうかを返す。
//
//	受付可能:   [start-before, end]
//	時間内扱い: [start-before, start+after]
func (s *Service) validateTime(m *model.Meeting, now time.Time) (bool, error) {
	before := m.WindowBefore()
	if before <= 0 {
		before = s.windowBefore
	}
	after := m.WindowAfter()
	if after <= 0 {
		after = s.windowAfter
	}

	opensAt := m.StartTime.Add(-before)
	if now.Before(opensAt) {
		return false, model.NewCheckInNotOpenError(opensAt)
	}
	if now.After(m.EndTime) {
		return false, model.NewMeetingEndedError()
	}
	return !now.After(m.StartTime.Add(after)), nil
}

// validateLocation は現在地がジオフェンス内にあるかを検証する。
func validateLocation(m *model.Meeting, lat, lng *float64) error {
	if lat == nil || lng == nil {
		return model.NewInvalidRequestError("位置情報が必要です")
	}
	distance := geo.Distance(*lat, *lng, m.Lat, m.Lng)
	if distance > m.Radius {
		return model.NewOutsideGeofenceError(distance, m.Radius)
	}
	return nil
}

func duplicate(record *model.CheckIn) *Result {
	return &Result{Record: record, WasOnTime: record.WasOnTime, Duplicate: true}
}

func sameEmail(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
