package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hitoshi/attendance/internal/checkin"
	"github.com/hitoshi/attendance/internal/meeting"
	"github.com/hitoshi/attendance/internal/model"
)

// CheckInServiceInterface はチェックインアクションが必要とするサービスインターフェース。
type CheckInServiceInterface interface {
	CheckIn(ctx context.Context, req checkin.Request) (*checkin.Result, error)
}

// MeetingServiceInterface はミーティング関連アクションが必要とするサービスインターフェース。
type MeetingServiceInterface interface {
	CreateMeeting(ctx context.Context, requestorEmail string, in meeting.CreateInput) (*model.Meeting, error)
	ListUpcoming(ctx context.Context, requestorEmail string) ([]*model.Meeting, error)
	CancelMeeting(ctx context.Context, requestorEmail, meetingID string) (*model.Meeting, error)
}

// UserServiceInterface はユーザー関連アクションが必要とするサービスインターフェース。
type UserServiceInterface interface {
	GetOrProvision(ctx context.Context, email string) (*model.User, error)
	Require(ctx context.Context, email string, required model.Role) (*model.User, error)
	UpdateUserRole(ctx context.Context, requestorEmail, targetEmail string, newRole model.Role) (*model.User, error)
}

// BadgeServiceInterface はバッジ参照アクションが必要とするサービスインターフェース。
type BadgeServiceInterface interface {
	GetBadge(ctx context.Context, badgeID string) (*model.BadgeJob, error)
	GetUserBadges(ctx context.Context, email string) ([]*model.BadgeJob, error)
	GetAllBadges(ctx context.Context) ([]*model.BadgeJob, error)
}

// Services はアクションの登録に必要なサービスをまとめた構造体。
type Services struct {
	CheckIn  CheckInServiceInterface
	Meetings MeetingServiceInterface
	Users    UserServiceInterface
	Badges   BadgeServiceInterface
}

// RegisterActions はすべてのアクションをDispatcherに登録する。
func RegisterActions(d *Dispatcher, s Services) {
	a := &actions{Services: s}

	d.Handle("checkIn", a.checkIn)

	d.Handle("createMeeting", a.createMeeting)
	d.Handle("getUpcomingMeetings", a.getUpcomingMeetings)
	d.Handle("cancelMeeting", a.cancelMeeting)

	d.Handle("getMe", a.getMe)
	d.Handle("setUserRole", a.setUserRole)

	d.Handle("getBadge", a.getBadge)
	d.Handle("getUserBadges", a.getUserBadges)
	d.Handle("getAllBadges", a.getAllBadges)
}

type actions struct {
	Services
}

type checkInPayload struct {
	MeetingID      string   `json:"meetingId"`
	Lat            *float64 `json:"lat"`
	Lng            *float64 `json:"lng"`
	ManualOverride bool     `json:"manualOverride"`
	// OverrideEmail は手動チェックインの対象者。
	OverrideEmail string `json:"overrideEmail"`
}

func (a *actions) checkIn(ctx context.Context, email string, payload json.RawMessage) (any, error) {
	var p checkInPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.MeetingID == "" {
		return nil, model.NewInvalidRequestError("meetingIdが必要です")
	}

	target := email
	if p.ManualOverride {
		if strings.TrimSpace(p.OverrideEmail) == "" {
			return nil, model.NewInvalidRequestError("手動チェックインにはoverrideEmailが必要です")
		}
		target = p.OverrideEmail
	}

	result, err := a.CheckIn.CheckIn(ctx, checkin.Request{
		TargetEmail: target,
		MeetingID:   p.MeetingID,
		Lat:         p.Lat,
		Lng:         p.Lng,
		IsOverride:  p.ManualOverride,
		ActingEmail: email,
	})
	if err != nil {
		return nil, err
	}
	return toCheckInResponse(result), nil
}

func (a *actions) createMeeting(ctx context.Context, email string, payload json.RawMessage) (any, error) {
	var in meeting.CreateInput
	if err := decodePayload(payload, &in); err != nil {
		return nil, err
	}
	m, err := a.Meetings.CreateMeeting(ctx, email, in)
	if err != nil {
		return nil, err
	}
	return toMeetingResponse(m), nil
}

func (a *actions) getUpcomingMeetings(ctx context.Context, email string, _ json.RawMessage) (any, error) {
	meetings, err := a.Meetings.ListUpcoming(ctx, email)
	if err != nil {
		return nil, err
	}
	resp := make([]meetingResponse, 0, len(meetings))
	for _, m := range meetings {
		resp = append(resp, toMeetingResponse(m))
	}
	return resp, nil
}

type meetingIDPayload struct {
	MeetingID string `json:"meetingId"`
}

func (a *actions) cancelMeeting(ctx context.Context, email string, payload json.RawMessage) (any, error) {
	var p meetingIDPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.MeetingID == "" {
		return nil, model.NewInvalidRequestError("meetingIdが必要です")
	}
	m, err := a.Meetings.CancelMeeting(ctx, email, p.MeetingID)
	if err != nil {
		return nil, err
	}
	return toMeetingResponse(m), nil
}

func (a *actions) getMe(ctx context.Context, email string, _ json.RawMessage) (any, error) {
	u, err := a.Users.GetOrProvision(ctx, email)
	if err != nil {
		return nil, err
	}
	return toUserResponse(u), nil
}

type setUserRolePayload struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (a *actions) setUserRole(ctx context.Context, email string, payload json.RawMessage) (any, error) {
	var p setUserRolePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Email == "" {
		return nil, model.NewInvalidRequestError("emailが必要です")
	}
	u, err := a.Users.UpdateUserRole(ctx, email, p.Email, model.Role(strings.ToLower(p.Role)))
	if err != nil {
		return nil, err
	}
	return toUserResponse(u), nil
}

type getBadgePayload struct {
	BadgeID string `json:"badgeId"`
}

func (a *actions) getBadge(ctx context.Context, email string, payload json.RawMessage) (any, error) {
	var p getBadgePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.BadgeID == "" {
		return nil, model.NewInvalidRequestError("badgeIdが必要です")
	}
	if _, err := a.Users.Require(ctx, email, model.RoleStandard); err != nil {
		return nil, err
	}
	job, err := a.Badges.GetBadge(ctx, p.BadgeID)
	if err != nil {
		return nil, err
	}
	return toBadgeResponse(job), nil
}

type getUserBadgesPayload struct {
	// Email は省略時にリクエスト元のユーザーとなる。
	Email string `json:"email"`
}

func (a *actions) getUserBadges(ctx context.Context, email string, payload json.RawMessage) (any, error) {
	var p getUserBadgesPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if _, err := a.Users.Require(ctx, email, model.RoleStandard); err != nil {
		return nil, err
	}
	owner := strings.ToLower(strings.TrimSpace(p.Email))
	if owner == "" {
		owner = email
	}
	jobs, err := a.Badges.GetUserBadges(ctx, owner)
	if err != nil {
		return nil, err
	}
	return badgeListResponse{Badges: toBadgeResponses(jobs)}, nil
}

func (a *actions) getAllBadges(ctx context.Context, email string, _ json.RawMessage) (any, error) {
	if _, err := a.Users.Require(ctx, email, model.RoleAdmin); err != nil {
		return nil, err
	}
	jobs, err := a.Badges.GetAllBadges(ctx)
	if err != nil {
		return nil, err
	}
	return badgeListResponse{Badges: toBadgeResponses(jobs)}, nil
}
