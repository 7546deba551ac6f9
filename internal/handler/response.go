package handler

import (
	"time"

	"github.com/hitoshi/attendance/internal/checkin"
	"github.com/hitoshi/attendance/internal/model"
)

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	Email         string    `json:"email"`
	Role          string    `json:"role"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"createdAt"`
	CurrentStreak int       `json:"currentStreak"`
	LongestStreak int       `json:"longestStreak"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		Email:         u.Email,
		Role:          string(u.Role),
		Name:          u.Name,
		CreatedAt:     u.CreatedAt,
		CurrentStreak: u.CurrentStreak,
		LongestStreak: u.LongestStreak,
	}
}

// meetingResponse はミーティング情報のAPIレスポンス。
type meetingResponse struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	StartTime           time.Time  `json:"startTime"`
	EndTime             time.Time  `json:"endTime"`
	Lat                 float64    `json:"lat"`
	Lng                 float64    `json:"lng"`
	Radius              float64    `json:"radius"`
	CheckInWindowBefore int        `json:"checkInWindowBefore"`
	CheckInWindowAfter  int        `json:"checkInWindowAfter"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastEdited          *time.Time `json:"lastEdited,omitempty"`
}

func toMeetingResponse(m *model.Meeting) meetingResponse {
	return meetingResponse{
		ID:                  m.ID,
		Title:               m.Title,
		Description:         m.Description,
		StartTime:           m.StartTime,
		EndTime:             m.EndTime,
		Lat:                 m.Lat,
		Lng:                 m.Lng,
		Radius:              m.Radius,
		CheckInWindowBefore: m.CheckInWindowBefore,
		CheckInWindowAfter:  m.CheckInWindowAfter,
		Status:              string(m.Status),
		CreatedAt:           m.CreatedAt,
		LastEdited:          m.LastEdited,
	}
}

// checkInRecordResponse はチェックイン記録のAPIレスポンス。
type checkInRecordResponse struct {
	ID        string    `json:"id"`
	MeetingID string    `json:"meetingId"`
	UserEmail string    `json:"userEmail"`
	Timestamp time.Time `json:"timestamp"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	Status    string    `json:"status"`
	WasOnTime bool      `json:"wasOnTime"`
	Override  bool      `json:"override"`
	Excused   bool      `json:"excused"`
}

// checkInResponse はcheckInアクションのレスポンス。
// alreadyCheckedInがtrueの場合、badgeIdは空。
type checkInResponse struct {
	Record           checkInRecordResponse `json:"record"`
	WasOnTime        bool                  `json:"wasOnTime"`
	BadgeID          string                `json:"badgeId,omitempty"`
	AlreadyCheckedIn bool                  `json:"alreadyCheckedIn"`
}

func toCheckInResponse(r *checkin.Result) checkInResponse {
	c := r.Record
	return checkInResponse{
		Record: checkInRecordResponse{
			ID:        c.ID,
			MeetingID: c.MeetingID,
			UserEmail: c.UserEmail,
			Timestamp: c.Timestamp,
			Lat:       c.Lat,
			Lng:       c.Lng,
			Status:    string(c.Status),
			WasOnTime: c.WasOnTime,
			Override:  c.Override,
			Excused:   c.Excused,
		},
		WasOnTime:        r.WasOnTime,
		BadgeID:          r.BadgeID,
		AlreadyCheckedIn: r.Duplicate,
	}
}

// badgeResponse はバッジジョブのAPIレスポンス。
type badgeResponse struct {
	BadgeID            string    `json:"badgeId"`
	OwnerEmail         string    `json:"ownerEmail"`
	OriginalOwnerEmail string    `json:"originalOwnerEmail"`
	MeetingID          string    `json:"meetingId"`
	CreatedAt          time.Time `json:"createdAt"`
	Prompt             string    `json:"prompt"`
	ArtifactURL        string    `json:"artifactUrl"`
	Status             string    `json:"status"`
}

func toBadgeResponse(j *model.BadgeJob) badgeResponse {
	return badgeResponse{
		BadgeID:            j.BadgeID,
		OwnerEmail:         j.OwnerEmail,
		OriginalOwnerEmail: j.OriginalOwnerEmail,
		MeetingID:          j.MeetingID,
		CreatedAt:          j.CreatedAt,
		Prompt:             j.Prompt,
		ArtifactURL:        j.ArtifactURL,
		Status:             string(j.Status),
	}
}

func toBadgeResponses(jobs []*model.BadgeJob) []badgeResponse {
	resp := make([]badgeResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toBadgeResponse(j))
	}
	return resp
}

// badgeListResponse はバッジ一覧のレスポンス。
type badgeListResponse struct {
	Badges []badgeResponse `json:"badges"`
}
