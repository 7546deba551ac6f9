// Package model はドメインモデルを定義する。
package model

import "time"

// MeetingStatus はミーティングの状態を表す。
type MeetingStatus string

const (
	// MeetingStatusScheduled はチェックイン受付対象の状態。
	MeetingStatusScheduled MeetingStatus = "scheduled"
	// MeetingStatusCancelled は中止された状態。
	MeetingStatusCancelled MeetingStatus = "cancelled"
	// MeetingStatusArchived はアーカイブ済みの状態。
	MeetingStatusArchived MeetingStatus = "archived"
)

// Meeting はジオフェンスと受付時間帯を持つミーティングを表す。
type Meeting struct {
	ID          string
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	Lat         float64
	Lng         float64
	// Radius はジオフェンス半径（メートル）。
	Radius float64
	// CheckInWindowBefore は開始前に受付を開く時間（分）。
	CheckInWindowBefore int
	// CheckInWindowAfter は開始後に遅刻扱いとしない時間（分）。
	CheckInWindowAfter int
	Status             MeetingStatus
	CreatedAt          time.Time
	LastEdited         *time.Time
}

// WindowBefore はCheckInWindowBeforeをtime.Durationで返す。
func (m *Meeting) WindowBefore() time.Duration {
	return time.Duration(m.CheckInWindowBefore) * time.Minute
}

// WindowAfter はCheckInWindowAfterをtime.Durationで返す。
func (m *Meeting) WindowAfter() time.Duration {
	return time.Duration(m.CheckInWindowAfter) * time.Minute
}
