// Package model はドメインモデルを定義する。
package model

import "time"

// CheckInStatus はチェックイン記録の種別を表す。
type CheckInStatus string

const (
	// CheckInStatusValid は時間帯・位置検証を通過したチェックイン。
	CheckInStatusValid CheckInStatus = "valid"
	// CheckInStatusManualOverride は権限者による手動チェックイン。
	CheckInStatusManualOverride CheckInStatus = "manual_override"
)

// CheckIn はミーティングへの出席記録を表す。
// (MeetingID, UserEmail) につき最大1件で、作成後は不変。
type CheckIn struct {
	ID        string
	MeetingID string
	UserEmail string
	Timestamp time.Time
	// Lat/Lng は手動チェックインでは省略されうる。
	Lat       *float64
	Lng       *float64
	Status    CheckInStatus
	WasOnTime bool
	Override  bool
	Excused   bool
}
