// Package model はドメインモデルを定義する。
package model

import "time"

// BadgeStatus はバッジ生成ジョブの状態を表す。
//
//	pending → processing → ready | error
//
// readyとerrorは終端状態で、自動リトライは存在しない。
type BadgeStatus string

const (
	// BadgeStatusPending は生成待ちの状態。
	BadgeStatusPending BadgeStatus = "pending"
	// BadgeStatusProcessing はワーカーが処理対象として確保した状態。
	BadgeStatusProcessing BadgeStatus = "processing"
	// BadgeStatusReady は画像の生成と保存が完了した状態。
	BadgeStatusReady BadgeStatus = "ready"
	// BadgeStatusError は生成に失敗した状態。
	BadgeStatusError BadgeStatus = "error"
)

// Terminal は終端状態かどうかを返す。
func (s BadgeStatus) Terminal() bool {
	return s == BadgeStatusReady || s == BadgeStatusError
}

// BadgeJob はチェックインごとに作成されるバッジ生成ジョブを表す。
type BadgeJob struct {
	BadgeID            string
	OwnerEmail         string
	OriginalOwnerEmail string
	MeetingID          string
	CreatedAt          time.Time
	// Prompt は処理されるまで空。
	Prompt string
	// ArtifactURL は生成成功時のみ設定される。
	ArtifactURL string
	Status      BadgeStatus
	ClaimedAt   *time.Time
}
