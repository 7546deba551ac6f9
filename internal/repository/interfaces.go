// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/attendance/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByEmail は指定メールアドレスのユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateIfAbsent はユーザーが存在しない場合のみ作成する。
	// 作成した場合はtrueを返す。既に存在する場合は何もせずfalseを返す。
	CreateIfAbsent(ctx context.Context, user *model.User) (bool, error)

	// UpdateRole はユーザーのロールを更新する。対象が存在しない場合はfalseを返す。
	UpdateRole(ctx context.Context, email string, role model.Role) (bool, error)

	// IncrementStreak はcurrent_streakを1増やし、longest_streakを最大値に更新する。
	// 更新後のユーザーを返す。対象が存在しない場合はnilを返す。
	IncrementStreak(ctx context.Context, email string) (*model.User, error)
}

// MeetingRepository はミーティングデータの永続化インターフェース。
type MeetingRepository interface {
	// FindByID は指定IDのミーティングを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Meeting, error)

	// Create はミーティングを作成する。
	Create(ctx context.Context, meeting *model.Meeting) error

	// ListUpcoming はstatus=scheduledかつ終了時刻がnowより後のミーティングを開始時刻順で返す。
	ListUpcoming(ctx context.Context, now time.Time) ([]*model.Meeting, error)

	// UpdateStatus はミーティングの状態を更新し、last_editedを記録する。
	// 対象が存在しない場合はfalseを返す。
	UpdateStatus(ctx context.Context, id string, status model.MeetingStatus, editedAt time.Time) (bool, error)
}

// CheckInRepository はチェックイン記録の永続化インターフェース。
type CheckInRepository interface {
	// FindByMeetingAndUser はミーティングIDとメールアドレスでチェックインを検索する。
	// 見つからない場合はnilを返す。
	FindByMeetingAndUser(ctx context.Context, meetingID, email string) (*model.CheckIn, error)

	// CreateIfAbsent は(meeting_id, user_email)のユニーク制約に基づき、
	// 記録が存在しない場合のみ作成する。作成した場合はtrueを返す。
	CreateIfAbsent(ctx context.Context, checkIn *model.CheckIn) (bool, error)
}

// BadgeRepository はバッジ生成ジョブの永続化インターフェース。
type BadgeRepository interface {
	// Create はpendingのジョブを作成する。
	// badge_idが重複した場合はErrDuplicateBadgeIDを返す。
	Create(ctx context.Context, job *model.BadgeJob) error

	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, badgeID string) (*model.BadgeJob, error)

	// ListByOwnerAndStatus は所有者と状態でジョブを作成日時の新しい順に返す。
	ListByOwnerAndStatus(ctx context.Context, ownerEmail string, status model.BadgeStatus) ([]*model.BadgeJob, error)

	// ListAll はすべてのジョブを作成日時の新しい順に返す。
	ListAll(ctx context.Context) ([]*model.BadgeJob, error)

	// CountClaimable はpendingのジョブと、staleBefore以前に確保されたprocessingのジョブの件数を返す。
	CountClaimable(ctx context.Context, staleBefore time.Time) (int, error)

	// ClaimPending は処理対象のジョブをprocessingに遷移させて返す。
	// pendingのジョブに加え、staleBefore以前に確保されたまま終端に達していないジョブも再確保する。
	// FOR UPDATE SKIP LOCKEDにより、並行する呼び出しが同じジョブを確保することはない。
	ClaimPending(ctx context.Context, claimedAt, staleBefore time.Time) ([]*model.BadgeJob, error)

	// MarkReady はclaimedAtで確保したprocessingのジョブをreadyに遷移させ、promptとartifact_urlを記録する。
	// 再確保などで確保時刻が変わっている場合はErrNotClaimedを返す。
	MarkReady(ctx context.Context, badgeID string, claimedAt time.Time, prompt, artifactURL string) error

	// MarkError はclaimedAtで確保したprocessingのジョブをerrorに遷移させ、promptを記録する。
	MarkError(ctx context.Context, badgeID string, claimedAt time.Time, prompt string) error

	// ReleaseClaims はclaimedAtで確保したprocessingのジョブをpendingに戻す。
	ReleaseClaims(ctx context.Context, claimedAt time.Time, badgeIDs []string) error
}
