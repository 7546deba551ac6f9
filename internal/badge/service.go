// Package badge はバッジ生成ジョブのキュー管理と、プロンプト生成に使う語彙の提供を行う。
package badge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
)

// maxIDAttempts はバッジIDが衝突した場合の最大生成回数。
const maxIDAttempts = 3

// TriggerEnsurer はワーカー起動の予約を保証するインターフェース。
type TriggerEnsurer interface {
	EnsureTrigger()
}

// Service はバッジジョブのキュー管理を行うサービス層。
type Service struct {
	repo    repository.BadgeRepository
	trigger TriggerEnsurer
	logger  *slog.Logger
	now     func() time.Time
	intn    func(int) int
}

// NewService はServiceの新しいインスタンスを生成する。
// triggerがnilの場合、ジョブ作成後のワーカー予約は行わない。
func NewService(repo repository.BadgeRepository, trigger TriggerEnsurer, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		trigger: trigger,
		logger:  logger,
		now:     time.Now,
		intn:    defaultIntN,
	}
}

// CreateBadgeRequest はpendingのバッジジョブを作成し、ワーカーの起動を予約する。
// 作成したジョブのIDを返す。
func (s *Service) CreateBadgeRequest(ctx context.Context, ownerEmail, meetingID string) (string, error) {
	now := s.now().UTC()

	var badgeID string
	for attempt := 1; ; attempt++ {
		badgeID = NewBadgeID(now, s.intn)
		err := s.repo.Create(ctx, &model.BadgeJob{
			BadgeID:            badgeID,
			OwnerEmail:         ownerEmail,
			OriginalOwnerEmail: ownerEmail,
			MeetingID:          meetingID,
			CreatedAt:          now,
			Status:             model.BadgeStatusPending,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrDuplicateBadgeID) || attempt >= maxIDAttempts {
			return "", fmt.Errorf("バッジジョブの作成に失敗しました: %w", err)
		}
		s.logger.Warn("バッジIDが衝突したため再生成します",
			slog.String("badge_id", badgeID),
			slog.Int("attempt", attempt),
		)
	}

	s.logger.Info("バッジジョブを作成しました",
		slog.String("badge_id", badgeID),
		slog.String("owner_email", ownerEmail),
		slog.String("meeting_id", meetingID),
	)

	if s.trigger != nil {
		s.trigger.EnsureTrigger()
	}
	return badgeID, nil
}

// GetBadge は指定IDのバッジジョブを返す。
func (s *Service) GetBadge(ctx context.Context, badgeID string) (*model.BadgeJob, error) {
	job, err := s.repo.FindByID(ctx, badgeID)
	if err != nil {
		return nil, fmt.Errorf("バッジの取得に失敗しました: %w", err)
	}
	if job == nil {
		return nil, model.NewBadgeNotFoundError(badgeID)
	}
	return job, nil
}

// GetUserBadges はユーザーが所有するready状態のバッジを返す。
func (s *Service) GetUserBadges(ctx context.Context, email string) ([]*model.BadgeJob, error) {
	jobs, err := s.repo.ListByOwnerAndStatus(ctx, email, model.BadgeStatusReady)
	if err != nil {
		return nil, fmt.Errorf("ユーザーのバッジ一覧の取得に失敗しました: %w", err)
	}
	return jobs, nil
}

// GetAllBadges はすべてのバッジジョブを状態によらず返す。
// アクセス制御は呼び出し側で行う。
func (s *Service) GetAllBadges(ctx context.Context) ([]*model.BadgeJob, error) {
	jobs, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("バッジ一覧の取得に失敗しました: %w", err)
	}
	return jobs, nil
}
