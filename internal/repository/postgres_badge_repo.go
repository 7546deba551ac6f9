package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/attendance/internal/model"
)

// ErrDuplicateBadgeID はbadge_idが既存のジョブと重複した場合に返される。
var ErrDuplicateBadgeID = errors.New("badge id already exists")

// ErrNotClaimed は終端状態への遷移時に対象ジョブがprocessingでない場合、
// または確保時刻が一致しない場合に返される。
var ErrNotClaimed = errors.New("badge job is not claimed")

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// PostgresBadgeRepo はPostgreSQLを使用したバッジジョブリポジトリ。
type PostgresBadgeRepo struct {
	db *sql.DB
}

// NewPostgresBadgeRepo はPostgresBadgeRepoを生成する。
func NewPostgresBadgeRepo(db *sql.DB) *PostgresBadgeRepo {
	return &PostgresBadgeRepo{db: db}
}

const badgeColumns = `badge_id, owner_email, original_owner_email, meeting_id, created_at,
	prompt, artifact_url, status, claimed_at`

func scanBadge(row interface{ Scan(...any) error }) (*model.BadgeJob, error) {
	job := &model.BadgeJob{}
	var prompt, artifactURL sql.NullString
	var status string
	var claimedAt sql.NullTime
	if err := row.Scan(
		&job.BadgeID, &job.OwnerEmail, &job.OriginalOwnerEmail, &job.MeetingID, &job.CreatedAt,
		&prompt, &artifactURL, &status, &claimedAt,
	); err != nil {
		return nil, err
	}
	job.Prompt = nullStringValue(prompt)
	job.ArtifactURL = nullStringValue(artifactURL)
	job.Status = model.BadgeStatus(status)
	job.ClaimedAt = nullTimeValue(claimedAt)
	return job, nil
}

func (r *PostgresBadgeRepo) queryBadges(ctx context.Context, query string, args ...any) ([]*model.BadgeJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.BadgeJob
	for rows.Next() {
		job, err := scanBadge(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Create はpendingのジョブを作成する。
func (r *PostgresBadgeRepo) Create(ctx context.Context, job *model.BadgeJob) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO badges (badge_id, owner_email, original_owner_email, meeting_id, created_at, prompt, artifact_url, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.BadgeID, job.OwnerEmail, job.OriginalOwnerEmail, job.MeetingID, job.CreatedAt,
		nullString(job.Prompt), nullString(job.ArtifactURL), string(job.Status),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "badges_pkey" {
			return ErrDuplicateBadgeID
		}
		return fmt.Errorf("バッジジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresBadgeRepo) FindByID(ctx context.Context, badgeID string) (*model.BadgeJob, error) {
	job, err := scanBadge(r.db.QueryRowContext(ctx,
		`SELECT `+badgeColumns+` FROM badges WHERE badge_id = $1`,
		badgeID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("バッジジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// ListByOwnerAndStatus は所有者と状態でジョブを返す。
func (r *PostgresBadgeRepo) ListByOwnerAndStatus(ctx context.Context, ownerEmail string, status model.BadgeStatus) ([]*model.BadgeJob, error) {
	jobs, err := r.queryBadges(ctx,
		`SELECT `+badgeColumns+`
		 FROM badges
		 WHERE owner_email = $1 AND status = $2
		 ORDER BY created_at DESC, badge_id DESC`,
		ownerEmail, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("ユーザーのバッジ一覧の取得に失敗しました: %w", err)
	}
	return jobs, nil
}

// ListAll はすべてのジョブを返す。
func (r *PostgresBadgeRepo) ListAll(ctx context.Context) ([]*model.BadgeJob, error) {
	jobs, err := r.queryBadges(ctx,
		`SELECT `+badgeColumns+` FROM badges ORDER BY created_at DESC, badge_id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("バッジ一覧の取得に失敗しました: %w", err)
	}
	return jobs, nil
}

// CountClaimable は確保可能なジョブの件数を返す。
func (r *PostgresBadgeRepo) CountClaimable(ctx context.Context, staleBefore time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM badges
		 WHERE status = 'pending'
		    OR (status = 'processing' AND claimed_at <= $1)`,
		staleBefore,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未処理バッジ件数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ClaimPending は処理対象のジョブをprocessingに遷移させて返す。
func (r *PostgresBadgeRepo) ClaimPending(ctx context.Context, claimedAt, staleBefore time.Time) ([]*model.BadgeJob, error) {
	jobs, err := r.queryBadges(ctx,
		`UPDATE badges
		 SET status = 'processing', claimed_at = $1
		 WHERE badge_id IN (
		     SELECT badge_id FROM badges
		     WHERE status = 'pending'
		        OR (status = 'processing' AND claimed_at <= $2)
		     ORDER BY created_at ASC
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+badgeColumns,
		claimedAt, staleBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("バッジジョブの確保に失敗しました: %w", err)
	}
	return jobs, nil
}

// MarkReady はprocessingのジョブをreadyに遷移させる。
// claimed_atが確保時の値と一致する場合のみ更新する。
func (r *PostgresBadgeRepo) MarkReady(ctx context.Context, badgeID string, claimedAt time.Time, prompt, artifactURL string) error {
	return r.finish(ctx,
		`UPDATE badges SET status = 'ready', prompt = $3, artifact_url = $4
		 WHERE badge_id = $1 AND status = 'processing' AND claimed_at = $2`,
		badgeID, claimedAt, prompt, artifactURL,
	)
}

// MarkError はprocessingのジョブをerrorに遷移させる。artifact_urlは空のまま。
func (r *PostgresBadgeRepo) MarkError(ctx context.Context, badgeID string, claimedAt time.Time, prompt string) error {
	return r.finish(ctx,
		`UPDATE badges SET status = 'error', prompt = $3
		 WHERE badge_id = $1 AND status = 'processing' AND claimed_at = $2`,
		badgeID, claimedAt, nullString(prompt),
	)
}

func (r *PostgresBadgeRepo) finish(ctx context.Context, query string, badgeID string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, append([]any{badgeID}, args...)...)
	if err != nil {
		return fmt.Errorf("バッジジョブの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, badgeID)
	}
	return nil
}

// ReleaseClaims はprocessingのジョブをpendingに戻す。
// 他のワーカーが再確保したジョブはclaimed_atが異なるため対象外となる。
func (r *PostgresBadgeRepo) ReleaseClaims(ctx context.Context, claimedAt time.Time, badgeIDs []string) error {
	if len(badgeIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE badges SET status = 'pending', claimed_at = NULL
		 WHERE status = 'processing' AND claimed_at = $1 AND badge_id = ANY($2)`,
		claimedAt, pq.Array(badgeIDs),
	)
	if err != nil {
		return fmt.Errorf("バッジジョブの確保解除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ BadgeRepository = (*PostgresBadgeRepo)(nil)
