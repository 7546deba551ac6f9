package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/attendance/internal/model"
)

// PostgresMeetingRepo はPostgreSQLを使用したミーティングリポジトリ。
type PostgresMeetingRepo struct {
	db *sql.DB
}

// NewPostgresMeetingRepo はPostgresMeetingRepoを生成する。
func NewPostgresMeetingRepo(db *sql.DB) *PostgresMeetingRepo {
	return &PostgresMeetingRepo{db: db}
}

const meetingColumns = `id, title, description, start_time, end_time, lat, lng, radius,
	check_in_window_before, check_in_window_after, status, created_at, last_edited`

func scanMeeting(row interface{ Scan(...any) error }) (*model.Meeting, error) {
	m := &model.Meeting{}
	var status string
	var lastEdited sql.NullTime
	if err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.StartTime, &m.EndTime,
		&m.Lat, &m.Lng, &m.Radius,
		&m.CheckInWindowBefore, &m.CheckInWindowAfter,
		&status, &m.CreatedAt, &lastEdited,
	); err != nil {
		return nil, err
	}
	m.Status = model.MeetingStatus(status)
	m.LastEdited = nullTimeValue(lastEdited)
	return m, nil
}

// FindByID は指定IDのミーティングを取得する。見つからない場合はnilを返す。
func (r *PostgresMeetingRepo) FindByID(ctx context.Context, id string) (*model.Meeting, error) {
	m, err := scanMeeting(r.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ミーティングの取得に失敗しました: %w", err)
	}
	return m, nil
}

// Create はミーティングを作成する。
func (r *PostgresMeetingRepo) Create(ctx context.Context, m *model.Meeting) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO meetings (id, title, description, start_time, end_time, lat, lng, radius,
		                       check_in_window_before, check_in_window_after, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.Title, m.Description, m.StartTime, m.EndTime, m.Lat, m.Lng, m.Radius,
		m.CheckInWindowBefore, m.CheckInWindowAfter, string(m.Status), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ミーティングの作成に失敗しました: %w", err)
	}
	return nil
}

// ListUpcoming は受付対象となりうるミーティングを開始時刻順で返す。
func (r *PostgresMeetingRepo) ListUpcoming(ctx context.Context, now time.Time) ([]*model.Meeting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+meetingColumns+`
		 FROM meetings
		 WHERE status = 'scheduled' AND end_time > $1
		 ORDER BY start_time ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("予定ミーティングの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var meetings []*model.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("予定ミーティングの読み取りに失敗しました: %w", err)
		}
		meetings = append(meetings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("予定ミーティングの走査に失敗しました: %w", err)
	}
	return meetings, nil
}

// UpdateStatus はミーティングの状態を更新する。
func (r *PostgresMeetingRepo) UpdateStatus(ctx context.Context, id string, status model.MeetingStatus, editedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE meetings SET status = $2, last_edited = $3 WHERE id = $1`,
		id, string(status), editedAt,
	)
	if err != nil {
		return false, fmt.Errorf("ミーティング状態の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ MeetingRepository = (*PostgresMeetingRepo)(nil)
