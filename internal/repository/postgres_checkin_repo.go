package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/attendance/internal/model"
)

// PostgresCheckInRepo はPostgreSQLを使用したチェックインリポジトリ。
type PostgresCheckInRepo struct {
	db *sql.DB
}

// NewPostgresCheckInRepo はPostgresCheckInRepoを生成する。
func NewPostgresCheckInRepo(db *sql.DB) *PostgresCheckInRepo {
	return &PostgresCheckInRepo{db: db}
}

// FindByMeetingAndUser はミーティングIDとメールアドレスでチェックインを検索する。
func (r *PostgresCheckInRepo) FindByMeetingAndUser(ctx context.Context, meetingID, email string) (*model.CheckIn, error) {
	c := &model.CheckIn{}
	var status string
	var lat, lng sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, meeting_id, user_email, checked_in_at, lat, lng, status, was_on_time, override, excused
		 FROM check_ins
		 WHERE meeting_id = $1 AND user_email = $2`,
		meetingID, email,
	).Scan(&c.ID, &c.MeetingID, &c.UserEmail, &c.Timestamp, &lat, &lng, &status, &c.WasOnTime, &c.Override, &c.Excused)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チェックインの取得に失敗しました: %w", err)
	}

	c.Status = model.CheckInStatus(status)
	c.Lat = nullFloatValue(lat)
	c.Lng = nullFloatValue(lng)
	return c, nil
}

// CreateIfAbsent はユニーク制約(meeting_id, user_email)に衝突しない場合のみ記録を作成する。
// 同一ユーザーの同時チェックインでは一方のみがtrueを受け取る。
func (r *PostgresCheckInRepo) CreateIfAbsent(ctx context.Context, c *model.CheckIn) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO check_ins (id, meeting_id, user_email, checked_in_at, lat, lng, status, was_on_time, override, excused)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (meeting_id, user_email) DO NOTHING`,
		c.ID, c.MeetingID, c.UserEmail, c.Timestamp,
		nullFloat(c.Lat), nullFloat(c.Lng),
		string(c.Status), c.WasOnTime, c.Override, c.Excused,
	)
	if err != nil {
		return false, fmt.Errorf("チェックインの作成に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ CheckInRepository = (*PostgresCheckInRepo)(nil)
