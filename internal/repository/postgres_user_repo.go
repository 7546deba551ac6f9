package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/attendance/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `email, role, name, current_streak, longest_streak, created_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	user := &model.User{}
	var role string
	if err := row.Scan(&user.Email, &role, &user.Name, &user.CurrentStreak, &user.LongestStreak, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.Role = model.Role(role)
	return user, nil
}

// FindByEmail は指定メールアドレスのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		email,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// CreateIfAbsent はユーザーが存在しない場合のみ作成する。
// 同時に初回参照された場合は片方のみが作成され、もう片方はfalseを受け取る。
func (r *PostgresUserRepo) CreateIfAbsent(ctx context.Context, user *model.User) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email, role, name, current_streak, longest_streak, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (email) DO NOTHING`,
		user.Email, string(user.Role), user.Name, user.CurrentStreak, user.LongestStreak, user.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateRole はユーザーのロールを更新する。
func (r *PostgresUserRepo) UpdateRole(ctx context.Context, email string, role model.Role) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET role = $2 WHERE email = $1`,
		email, string(role),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update user role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// IncrementStreak はストリークを単一のUPDATE文で加算する。
// 読み取りと書き込みの間に他の更新が割り込むことはない。
func (r *PostgresUserRepo) IncrementStreak(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users
		 SET current_streak = current_streak + 1,
		     longest_streak = GREATEST(longest_streak, current_streak + 1)
		 WHERE email = $1
		 RETURNING `+userColumns,
		email,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment streak: %w", err)
	}
	return user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
