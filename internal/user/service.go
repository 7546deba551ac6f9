// Package user はユーザーの自動登録と権限判定を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
)

// Service はユーザー管理のサービス層。
// 許可ドメインの未登録ユーザーは初回参照時にstandardとして自動登録する。
type Service struct {
	userRepo      repository.UserRepository
	allowedDomain string
	logger        *slog.Logger
	now           func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// allowedDomainは先頭の@を含まないドメイン名。
func NewService(userRepo repository.UserRepository, allowedDomain string, logger *slog.Logger) *Service {
	return &Service{
		userRepo:      userRepo,
		allowedDomain: strings.ToLower(strings.TrimPrefix(allowedDomain, "@")),
		logger:        logger,
		now:           time.Now,
	}
}

// IsAllowedDomain はメールアドレスが許可ドメインに属するかを返す。
func (s *Service) IsAllowedDomain(email string) bool {
	return s.allowedDomain != "" && model.EmailDomain(email) == s.allowedDomain
}

// GetOrProvision はユーザーを取得し、存在しない場合はstandardとして作成する。
// 許可ドメイン外のメールアドレスはDomainErrorとなる。
func (s *Service) GetOrProvision(ctx context.Context, email string) (*model.User, error) {
	email = normalizeEmail(email)
	if !s.IsAllowedDomain(email) {
		return nil, model.NewInvalidDomainError(email)
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user != nil {
		return user, nil
	}

	newUser := &model.User{
		Email:     email,
		Role:      model.RoleStandard,
		Name:      model.LocalPart(email),
		CreatedAt: s.now().UTC(),
	}
	created, err := s.userRepo.CreateIfAbsent(ctx, newUser)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの自動登録に失敗しました: %w", err)
	}
	if !created {
		// 同時に登録された場合は先に作成された記録を返す
		user, err := s.userRepo.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
		}
		if user != nil {
			return user, nil
		}
	}

	s.logger.Info("ユーザーを自動登録しました",
		slog.String("email", email),
	)
	return newUser, nil
}

// CheckPermission はユーザーのロールが要求ロールを満たすかを返す。
func (s *Service) CheckPermission(ctx context.Context, email string, required model.Role) (bool, error) {
	user, err := s.GetOrProvision(ctx, email)
	if err != nil {
		return false, err
	}
	return user.Role.Satisfies(required), nil
}

// Require は要求ロールを満たすユーザーを返す。満たさない場合はPermissionErrorとなる。
func (s *Service) Require(ctx context.Context, email string, required model.Role) (*model.User, error) {
	user, err := s.GetOrProvision(ctx, email)
	if err != nil {
		return nil, err
	}
	if !user.Role.Satisfies(required) {
		return nil, model.NewPermissionDeniedError(fmt.Sprintf("%s ロールが必要です", required))
	}
	return user, nil
}

// UpdateUserRole は対象ユーザーのロールを変更する。
// 変更できるのはelevated以上のユーザーのみで、設定可能なロールはelevatedとstandard。
// 対象ユーザーが未登録の場合は自動登録してから変更する。
func (s *Service) UpdateUserRole(ctx context.Context, requestorEmail, targetEmail string, newRole model.Role) (*model.User, error) {
	if _, err := s.Require(ctx, requestorEmail, model.RoleElevated); err != nil {
		return nil, err
	}
	if newRole != model.RoleElevated && newRole != model.RoleStandard {
		return nil, model.NewInvalidRoleError(newRole)
	}

	target, err := s.GetOrProvision(ctx, targetEmail)
	if err != nil {
		return nil, err
	}
	if _, err := s.userRepo.UpdateRole(ctx, target.Email, newRole); err != nil {
		return nil, fmt.Errorf("ロールの更新に失敗しました: %w", err)
	}

	s.logger.Info("ユーザーのロールを変更しました",
		slog.String("requestor_email", normalizeEmail(requestorEmail)),
		slog.String("target_email", target.Email),
		slog.String("role", string(newRole)),
	)

	target.Role = newRole
	return target, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
