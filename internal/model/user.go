// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーの権限ロールを表す。
type Role string

const (
	// RoleAdmin はシステム管理者。すべての要求ロールを満たす。
	RoleAdmin Role = "admin"
	// RoleElevated はリーダー・管理者相当。elevatedとstandardを満たす。
	RoleElevated Role = "elevated"
	// RoleStandard は一般ユーザー。standardのみを満たす。
	RoleStandard Role = "standard"
)

// rank はロールの全順序を返す。未知のロールは0。
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleElevated:
		return 2
	case RoleStandard:
		return 1
	default:
		return 0
	}
}

// Valid は既知のロールかどうかを返す。
func (r Role) Valid() bool {
	return r.rank() > 0
}

// Satisfies はロールrが要求ロールrequiredを満たすかを返す。
// admin ⊇ elevated ⊇ standard の全順序で判定する。
func (r Role) Satisfies(required Role) bool {
	if !r.Valid() || !required.Valid() {
		return false
	}
	return r.rank() >= required.rank()
}

// User は出席管理の対象ユーザーを表す。メールアドレスがキー。
type User struct {
	Email         string
	Role          Role
	Name          string
	CreatedAt     time.Time
	CurrentStreak int
	LongestStreak int
}

// LocalPart はメールアドレスの@より前の部分を返す。
func LocalPart(email string) string {
	if i := strings.Index(email, "@"); i >= 0 {
		return email[:i]
	}
	return email
}

// EmailDomain はメールアドレスのドメイン部分を小文字で返す。
// @を含まない場合は空文字列を返す。
func EmailDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}
