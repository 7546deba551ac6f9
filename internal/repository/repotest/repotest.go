// Package repotest はテスト用のインメモリリポジトリ実装を提供する。
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
)

// UserRepo はインメモリのUserRepository。
type UserRepo struct {
	mu    sync.Mutex
	users map[string]model.User
	// Err が設定されている場合、すべての操作はこのエラーを返す。
	Err error
}

// NewUserRepo はUserRepoを生成する。
func NewUserRepo(users ...*model.User) *UserRepo {
	r := &UserRepo{users: make(map[string]model.User)}
	for _, u := range users {
		r.users[u.Email] = *u
	}
	return r
}

func (r *UserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	u, ok := r.users[email]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *UserRepo) CreateIfAbsent(_ context.Context, user *model.User) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	if _, ok := r.users[user.Email]; ok {
		return false, nil
	}
	r.users[user.Email] = *user
	return true, nil
}

func (r *UserRepo) UpdateRole(_ context.Context, email string, role model.Role) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	u, ok := r.users[email]
	if !ok {
		return false, nil
	}
	u.Role = role
	r.users[email] = u
	return true, nil
}

func (r *UserRepo) IncrementStreak(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	u, ok := r.users[email]
	if !ok {
		return nil, nil
	}
	u.CurrentStreak++
	if u.CurrentStreak > u.LongestStreak {
		u.LongestStreak = u.CurrentStreak
	}
	r.users[email] = u
	return &u, nil
}

// MeetingRepo はインメモリのMeetingRepository。
type MeetingRepo struct {
	mu       sync.Mutex
	meetings map[string]model.Meeting
}

// NewMeetingRepo はMeetingRepoを生成する。
func NewMeetingRepo(meetings ...*model.Meeting) *MeetingRepo {
	r := &MeetingRepo{meetings: make(map[string]model.Meeting)}
	for _, m := range meetings {
		r.meetings[m.ID] = *m
	}
	return r
}

func (r *MeetingRepo) FindByID(_ context.Context, id string) (*model.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meetings[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *MeetingRepo) Create(_ context.Context, m *model.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meetings[m.ID]; ok {
		return fmt.Errorf("duplicate meeting id: %s", m.ID)
	}
	r.meetings[m.ID] = *m
	return nil
}

func (r *MeetingRepo) ListUpcoming(_ context.Context, now time.Time) ([]*model.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Meeting
	for _, m := range r.meetings {
		if m.Status == model.MeetingStatusScheduled && m.EndTime.After(now) {
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *MeetingRepo) UpdateStatus(_ context.Context, id string, status model.MeetingStatus, editedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meetings[id]
	if !ok {
		return false, nil
	}
	m.Status = status
	m.LastEdited = &editedAt
	r.meetings[id] = m
	return true, nil
}

// CheckInRepo はインメモリのCheckInRepository。
// (MeetingID, UserEmail) の一意性をミューテックスで保証する。
type CheckInRepo struct {
	mu       sync.Mutex
	checkIns map[[2]string]model.CheckIn
	// BeforeCreate が設定されている場合、CreateIfAbsentのロック取得前に呼ばれる。
	BeforeCreate func()
}

// NewCheckInRepo はCheckInRepoを生成する。
func NewCheckInRepo() *CheckInRepo {
	return &CheckInRepo{checkIns: make(map[[2]string]model.CheckIn)}
}

func (r *CheckInRepo) FindByMeetingAndUser(_ context.Context, meetingID, email string) (*model.CheckIn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.checkIns[[2]string{meetingID, email}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *CheckInRepo) CreateIfAbsent(_ context.Context, c *model.CheckIn) (bool, error) {
	if r.BeforeCreate != nil {
		r.BeforeCreate()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]string{c.MeetingID, c.UserEmail}
	if _, ok := r.checkIns[key]; ok {
		return false, nil
	}
	r.checkIns[key] = *c
	return true, nil
}

// Count は保存済みのチェックイン件数を返す。
func (r *CheckInRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.checkIns)
}

// BadgeRepo はインメモリのBadgeRepository。
type BadgeRepo struct {
	mu   sync.Mutex
	jobs map[string]model.BadgeJob
	// CreateErrs はCreate呼び出しごとに順に返すエラー。使い切った後はnil。
	CreateErrs []error
	// MarkErr が設定されている場合、MarkReady/MarkErrorはこのエラーを返す。
	MarkErr error
	// MarkReadyErr が設定されている場合、MarkReadyのみこのエラーを返す。
	MarkReadyErr error
}

// NewBadgeRepo はBadgeRepoを生成する。
func NewBadgeRepo(jobs ...*model.BadgeJob) *BadgeRepo {
	r := &BadgeRepo{jobs: make(map[string]model.BadgeJob)}
	for _, j := range jobs {
		r.jobs[j.BadgeID] = *j
	}
	return r
}

func (r *BadgeRepo) Create(_ context.Context, job *model.BadgeJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.CreateErrs) > 0 {
		err := r.CreateErrs[0]
		r.CreateErrs = r.CreateErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := r.jobs[job.BadgeID]; ok {
		return repository.ErrDuplicateBadgeID
	}
	r.jobs[job.BadgeID] = *job
	return nil
}

func (r *BadgeRepo) FindByID(_ context.Context, badgeID string) (*model.BadgeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[badgeID]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (r *BadgeRepo) list(keep func(model.BadgeJob) bool) []*model.BadgeJob {
	var out []*model.BadgeJob
	for _, j := range r.jobs {
		if keep(j) {
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].BadgeID > out[k].BadgeID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

func (r *BadgeRepo) ListByOwnerAndStatus(_ context.Context, ownerEmail string, status model.BadgeStatus) ([]*model.BadgeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(j model.BadgeJob) bool {
		return j.OwnerEmail == ownerEmail && j.Status == status
	}), nil
}

func (r *BadgeRepo) ListAll(_ context.Context) ([]*model.BadgeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(model.BadgeJob) bool { return true }), nil
}

func claimable(j model.BadgeJob, staleBefore time.Time) bool {
	if j.Status == model.BadgeStatusPending {
		return true
	}
	return j.Status == model.BadgeStatusProcessing && j.ClaimedAt != nil && !j.ClaimedAt.After(staleBefore)
}

func (r *BadgeRepo) CountClaimable(_ context.Context, staleBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if claimable(j, staleBefore) {
			n++
		}
	}
	return n, nil
}

func (r *BadgeRepo) ClaimPending(_ context.Context, claimedAt, staleBefore time.Time) ([]*model.BadgeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BadgeJob
	for id, j := range r.jobs {
		if !claimable(j, staleBefore) {
			continue
		}
		at := claimedAt
		j.Status = model.BadgeStatusProcessing
		j.ClaimedAt = &at
		r.jobs[id] = j
		out = append(out, &j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (r *BadgeRepo) finish(badgeID string, claimedAt time.Time, apply func(*model.BadgeJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MarkErr != nil {
		return r.MarkErr
	}
	j, ok := r.jobs[badgeID]
	if !ok || !claimedBy(j, claimedAt) {
		return fmt.Errorf("%w: %s", repository.ErrNotClaimed, badgeID)
	}
	apply(&j)
	r.jobs[badgeID] = j
	return nil
}

// claimedBy はジョブがclaimedAtの確保でprocessingのままかを返す。
func claimedBy(j model.BadgeJob, claimedAt time.Time) bool {
	return j.Status == model.BadgeStatusProcessing && j.ClaimedAt != nil && j.ClaimedAt.Equal(claimedAt)
}

func (r *BadgeRepo) MarkReady(_ context.Context, badgeID string, claimedAt time.Time, prompt, artifactURL string) error {
	r.mu.Lock()
	err := r.MarkReadyErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.finish(badgeID, claimedAt, func(j *model.BadgeJob) {
		j.Status = model.BadgeStatusReady
		j.Prompt = prompt
		j.ArtifactURL = artifactURL
	})
}

func (r *BadgeRepo) MarkError(_ context.Context, badgeID string, claimedAt time.Time, prompt string) error {
	return r.finish(badgeID, claimedAt, func(j *model.BadgeJob) {
		j.Status = model.BadgeStatusError
		j.Prompt = prompt
	})
}

func (r *BadgeRepo) ReleaseClaims(_ context.Context, claimedAt time.Time, badgeIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range badgeIDs {
		j, ok := r.jobs[id]
		if !ok || !claimedBy(j, claimedAt) {
			continue
		}
		j.Status = model.BadgeStatusPending
		j.ClaimedAt = nil
		r.jobs[id] = j
	}
	return nil
}

// Snapshot はIDをキーとしたジョブのコピーを返す。
func (r *BadgeRepo) Snapshot() map[string]model.BadgeJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]model.BadgeJob, len(r.jobs))
	for k, v := range r.jobs {
		out[k] = v
	}
	return out
}

// compile-time interface checks
var (
	_ repository.UserRepository    = (*UserRepo)(nil)
	_ repository.MeetingRepository = (*MeetingRepo)(nil)
	_ repository.CheckInRepository = (*CheckInRepo)(nil)
	_ repository.BadgeRepository   = (*BadgeRepo)(nil)
)
