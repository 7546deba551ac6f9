package badge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
	"github.com/hitoshi/attendance/internal/repository/repotest"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// sequence は呼び出しごとに順に値を返すintnを生成する。
func sequence(values ...int) func(int) int {
	i := 0
	return func(n int) int {
		v := values[i%len(values)] % n
		i++
		return v
	}
}

type countingTrigger struct {
	calls int
}

func (c *countingTrigger) EnsureTrigger() { c.calls++ }

var badgeIDPattern = regexp.MustCompile(`^B-\d+-[0-9A-Z]{3}$`)

func TestNewBadgeID_Format(t *testing.T) {
	now := time.Unix(1767225600, 0)
	id := NewBadgeID(now, sequence(0, 10, 35))
	if id != "B-1767225600-0AZ" {
		t.Errorf("NewBadgeID = %q, want %q", id, "B-1767225600-0AZ")
	}

	for range 100 {
		id := NewBadgeID(now, defaultIntN)
		if !badgeIDPattern.MatchString(id) {
			t.Fatalf("NewBadgeID = %q, does not match %s", id, badgeIDPattern)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	words := []string{"robot", "future", "tech"}
	got := BuildPrompt(words, sequence(0, 1, 2, 0, 0))
	want := "A cohesive art piece inspired by: robot future tech robot robot"
	if got != want {
		t.Errorf("BuildPrompt = %q, want %q", got, want)
	}

	// 復元抽出のため語彙が1語でも5語のプロンプトになる
	got = BuildPrompt([]string{"volt"}, defaultIntN)
	if strings.Count(strings.TrimPrefix(got, PromptPrefix), "volt") != PromptWordCount {
		t.Errorf("BuildPrompt = %q, want five words", got)
	}
}

func newTestService(t *testing.T, repo repository.BadgeRepository, trigger TriggerEnsurer) (*Service, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	s := NewService(repo, trigger, newTestLogger(&buf))
	s.now = func() time.Time { return time.Unix(1767225600, 0) }
	return s, &buf
}

func TestService_CreateBadgeRequest_PendingAndTrigger(t *testing.T) {
	repo := repotest.NewBadgeRepo()
	trigger := &countingTrigger{}
	s, _ := newTestService(t, repo, trigger)

	id, err := s.CreateBadgeRequest(context.Background(), "alice@example.org", "m-1")
	if err != nil {
		t.Fatalf("CreateBadgeRequest がエラーを返した: %v", err)
	}
	if !badgeIDPattern.MatchString(id) {
		t.Errorf("badge id = %q", id)
	}

	job, err := s.GetBadge(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBadge: %v", err)
	}
	if job.Status != model.BadgeStatusPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
	if job.OwnerEmail != "alice@example.org" || job.OriginalOwnerEmail != "alice@example.org" {
		t.Errorf("owner = %q/%q", job.OwnerEmail, job.OriginalOwnerEmail)
	}
	if job.Prompt != "" || job.ArtifactURL != "" {
		t.Errorf("prompt/artifact should be empty, got %q/%q", job.Prompt, job.ArtifactURL)
	}
	if trigger.calls != 1 {
		t.Errorf("EnsureTrigger calls = %d, want 1", trigger.calls)
	}
}

func TestService_CreateBadgeRequest_RetriesOnCollision(t *testing.T) {
	repo := repotest.NewBadgeRepo()
	repo.CreateErrs = []error{repository.ErrDuplicateBadgeID, repository.ErrDuplicateBadgeID}
	s, buf := newTestService(t, repo, nil)

	id, err := s.CreateBadgeRequest(context.Background(), "alice@example.org", "m-1")
	if err != nil {
		t.Fatalf("CreateBadgeRequest がエラーを返した: %v", err)
	}
	if _, err := s.GetBadge(context.Background(), id); err != nil {
		t.Errorf("GetBadge: %v", err)
	}
	if !strings.Contains(buf.String(), "バッジIDが衝突") {
		t.Error("衝突時の警告ログが出力されていない")
	}
}

func TestService_CreateBadgeRequest_GivesUpAfterThreeCollisions(t *testing.T) {
	repo := repotest.NewBadgeRepo()
	repo.CreateErrs = []error{repository.ErrDuplicateBadgeID, repository.ErrDuplicateBadgeID, repository.ErrDuplicateBadgeID}
	trigger := &countingTrigger{}
	s, _ := newTestService(t, repo, trigger)

	_, err := s.CreateBadgeRequest(context.Background(), "alice@example.org", "m-1")
	if !errors.Is(err, repository.ErrDuplicateBadgeID) {
		t.Fatalf("err = %v, want ErrDuplicateBadgeID", err)
	}
	if trigger.calls != 0 {
		t.Errorf("失敗時にEnsureTriggerが呼ばれた: %d", trigger.calls)
	}
}

func TestService_GetBadge_NotFound(t *testing.T) {
	s, _ := newTestService(t, repotest.NewBadgeRepo(), nil)
	_, err := s.GetBadge(context.Background(), "B-0-XXX")
	if !model.HasCode(err, model.ErrCodeBadgeNotFound) {
		t.Errorf("err = %v, want BADGE_NOT_FOUND", err)
	}
}

func TestService_GetUserBadges_ReadyOnly(t *testing.T) {
	now := time.Now()
	repo := repotest.NewBadgeRepo(
		&model.BadgeJob{BadgeID: "B-1-AAA", OwnerEmail: "alice@example.org", Status: model.BadgeStatusReady, CreatedAt: now},
		&model.BadgeJob{BadgeID: "B-1-BBB", OwnerEmail: "alice@example.org", Status: model.BadgeStatusPending, CreatedAt: now},
		&model.BadgeJob{BadgeID: "B-1-CCC", OwnerEmail: "alice@example.org", Status: model.BadgeStatusError, CreatedAt: now},
		&model.BadgeJob{BadgeID: "B-1-DDD", OwnerEmail: "bob@example.org", Status: model.BadgeStatusReady, CreatedAt: now},
	)
	s, _ := newTestService(t, repo, nil)

	badges, err := s.GetUserBadges(context.Background(), "alice@example.org")
	if err != nil {
		t.Fatalf("GetUserBadges: %v", err)
	}
	if len(badges) != 1 || badges[0].BadgeID != "B-1-AAA" {
		t.Errorf("GetUserBadges = %+v, want [B-1-AAA]", badges)
	}

	all, err := s.GetAllBadges(context.Background())
	if err != nil {
		t.Fatalf("GetAllBadges: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("GetAllBadges = %d, want 4", len(all))
	}
}
