package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/attendance/internal/badge"
	"github.com/hitoshi/attendance/internal/checkin"
	"github.com/hitoshi/attendance/internal/meeting"
	"github.com/hitoshi/attendance/internal/metrics"
	"github.com/hitoshi/attendance/internal/middleware"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository/repotest"
	"github.com/hitoshi/attendance/internal/security"
	"github.com/hitoshi/attendance/internal/storage"
	"github.com/hitoshi/attendance/internal/user"
)

// fakeVerifier はトークン文字列をそのままメールアドレスとして扱う。
// "@" を含まないトークンは無効とする。
type fakeVerifier struct{}

func (fakeVerifier) VerifyToken(_ context.Context, token string) (string, error) {
	if !strings.Contains(token, "@") {
		return "", model.NewUnauthorizedError("無効なトークンです")
	}
	return strings.ToLower(token), nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type testServer struct {
	router   http.Handler
	badges   *repotest.BadgeRepo
	checkIns *repotest.CheckInRepo
	store    *storage.LocalStore
	reg      *prometheus.Registry
	logs     *bytes.Buffer
}

func newTestServer(t *testing.T, ping pingFunc) *testServer {
	t.Helper()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	users := repotest.NewUserRepo(
		&model.User{Email: "admin@example.com", Role: model.RoleAdmin, Name: "admin"},
		&model.User{Email: "lead@example.com", Role: model.RoleElevated, Name: "lead"},
	)
	meetingRepo := repotest.NewMeetingRepo()
	checkInRepo := repotest.NewCheckInRepo()
	badgeRepo := repotest.NewBadgeRepo()

	store, err := storage.NewLocalStore(t.TempDir(), "http://localhost:8080")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	userSvc := user.NewService(users, "example.com", logger)
	badgeSvc := badge.NewService(badgeRepo, nil, logger)
	meetingSvc := meeting.NewService(meetingRepo, userSvc, security.NewTextSanitizer(), logger)
	checkInSvc := checkin.NewService(meetingRepo, checkInRepo, users, userSvc, badgeSvc, logger,
		checkin.WithMetrics(collector))

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), logger)
	t.Cleanup(rl.Stop)

	var checker HealthChecker
	if ping != nil {
		checker = ping
	}

	router := NewRouter(&RouterDeps{
		Logger:            logger,
		TokenVerifier:     fakeVerifier{},
		CORSAllowedOrigin: "*",
		RateLimiter:       rl,
		HealthChecker:     checker,
		MetricsHandler:    metrics.Handler(reg),
		Artifacts:         store,
		Services: Services{
			CheckIn:  checkInSvc,
			Meetings: meetingSvc,
			Users:    userSvc,
			Badges:   badgeSvc,
		},
	})

	return &testServer{
		router:   router,
		badges:   badgeRepo,
		checkIns: checkInRepo,
		store:    store,
		reg:      reg,
		logs:     &buf,
	}
}

func (s *testServer) exec(t *testing.T, token, action string, fields map[string]any) (int, envelope) {
	t.Helper()
	payload := map[string]any{"action": action, "token": token}
	for k, v := range fields {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/exec", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w.Code, decodeEnvelope(t, w)
}

func TestRouter_MeetingCheckInBadgeFlow(t *testing.T) {
	s := newTestServer(t, nil)

	start := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	status, env := s.exec(t, "lead@example.com", "createMeeting", map[string]any{
		"title":       "  Build <b>night</b> ",
		"description": "<p>Bring <script>alert(1)</script>laptops</p>",
		"startTime":   start.Format(time.RFC3339),
		"endTime":     start.Add(time.Hour).Format(time.RFC3339),
		"lat":         35.681236,
		"lng":         139.767125,
		"radius":      100,
	})
	if status != http.StatusOK {
		t.Fatalf("createMeeting: status = %d, env = %+v", status, env)
	}
	var created meetingResponse
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode meeting: %v", err)
	}
	if strings.Contains(created.Description, "<script>") {
		t.Errorf("description not sanitized: %q", created.Description)
	}
	if created.CheckInWindowBefore != 15 || created.CheckInWindowAfter != 5 {
		t.Errorf("windows = %d/%d, want 15/5", created.CheckInWindowBefore, created.CheckInWindowAfter)
	}

	// 一般ユーザーは初回アクセスで自動登録される
	status, env = s.exec(t, "member@example.com", "getUpcomingMeetings", nil)
	if status != http.StatusOK {
		t.Fatalf("getUpcomingMeetings: status = %d, env = %+v", status, env)
	}
	var upcoming []meetingResponse
	if err := json.Unmarshal(env.Data, &upcoming); err != nil {
		t.Fatalf("decode meetings: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].ID != created.ID {
		t.Fatalf("upcoming = %+v", upcoming)
	}

	checkInFields := map[string]any{
		"meetingId": created.ID,
		"lat":       35.681300,
		"lng":       139.767200,
	}
	status, env = s.exec(t, "member@example.com", "checkIn", checkInFields)
	if status != http.StatusOK {
		t.Fatalf("checkIn: status = %d, env = %+v", status, env)
	}
	var first checkInResponse
	if err := json.Unmarshal(env.Data, &first); err != nil {
		t.Fatalf("decode check-in: %v", err)
	}
	if first.BadgeID == "" || !first.WasOnTime || first.AlreadyCheckedIn {
		t.Errorf("first check-in = %+v", first)
	}

	// 2回目は同じ記録を返し、バッジジョブは増えない
	_, env = s.exec(t, "member@example.com", "checkIn", checkInFields)
	var second checkInResponse
	if err := json.Unmarshal(env.Data, &second); err != nil {
		t.Fatalf("decode check-in: %v", err)
	}
	if !second.AlreadyCheckedIn || second.Record.ID != first.Record.ID || second.BadgeID != "" {
		t.Errorf("second check-in = %+v", second)
	}
	if got := len(s.badges.Snapshot()); got != 1 {
		t.Errorf("badge jobs = %d, want 1", got)
	}

	// pendingのバッジはgetUserBadgesに含まれない
	_, env = s.exec(t, "member@example.com", "getUserBadges", nil)
	var mine badgeListResponse
	if err := json.Unmarshal(env.Data, &mine); err != nil {
		t.Fatalf("decode badges: %v", err)
	}
	if len(mine.Badges) != 0 {
		t.Errorf("ready badges = %d, want 0", len(mine.Badges))
	}

	status, env = s.exec(t, "member@example.com", "getBadge", map[string]any{"badgeId": first.BadgeID})
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"status":"pending"`) {
		t.Errorf("getBadge: status = %d, data = %s", status, env.Data)
	}

	// getAllBadgesはadminのみ
	if status, _ := s.exec(t, "lead@example.com", "getAllBadges", nil); status != http.StatusForbidden {
		t.Errorf("getAllBadges by elevated: status = %d, want %d", status, http.StatusForbidden)
	}
	status, env = s.exec(t, "admin@example.com", "getAllBadges", nil)
	if status != http.StatusOK || !strings.Contains(string(env.Data), first.BadgeID) {
		t.Errorf("getAllBadges by admin: status = %d, data = %s", status, env.Data)
	}

	status, env = s.exec(t, "member@example.com", "getMe", nil)
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"currentStreak":1`) {
		t.Errorf("getMe: status = %d, data = %s", status, env.Data)
	}
}

func TestRouter_CheckInRejections(t *testing.T) {
	s := newTestServer(t, nil)

	start := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	_, env := s.exec(t, "lead@example.com", "createMeeting", map[string]any{
		"title":     "Later",
		"startTime": start.Format(time.RFC3339),
		"endTime":   start.Add(time.Hour).Format(time.RFC3339),
		"lat":       35.0,
		"lng":       139.0,
		"radius":    50,
	})
	var m meetingResponse
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("decode meeting: %v", err)
	}

	status, env := s.exec(t, "member@example.com", "checkIn", map[string]any{
		"meetingId": m.ID, "lat": 35.0, "lng": 139.0,
	})
	if status != http.StatusUnprocessableEntity || env.Code != model.ErrCodeCheckInNotOpen {
		t.Errorf("early check-in: status = %d, code = %q", status, env.Code)
	}

	// 手動チェックインは時間帯と位置を検証しない
	status, env = s.exec(t, "lead@example.com", "checkIn", map[string]any{
		"meetingId": m.ID, "manualOverride": true, "overrideEmail": "late@example.com",
	})
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"status":"manual_override"`) {
		t.Errorf("override: status = %d, data = %s", status, env.Data)
	}

	// 一般ユーザーは手動チェックインできない
	status, env = s.exec(t, "member@example.com", "checkIn", map[string]any{
		"meetingId": m.ID, "manualOverride": true, "overrideEmail": "friend@example.com",
	})
	if status != http.StatusForbidden || env.Code != model.ErrCodePermissionDenied {
		t.Errorf("override by standard: status = %d, code = %q", status, env.Code)
	}

	status, env = s.exec(t, "lead@example.com", "cancelMeeting", map[string]any{"meetingId": m.ID})
	if status != http.StatusOK {
		t.Fatalf("cancelMeeting: status = %d, env = %+v", status, env)
	}
	status, env = s.exec(t, "member@example.com", "checkIn", map[string]any{
		"meetingId": m.ID, "lat": 35.0, "lng": 139.0,
	})
	if status != http.StatusConflict || env.Code != model.ErrCodeMeetingNotActive {
		t.Errorf("cancelled meeting: status = %d, code = %q", status, env.Code)
	}

	if s.checkIns.Count() != 1 {
		t.Errorf("check-in records = %d, want 1", s.checkIns.Count())
	}

	// 拒否はコード別に計測される
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `attendance_checkin_rejections_total{code="CHECKIN_NOT_YET_OPEN"} 1`) {
		t.Errorf("metrics output missing rejection counter:\n%s", w.Body.String())
	}
}

func TestRouter_SetUserRole(t *testing.T) {
	s := newTestServer(t, nil)

	status, env := s.exec(t, "lead@example.com", "setUserRole", map[string]any{
		"email": "new@example.com", "role": "elevated",
	})
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"role":"elevated"`) {
		t.Fatalf("setUserRole: status = %d, data = %s", status, env.Data)
	}

	status, env = s.exec(t, "lead@example.com", "setUserRole", map[string]any{
		"email": "new@example.com", "role": "admin",
	})
	if status != http.StatusBadRequest || env.Code != model.ErrCodeInvalidRole {
		t.Errorf("admin role: status = %d, code = %q", status, env.Code)
	}
}

func TestRouter_RejectsForeignDomainAndBadToken(t *testing.T) {
	s := newTestServer(t, nil)

	status, env := s.exec(t, "mallory@evil.com", "getMe", nil)
	if status != http.StatusForbidden || env.Code != model.ErrCodeInvalidDomain {
		t.Errorf("foreign domain: status = %d, code = %q", status, env.Code)
	}

	status, env = s.exec(t, "not-a-token", "getMe", nil)
	if status != http.StatusUnauthorized || env.Code != model.ErrCodeUnauthorized {
		t.Errorf("bad token: status = %d, code = %q", status, env.Code)
	}
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		ping       pingFunc
		wantStatus int
	}{
		{"DBなし", nil, http.StatusOK},
		{"DB正常", func(context.Context) error { return nil }, http.StatusOK},
		{"DB異常", func(context.Context) error { return errors.New("connection refused") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.ping)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_ServesOnlyPublishedArtifacts(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	public, err := s.store.Store(ctx, jpeg, "B-1-pub.jpg")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.store.SetPublicReadable(ctx, public); err != nil {
		t.Fatalf("SetPublicReadable: %v", err)
	}
	if _, err := s.store.Store(ctx, jpeg, "B-1-prv.jpg"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/badges/B-1-pub.jpg", http.StatusOK},
		{"/badges/B-1-prv.jpg", http.StatusNotFound},
		{"/badges/missing.jpg", http.StatusNotFound},
		{"/badges/..%2Fetc%2Fpasswd", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
					t.Errorf("Content-Type = %q, want image/jpeg", ct)
				}
				if !bytes.Equal(w.Body.Bytes(), jpeg) {
					t.Errorf("body = %x", w.Body.Bytes())
				}
			}
		})
	}
}

func TestRouter_PreflightAndMethods(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/exec", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS /exec: status = %d, want %d", w.Code, http.StatusNoContent)
	}

	req = httptest.NewRequest(http.MethodGet, "/exec", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /exec: status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestRouter_ConcurrentCheckInsCreateOneRecord(t *testing.T) {
	s := newTestServer(t, nil)

	start := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	_, env := s.exec(t, "lead@example.com", "createMeeting", map[string]any{
		"title":     "Race",
		"startTime": start.Format(time.RFC3339),
		"endTime":   start.Add(time.Hour).Format(time.RFC3339),
		"lat":       35.0,
		"lng":       139.0,
		"radius":    100,
	})
	var m meetingResponse
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("decode meeting: %v", err)
	}

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			body := fmt.Sprintf(`{"action":"checkIn","token":"racer@example.com","meetingId":%q,"lat":35.0,"lng":139.0}`, m.ID)
			req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(body))
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				errs <- fmt.Errorf("status = %d, body = %s", w.Code, w.Body.String())
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}

	if s.checkIns.Count() != 1 {
		t.Errorf("check-in records = %d, want 1", s.checkIns.Count())
	}
	if got := len(s.badges.Snapshot()); got != 1 {
		t.Errorf("badge jobs = %d, want 1", got)
	}
}
