package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// newChainRouter は本番と同じ順序でミドルウェアを積んだルーターを返す。
//
//	Logging → CORS → SecurityHeaders → Recovery → Identity → RateLimit
func newChainRouter(t *testing.T, buf *bytes.Buffer, burst int) http.Handler {
	t.Helper()
	logger := newTestLogger(buf)
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:            0.01,
		Burst:           burst,
		CleanupInterval: time.Minute,
	}, logger)
	t.Cleanup(rl.Stop)

	verifier := staticVerifier(map[string]string{
		"tok-alice": "alice@example.com",
		"tok-panic": "panic@example.com",
	})

	r := chi.NewRouter()
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewCORSMiddleware("*"))
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewRecoveryMiddleware(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(NewIdentityMiddleware(verifier))
		r.Use(rl.Middleware())
		r.Post("/exec", func(w http.ResponseWriter, r *http.Request) {
			email, _ := EmailFromContext(r.Context())
			if email == "panic@example.com" {
				panic("boom")
			}
			WriteSuccessResponse(w, map[string]string{"email": email})
		})
	})
	return r
}

func post(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMiddlewareChain_AuthenticatedRequestPasses(t *testing.T) {
	var buf bytes.Buffer
	router := newChainRouter(t, &buf, 5)

	w := post(router, `{"action":"getMe","token":"tok-alice"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var body struct {
		Status string            `json:"status"`
		Data   map[string]string `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Data["email"] != "alice@example.com" {
		t.Errorf("email = %q, want %q", body.Data["email"], "alice@example.com")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if !strings.Contains(buf.String(), `"email":"alice@example.com"`) {
		t.Errorf("request log should contain email: %s", buf.String())
	}
}

func TestMiddlewareChain_PreflightSkipsIdentity(t *testing.T) {
	var buf bytes.Buffer
	router := newChainRouter(t, &buf, 5)

	req := httptest.NewRequest(http.MethodOptions, "/exec", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestMiddlewareChain_HealthIsPublic(t *testing.T) {
	var buf bytes.Buffer
	router := newChainRouter(t, &buf, 5)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestMiddlewareChain_InvalidTokenRejected(t *testing.T) {
	var buf bytes.Buffer
	router := newChainRouter(t, &buf, 5)

	w := post(router, `{"action":"getMe","token":"forged"}`)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	// CORSヘッダーはエラー応答にも付く
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestMiddlewareChain_RateLimitAfterIdentity(t *testing.T) {
	var buf bytes.Buffer
	router := newChainRouter(t, &buf, 1)

	if w := post(router, `{"token":"tok-alice"}`); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := post(router, `{"token":"tok-alice"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	// 無効トークンはレート制限に到達する前に拒否される
	if w := post(router, `{"token":"forged"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("forged token: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareChain_PanicRecovered(t *testing.T) {
	var buf bytes.Buffer
	router := newChainRouter(t, &buf, 5)

	w := post(router, `{"token":"tok-panic"}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	resp := decodeError(t, w.Body)
	if resp.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", resp.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("panic should be logged: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"email":"panic@example.com"`) {
		t.Errorf("panic log should include the verified email: %s", buf.String())
	}
}
