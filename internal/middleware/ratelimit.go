package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/attendance/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // 1ユーザーあたりのレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 60 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteConfig(60)
}

// PerMinuteConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// perMinuteが0以下の場合はデフォルトの60を使う。
func PerMinuteConfig(perMinute int) RateLimiterConfig {
	if perMinute <= 0 {
		perMinute = 60
	}
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は検証済みメールアドレスごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig
	logger *slog.Logger

	mu       sync.RWMutex
	limiters map[string]*userLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*userLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware はレート制限ミドルウェアを返す。
// リクエストコンテキストに検証済みメールアドレスが含まれている必要がある（IdentityMiddlewareの後に配置）。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email, err := EmailFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError("トークンが必要です"))
				return
			}

			if !rl.getOrCreate(email).Allow() {
				writeRateLimitResponse(w, rl.config.Rate)
				rl.logger.Warn("rate limit exceeded",
					slog.String("email", email),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// getOrCreate はユーザーのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreate(email string) *rate.Limiter {
	rl.mu.RLock()
	ul, exists := rl.limiters[email]
	rl.mu.RUnlock()

	if exists {
		rl.mu.Lock()
		ul.lastAccess = time.Now()
		rl.mu.Unlock()
		return ul.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// ダブルチェック
	if ul, exists := rl.limiters[email]; exists {
		ul.lastAccess = time.Now()
		return ul.limiter
	}

	limiter := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	rl.limiters[email] = &userLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2

	rl.mu.Lock()
	for email, ul := range rl.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.limiters, email)
		}
	}
	rl.mu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: model.CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	})
}
