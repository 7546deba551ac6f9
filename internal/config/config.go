package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Identity
	AllowedDomain      string
	GoogleTokenInfoURL string
	// GoogleClientID が設定されている場合、IDトークンのaudと一致する必要がある。
	GoogleClientID string

	// Check-in
	CheckInWindowBefore time.Duration
	CheckInWindowAfter  time.Duration

	// Generation API
	GenerationAPIKey   string
	GenerationEndpoint string
	GenerationModel    string
	GenerationWidth    int
	GenerationHeight   int
	GenerationTimeout  time.Duration

	// Word list
	WordListURL string
	WordListTTL time.Duration

	// Cache
	CacheMaxValueBytes int
	RedisURL           string

	// Badge worker
	TriggerDelay       time.Duration
	BadgeSweepInterval time.Duration
	BadgeClaimTimeout  time.Duration

	// Storage
	ArtifactDir string

	// Rate Limit
	RateLimitPerMinute int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// 外部サービスのデフォルト値
const (
	DefaultGenerationEndpoint = "https://enter.pollinations.ai/api/generate/image/"
	DefaultGenerationModel    = "nanobanana"
	DefaultWordListURL        = "https://raw.githubusercontent.com/first20hours/google-10000-english/master/google-10000-english-no-swears.txt"
	DefaultGoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
)

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AllowedDomain = strings.ToLower(strings.TrimPrefix(os.Getenv("ALLOWED_DOMAIN"), "@"))
	if cfg.AllowedDomain == "" {
		missing = append(missing, "ALLOWED_DOMAIN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	cfg.GoogleTokenInfoURL = getEnvString("GOOGLE_TOKENINFO_URL", DefaultGoogleTokenInfoURL)
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.CheckInWindowBefore = getEnvDuration("CHECKIN_WINDOW_BEFORE", 15*time.Minute)
	cfg.CheckInWindowAfter = getEnvDuration("CHECKIN_WINDOW_AFTER", 5*time.Minute)

	// GENERATION_API_KEY は任意。未設定の場合ワーカーは処理を中断しジョブはpendingのまま残る。
	cfg.GenerationAPIKey = os.Getenv("GENERATION_API_KEY")
	cfg.GenerationEndpoint = getEnvString("GENERATION_ENDPOINT", DefaultGenerationEndpoint)
	cfg.GenerationModel = getEnvString("GENERATION_MODEL", DefaultGenerationModel)
	cfg.GenerationWidth = getEnvInt("GENERATION_WIDTH", 1024)
	cfg.GenerationHeight = getEnvInt("GENERATION_HEIGHT", 1024)
	cfg.GenerationTimeout = getEnvDuration("GENERATION_TIMEOUT", 2*time.Minute)

	cfg.WordListURL = getEnvString("WORD_LIST_URL", DefaultWordListURL)
	cfg.WordListTTL = getEnvDuration("WORD_LIST_TTL", 6*time.Hour)

	cfg.CacheMaxValueBytes = getEnvInt("CACHE_MAX_VALUE_BYTES", 100*1024)
	cfg.RedisURL = getEnvString("REDIS_URL", "")

	cfg.TriggerDelay = getEnvDuration("TRIGGER_DELAY", 100*time.Millisecond)
	cfg.BadgeSweepInterval = getEnvDuration("BADGE_SWEEP_INTERVAL", time.Minute)
	cfg.BadgeClaimTimeout = getEnvDuration("BADGE_CLAIM_TIMEOUT", 10*time.Minute)

	cfg.ArtifactDir = getEnvString("ARTIFACT_DIR", "./data/badges")
	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", 60)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = strings.TrimRight(getEnvString("BASE_URL", "http://localhost:8080"), "/")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
