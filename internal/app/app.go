package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/attendance/internal/auth"
	"github.com/hitoshi/attendance/internal/badge"
	"github.com/hitoshi/attendance/internal/cache"
	"github.com/hitoshi/attendance/internal/checkin"
	"github.com/hitoshi/attendance/internal/config"
	"github.com/hitoshi/attendance/internal/database"
	"github.com/hitoshi/attendance/internal/generator"
	"github.com/hitoshi/attendance/internal/handler"
	"github.com/hitoshi/attendance/internal/logger"
	"github.com/hitoshi/attendance/internal/meeting"
	"github.com/hitoshi/attendance/internal/metrics"
	"github.com/hitoshi/attendance/internal/middleware"
	"github.com/hitoshi/attendance/internal/repository"
	"github.com/hitoshi/attendance/internal/security"
	"github.com/hitoshi/attendance/internal/storage"
	"github.com/hitoshi/attendance/internal/user"
	"github.com/hitoshi/attendance/internal/worker/fulfill"
	"github.com/hitoshi/attendance/internal/worker/trigger"
)

// memoryCacheEntries はRedisを使わない場合のインメモリキャッシュの最大エントリ数。
const memoryCacheEntries = 128

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定済みのログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("allowed_domain", cfg.AllowedDomain),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// newCacheStore はREDIS_URLが設定されていればRedis、なければインメモリのキャッシュを返す。
func newCacheStore(cfg *config.Config) (cache.Store, func(), error) {
	if cfg.RedisURL == "" {
		slog.Info("using in-memory word list cache")
		return cache.NewMemoryStore(memoryCacheEntries, cfg.CacheMaxValueBytes), func() {}, nil
	}

	client, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	store := cache.NewRedisStore(client, cfg.CacheMaxValueBytes)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		// キャッシュが使えなくても語彙の取得はフォールバックで継続できる
		slog.Warn("redis is not reachable; word list will be fetched on every miss",
			slog.String("error", err.Error()),
		)
	}
	slog.Info("using redis word list cache")
	return store, func() { client.Close() }, nil
}

// newProcessor はバッジ生成ワーカーの依存関係を組み立てる。
func newProcessor(cfg *config.Config, db *sql.DB, store storage.ObjectStore, collector metrics.MetricsCollector) (*fulfill.Processor, func(), error) {
	cacheStore, closeCache, err := newCacheStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	words := badge.NewWordListProvider(
		cacheStore,
		&http.Client{Timeout: 30 * time.Second},
		slog.Default(),
		cfg.WordListURL,
		cfg.WordListTTL,
	)

	gen := generator.NewClient(
		&http.Client{Timeout: cfg.GenerationTimeout},
		slog.Default(),
		generator.Options{
			Endpoint: cfg.GenerationEndpoint,
			Model:    cfg.GenerationModel,
			Width:    cfg.GenerationWidth,
			Height:   cfg.GenerationHeight,
			OnStatus: collector.RecordGenerationStatus,
		},
	)

	processor := fulfill.NewProcessor(
		repository.NewPostgresBadgeRepo(db),
		words, gen, store, collector,
		slog.Default(), cfg.GenerationAPIKey, cfg.BadgeClaimTimeout,
	)
	return processor, closeCache, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとトリガースケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	meetingRepo := repository.NewPostgresMeetingRepo(db)
	checkInRepo := repository.NewPostgresCheckInRepo(db)
	badgeRepo := repository.NewPostgresBadgeRepo(db)

	// 4. バッジ生成ワーカーとトリガースケジューラの初期化
	artifacts, err := storage.NewLocalStore(cfg.ArtifactDir, cfg.BaseURL)
	if err != nil {
		return err
	}

	processor, closeCache, err := newProcessor(cfg, db, artifacts, collector)
	if err != nil {
		return err
	}
	defer closeCache()

	scheduler := trigger.NewScheduler(slog.Default())
	scheduler.Register(fulfill.HandlerName, processor.ProcessPendingBadges)
	guard := trigger.NewGuard(scheduler, fulfill.HandlerName, cfg.TriggerDelay)

	// 5. ドメインサービスの初期化
	verifier := auth.NewGoogleTokenVerifier(
		&http.Client{Timeout: 10 * time.Second},
		slog.Default(),
		auth.GoogleTokenInfoConfig{
			TokenInfoURL:  cfg.GoogleTokenInfoURL,
			ClientID:      cfg.GoogleClientID,
			AllowedDomain: cfg.AllowedDomain,
		},
	)

	userService := user.NewService(userRepo, cfg.AllowedDomain, slog.Default())
	badgeService := badge.NewService(badgeRepo, guard, slog.Default())
	meetingService := meeting.NewService(meetingRepo, userService, security.NewTextSanitizer(), slog.Default())
	checkInService := checkin.NewService(
		meetingRepo, checkInRepo, userRepo, userService, badgeService, slog.Default(),
		checkin.WithWindows(cfg.CheckInWindowBefore, cfg.CheckInWindowAfter),
		checkin.WithMetrics(collector),
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitPerMinute), slog.Default())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		TokenVerifier:     verifier,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(reg),
		Artifacts:         artifacts,
		Services: handler.Services{
			CheckIn:  checkInService,
			Meetings: meetingService,
			Users:    userService,
			Badges:   badgeService,
		},
	})

	// 7. HTTPサーバーとスケジューラの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(ctx)
	}()
	// 前回の停止時に残ったpendingのジョブを処理する
	guard.EnsureTrigger()

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		cancel()
		<-schedulerDone
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中のバッチは終端状態まで進めるか、確保期限切れとして次回に回収される
	cancel()
	<-schedulerDone

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、pendingと確保期限切れのジョブを定期的に処理する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := storage.NewLocalStore(cfg.ArtifactDir, cfg.BaseURL)
	if err != nil {
		return err
	}

	processor, closeCache, err := newProcessor(cfg, db, store, metrics.Noop{})
	if err != nil {
		return err
	}
	defer closeCache()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.BadgeSweepInterval),
		slog.Duration("claim_timeout", cfg.BadgeClaimTimeout),
	)

	// スイーパーをメインgoroutineで実行（ブロッキング）
	fulfill.NewSweeper(processor, slog.Default()).Start(ctx, cfg.BadgeSweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
