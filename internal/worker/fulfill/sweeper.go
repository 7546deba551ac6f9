package fulfill

import (
	"context"
	"log/slog"
	"time"
)

// BatchRunner はバッチ処理を1回実行するインターフェース。
type BatchRunner interface {
	ProcessPendingBadges(ctx context.Context) error
}

// Sweeper は一定間隔でバッチ処理を実行する。
// サーバー側のトリガーを取りこぼしたジョブや、期限切れの確保を回収するために使う。
type Sweeper struct {
	runner BatchRunner
	logger *slog.Logger
}

// NewSweeper はSweeperの新しいインスタンスを生成する。
func NewSweeper(runner BatchRunner, logger *slog.Logger) *Sweeper {
	return &Sweeper{runner: runner, logger: logger}
}

// Start は指定間隔のティッカーでバッチ処理を実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("バッジスイーパーを開始しました",
		slog.Duration("interval", interval),
	)

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("バッジスイーパーを停止しました")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if err := s.runner.ProcessPendingBadges(ctx); err != nil {
		s.logger.Error("バッジ処理サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
