// Package fulfill は保留中のバッジジョブをまとめて処理するワーカーを提供する。
// ジョブの確保、プロンプト生成、画像生成APIへの並列リクエスト、
// ジョブごとの結果確定までを行う。
package fulfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/attendance/internal/badge"
	"github.com/hitoshi/attendance/internal/generator"
	"github.com/hitoshi/attendance/internal/metrics"
	"github.com/hitoshi/attendance/internal/model"
	"github.com/hitoshi/attendance/internal/repository"
	"github.com/hitoshi/attendance/internal/storage"
)

// HandlerName はトリガースケジューラに登録するハンドラー名。
const HandlerName = "processPendingBadges"

// DefaultClaimTimeout は確保済みジョブを再確保可能とみなすまでの時間。
const DefaultClaimTimeout = 10 * time.Minute

// WordSource はプロンプト用の語彙を提供するインターフェース。
type WordSource interface {
	GetWordList(ctx context.Context) []string
}

// Generator は画像生成APIの呼び出しインターフェース。
type Generator interface {
	BuildRequest(ctx context.Context, apiKey, prompt string) (*http.Request, error)
	Do(req *http.Request) ([]byte, error)
}

// Processor はバッジジョブのバッチ処理を行う。
type Processor struct {
	repo         repository.BadgeRepository
	words        WordSource
	gen          Generator
	store        storage.ObjectStore
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	apiKey       string
	claimTimeout time.Duration
	now          func() time.Time
	intn         func(int) int
}

// NewProcessor はProcessorの新しいインスタンスを生成する。
// claimTimeoutが0以下の場合はDefaultClaimTimeoutを使用する。
func NewProcessor(
	repo repository.BadgeRepository,
	words WordSource,
	gen Generator,
	store storage.ObjectStore,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	apiKey string,
	claimTimeout time.Duration,
) *Processor {
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Processor{
		repo:         repo,
		words:        words,
		gen:          gen,
		store:        store,
		metrics:      collector,
		logger:       logger,
		apiKey:       apiKey,
		claimTimeout: claimTimeout,
		now:          time.Now,
		intn:         rand.IntN,
	}
}

// item は1ジョブ分の処理単位。
type item struct {
	job       *model.BadgeJob
	claimedAt time.Time
	prompt    string
	req       *http.Request
}

// ProcessPendingBadges は保留中のジョブを確保し、画像生成を並列に実行する。
// ジョブごとの失敗はそのジョブのみをerrorとして確定し、他のジョブには影響しない。
// リクエスト構築中の失敗では確保したジョブをすべてpendingに戻す。
// APIからレスポンスを受け取れなかったジョブもpendingに戻し、次回のバッチで再試行する。
func (p *Processor) ProcessPendingBadges(ctx context.Context) error {
	start := p.now()
	staleBefore := start.Add(-p.claimTimeout)
	// claimed_atは結果確定時の照合に使う。timestamptzの精度に揃えておく
	claimedAt := start.Truncate(time.Microsecond)

	count, err := p.repo.CountClaimable(ctx, staleBefore)
	if err != nil {
		return fmt.Errorf("未処理バッジ件数の取得に失敗しました: %w", err)
	}
	if count == 0 {
		p.logger.Debug("処理対象のバッジジョブはありません")
		return nil
	}

	if p.apiKey == "" {
		p.logger.Error("画像生成APIキーが設定されていないため処理を中止します",
			slog.Int("pending_count", count),
		)
		return nil
	}

	jobs, err := p.repo.ClaimPending(ctx, claimedAt, staleBefore)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		// 他のワーカーが先に確保した
		return nil
	}
	p.metrics.RecordBatchSize(len(jobs))

	p.logger.Info("バッジ生成バッチを開始します",
		slog.Int("job_count", len(jobs)),
	)

	items, err := p.buildItems(ctx, jobs, claimedAt)
	if err != nil {
		p.logger.Error("バッチのリクエスト構築に失敗したため確保を解除します",
			slog.Int("job_count", len(jobs)),
			slog.String("error", err.Error()),
		)
		if releaseErr := p.repo.ReleaseClaims(ctx, claimedAt, badgeIDs(jobs)); releaseErr != nil {
			p.logger.Error("バッジジョブの確保解除に失敗しました",
				slog.String("error", releaseErr.Error()),
			)
		}
		return err
	}

	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.processItem(ctx, it)
		}()
	}
	wg.Wait()

	p.logger.Info("バッジ生成バッチが完了しました",
		slog.Int("job_count", len(jobs)),
		slog.Float64("duration_ms", float64(p.now().Sub(start).Milliseconds())),
	)
	return nil
}

// buildItems は送信前にバッチ全体のプロンプトとリクエストを用意する。
func (p *Processor) buildItems(ctx context.Context, jobs []*model.BadgeJob, claimedAt time.Time) (items []item, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("リクエスト構築中にpanicが発生しました: %v", r)
		}
	}()

	words := p.words.GetWordList(ctx)
	items = make([]item, 0, len(jobs))
	for _, job := range jobs {
		prompt := badge.BuildPrompt(words, p.intn)
		req, err := p.gen.BuildRequest(ctx, p.apiKey, prompt)
		if err != nil {
			return nil, fmt.Errorf("バッジ %s のリクエスト構築に失敗しました: %w", job.BadgeID, err)
		}
		items = append(items, item{job: job, claimedAt: claimedAt, prompt: prompt, req: req})
	}
	return items, nil
}

// processItem は1ジョブの生成結果を確定する。
// このジョブ内で発生したエラーとpanicは、このジョブのerror確定に閉じ込める。
func (p *Processor) processItem(ctx context.Context, it item) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("バッジ処理中にpanicが発生しました",
				slog.String("badge_id", it.job.BadgeID),
				slog.Any("panic", r),
			)
			p.markError(ctx, it)
		}
	}()

	url, err := p.generate(ctx, it)
	if errors.Is(err, generator.ErrNoResponse) {
		p.logger.Warn("画像生成APIから応答がないためジョブを未処理に戻します",
			slog.String("badge_id", it.job.BadgeID),
			slog.String("error", err.Error()),
		)
		if releaseErr := p.repo.ReleaseClaims(ctx, it.claimedAt, []string{it.job.BadgeID}); releaseErr != nil {
			p.logger.Error("バッジジョブの確保解除に失敗しました",
				slog.String("badge_id", it.job.BadgeID),
				slog.String("error", releaseErr.Error()),
			)
		}
		return
	}
	if err != nil {
		p.logger.Warn("バッジ画像の生成に失敗しました",
			slog.String("badge_id", it.job.BadgeID),
			slog.String("error", err.Error()),
		)
		p.markError(ctx, it)
		return
	}

	if err := p.repo.MarkReady(ctx, it.job.BadgeID, it.claimedAt, it.prompt, url); err != nil {
		p.logger.Error("バッジ完了状態の保存に失敗しました",
			slog.String("badge_id", it.job.BadgeID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, repository.ErrNotClaimed) {
			// 他のワーカーが再確保したジョブには触れない
			return
		}
		p.markError(ctx, it)
		return
	}
	p.metrics.RecordBadgeCompleted(string(model.BadgeStatusReady))
	p.logger.Info("バッジ画像を生成しました",
		slog.String("badge_id", it.job.BadgeID),
		slog.String("artifact_url", url),
	)
}

// generate は画像を生成して保存し、公開URLを返す。
func (p *Processor) generate(ctx context.Context, it item) (string, error) {
	callStart := p.now()
	data, err := p.gen.Do(it.req)
	p.metrics.RecordGenerationLatency(p.now().Sub(callStart))
	if err != nil {
		return "", err
	}

	h, err := p.store.Store(ctx, data, it.job.BadgeID+".jpg")
	if err != nil {
		return "", model.NewStorageFailedError(err.Error())
	}
	if err := p.store.SetPublicReadable(ctx, h); err != nil {
		return "", model.NewStorageFailedError(err.Error())
	}
	return h.URL, nil
}

func (p *Processor) markError(ctx context.Context, it item) {
	if err := p.repo.MarkError(ctx, it.job.BadgeID, it.claimedAt, it.prompt); err != nil {
		p.logger.Error("バッジエラー状態の保存に失敗しました",
			slog.String("badge_id", it.job.BadgeID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.metrics.RecordBadgeCompleted(string(model.BadgeStatusError))
}

func badgeIDs(jobs []*model.BadgeJob) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.BadgeID
	}
	return ids
}
