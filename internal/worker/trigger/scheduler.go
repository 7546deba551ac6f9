// Package trigger は一度きりの遅延実行を予約するスケジューラを提供する。
// 予約された実行は単一のコンシューマーループで順に処理されるため、
// 同一プロセス内で実行が重なることはない。
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Handler は予約実行される処理。
type Handler func(ctx context.Context) error

// Scheduled は実行待ちの予約を表す。
type Scheduled struct {
	ID          uint64
	HandlerName string
	RunAt       time.Time
}

// runQueueSize は発火済みで実行待ちの予約を保持するバッファ数。
const runQueueSize = 64

// Scheduler は遅延実行の予約とその実行を管理する。
type Scheduler struct {
	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[uint64]Scheduled
	timers   map[uint64]*time.Timer
	nextID   uint64
	runCh    chan uint64
	logger   *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]Scheduled),
		timers:   make(map[uint64]*time.Timer),
		runCh:    make(chan uint64, runQueueSize),
		logger:   logger,
	}
}

// Register はハンドラー名に処理を登録する。
func (s *Scheduler) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// ListScheduled は実行待ちの予約を実行予定時刻順で返す。
// 実行が始まった予約は含まれない。
func (s *Scheduler) ListScheduled() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scheduled, 0, len(s.pending))
	for _, sc := range s.pending {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

// Schedule はdelay経過後にハンドラーを1回実行する予約を登録する。
func (s *Scheduler) Schedule(name string, delay time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.pending[id] = Scheduled{ID: id, HandlerName: name, RunAt: time.Now().Add(delay)}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	return id
}

// fire はタイマー発火時に予約を実行キューに入れる。
func (s *Scheduler) fire(id uint64) {
	select {
	case s.runCh <- id:
	default:
		s.mu.Lock()
		sc := s.pending[id]
		delete(s.pending, id)
		delete(s.timers, id)
		s.mu.Unlock()
		s.logger.Error("実行キューが満杯のため予約を破棄しました",
			slog.String("handler", sc.HandlerName),
		)
	}
}

// Start はコンテキストがキャンセルされるまで発火した予約を順に実行する。
// 実行待ちのタイマーは停止時にすべて取り消す。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("トリガースケジューラを開始しました")

	for {
		select {
		case <-ctx.Done():
			s.stopTimers()
			s.logger.Info("トリガースケジューラを停止しました")
			return
		case id := <-s.runCh:
			s.run(ctx, id)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, id uint64) {
	s.mu.Lock()
	sc, ok := s.pending[id]
	delete(s.pending, id)
	delete(s.timers, id)
	h := s.handlers[sc.HandlerName]
	s.mu.Unlock()

	if !ok {
		return
	}
	if h == nil {
		s.logger.Error("ハンドラーが登録されていません",
			slog.String("handler", sc.HandlerName),
		)
		return
	}

	start := time.Now()
	if err := safeCall(ctx, h); err != nil {
		s.logger.Error("予約実行に失敗しました",
			slog.String("handler", sc.HandlerName),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("予約実行が完了しました",
		slog.String("handler", sc.HandlerName),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		if t.Stop() {
			delete(s.pending, id)
		}
		delete(s.timers, id)
	}
}

// safeCall はハンドラー内のpanicをエラーに変換する。
func safeCall(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx)
}

// Guard は指定ハンドラーの予約が常に高々1件となるよう予約を保証する。
type Guard struct {
	mu          sync.Mutex
	scheduler   *Scheduler
	handlerName string
	delay       time.Duration
}

// NewGuard はGuardの新しいインスタンスを生成する。
func NewGuard(scheduler *Scheduler, handlerName string, delay time.Duration) *Guard {
	return &Guard{
		scheduler:   scheduler,
		handlerName: handlerName,
		delay:       delay,
	}
}

// EnsureTrigger は対象ハンドラーの予約が無ければ1件だけ登録する。
// 実行中の処理は予約として数えないため、実行中に作成されたジョブも次の予約で処理される。
func (g *Guard) EnsureTrigger() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, sc := range g.scheduler.ListScheduled() {
		if sc.HandlerName == g.handlerName {
			return
		}
	}
	g.scheduler.Schedule(g.handlerName, g.delay)
}
