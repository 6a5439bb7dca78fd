package crawler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/config"
	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/events"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"

	"github.com/google/uuid"
)

// GateWaiter 引擎对验证门的依赖。
type GateWaiter interface {
	IsBlocked() bool
	WaitUntilClear(ctx context.Context) error
}

// EngineConfig 批量引擎参数。
type EngineConfig struct {
	Concurrency          int
	IncompleteRetryLimit int
	RetryRounds          int
	RetryRoundDelay      time.Duration
	GapMin               time.Duration
	GapMax               time.Duration
	PausePoll            time.Duration
	TabOpenTimeout       time.Duration // 休息后重开标签页的超时
}

const defaultTabOpenTimeout = 15 * time.Second

// EngineConfigFrom 从应用配置构造引擎参数。
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	return EngineConfig{
		Concurrency:          cfg.Batch.Concurrency,
		IncompleteRetryLimit: cfg.Batch.IncompleteRetryLimit,
		RetryRounds:          cfg.Batch.RetryRounds,
		RetryRoundDelay:      cfg.Batch.RetryRoundDelay,
		GapMin:               cfg.Batch.GapMin,
		GapMax:               cfg.Batch.GapMax,
		PausePoll:            cfg.Batch.PausePoll,
		TabOpenTimeout:       cfg.Browser.PageTimeout,
	}
}

// Options 单次批量运行的选项。
type Options struct {
	EmitEvents    bool                       // 广播 batch-progress / batch-complete
	RecordResults bool                       // 把结果写入持久化状态
	AllowPause    bool                       // 是否响应暂停命令
	Deadline      time.Time                  // 墙钟截止时间，零值表示不限
	OnItem        func(model.ResultPayload)  // 每条尝试完成后的回调
	Concurrency   int                        // 覆盖默认并发，0 表示使用当前设置
	Source        string                     // 触发来源标签（popup / daily / resume）
	OnAccept      func()                     // 运行被接受后、worker 启动前调用，持有引擎锁，不可回调引擎
}

// Status 引擎状态快照。
type Status struct {
	Running     bool      `json:"running"`
	Paused      bool      `json:"paused"`
	Remaining   int       `json:"remaining"`
	Concurrency int       `json:"concurrency"`
	Processed   int       `json:"processed"`
	Total       int       `json:"total"`
	Round       int       `json:"round"`
	RunID       string    `json:"run_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// CompletePayload batch-complete 事件内容。
type CompletePayload struct {
	RunID   string                `json:"run_id"`
	Results []model.ResultPayload `json:"results"`
}

// engineState 引擎的全部可变状态，只能在持有 Engine.mu 时访问。
type engineState struct {
	queue       []string
	running     bool
	paused      bool
	concurrency int
	results     map[string]model.ResultPayload
	order       []string
	index       map[string]int
	retries     map[string]int
	processed   int
	round       int
	runID       string
	source      string
	startedAt   time.Time
	record      bool
	interrupted bool
	version     uint64
}

// Engine 批量抓取引擎。
//
// 同一时刻最多一个批量任务在运行。每个 worker 独占一个标签页，
// 从共享队列中取 URL，交给 Fetcher 处理并记录结果。
type Engine struct {
	fetcher Fetcher
	browser Browser
	gate    GateWaiter
	store   StateStore
	bus     events.Publisher
	rest    RestPolicy
	cfg     EngineConfig
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool

	mu   sync.Mutex
	st   engineState
	idle []func()

	persistMu    sync.Mutex
	savedVersion uint64

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	runs       sync.WaitGroup
}

// NewEngine 创建批量引擎。
//
// 参数:
//
//	fetcher: 页面驱动
//	browser: 休息周期中用于重开标签页（可为 nil）
//	gate: 验证门（可为 nil）
//	store: 状态持久化（可为 nil）
//	bus: 事件发布（可为 nil）
//	rest: 休息策略（可为 nil，表示不休息）
//	cfg: 引擎参数
//	logger: 日志记录器
func NewEngine(fetcher Fetcher, browser Browser, gate GateWaiter, store StateStore, bus events.Publisher, rest RestPolicy, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.IncompleteRetryLimit < 0 {
		cfg.IncompleteRetryLimit = 0
	}
	if cfg.RetryRounds < 0 {
		cfg.RetryRounds = 0
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = time.Second
	}
	if cfg.TabOpenTimeout <= 0 {
		cfg.TabOpenTimeout = defaultTabOpenTimeout
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Engine{
		fetcher:    fetcher,
		browser:    browser,
		gate:       gate,
		store:      store,
		bus:        bus,
		rest:       rest,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
		st:         engineState{concurrency: config.NormalizeConcurrency(cfg.Concurrency)},
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
}

// Run 同步执行一次批量抓取，返回每个 URL 的最新结果。
//
// 到达截止时间时提前结束并返回部分结果，不视为错误。
//
// 返回值:
//
//	[]model.ResultPayload: 按首次出现顺序排列的结果
//	error: ErrAlreadyRunning / ErrEmptyQueue
func (e *Engine) Run(ctx context.Context, urls []string, opts Options) ([]model.ResultPayload, error) {
	if err := e.begin(urls, opts); err != nil {
		return nil, err
	}
	e.runs.Add(1)
	defer e.runs.Done()

	e.execute(ctx, opts)
	return e.finish(ctx, opts), nil
}

// Start 异步执行批量抓取，启动校验失败时同步返回错误。
//
// 运行使用引擎自身的生命周期 context，调用方的 ctx 只用于校验阶段。
func (e *Engine) Start(ctx context.Context, urls []string, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.begin(urls, opts); err != nil {
		return err
	}
	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		e.execute(e.lifeCtx, opts)
		e.finish(e.lifeCtx, opts)
	}()
	return nil
}

// Shutdown 取消正在运行的批量任务并等待 worker 退出。
func (e *Engine) Shutdown(timeout time.Duration) {
	e.lifeCancel()
	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("engine shutdown timeout", slog.Duration("timeout", timeout))
	}
}

func (e *Engine) begin(urls []string, opts Options) error {
	queue := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			queue = append(queue, u)
		}
	}

	e.mu.Lock()
	if e.st.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(queue) == 0 {
		e.mu.Unlock()
		return ErrEmptyQueue
	}
	if opts.OnAccept != nil {
		opts.OnAccept()
	}

	concurrency := e.st.concurrency
	if opts.Concurrency > 0 {
		concurrency = config.NormalizeConcurrency(opts.Concurrency)
	}
	st := engineState{
		queue:       queue,
		running:     true,
		concurrency: concurrency,
		results:     make(map[string]model.ResultPayload, len(queue)),
		index:       make(map[string]int, len(queue)),
		retries:     make(map[string]int),
		runID:       uuid.NewString(),
		source:      opts.Source,
		startedAt:   e.now(),
		record:      opts.RecordResults,
		version:     e.st.version,
	}
	for _, u := range queue {
		if _, ok := st.index[u]; !ok {
			st.index[u] = len(st.order)
			st.order = append(st.order, u)
		}
	}
	e.st = st
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	metrics.ConfiguredConcurrency.Set(float64(concurrency))
	metrics.QueueDepth.Set(float64(len(queue)))
	e.logger.Info("batch started",
		slog.String("run_id", st.runID),
		slog.String("source", opts.Source),
		slog.Int("urls", len(queue)),
		slog.Int("concurrency", concurrency))
	e.persist(snapshot)
	return nil
}

// execute 主轮次加上轮后重试。
func (e *Engine) execute(ctx context.Context, opts Options) {
	for round := 0; ; round++ {
		e.runPool(ctx, opts)

		if ctx.Err() != nil || e.deadlinePassed(opts) {
			return
		}
		if round >= e.cfg.RetryRounds {
			return
		}

		retry := e.roundRetries()
		if len(retry) == 0 {
			return
		}
		e.logger.Info("incomplete items left, scheduling retry round",
			slog.Int("round", round+1),
			slog.Int("items", len(retry)),
			slog.Duration("delay", e.cfg.RetryRoundDelay))
		metrics.RetriesTotal.WithLabelValues("round").Add(float64(len(retry)))

		if !e.sleepBounded(ctx, e.cfg.RetryRoundDelay, opts) {
			return
		}
		e.startRound(round+1, retry)
	}
}

func (e *Engine) runPool(ctx context.Context, opts Options) {
	e.mu.Lock()
	workers := min(e.st.concurrency, len(e.st.queue))
	e.mu.Unlock()
	workers = max(1, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id, opts)
		}(i)
	}
	wg.Wait()
}

// roundRetries 按最新结果挑出需要整页重试的 URL（去重，保持顺序）。
func (e *Engine) roundRetries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, u := range e.st.order {
		p, ok := e.st.results[u]
		if !ok || !needsRoundRetry(p.Result) {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (e *Engine) startRound(round int, urls []string) {
	e.mu.Lock()
	e.st.round = round
	e.st.queue = append([]string(nil), urls...)
	e.st.retries = make(map[string]int)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	metrics.QueueDepth.Set(float64(len(urls)))
	e.persist(snapshot)
}

// finish 结束运行。ctx 被取消且队列未空时标记为中断，重启后 Restore 会交回剩余队列。
func (e *Engine) finish(ctx context.Context, opts Options) []model.ResultPayload {
	e.mu.Lock()
	e.st.running = false
	remaining := len(e.st.queue)
	e.st.interrupted = ctx.Err() != nil && remaining > 0
	interrupted := e.st.interrupted
	runID := e.st.runID
	results := e.resultsLocked()
	snapshot := e.snapshotLocked()
	listeners := append([]func(){}, e.idle...)
	e.mu.Unlock()

	e.persist(snapshot)
	metrics.QueueDepth.Set(float64(remaining))

	e.logger.Info("batch finished",
		slog.String("run_id", runID),
		slog.Int("results", len(results)),
		slog.Int("remaining", remaining),
		slog.Bool("interrupted", interrupted))

	if opts.EmitEvents {
		e.publish(events.BatchComplete, CompletePayload{RunID: runID, Results: results})
	}
	for _, fn := range listeners {
		go fn()
	}
	return results
}

// OnIdle 注册批量任务结束后的回调（在新的 goroutine 中执行）。
func (e *Engine) OnIdle(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idle = append(e.idle, fn)
}

// Running 是否有批量任务在运行。
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.running
}

// IsPaused 实现 PauseSwitch。
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.paused
}

// SetPaused 实现 PauseSwitch，修改后立即持久化。
func (e *Engine) SetPaused(_ context.Context, paused bool) {
	e.mu.Lock()
	if e.st.paused == paused {
		e.mu.Unlock()
		return
	}
	e.st.paused = paused
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Info("batch pause state changed", slog.Bool("paused", paused))
	e.persist(snapshot)
}

// Pause 暂停：worker 继续轮询但不再取新 URL。
func (e *Engine) Pause(ctx context.Context) { e.SetPaused(ctx, true) }

// Resume 恢复。
func (e *Engine) Resume(ctx context.Context) { e.SetPaused(ctx, false) }

// SetConcurrency 修改并发数，下一轮 worker 池生效。
func (e *Engine) SetConcurrency(n int) int {
	n = config.NormalizeConcurrency(n)
	e.mu.Lock()
	e.st.concurrency = n
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	metrics.ConfiguredConcurrency.Set(float64(n))
	e.persist(snapshot)
	return n
}

// Status 返回状态快照。
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:     e.st.running,
		Paused:      e.st.paused,
		Remaining:   len(e.st.queue),
		Concurrency: e.st.concurrency,
		Processed:   e.st.processed,
		Total:       len(e.st.order),
		Round:       e.st.round,
		RunID:       e.st.runID,
		Source:      e.st.source,
		StartedAt:   e.st.startedAt,
	}
}

// Results 返回每个 URL 的最新结果，按首次出现顺序排列。
func (e *Engine) Results() []model.ResultPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resultsLocked()
}

// Restore 从存储中恢复上次的状态。
//
// 上次运行被进程重启打断时返回未处理完的队列，是否继续由调用方决定。
func (e *Engine) Restore(ctx context.Context) ([]string, error) {
	if e.store == nil {
		return nil, nil
	}
	st, err := e.store.LoadBatchState(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.st.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	restored := engineState{
		queue:     append([]string(nil), st.Queue...),
		paused:    st.Paused,
		results:   make(map[string]model.ResultPayload, len(st.Results)),
		index:     make(map[string]int, len(st.Results)),
		retries:   make(map[string]int),
		processed: st.Processed,
		round:     st.Round,
		runID:     st.RunID,
		source:    st.Source,
		startedAt: st.StartedAt,
		record:    len(st.Results) > 0,
		version:   e.st.version,
	}
	restored.concurrency = e.st.concurrency
	if st.Concurrency > 0 {
		restored.concurrency = config.NormalizeConcurrency(st.Concurrency)
	}
	for _, p := range st.Results {
		if _, ok := restored.index[p.URL]; !ok {
			restored.index[p.URL] = len(restored.order)
			restored.order = append(restored.order, p.URL)
		}
		restored.results[p.URL] = p
	}
	e.st = restored
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	var interrupted []string
	if (st.Running || st.Interrupted) && len(st.Queue) > 0 {
		interrupted = append(interrupted, st.Queue...)
		e.logger.Warn("previous batch was interrupted",
			slog.String("run_id", st.RunID),
			slog.Int("remaining", len(st.Queue)))
	}
	e.persist(snapshot)
	return interrupted, nil
}

func (e *Engine) resultsLocked() []model.ResultPayload {
	out := make([]model.ResultPayload, 0, len(e.st.results))
	for _, u := range e.st.order {
		if p, ok := e.st.results[u]; ok {
			out = append(out, p)
		}
	}
	return out
}

// snapshotLocked 生成持久化快照并递增版本号。
func (e *Engine) snapshotLocked() versionedState {
	e.st.version++
	st := model.BatchState{
		Queue:       append([]string(nil), e.st.queue...),
		Running:     e.st.running,
		Interrupted: e.st.interrupted,
		Paused:      e.st.paused,
		Concurrency: e.st.concurrency,
		RunID:       e.st.runID,
		Source:      e.st.source,
		Round:       e.st.round,
		Processed:   e.st.processed,
		Total:       len(e.st.order),
		StartedAt:   e.st.startedAt,
		UpdatedAt:   e.now(),
	}
	if e.st.record {
		st.Results = e.resultsLocked()
	}
	return versionedState{version: e.st.version, state: st}
}

type versionedState struct {
	version uint64
	state   model.BatchState
}

// persist 写入存储；并发写入时丢弃比已写入版本更旧的快照。
func (e *Engine) persist(v versionedState) {
	if e.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if v.version <= e.savedVersion {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := e.store.SaveBatchState(ctx, v.state); err != nil {
		e.logger.Error("persist batch state failed", slog.String("error", err.Error()))
		return
	}
	e.savedVersion = v.version
}

func (e *Engine) publish(t events.Type, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Type: t, Payload: payload, At: e.now()})
}

func (e *Engine) deadlinePassed(opts Options) bool {
	return !opts.Deadline.IsZero() && !e.now().Before(opts.Deadline)
}

// sleepBounded 睡眠 d，但不超过截止时间；返回 false 表示应停止。
func (e *Engine) sleepBounded(ctx context.Context, d time.Duration, opts Options) bool {
	if !opts.Deadline.IsZero() {
		left := opts.Deadline.Sub(e.now())
		if left <= 0 {
			return false
		}
		if d > left {
			d = left
		}
	}
	return e.sleep(ctx, d) && !e.deadlinePassed(opts)
}
