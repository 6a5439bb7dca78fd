package daily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/config"
	"github.com/xqhhhhhh/shopee-extension/internal/crawler"
	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"
	"github.com/xqhhhhhh/shopee-extension/internal/snapshot"
	"github.com/xqhhhhhh/shopee-extension/internal/store"
)

// 触发来源。
const (
	TriggerAlarm   = "alarm"
	TriggerManual  = "manual"
	TriggerStartup = "startup"
)

const (
	persistTimeout       = 5 * time.Second
	snapshotWriteTimeout = 10 * time.Second
	flushTimeout         = 2 * time.Minute
	batchSource          = "daily"
)

// ErrInvalidSettings 设置校验失败。
var ErrInvalidSettings = errors.New("invalid daily settings")

// BatchRunner 批量引擎中每日任务用到的部分。
type BatchRunner interface {
	Run(ctx context.Context, urls []string, opts crawler.Options) ([]model.ResultPayload, error)
	Running() bool
	OnIdle(fn func())
}

// LinkCollector 类目链接采集。
type LinkCollector interface {
	Collect(ctx context.Context, req crawler.CollectRequest) crawler.CollectResult
}

// StateStore 每日任务的持久化状态。
type StateStore interface {
	LoadSettings(ctx context.Context, defaults model.Settings) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
	LoadDailyStatus(ctx context.Context) (model.DailyStatus, error)
	SaveDailyStatus(ctx context.Context, s model.DailyStatus) error
	LoadCategoryCache(ctx context.Context) (model.CategoryCache, error)
	AppendCategoryURLs(ctx context.Context, categoryURL string, urls []string, now time.Time) (model.CategoryCache, error)
}

// Report 单次每日任务的结果。
type Report struct {
	Trigger        string    `json:"trigger"`
	Deferred       bool      `json:"deferred,omitempty"`
	Skipped        string    `json:"skipped,omitempty"`
	CategoryURL    string    `json:"category_url,omitempty"`
	CacheRefreshed bool      `json:"cache_refreshed"`
	Collected      int       `json:"collected"`
	Total          int       `json:"total"`
	Succeeded      int       `json:"succeeded"`
	SnapshotWrites int       `json:"snapshot_writes"`
	Pruned         int       `json:"pruned"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	NextRunAt      time.Time `json:"next_run_at,omitempty"`
}

// Status config-status 中每日任务相关的部分。
type Status struct {
	model.Settings
	model.DailyStatus
	Enabled        bool      `json:"enabled"`
	Running        bool      `json:"daily_running"`
	Pending        bool      `json:"pending"`
	CacheSize      int       `json:"cache_size"`
	CacheUpdatedAt time.Time `json:"cache_updated_at,omitempty"`
}

// SettingsUpdate 部分更新，nil 字段保持不变。
type SettingsUpdate struct {
	ScheduleTime       *string
	CategoryURL        *string
	CacheUpdateEnabled *bool
}

// Coordinator 每日任务协调器。
//
// 刷新类目缓存、驱动批量引擎、把成功结果写入快照历史，
// 并在随机时刻重新设置下一次运行。引擎忙时任务被记为 pending，
// 引擎空闲或当前任务结束后立即补跑。
type Coordinator struct {
	engine    BatchRunner
	collector LinkCollector
	store     StateStore
	snapshots snapshot.Store
	writer    *snapshot.Writer
	alarm     *Alarm
	cfg       config.DailyConfig
	category  config.CategoryConfig
	logger    *slog.Logger
	now       func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand

	statusMu sync.Mutex

	mu             sync.Mutex
	running        bool
	pending        bool
	pendingTrigger string
	lifeCtx        context.Context
}

// New 创建每日任务协调器，并注册引擎空闲回调。
//
// 参数:
//
//	engine: 批量引擎
//	collector: 类目采集器
//	st: 状态存储
//	snapshots: 快照历史
//	cfg: 应用配置
//	logger: 日志记录器
//
// 返回值:
//
//	*Coordinator: 协调器实例
func New(engine BatchRunner, collector LinkCollector, st StateStore, snapshots snapshot.Store, cfg *config.Config, logger *slog.Logger) *Coordinator {
	writer := snapshot.NewWriter(snapshots, logger, snapshot.WriterOptions{WriteTimeout: snapshotWriteTimeout})

	c := &Coordinator{
		engine:    engine,
		collector: collector,
		store:     st,
		snapshots: snapshots,
		writer:    writer,
		cfg:       cfg.Daily,
		category:  cfg.Category,
		logger:    logger,
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		lifeCtx:   context.Background(),
	}
	c.alarm = NewAlarm(func() { c.Trigger(TriggerAlarm) })
	engine.OnIdle(c.onEngineIdle)
	return c
}

// Start 从持久化的 next_run_at 恢复定时，错过的时刻立即触发。
//
// ctx 同时作为后续定时与 pending 任务的生命周期。
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.lifeCtx = ctx
	c.mu.Unlock()

	if !c.cfg.Enabled {
		c.logger.Info("daily job disabled, alarm not armed")
		return nil
	}

	st, err := c.store.LoadDailyStatus(ctx)
	if err != nil {
		return fmt.Errorf("load daily status: %w", err)
	}
	if st.NextRunAt.IsZero() {
		settings, err := c.store.LoadSettings(ctx, c.defaults())
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		next, err := c.rearm(ctx, settings)
		if err != nil {
			return err
		}
		c.logger.Info("daily job scheduled", slog.Time("next_run_at", next))
		return nil
	}

	c.alarm.Set(st.NextRunAt)
	c.logger.Info("daily job alarm restored",
		slog.Time("next_run_at", st.NextRunAt),
		slog.Bool("missed", !st.NextRunAt.After(c.now())))
	return nil
}

// Close 取消定时并等待未完成的快照写入。
func (c *Coordinator) Close(timeout time.Duration) error {
	c.alarm.Stop()
	return c.writer.Close(timeout)
}

// Trigger 异步运行每日任务（即发即忘）。
func (c *Coordinator) Trigger(trigger string) {
	ctx := c.context()
	go func() {
		if _, err := c.RunDailyJob(ctx, trigger); err != nil && !errors.Is(err, crawler.ErrNoCategory) {
			c.logger.Error("daily job failed",
				slog.String("trigger", trigger),
				slog.String("error", err.Error()))
		}
	}()
}

// RunDailyJob 同步运行一次每日任务。
//
// 引擎或另一个每日任务正在运行时只记录 pending 并返回 Deferred。
//
// 参数:
//
//	ctx: 上下文
//	trigger: 触发来源
//
// 返回值:
//
//	Report: 本次运行结果
//	error: 未配置类目时为 crawler.ErrNoCategory，其余为存储错误
func (c *Coordinator) RunDailyJob(ctx context.Context, trigger string) (Report, error) {
	if !c.acquire(trigger) {
		metrics.DailyRunsTotal.WithLabelValues("deferred").Inc()
		c.logger.Info("daily job deferred, engine busy", slog.String("trigger", trigger))
		return Report{Trigger: trigger, Deferred: true, StartedAt: c.now()}, nil
	}
	defer c.release()

	report, err := c.run(ctx, trigger)
	switch {
	case report.Deferred:
		metrics.DailyRunsTotal.WithLabelValues("deferred").Inc()
	case errors.Is(err, crawler.ErrNoCategory), report.Skipped != "":
		metrics.DailyRunsTotal.WithLabelValues("skipped").Inc()
	case err != nil:
		metrics.DailyRunsTotal.WithLabelValues("error").Inc()
	default:
		metrics.DailyRunsTotal.WithLabelValues("success").Inc()
	}

	c.logger.Info("daily job finished",
		slog.String("trigger", trigger),
		slog.Bool("deferred", report.Deferred),
		slog.String("skipped", report.Skipped),
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("snapshot_writes", report.SnapshotWrites),
		slog.Time("next_run_at", report.NextRunAt))
	return report, err
}

func (c *Coordinator) run(ctx context.Context, trigger string) (Report, error) {
	now := c.now()
	report := Report{Trigger: trigger, StartedAt: now}
	deadline := now.Add(c.cfg.JobDeadline)

	settings, err := c.store.LoadSettings(ctx, c.defaults())
	if err != nil {
		return report, fmt.Errorf("load settings: %w", err)
	}
	report.CategoryURL = settings.CategoryURL

	if settings.CategoryURL == "" {
		report.Skipped = crawler.ErrNoCategory.Error()
		c.complete(ctx, settings, &report, false)
		return report, crawler.ErrNoCategory
	}

	urls, err := c.prepareURLs(ctx, trigger, settings, deadline, &report)
	if err != nil {
		c.complete(ctx, settings, &report, false)
		return report, err
	}
	if len(urls) == 0 {
		report.Skipped = crawler.ErrEmptyQueue.Error()
		c.complete(ctx, settings, &report, false)
		return report, nil
	}

	date := now.Format(snapshot.DateLayout)
	writtenBefore := c.writer.Stats().Written
	results, err := c.engine.Run(ctx, urls, crawler.Options{
		EmitEvents:    false,
		RecordResults: true,
		AllowPause:    false,
		Deadline:      deadline,
		Source:        batchSource,
		OnItem: func(p model.ResultPayload) {
			c.recordSnapshot(ctx, p, date)
		},
	})
	if errors.Is(err, crawler.ErrAlreadyRunning) {
		// 检查之后引擎被其它任务抢先启动
		c.markPending(trigger)
		report.Deferred = true
		return report, nil
	}
	if err != nil {
		c.complete(ctx, settings, &report, false)
		return report, fmt.Errorf("run batch: %w", err)
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	if err := c.writer.Flush(flushCtx); err != nil {
		c.logger.Warn("snapshot writer flush incomplete", slog.String("error", err.Error()))
	}
	cancel()

	pruneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotWriteTimeout)
	pruned, err := c.snapshots.Prune(pruneCtx, c.now())
	cancel()
	if err != nil {
		c.logger.Warn("snapshot prune failed", slog.String("error", err.Error()))
	}

	report.Total = len(results)
	for _, r := range results {
		if r.Result.Success {
			report.Succeeded++
		}
	}
	report.SnapshotWrites = int(c.writer.Stats().Written - writtenBefore)
	report.Pruned = pruned
	c.complete(ctx, settings, &report, true)
	return report, nil
}

// prepareURLs 按需刷新类目缓存，返回本次要抓取的 URL。
func (c *Coordinator) prepareURLs(ctx context.Context, trigger string, settings model.Settings, deadline time.Time, report *Report) ([]string, error) {
	now := c.now()
	cache, err := c.store.LoadCategoryCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("load category cache: %w", err)
	}
	status := store.EvaluateCache(cache, settings.CategoryURL, now, c.cfg.CacheTTL)
	if !needsRefresh(trigger, settings.CacheUpdateEnabled, status) {
		return status.URLs, nil
	}

	budget := deadline.Sub(now)
	if c.category.Budget > 0 && c.category.Budget < budget {
		budget = c.category.Budget
	}
	report.CacheRefreshed = true
	c.logger.Info("refreshing category cache",
		slog.String("category_url", settings.CategoryURL),
		slog.Bool("fresh", status.Fresh),
		slog.Int("cached", len(status.URLs)),
		slog.Duration("budget", budget))

	res := c.collector.Collect(ctx, crawler.CollectRequest{
		CategoryURL: settings.CategoryURL,
		Budget:      budget,
		Paginate:    true,
		MaxPages:    c.category.MaxPages,
		OnPage: func(ctx context.Context, page int, urls []string) {
			if _, err := c.store.AppendCategoryURLs(ctx, settings.CategoryURL, urls, c.now()); err != nil {
				c.logger.Warn("append category urls failed",
					slog.Int("page", page),
					slog.String("error", err.Error()))
			}
		},
	})
	report.Collected = len(res.URLs)

	if len(res.URLs) == 0 {
		c.logger.Warn("category collection yielded nothing, using previous urls",
			slog.String("error", res.Error),
			slog.Bool("blocked", res.Blocked),
			slog.Int("previous", len(status.URLs)))
		return status.URLs, nil
	}

	merged, err := c.store.AppendCategoryURLs(ctx, settings.CategoryURL, res.URLs, c.now())
	if err != nil {
		c.logger.Warn("persist category urls failed", slog.String("error", err.Error()))
		return union(status.URLs, res.URLs), nil
	}
	return merged.URLs, nil
}

// needsRefresh 手动触发、缓存过期、为空或属于其它类目时刷新；
// 关闭自动刷新后只在缓存为空时刷新。
func needsRefresh(trigger string, enabled bool, status store.CacheStatus) bool {
	if status.Empty() {
		return true
	}
	if !enabled {
		return false
	}
	return trigger == TriggerManual || !status.Fresh || !status.Matches
}

func (c *Coordinator) recordSnapshot(ctx context.Context, p model.ResultPayload, date string) {
	if !p.Result.Success || p.Result.Data == nil {
		return
	}
	rec := snapshot.FromProduct(p.Result.Data, p.URL, date, c.now())
	if err := c.writer.Put(ctx, rec); err != nil {
		c.logger.Warn("enqueue snapshot write failed",
			slog.String("url", rec.URL),
			slog.String("error", err.Error()))
	}
}

// complete 记录运行结果并重新设置定时。
func (c *Coordinator) complete(ctx context.Context, settings model.Settings, report *Report, ran bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	next := c.pickNext(settings.ScheduleTime)
	err := c.updateStatus(ctx, func(st *model.DailyStatus) {
		if ran {
			st.LastRunAt = report.StartedAt
			st.LastRunDate = report.StartedAt.Format(snapshot.DateLayout)
			st.LastTrigger = report.Trigger
			st.LastTotal = report.Total
			st.LastSucceeded = report.Succeeded
		}
		st.NextRunAt = next
	})
	if err != nil {
		c.logger.Error("save daily status failed", slog.String("error", err.Error()))
	}
	c.arm(next)
	report.NextRunAt = next
	report.FinishedAt = c.now()
}

// rearm 按设置重新计算下一次运行并持久化。
func (c *Coordinator) rearm(ctx context.Context, settings model.Settings) (time.Time, error) {
	next := c.pickNext(settings.ScheduleTime)
	if err := c.updateStatus(ctx, func(st *model.DailyStatus) { st.NextRunAt = next }); err != nil {
		return time.Time{}, fmt.Errorf("save daily status: %w", err)
	}
	c.arm(next)
	return next, nil
}

// pickNext 未启用每日任务时返回零值。
func (c *Coordinator) pickNext(scheduleTime string) time.Time {
	if !c.cfg.Enabled {
		return time.Time{}
	}
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return PickRandomRunTime(c.now(), scheduleTime, c.cfg.Window, c.cfg.MinHour, c.cfg.MaxHour, c.rnd)
}

func (c *Coordinator) arm(next time.Time) {
	if next.IsZero() {
		c.alarm.Stop()
		return
	}
	c.alarm.Set(next)
}

func (c *Coordinator) updateStatus(ctx context.Context, fn func(*model.DailyStatus)) error {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	st, err := c.store.LoadDailyStatus(ctx)
	if err != nil {
		return err
	}
	fn(&st)
	return c.store.SaveDailyStatus(ctx, st)
}

// UpdateSettings 更新每日任务设置，运行时刻变化时重新设置定时。
//
// 参数:
//
//	ctx: 上下文
//	upd: 要修改的字段
//
// 返回值:
//
//	model.Settings: 更新后的完整设置
//	error: 校验失败时包装 ErrInvalidSettings
func (c *Coordinator) UpdateSettings(ctx context.Context, upd SettingsUpdate) (model.Settings, error) {
	current, err := c.store.LoadSettings(ctx, c.defaults())
	if err != nil {
		return model.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	next := current
	if upd.ScheduleTime != nil {
		next.ScheduleTime = strings.TrimSpace(*upd.ScheduleTime)
		if _, _, err := ParseClock(next.ScheduleTime); err != nil {
			return current, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	if upd.CategoryURL != nil {
		next.CategoryURL = strings.TrimSpace(*upd.CategoryURL)
		if next.CategoryURL != "" {
			u, err := url.Parse(next.CategoryURL)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return current, fmt.Errorf("%w: category url %q", ErrInvalidSettings, next.CategoryURL)
			}
		}
	}
	if upd.CacheUpdateEnabled != nil {
		next.CacheUpdateEnabled = *upd.CacheUpdateEnabled
	}

	if err := c.store.SaveSettings(ctx, next); err != nil {
		return current, fmt.Errorf("save settings: %w", err)
	}
	if next.ScheduleTime != current.ScheduleTime {
		at, err := c.rearm(ctx, next)
		if err != nil {
			return next, err
		}
		c.logger.Info("daily schedule updated",
			slog.String("schedule_time", next.ScheduleTime),
			slog.Time("next_run_at", at))
	}
	return next, nil
}

// Status 返回设置、运行记录与类目缓存概况。
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	settings, err := c.store.LoadSettings(ctx, c.defaults())
	if err != nil {
		return Status{}, fmt.Errorf("load settings: %w", err)
	}
	st, err := c.store.LoadDailyStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load daily status: %w", err)
	}
	cache, err := c.store.LoadCategoryCache(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load category cache: %w", err)
	}

	out := Status{Settings: settings, DailyStatus: st, Enabled: c.cfg.Enabled}
	if cs := store.EvaluateCache(cache, settings.CategoryURL, c.now(), c.cfg.CacheTTL); cs.Matches {
		out.CacheSize = len(cs.URLs)
		out.CacheUpdatedAt = cs.UpdatedAt
	}
	c.mu.Lock()
	out.Running = c.running
	out.Pending = c.pending
	c.mu.Unlock()
	return out, nil
}

func (c *Coordinator) defaults() model.Settings {
	return model.Settings{
		ScheduleTime:       c.cfg.ScheduleTime,
		CategoryURL:        c.cfg.CategoryURL,
		CacheUpdateEnabled: c.cfg.CacheUpdateEnabled,
	}
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifeCtx
}

// acquire 占用运行权；忙时记为 pending 并返回 false。
//
// 锁顺序: Coordinator.mu → Engine.mu。
func (c *Coordinator) acquire(trigger string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.engine.Running() {
		c.pending = true
		c.pendingTrigger = trigger
		return false
	}
	c.running = true
	return true
}

func (c *Coordinator) markPending(trigger string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = true
	c.pendingTrigger = trigger
}

// release 释放运行权；有 pending 且引擎空闲时立即补跑。
func (c *Coordinator) release() {
	c.mu.Lock()
	c.running = false
	trigger, ok := c.takePendingLocked()
	c.mu.Unlock()
	if ok {
		c.Trigger(trigger)
	}
}

// onEngineIdle 引擎结束后补跑 pending 的每日任务。
func (c *Coordinator) onEngineIdle() {
	c.mu.Lock()
	if c.running {
		// 当前每日任务结束时会处理
		c.mu.Unlock()
		return
	}
	trigger, ok := c.takePendingLocked()
	c.mu.Unlock()
	if ok {
		c.logger.Info("engine idle, starting pending daily job", slog.String("trigger", trigger))
		c.Trigger(trigger)
	}
}

func (c *Coordinator) takePendingLocked() (string, bool) {
	if !c.pending || c.engine.Running() {
		return "", false
	}
	c.pending = false
	trigger := c.pendingTrigger
	c.pendingTrigger = ""
	return trigger, true
}

// union 合并两个 URL 列表，保持首次出现顺序。
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

var _ StateStore = (*store.Store)(nil)
