package crawler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/events"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/notify"
)

// GateConfig 验证门参数。
type GateConfig struct {
	Cooldown     time.Duration // 自动解除前的冷却时间
	PollInterval time.Duration // WaitUntilClear 的轮询间隔
}

// VerifyPayload verify-blocked 事件内容。
type VerifyPayload struct {
	URL   string `json:"url"`
	Until int64  `json:"until"` // 毫秒时间戳
}

// Gate 进程级验证页闩锁。
//
// 任一 worker 命中验证页后暂停所有抓取，冷却结束或人工确认后解除。
// 锁顺序：Gate.mu 先于引擎内部锁，引擎持锁时从不调用 Gate。
type Gate struct {
	mu       sync.Mutex
	state    model.VerifyBlockState
	pauser   PauseSwitch
	store    GateStore
	bus      events.Publisher
	notifier notify.Notifier
	cfg      GateConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewGate 创建验证门。
//
// 参数:
//
//	store: 状态持久化（可为 nil）
//	bus: 事件发布（可为 nil）
//	cfg: 冷却与轮询参数
//	logger: 日志记录器
//
// 返回值:
//
//	*Gate: 验证门实例，引擎创建后需调用 AttachPauser
func NewGate(store GateStore, bus events.Publisher, cfg GateConfig, logger *slog.Logger) *Gate {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Gate{
		store:    store,
		bus:      bus,
		notifier: notify.Nop{},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// AttachPauser 绑定需要被强制暂停的对象（通常是引擎）。
func (g *Gate) AttachPauser(p PauseSwitch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pauser = p
}

// SetNotifier 设置封锁提醒的发送方。
func (g *Gate) SetNotifier(n notify.Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n == nil {
		n = notify.Nop{}
	}
	g.notifier = n
}

// SignalBlocked 记录验证页封锁并暂停引擎。
//
// 已处于封锁状态时不做任何事，第一次信号生效。
//
// 返回值:
//
//	bool: 本次调用是否触发了封锁
func (g *Gate) SignalBlocked(ctx context.Context, url string) bool {
	g.mu.Lock()
	if g.state.Blocked {
		g.mu.Unlock()
		return false
	}

	prevPaused := false
	if g.pauser != nil {
		prevPaused = g.pauser.IsPaused()
		g.pauser.SetPaused(ctx, true)
	}
	until := g.now().Add(g.cfg.Cooldown)
	g.state = model.VerifyBlockState{
		Blocked:        true,
		URL:            url,
		UntilTimestamp: until.UnixMilli(),
		PrevPaused:     prevPaused,
	}
	snapshot := g.state
	notifier := g.notifier
	g.mu.Unlock()

	metrics.VerifyBlocked.Set(1)
	metrics.VerifyBlocksTotal.Inc()
	g.logger.Warn("verification page detected, crawling paused",
		slog.String("url", url),
		slog.Time("until", until),
		slog.Bool("prev_paused", prevPaused))

	g.persist(snapshot)
	g.publish(events.VerifyBlocked, VerifyPayload{URL: url, Until: snapshot.UntilTimestamp})

	go func() {
		alertCtx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		alert := notify.Alert{
			Subject: "Shopee 验证页拦截，抓取已暂停",
			URL:     url,
			Until:   until,
			Detail:  "冷却结束后自动恢复。",
		}
		if err := notifier.Send(alertCtx, alert); err != nil {
			g.logger.Warn("send verify alert failed", slog.String("error", err.Error()))
		}
	}()
	return true
}

// IsBlocked 当前是否处于封锁状态。
func (g *Gate) IsBlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Blocked
}

// State 返回封锁状态的副本。
func (g *Gate) State() model.VerifyBlockState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// WaitUntilClear 阻塞直到封锁被解除；冷却到期时自动解除。
func (g *Gate) WaitUntilClear(ctx context.Context) error {
	for {
		g.mu.Lock()
		blocked := g.state.Blocked
		until := g.state.Until()
		g.mu.Unlock()

		if !blocked {
			return nil
		}
		if !until.IsZero() && !g.now().Before(until) {
			g.logger.Info("verification cooldown elapsed, auto clearing")
			g.Clear(ctx)
			return nil
		}
		if !sleepCtx(ctx, g.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

// Clear 解除封锁并恢复封锁前的暂停状态。
//
// 返回值:
//
//	bool: 调用前是否处于封锁状态
func (g *Gate) Clear(ctx context.Context) bool {
	g.mu.Lock()
	if !g.state.Blocked {
		g.mu.Unlock()
		return false
	}
	prevPaused := g.state.PrevPaused
	url := g.state.URL
	g.state = model.VerifyBlockState{}
	if g.pauser != nil {
		g.pauser.SetPaused(ctx, prevPaused)
	}
	g.mu.Unlock()

	metrics.VerifyBlocked.Set(0)
	g.logger.Info("verification block cleared",
		slog.String("url", url),
		slog.Bool("restored_paused", prevPaused))

	g.persist(model.VerifyBlockState{})
	g.publish(events.VerifyClear, nil)
	return true
}

// Restore 从存储中恢复封锁状态（进程重启后调用）。
func (g *Gate) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	st, err := g.store.LoadVerifyState(ctx)
	if err != nil {
		return err
	}
	if !st.Blocked {
		return nil
	}

	g.mu.Lock()
	g.state = st
	g.mu.Unlock()

	metrics.VerifyBlocked.Set(1)
	g.logger.Warn("verification block restored",
		slog.String("url", st.URL),
		slog.Time("until", st.Until()))
	return nil
}

func (g *Gate) persist(st model.VerifyBlockState) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := g.store.SaveVerifyState(ctx, st); err != nil {
		g.logger.Error("persist verify state failed", slog.String("error", err.Error()))
	}
}

func (g *Gate) publish(t events.Type, payload any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.Event{Type: t, Payload: payload, At: g.now()})
}
