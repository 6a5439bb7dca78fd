package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/config"
	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"
)

// Fetcher 抓取单个 URL。
type Fetcher interface {
	FetchOne(ctx context.Context, url string, tab Tab) (model.ExtractionResult, Tab)
}

// BlockSignaler 接收验证页信号。
type BlockSignaler interface {
	SignalBlocked(ctx context.Context, url string) bool
}

// DriverConfig 页面驱动参数。
type DriverConfig struct {
	PageTimeout time.Duration  // 加载与提取各自的超时
	JitterMin   time.Duration  // 加载完成后、提取前的随机等待
	JitterMax   time.Duration
	VerifyRe    *regexp.Regexp // 验证页 URL 特征
}

// DriverConfigFrom 从应用配置构造页面驱动参数。
func DriverConfigFrom(cfg *config.Config) (DriverConfig, error) {
	re, err := regexp.Compile(cfg.Verify.URLPattern)
	if err != nil {
		return DriverConfig{}, fmt.Errorf("compile verify url pattern: %w", err)
	}
	return DriverConfig{
		PageTimeout: cfg.Browser.PageTimeout,
		JitterMin:   cfg.Batch.JitterMin,
		JitterMax:   cfg.Batch.JitterMax,
		VerifyRe:    re,
	}, nil
}

// PageDriver 驱动单个标签页完成 加载→等待→验证页检测→提取 的流程。
type PageDriver struct {
	browser Browser
	gate    BlockSignaler
	limiter Limiter
	cfg     DriverConfig
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) bool

	mu      sync.RWMutex
	session model.SessionBinding
}

// NewPageDriver 创建页面驱动。
//
// 参数:
//
//	browser: 标签页工厂
//	gate: 验证门
//	limiter: 导航限流（可为 nil）
//	cfg: 超时与随机等待参数
//	logger: 日志记录器
func NewPageDriver(browser Browser, gate BlockSignaler, limiter Limiter, cfg DriverConfig, logger *slog.Logger) *PageDriver {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 45 * time.Second
	}
	if cfg.VerifyRe == nil {
		cfg.VerifyRe = regexp.MustCompile(`/verify/(traffic|captcha|error)|/verify\b`)
	}
	return &PageDriver{
		browser: browser,
		gate:    gate,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// BindSession 绑定批量任务使用的浏览器会话。
func (d *PageDriver) BindSession(s model.SessionBinding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = s
}

// Session 返回当前绑定的会话。
func (d *PageDriver) Session() model.SessionBinding {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

// IsVerifyURL 判断 URL 是否为验证页。
func (d *PageDriver) IsVerifyURL(u string) bool {
	return d.cfg.VerifyRe.MatchString(u)
}

// FetchOne 抓取一个商品详情页。
//
// tab 为 nil 时在 url 上新开标签页，否则复用该标签页导航到 url。
// 返回的标签页归调用方所有（可能是新开的）。
//
// 参数:
//
//	ctx: 上下文
//	url: 商品详情页 URL
//	tab: 复用的标签页（可为 nil）
//
// 返回值:
//
//	model.ExtractionResult: 本次尝试的结果，命中验证页时 Blocked 为 true
//	Tab: 调用方之后应复用或关闭的标签页
func (d *PageDriver) FetchOne(ctx context.Context, url string, tab Tab) (model.ExtractionResult, Tab) {
	if d.Session().Incognito {
		return d.fail(url, ErrIncognitoUnsupported), tab
	}

	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx); err != nil {
			return d.fail(url, fmt.Errorf("navigation pacing: %w", err)), tab
		}
	}

	loadStart := time.Now()
	if tab == nil {
		opened, err := callWithTimeout(ctx, d.cfg.PageTimeout, func(c context.Context) (Tab, error) {
			return d.browser.OpenTab(c, url)
		})
		if err != nil {
			return d.fail(url, d.timeoutAs(err, ErrPageLoadTimeout, "open tab")), nil
		}
		tab = opened
	} else {
		_, err := callWithTimeout(ctx, d.cfg.PageTimeout, func(c context.Context) (struct{}, error) {
			return struct{}{}, tab.Navigate(c, url)
		})
		if err != nil {
			return d.fail(url, d.timeoutAs(err, ErrPageLoadTimeout, "navigate")), tab
		}
	}

	_, err := callWithTimeout(ctx, d.cfg.PageTimeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, tab.WaitLoad(c)
	})
	if err != nil {
		return d.fail(url, d.timeoutAs(err, ErrPageLoadTimeout, "wait load")), tab
	}
	metrics.PageLoadDuration.Observe(time.Since(loadStart).Seconds())

	// 读不到地址时无法排除验证页，按失败处理
	current, err := tab.CurrentURL(ctx)
	if err != nil {
		return d.fail(url, fmt.Errorf("read current url: %w", err)), tab
	}
	if d.IsVerifyURL(current) {
		d.logger.Warn("verification interstitial reached",
			slog.String("url", url),
			slog.String("current_url", current))
		if d.gate != nil {
			d.gate.SignalBlocked(ctx, url)
		}
		d.drainLimiter(ctx)
		metrics.ItemErrorsTotal.WithLabelValues(classifyError(ErrVerificationBlocked)).Inc()
		return model.Blocked(ErrVerificationBlocked.Error()), tab
	}

	if !d.sleep(ctx, randomBetween(d.cfg.JitterMin, d.cfg.JitterMax)) {
		return d.fail(url, ctx.Err()), tab
	}

	res, err := callWithTimeout(ctx, d.cfg.PageTimeout, func(c context.Context) (model.ExtractionResult, error) {
		return tab.Extract(c)
	})
	if err != nil {
		return d.fail(url, d.timeoutAs(err, ErrContentScriptTimeout, "extract")), tab
	}
	if res.Success && res.Data != nil && res.Data.URL == "" {
		res.Data.URL = url
	}
	if !res.Success && !res.Blocked {
		metrics.ItemErrorsTotal.WithLabelValues(classifyError(errors.New(res.Error))).Inc()
	}
	return res, tab
}

func (d *PageDriver) drainLimiter(ctx context.Context) {
	drainer, ok := d.limiter.(Drainer)
	if !ok {
		return
	}
	if _, err := drainer.Drain(ctx); err != nil {
		d.logger.Warn("drain navigation limiter failed", slog.String("error", err.Error()))
	}
}

// timeoutAs 超时错误映射为指定的哨兵错误，其它错误加上阶段前缀。
func (d *PageDriver) timeoutAs(err error, sentinel error, phase string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", sentinel, d.cfg.PageTimeout)
	}
	return fmt.Errorf("%s: %w", phase, err)
}

func (d *PageDriver) fail(url string, err error) model.ExtractionResult {
	metrics.ItemErrorsTotal.WithLabelValues(classifyError(err)).Inc()
	d.logger.Warn("fetch item failed", slog.String("url", url), slog.String("error", err.Error()))
	return model.Failed(err)
}
