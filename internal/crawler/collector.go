package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"
)

// CollectorTiming 类目采集的节奏参数。
type CollectorTiming struct {
	ListWait         time.Duration // 等待商品列表出现
	ListPoll         time.Duration
	ScrollRatio      float64       // 每次滚动的视口比例
	ScrollInterval   time.Duration // 滚动间隔
	ScrollIdleChecks int           // 数量连续不增长的次数
	ScrollMaxWait    time.Duration // 单页滚动上限
	ScrollSettle     time.Duration // 滚动结束后的等待
	StableChecks     int           // 数量连续不变的次数
	StableInterval   time.Duration
	LinkRounds       int           // 合并解析的轮数
	LinkInterval     time.Duration
	PageRetries      int           // 解析数量少于列表数量时的重试次数
	PageRetryWait    time.Duration
	PageDwell        time.Duration // 翻页前停留
	NextWait         time.Duration // 等待下一页按钮可用
	NextPoll         time.Duration
	ClickRetries     int           // 翻页未确认时的额外点击次数
	ClickRetryWait   time.Duration
	ChangeWait       time.Duration // 点击后等待页面变化
	OpTimeout        time.Duration // 单次标签页操作超时
}

// DefaultCollectorTiming 默认采集节奏。
func DefaultCollectorTiming() CollectorTiming {
	return CollectorTiming{
		ListWait:         30 * time.Second,
		ListPoll:         500 * time.Millisecond,
		ScrollRatio:      0.85,
		ScrollInterval:   1600 * time.Millisecond,
		ScrollIdleChecks: 5,
		ScrollMaxWait:    60 * time.Second,
		ScrollSettle:     1300 * time.Millisecond,
		StableChecks:     3,
		StableInterval:   900 * time.Millisecond,
		LinkRounds:       3,
		LinkInterval:     700 * time.Millisecond,
		PageRetries:      3,
		PageRetryWait:    1800 * time.Millisecond,
		PageDwell:        1500 * time.Millisecond,
		NextWait:         15 * time.Second,
		NextPoll:         500 * time.Millisecond,
		ClickRetries:     2,
		ClickRetryWait:   1200 * time.Millisecond,
		ChangeWait:       10 * time.Second,
		OpTimeout:        15 * time.Second,
	}
}

// 采集警告文案。
const (
	warnNoLinks       = "第%d页未解析到商品链接"
	warnCountMismatch = "第%d页数量校准: 列表%d项，解析%d条"
	warnMaxPages      = "已达到最大翻页数限制（%d页）"
	warnNoNext        = "未找到可用下一页按钮"
	warnNotChanged    = "翻页后页面内容未更新，继续重试"
	warnAdvanceFailed = "第%d页翻页失败，已停止"
	warnBudget        = "已达到采集时间上限，已停止在第%d页"
)

const (
	signatureSize = 5
	onPageTimeout = 5 * time.Second
)

// CollectRequest 类目采集请求。
type CollectRequest struct {
	CategoryURL string
	Budget      time.Duration // 墙钟预算，0 表示只受 ctx 约束
	Paginate    bool
	MaxPages    int
	// OnPage 每页采集到的新链接，立即回调以便增量持久化。
	OnPage func(ctx context.Context, page int, urls []string)
}

// CollectResult 类目采集结果。
type CollectResult struct {
	Success  bool     `json:"success"`
	URLs     []string `json:"urls"`
	Pages    int      `json:"pages"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
	Blocked  bool     `json:"blocked,omitempty"`
}

// Collector 驱动固定的类目标签页翻页并收集商品链接。
type Collector struct {
	browser  Browser
	gate     BlockSignaler
	verifyRe *regexp.Regexp
	timing   CollectorTiming
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) bool

	mu  sync.Mutex
	tab ListTab
}

// NewCollector 创建类目采集器。
func NewCollector(browser Browser, gate BlockSignaler, verifyRe *regexp.Regexp, timing CollectorTiming, logger *slog.Logger) *Collector {
	if verifyRe == nil {
		verifyRe = regexp.MustCompile(`/verify/(traffic|captcha|error)|/verify\b`)
	}
	return &Collector{
		browser:  browser,
		gate:     gate,
		verifyRe: verifyRe,
		timing:   timing,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Collect 采集类目页的商品链接。
//
// 翻页失败、达到页数上限或时间预算用完都只记录警告，已采集的链接照常返回。
//
// 参数:
//
//	ctx: 上下文
//	req: 采集请求
//
// 返回值:
//
//	CollectResult: 采集结果
func (c *Collector) Collect(ctx context.Context, req CollectRequest) CollectResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(req.CategoryURL) == "" {
		return CollectResult{Error: ErrNoCategory.Error()}
	}
	if req.MaxPages <= 0 {
		req.MaxPages = 50
	}
	if req.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Budget)
		defer cancel()
	}

	logger := c.logger.With(slog.String("category_url", req.CategoryURL))
	res := CollectResult{}

	tab, err := c.pinTab(ctx, req.CategoryURL)
	if err != nil {
		res.Error = err.Error()
		logger.Warn("open category tab failed", slog.String("error", err.Error()))
		return res
	}
	if c.checkVerify(ctx, tab, req.CategoryURL) {
		res.Blocked = true
		res.Error = ErrVerificationBlocked.Error()
		return res
	}

	seen := make(map[string]struct{})
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf(warnBudget, page-1))
			break
		}

		links, warnings := c.collectPage(ctx, tab, page)
		res.Warnings = append(res.Warnings, warnings...)
		res.Pages = page

		var fresh []string
		for _, l := range links {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			fresh = append(fresh, l)
		}
		res.URLs = append(res.URLs, fresh...)
		metrics.CategoryPagesTotal.Inc()
		metrics.CategoryURLsTotal.Add(float64(len(fresh)))
		if req.OnPage != nil && len(fresh) > 0 {
			emitPage(ctx, req.OnPage, page, fresh)
		}
		logger.Info("category page collected",
			slog.Int("page", page),
			slog.Int("links", len(links)),
			slog.Int("new", len(fresh)))

		if !req.Paginate {
			break
		}
		if page >= req.MaxPages {
			res.Warnings = append(res.Warnings, fmt.Sprintf(warnMaxPages, req.MaxPages))
			break
		}
		if ctx.Err() != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf(warnBudget, page))
			break
		}

		advanced, warnings := c.advance(ctx, tab, links, page)
		res.Warnings = append(res.Warnings, warnings...)
		if c.checkVerify(ctx, tab, req.CategoryURL) {
			res.Blocked = true
			res.Error = ErrVerificationBlocked.Error()
			return res
		}
		if !advanced {
			break
		}
	}

	res.Success = true
	logger.Info("category collection finished",
		slog.Int("pages", res.Pages),
		slog.Int("urls", len(res.URLs)),
		slog.Int("warnings", len(res.Warnings)))
	return res
}

// Close 关闭固定的类目标签页。
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab != nil {
		_ = c.tab.Close()
		c.tab = nil
	}
}

// pinTab 复用固定标签页导航到类目页；复用失败时重新打开一次。
func (c *Collector) pinTab(ctx context.Context, categoryURL string) (ListTab, error) {
	if c.tab != nil {
		err := c.op(ctx, func(opCtx context.Context) error {
			if err := c.tab.Navigate(opCtx, categoryURL); err != nil {
				return err
			}
			return c.tab.WaitLoad(opCtx)
		})
		if err == nil {
			return c.tab, nil
		}
		c.logger.Warn("reuse category tab failed, reopening", slog.String("error", err.Error()))
		_ = c.tab.Close()
		c.tab = nil
	}

	tab, err := callWithTimeout(ctx, c.timing.OpTimeout, func(opCtx context.Context) (ListTab, error) {
		t, err := c.browser.OpenListTab(opCtx, categoryURL)
		if err != nil {
			return nil, err
		}
		if err := t.WaitLoad(opCtx); err != nil {
			_ = t.Close()
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("open category tab: %w", ErrPageLoadTimeout)
		}
		return nil, fmt.Errorf("open category tab: %w", err)
	}
	c.tab = tab
	return tab, nil
}

func (c *Collector) checkVerify(ctx context.Context, tab ListTab, categoryURL string) bool {
	current, err := tab.CurrentURL(ctx)
	if err != nil || !c.verifyRe.MatchString(current) {
		return false
	}
	c.logger.Warn("verification interstitial on category page", slog.String("current_url", current))
	if c.gate != nil {
		c.gate.SignalBlocked(ctx, categoryURL)
	}
	return true
}

// collectPage 等待列表、滚动加载、稳定后多轮合并解析链接。
func (c *Collector) collectPage(ctx context.Context, tab ListTab, page int) ([]string, []string) {
	t := c.timing
	var warnings []string

	c.waitForItems(ctx, tab)
	c.autoScroll(ctx, tab)
	c.waitForStableCount(ctx, tab)

	var links []string
	count := 0
	for attempt := 1; attempt <= max(1, t.PageRetries); attempt++ {
		links = c.mergedLinks(ctx, tab)
		count = c.count(ctx, tab)
		if len(links) >= count || ctx.Err() != nil {
			break
		}
		if attempt < t.PageRetries && !c.sleep(ctx, t.PageRetryWait) {
			break
		}
	}

	switch {
	case len(links) == 0:
		warnings = append(warnings, fmt.Sprintf(warnNoLinks, page))
	case count > 0 && count != len(links):
		warnings = append(warnings, fmt.Sprintf(warnCountMismatch, page, count, len(links)))
	}

	c.sleep(ctx, t.PageDwell)
	return links, warnings
}

func (c *Collector) waitForItems(ctx context.Context, tab ListTab) {
	deadline := time.Now().Add(c.timing.ListWait)
	for time.Now().Before(deadline) {
		if c.count(ctx, tab) > 0 {
			return
		}
		if !c.sleep(ctx, c.timing.ListPoll) {
			return
		}
	}
}

// autoScroll 逐步下滚直到商品数量连续若干次不再增长。
func (c *Collector) autoScroll(ctx context.Context, tab ListTab) {
	t := c.timing
	deadline := time.Now().Add(t.ScrollMaxWait)
	last := c.count(ctx, tab)
	idle := 0
	for idle < t.ScrollIdleChecks && time.Now().Before(deadline) {
		atBottom := false
		_ = c.op(ctx, func(opCtx context.Context) error {
			var err error
			atBottom, err = tab.ScrollBy(opCtx, t.ScrollRatio)
			return err
		})
		if !c.sleep(ctx, t.ScrollInterval) {
			return
		}
		n := c.count(ctx, tab)
		if n > last {
			last = n
			idle = 0
			continue
		}
		idle++
		if atBottom && idle >= 2 {
			break
		}
	}
	_ = c.op(ctx, tab.ScrollTop)
	c.sleep(ctx, t.ScrollSettle)
}

func (c *Collector) waitForStableCount(ctx context.Context, tab ListTab) {
	t := c.timing
	last := c.count(ctx, tab)
	stable := 0
	for i := 0; i < t.StableChecks*3 && stable < t.StableChecks; i++ {
		if !c.sleep(ctx, t.StableInterval) {
			return
		}
		n := c.count(ctx, tab)
		if n == last && n > 0 {
			stable++
		} else {
			stable = 0
			last = n
		}
	}
}

// mergedLinks 多轮解析并合并，应对部分渲染。
func (c *Collector) mergedLinks(ctx context.Context, tab ListTab) []string {
	seen := make(map[string]struct{})
	var out []string
	rounds := max(1, c.timing.LinkRounds)
	for round := 0; round < rounds; round++ {
		links, err := callWithTimeout(ctx, c.timing.OpTimeout, tab.ItemLinks)
		if err != nil {
			c.logger.Debug("parse item links failed", slog.String("error", err.Error()))
		}
		for _, l := range links {
			if _, ok := seen[l]; !ok {
				seen[l] = struct{}{}
				out = append(out, l)
			}
		}
		if round < rounds-1 && !c.sleep(ctx, c.timing.LinkInterval) {
			break
		}
	}
	return out
}

// advance 点击下一页并确认页面确实发生了变化。
func (c *Collector) advance(ctx context.Context, tab ListTab, prevLinks []string, page int) (bool, []string) {
	t := c.timing
	var warnings []string

	state := NextMissing
	deadline := time.Now().Add(t.NextWait)
	for {
		s, err := callWithTimeout(ctx, t.OpTimeout, tab.NextPage)
		if err == nil {
			state = s
		}
		if state == NextReady || !time.Now().Before(deadline) {
			break
		}
		if !c.sleep(ctx, t.NextPoll) {
			break
		}
	}
	if state != NextReady {
		return false, append(warnings, warnNoNext)
	}

	prevSig := linkSignature(prevLinks)
	prevPage := c.pageParam(ctx, tab)

	for attempt := 0; attempt <= t.ClickRetries; attempt++ {
		if err := c.op(ctx, tab.ClickNext); err != nil {
			c.logger.Debug("click next failed", slog.String("error", err.Error()))
		}
		if c.waitForChange(ctx, tab, prevSig, prevPage) {
			return true, warnings
		}
		if ctx.Err() != nil {
			break
		}
		warnings = append(warnings, warnNotChanged)
		if attempt < t.ClickRetries && !c.sleep(ctx, t.ClickRetryWait) {
			break
		}
	}
	return false, append(warnings, fmt.Sprintf(warnAdvanceFailed, page))
}

func (c *Collector) waitForChange(ctx context.Context, tab ListTab, prevSig string, prevPage string) bool {
	deadline := time.Now().Add(c.timing.ChangeWait)
	for {
		if p := c.pageParam(ctx, tab); p != "" && p != prevPage {
			return true
		}
		links, err := callWithTimeout(ctx, c.timing.OpTimeout, tab.ItemLinks)
		if err == nil && len(links) > 0 && linkSignature(links) != prevSig {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		if !c.sleep(ctx, c.timing.ListPoll) {
			return false
		}
	}
}

func (c *Collector) pageParam(ctx context.Context, tab ListTab) string {
	current, err := tab.CurrentURL(ctx)
	if err != nil {
		return ""
	}
	u, err := url.Parse(current)
	if err != nil {
		return ""
	}
	return u.Query().Get("page")
}

func (c *Collector) count(ctx context.Context, tab ListTab) int {
	n, err := callWithTimeout(ctx, c.timing.OpTimeout, tab.ItemCount)
	if err != nil {
		return 0
	}
	return n
}

func (c *Collector) op(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := callWithTimeout(ctx, c.timing.OpTimeout, func(opCtx context.Context) (struct{}, error) {
		return struct{}{}, fn(opCtx)
	})
	return err
}

// linkSignature 前几个链接拼成的签名，用于判断是否真的翻页。
func linkSignature(links []string) string {
	if len(links) > signatureSize {
		links = links[:signatureSize]
	}
	return strings.Join(links, "|")
}

// emitPage 回调 OnPage。回调不受采集预算约束，只有自身的短超时，
// 预算恰好耗尽时本页链接依然能落盘。
func emitPage(ctx context.Context, onPage func(context.Context, int, []string), page int, urls []string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), onPageTimeout)
	defer cancel()
	onPage(pctx, page, urls)
}
