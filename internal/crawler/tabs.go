package crawler

import (
	"context"
	"log/slog"
	"time"
)

// tabLease worker 独占的标签页，生命周期内 获取→替换→释放。
type tabLease struct {
	browser     Browser
	tab         Tab
	openTimeout time.Duration
	logger      *slog.Logger
}

func newTabLease(browser Browser, openTimeout time.Duration, logger *slog.Logger) *tabLease {
	return &tabLease{browser: browser, openTimeout: openTimeout, logger: logger}
}

// Tab 当前持有的标签页，尚未打开时为 nil（由页面驱动按需打开）。
func (l *tabLease) Tab() Tab {
	return l.tab
}

// Set 接管页面驱动返回的标签页。
func (l *tabLease) Set(t Tab) {
	if l.tab != nil && t != l.tab {
		l.closeCurrent()
	}
	l.tab = t
}

// Replace 关闭当前标签页并打开一个空白页。
func (l *tabLease) Replace(ctx context.Context) {
	l.closeCurrent()
	if l.browser == nil {
		return
	}
	t, err := callWithTimeout(ctx, l.openTimeout, func(c context.Context) (Tab, error) {
		return l.browser.OpenTab(c, "about:blank")
	})
	if err != nil {
		// 下一次抓取时由页面驱动重新打开
		l.logger.Warn("reopen worker tab failed", slog.String("error", err.Error()))
		return
	}
	l.tab = t
}

// Release 关闭标签页，worker 退出时必须调用。
func (l *tabLease) Release() {
	l.closeCurrent()
}

func (l *tabLease) closeCurrent() {
	if l.tab == nil {
		return
	}
	if err := l.tab.Close(); err != nil {
		l.logger.Debug("close tab failed", slog.String("tab", l.tab.ID()), slog.String("error", err.Error()))
	}
	l.tab = nil
}

// RestPolicy 决定 worker 何时休息并更换标签页。
type RestPolicy interface {
	// Due 处理完第 processed 条后是否需要休息。
	Due(processed int) bool
	Duration() time.Duration
}

// IntervalRest 每处理 Every 条休息一次，时长在 [Min, Max] 内随机。
type IntervalRest struct {
	Every int
	Min   time.Duration
	Max   time.Duration
}

func (r IntervalRest) Due(processed int) bool {
	return r.Every > 0 && processed > 0 && processed%r.Every == 0
}

func (r IntervalRest) Duration() time.Duration {
	return randomBetween(r.Min, r.Max)
}
