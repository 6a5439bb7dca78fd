package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/crawler"
	"github.com/xqhhhhhh/shopee-extension/internal/extract"
	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"

	"github.com/go-rod/rod"
)

var errNoNextButton = errors.New("next page button not found")

// tab 包装 rod.Page 实现 crawler.Tab。
type tab struct {
	page *rod.Page
	svc  *Service

	closeOnce sync.Once
}

func newTab(page *rod.Page, svc *Service) *tab {
	return &tab{page: page, svc: svc}
}

func (t *tab) ID() string { return string(t.page.TargetID) }

func (t *tab) Navigate(ctx context.Context, url string) error {
	if err := t.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

// WaitLoad 等待 load 事件，再尽量等到网络空闲（数据模块依赖异步接口）。
func (t *tab) WaitLoad(ctx context.Context) error {
	p := t.page.Context(ctx)
	if err := p.WaitLoad(); err != nil {
		t.svc.logPageTimeout("wait_load", t.page, err)
		return err
	}

	waitIdle := p.WaitRequestIdle(requestIdleWait, nil, nil, nil)
	idleCtx, cancel := context.WithTimeout(ctx, requestIdleTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		waitIdle()
		close(done)
	}()
	select {
	case <-done:
	case <-idleCtx.Done():
		t.svc.logger.Debug("request idle not reached, continuing", slog.String("target", t.ID()))
	}
	return ctx.Err()
}

func (t *tab) CurrentURL(ctx context.Context) (string, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Extract 反复读取页面 HTML，直到数据模块渲染稳定。
func (t *tab) Extract(ctx context.Context) (model.ExtractionResult, error) {
	res := extract.Run(ctx, t.snapshot, t.svc.wait, time.Now)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (t *tab) snapshot(ctx context.Context) (string, string, error) {
	p := t.page.Context(ctx)
	html, err := p.HTML()
	if err != nil {
		return "", "", fmt.Errorf("read page html: %w", err)
	}
	info, err := p.Info()
	if err != nil {
		return "", "", fmt.Errorf("read page info: %w", err)
	}
	return html, info.URL, nil
}

func (t *tab) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.page.Close()
		metrics.BrowserTabsOpen.Dec()
	})
	return err
}

// listTab 类目列表页，额外提供滚动、计数和翻页操作。
type listTab struct {
	*tab
}

const (
	countItemsJS = `(sel) => document.querySelectorAll(sel).length`

	scrollByJS = `(ratio) => {
		window.scrollBy(0, Math.max(200, window.innerHeight * ratio));
		const el = document.scrollingElement || document.documentElement;
		return el.scrollTop + window.innerHeight >= el.scrollHeight - 4;
	}`

	scrollTopJS = `() => { window.scrollTo(0, 0); return true; }`

	nextStateJS = `(selectors) => {
		let btn = null;
		for (const sel of selectors) {
			btn = document.querySelector(sel);
			if (btn) break;
		}
		if (!btn) return 'missing';
		const cls = btn.classList;
		if (btn.disabled || btn.getAttribute('aria-disabled') === 'true' ||
			cls.contains('disabled') || cls.contains('shopee-icon-button--disabled')) {
			return 'disabled';
		}
		return 'ready';
	}`

	clickNextJS = `(selectors) => {
		for (const sel of selectors) {
			const btn = document.querySelector(sel);
			if (btn) { btn.click(); return true; }
		}
		return false;
	}`
)

// 下一页按钮，按优先级排列。
var nextButtonSelectors = []string{
	".shopee-page-controller .shopee-icon-button--right",
	".shopee-icon-button.shopee-icon-button--right",
	".shopee-mini-page-controller__next-btn",
}

func (t *listTab) ItemCount(ctx context.Context) (int, error) {
	v, err := t.page.Context(ctx).Eval(countItemsJS, extract.ListItemSelector)
	if err != nil {
		return 0, err
	}
	return v.Value.Int(), nil
}

func (t *listTab) ItemLinks(ctx context.Context) ([]string, error) {
	html, base, err := t.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	links, _, err := extract.ParseListLinks(html, base)
	return links, err
}

func (t *listTab) ScrollBy(ctx context.Context, ratio float64) (bool, error) {
	v, err := t.page.Context(ctx).Eval(scrollByJS, ratio)
	if err != nil {
		return false, err
	}
	return v.Value.Bool(), nil
}

func (t *listTab) ScrollTop(ctx context.Context) error {
	_, err := t.page.Context(ctx).Eval(scrollTopJS)
	return err
}

func (t *listTab) NextPage(ctx context.Context) (crawler.NextState, error) {
	v, err := t.page.Context(ctx).Eval(nextStateJS, nextButtonSelectors)
	if err != nil {
		return crawler.NextMissing, err
	}
	return parseNextState(v.Value.Str()), nil
}

func (t *listTab) ClickNext(ctx context.Context) error {
	v, err := t.page.Context(ctx).Eval(clickNextJS, nextButtonSelectors)
	if err != nil {
		return err
	}
	if !v.Value.Bool() {
		return errNoNextButton
	}
	return nil
}

func parseNextState(s string) crawler.NextState {
	switch s {
	case "ready":
		return crawler.NextReady
	case "disabled":
		return crawler.NextDisabled
	default:
		return crawler.NextMissing
	}
}

var (
	_ crawler.Tab     = (*tab)(nil)
	_ crawler.ListTab = (*listTab)(nil)
)
