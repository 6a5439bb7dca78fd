package crawler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

const testCategoryURL = "https://shopee.ph/Women-Apparel-cat.11021"

// fakeListTab 按页提供商品链接的类目标签页。
type fakeListTab struct {
	*fakeTab

	mu       sync.Mutex
	pages    [][]string
	idx      int
	clicks   int
	stuck    bool // 点击下一页不生效
	extra    int  // 列表数量比可解析链接多出的项数
	verifyAt string
}

func newFakeListTab(pages ...[]string) *fakeListTab {
	return &fakeListTab{fakeTab: newFakeTab(testCategoryURL), pages: pages}
}

func (t *fakeListTab) CurrentURL(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.verifyAt != "" {
		return t.verifyAt, nil
	}
	return fmt.Sprintf("%s?page=%d", testCategoryURL, t.idx), nil
}

func (t *fakeListTab) ItemCount(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pages[t.idx]) + t.extra, nil
}

func (t *fakeListTab) ItemLinks(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.pages[t.idx]...), nil
}

func (t *fakeListTab) ScrollBy(ctx context.Context, ratio float64) (bool, error) {
	return true, nil
}

func (t *fakeListTab) ScrollTop(ctx context.Context) error { return nil }

func (t *fakeListTab) NextPage(ctx context.Context) (NextState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idx >= len(t.pages)-1 {
		return NextDisabled, nil
	}
	return NextReady, nil
}

func (t *fakeListTab) ClickNext(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clicks++
	if !t.stuck && t.idx < len(t.pages)-1 {
		t.idx++
	}
	return nil
}

func (t *fakeListTab) clickCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clicks
}

func fastCollectorTiming() CollectorTiming {
	return CollectorTiming{
		ScrollRatio:      0.85,
		ScrollIdleChecks: 1,
		ScrollMaxWait:    50 * time.Millisecond,
		StableChecks:     1,
		LinkRounds:       2,
		PageRetries:      2,
		ClickRetries:     1,
		OpTimeout:        time.Second,
	}
}

func newTestCollector(tab *fakeListTab) (*Collector, *fakeBrowser, *countingSignaler) {
	b := &fakeBrowser{listTab: tab}
	gate := &countingSignaler{}
	return NewCollector(b, gate, nil, fastCollectorTiming(), newTestLogger()), b, gate
}

func link(n int) string {
	return fmt.Sprintf("https://shopee.ph/item-i.1.%d", n)
}

func TestCollector_PaginatesUntilNextDisabled(t *testing.T) {
	tab := newFakeListTab(
		[]string{link(1), link(2)},
		[]string{link(2), link(3)},
		[]string{link(4)},
	)
	c, _, _ := newTestCollector(tab)

	var pages []int
	var streamed []string
	res := c.Collect(context.Background(), CollectRequest{
		CategoryURL: testCategoryURL,
		Paginate:    true,
		MaxPages:    10,
		OnPage: func(ctx context.Context, page int, urls []string) {
			pages = append(pages, page)
			streamed = append(streamed, urls...)
		},
	})

	if !res.Success || res.Pages != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []string{link(1), link(2), link(3), link(4)}
	if !slices.Equal(res.URLs, want) || !slices.Equal(streamed, want) {
		t.Fatalf("expected %v, got %v (streamed %v)", want, res.URLs, streamed)
	}
	if !slices.Equal(pages, []int{1, 2, 3}) {
		t.Fatalf("unexpected page callbacks %v", pages)
	}
	if !slices.Contains(res.Warnings, warnNoNext) {
		t.Fatalf("expected no-next warning, got %v", res.Warnings)
	}
}

func TestCollector_OnPageOutlivesBudget(t *testing.T) {
	tab := newFakeListTab([]string{link(1), link(2)}, []string{link(3)})
	c, _, _ := newTestCollector(tab)

	var callbackErr error
	var saved []string
	res := c.Collect(context.Background(), CollectRequest{
		CategoryURL: testCategoryURL,
		Paginate:    true,
		MaxPages:    10,
		Budget:      100 * time.Millisecond,
		OnPage: func(ctx context.Context, page int, urls []string) {
			if page != 1 {
				return
			}
			// 回调进行中预算耗尽
			time.Sleep(150 * time.Millisecond)
			callbackErr = ctx.Err()
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected callback context to carry its own deadline")
			}
			saved = append(saved, urls...)
		},
	})

	if callbackErr != nil {
		t.Fatalf("callback context cancelled with the budget: %v", callbackErr)
	}
	if !slices.Equal(saved, []string{link(1), link(2)}) {
		t.Fatalf("expected first page saved, got %v", saved)
	}
	if res.Pages != 1 || !slices.Contains(res.Warnings, fmt.Sprintf(warnBudget, 1)) {
		t.Fatalf("expected collection to stop after page 1 on budget, got %+v", res)
	}
}

func TestCollector_StopsAtMaxPages(t *testing.T) {
	tab := newFakeListTab([]string{link(1)}, []string{link(2)}, []string{link(3)})
	c, _, _ := newTestCollector(tab)

	res := c.Collect(context.Background(), CollectRequest{CategoryURL: testCategoryURL, Paginate: true, MaxPages: 2})
	if !res.Success || res.Pages != 2 || len(res.URLs) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !slices.Contains(res.Warnings, fmt.Sprintf(warnMaxPages, 2)) {
		t.Fatalf("expected max pages warning, got %v", res.Warnings)
	}
}

func TestCollector_SinglePageWithoutPagination(t *testing.T) {
	tab := newFakeListTab([]string{link(1)}, []string{link(2)})
	c, _, _ := newTestCollector(tab)

	res := c.Collect(context.Background(), CollectRequest{CategoryURL: testCategoryURL})
	if !res.Success || res.Pages != 1 || !slices.Equal(res.URLs, []string{link(1)}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if tab.clickCount() != 0 {
		t.Fatal("must not click next without pagination")
	}
}

func TestCollector_PageDidNotChange(t *testing.T) {
	tab := newFakeListTab([]string{link(1)}, []string{link(2)})
	tab.stuck = true
	c, _, _ := newTestCollector(tab)

	res := c.Collect(context.Background(), CollectRequest{CategoryURL: testCategoryURL, Paginate: true, MaxPages: 5})
	if !res.Success || res.Pages != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if tab.clickCount() != 2 {
		t.Fatalf("expected initial click plus one retry, got %d", tab.clickCount())
	}
	notChanged := 0
	for _, w := range res.Warnings {
		if w == warnNotChanged {
			notChanged++
		}
	}
	if notChanged != 2 || !slices.Contains(res.Warnings, fmt.Sprintf(warnAdvanceFailed, 1)) {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
}

func TestCollector_CountMismatchWarning(t *testing.T) {
	tab := newFakeListTab([]string{link(1), link(2), link(3)})
	tab.extra = 2
	c, _, _ := newTestCollector(tab)

	res := c.Collect(context.Background(), CollectRequest{CategoryURL: testCategoryURL})
	if !slices.Contains(res.Warnings, fmt.Sprintf(warnCountMismatch, 1, 5, 3)) {
		t.Fatalf("expected count mismatch warning, got %v", res.Warnings)
	}
}

func TestCollector_EmptyPageWarning(t *testing.T) {
	tab := newFakeListTab([]string{})
	c, _, _ := newTestCollector(tab)

	res := c.Collect(context.Background(), CollectRequest{CategoryURL: testCategoryURL})
	if !res.Success || len(res.URLs) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !slices.Contains(res.Warnings, fmt.Sprintf(warnNoLinks, 1)) {
		t.Fatalf("expected no links warning, got %v", res.Warnings)
	}
}

func TestCollector_VerificationPage(t *testing.T) {
	tab := newFakeListTab([]string{link(1)})
	tab.verifyAt = "https://shopee.ph/verify/captcha"
	c, _, gate := newTestCollector(tab)

	res := c.Collect(context.Background(), CollectRequest{CategoryURL: testCategoryURL})
	if res.Success || !res.Blocked || len(res.URLs) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(gate.urls) != 1 || gate.urls[0] != testCategoryURL {
		t.Fatalf("expected gate signaled with category url, got %v", gate.urls)
	}
}

func TestCollector_RequiresCategory(t *testing.T) {
	c, b, _ := newTestCollector(newFakeListTab([]string{link(1)}))

	res := c.Collect(context.Background(), CollectRequest{CategoryURL: "  "})
	if res.Success || res.Error != ErrNoCategory.Error() {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(b.openedURLs()) != 0 {
		t.Fatal("no tab should be opened")
	}
}

func TestCollector_ReusesPinnedTab(t *testing.T) {
	tab := newFakeListTab([]string{link(1)})
	c, b, _ := newTestCollector(tab)

	c.Collect(context.Background(), CollectRequest{CategoryURL: testCategoryURL})
	c.Collect(context.Background(), CollectRequest{CategoryURL: testCategoryURL})

	if len(b.openedURLs()) != 1 {
		t.Fatalf("expected one opened tab, got %v", b.openedURLs())
	}
	if len(tab.navigates) != 1 {
		t.Fatalf("expected navigate on reuse, got %v", tab.navigates)
	}

	c.Close()
	if !tab.isClosed() {
		t.Fatal("expected pinned tab closed")
	}
}
