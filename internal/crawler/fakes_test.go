package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/events"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var tabSeq atomic.Int64

// fakeTab 可编程的标签页。
type fakeTab struct {
	id string

	mu        sync.Mutex
	url       string
	closed    bool
	navigates []string

	navigateFunc func(ctx context.Context, url string) error
	waitFunc     func(ctx context.Context) error
	currentFunc  func(ctx context.Context, navigated string) (string, error)
	extractFunc  func(ctx context.Context, url string) (model.ExtractionResult, error)
}

func newFakeTab(url string) *fakeTab {
	return &fakeTab{id: fmt.Sprintf("tab-%d", tabSeq.Add(1)), url: url}
}

func (t *fakeTab) ID() string { return t.id }

func (t *fakeTab) Navigate(ctx context.Context, url string) error {
	t.mu.Lock()
	t.url = url
	t.navigates = append(t.navigates, url)
	t.mu.Unlock()
	if t.navigateFunc != nil {
		return t.navigateFunc(ctx, url)
	}
	return nil
}

func (t *fakeTab) WaitLoad(ctx context.Context) error {
	if t.waitFunc != nil {
		return t.waitFunc(ctx)
	}
	return nil
}

func (t *fakeTab) CurrentURL(ctx context.Context) (string, error) {
	t.mu.Lock()
	u := t.url
	t.mu.Unlock()
	if t.currentFunc != nil {
		return t.currentFunc(ctx, u)
	}
	return u, nil
}

func (t *fakeTab) Extract(ctx context.Context) (model.ExtractionResult, error) {
	t.mu.Lock()
	u := t.url
	t.mu.Unlock()
	if t.extractFunc != nil {
		return t.extractFunc(ctx, u)
	}
	return model.Succeeded(completeRecord(u)), nil
}

func (t *fakeTab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTab) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeBrowser 记录打开的标签页。
type fakeBrowser struct {
	mu     sync.Mutex
	opened []string
	tabs   []*fakeTab

	newTab   func(url string) *fakeTab
	listTab  ListTab
	openErr  error
	openFunc func(ctx context.Context, url string) error // 在返回标签页前调用，不持有锁
}

func (b *fakeBrowser) OpenTab(ctx context.Context, url string) (Tab, error) {
	if b.openFunc != nil {
		if err := b.openFunc(ctx, url); err != nil {
			b.mu.Lock()
			b.opened = append(b.opened, url)
			b.mu.Unlock()
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, url)
	if b.openErr != nil {
		return nil, b.openErr
	}
	var t *fakeTab
	if b.newTab != nil {
		t = b.newTab(url)
	} else {
		t = newFakeTab(url)
	}
	b.tabs = append(b.tabs, t)
	return t, nil
}

func (b *fakeBrowser) OpenListTab(ctx context.Context, url string) (ListTab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, url)
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.listTab, nil
}

func (b *fakeBrowser) openedURLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opened...)
}

// fakeFetcher 按 URL 与尝试次数返回结果。
type fakeFetcher struct {
	mu       sync.Mutex
	attempts map[string]int
	order    []string
	fn       func(ctx context.Context, url string, attempt int) model.ExtractionResult
}

func newFakeFetcher(fn func(ctx context.Context, url string, attempt int) model.ExtractionResult) *fakeFetcher {
	return &fakeFetcher{attempts: make(map[string]int), fn: fn}
}

func (f *fakeFetcher) FetchOne(ctx context.Context, url string, tab Tab) (model.ExtractionResult, Tab) {
	f.mu.Lock()
	f.attempts[url]++
	attempt := f.attempts[url]
	f.order = append(f.order, url)
	f.mu.Unlock()

	if tab == nil {
		tab = newFakeTab(url)
	}
	if f.fn == nil {
		return model.Succeeded(completeRecord(url)), tab
	}
	return f.fn(ctx, url, attempt), tab
}

func (f *fakeFetcher) attemptsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[url]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// memStateStore 内存版状态存储。
type memStateStore struct {
	mu     sync.Mutex
	batch  model.BatchState
	verify model.VerifyBlockState
	saves  int
}

func (s *memStateStore) SaveBatchState(ctx context.Context, st model.BatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = st
	s.saves++
	return nil
}

func (s *memStateStore) LoadBatchState(ctx context.Context) (model.BatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch, nil
}

func (s *memStateStore) SaveVerifyState(ctx context.Context, st model.VerifyBlockState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verify = st
	return nil
}

func (s *memStateStore) LoadVerifyState(ctx context.Context) (model.VerifyBlockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verify, nil
}

func (s *memStateStore) lastBatch() model.BatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch
}

// recordingBus 记录发布的事件。
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(evt events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) ofType(t events.Type) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakePauser 验证门测试用的暂停开关。
type fakePauser struct {
	mu     sync.Mutex
	paused bool
	sets   []bool
}

func (p *fakePauser) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakePauser) SetPaused(ctx context.Context, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
	p.sets = append(p.sets, paused)
}

func floatPtr(v float64) *float64 { return &v }

func completeRecord(url string) *model.ProductRecord {
	return &model.ProductRecord{
		URL:        url,
		ProductID:  "100",
		SellerName: "seller",
		Category:   "category",
		ListedDate: "2024-01-01",
		SKU:        []model.SKU{{Name: "default", Price: floatPtr(10)}},
	}
}

func incompleteRecord(url string) *model.ProductRecord {
	rec := completeRecord(url)
	rec.SKU = nil
	return rec
}
