package daily

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/config"
	"github.com/xqhhhhhh/shopee-extension/internal/crawler"
	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/snapshot"
	"github.com/xqhhhhhh/shopee-extension/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testCategory = "https://shopee.ph/Women-Clothes-cat.11021"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine 记录每次 Run 的参数，默认把每个 URL 当作成功。
type fakeEngine struct {
	mu      sync.Mutex
	running bool
	idle    []func()
	calls   [][]string
	opts    []crawler.Options

	runFunc func(ctx context.Context, urls []string, opts crawler.Options) ([]model.ResultPayload, error)
}

func (f *fakeEngine) Run(ctx context.Context, urls []string, opts crawler.Options) ([]model.ResultPayload, error) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil, crawler.ErrAlreadyRunning
	}
	f.calls = append(f.calls, append([]string(nil), urls...))
	f.opts = append(f.opts, opts)
	fn := f.runFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, urls, opts)
	}
	results := make([]model.ResultPayload, 0, len(urls))
	for i, u := range urls {
		p := model.ResultPayload{
			URL:   u,
			Index: i,
			Total: len(urls),
			Result: model.ExtractionResult{
				Success: true,
				Data:    &model.ProductRecord{URL: u, SellerName: "seller"},
			},
		}
		if opts.OnItem != nil {
			opts.OnItem(p)
		}
		results = append(results, p)
	}
	return results, nil
}

func (f *fakeEngine) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeEngine) OnIdle(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = append(f.idle, fn)
}

func (f *fakeEngine) setRunning(v bool) {
	f.mu.Lock()
	f.running = v
	f.mu.Unlock()
}

func (f *fakeEngine) fireIdle() {
	f.mu.Lock()
	listeners := append([]func(){}, f.idle...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (f *fakeEngine) runs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type fakeCollector struct {
	mu       sync.Mutex
	requests []crawler.CollectRequest

	collectFunc func(ctx context.Context, req crawler.CollectRequest) crawler.CollectResult
}

func (f *fakeCollector) Collect(ctx context.Context, req crawler.CollectRequest) crawler.CollectResult {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.collectFunc != nil {
		return f.collectFunc(ctx, req)
	}
	return crawler.CollectResult{Success: true}
}

func (f *fakeCollector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type testEnv struct {
	c         *Coordinator
	engine    *fakeEngine
	collector *fakeCollector
	store     *store.Store
	snapshots *snapshot.RedisStore
	cfg       *config.Config
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.New(rdb, "test")
	if err != nil {
		t.Fatal(err)
	}
	snaps := snapshot.NewRedisStore(rdb, st.Key(store.SuffixSnapshots), 90*24*time.Hour)

	cfg := config.Default()
	cfg.Daily.Enabled = false
	cfg.Daily.CategoryURL = testCategory
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		engine:    &fakeEngine{},
		collector: &fakeCollector{},
		store:     st,
		snapshots: snaps,
		cfg:       cfg,
	}
	env.c = New(env.engine, env.collector, st, snaps, cfg, newTestLogger())
	t.Cleanup(func() { _ = env.c.Close(time.Second) })
	return env
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{"09:00", 9, 0, false},
		{" 7:05 ", 7, 5, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		h, m, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) err=%v, wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (h != tt.h || m != tt.m) {
			t.Errorf("ParseClock(%q) = %d:%d, want %d:%d", tt.in, h, m, tt.h, tt.m)
		}
	}
}

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 5, day, hour, minute, 0, 0, time.UTC)
}

func TestPickRandomRunTime(t *testing.T) {
	tests := []struct {
		name     string
		now      time.Time
		schedule string
		window   time.Duration
		lo, hi   time.Time // [lo, hi)
	}{
		{"before window", at(1, 6, 0), "09:00", time.Hour, at(1, 8, 0), at(1, 10, 0)},
		{"inside window", at(1, 9, 30), "09:00", time.Hour, at(1, 9, 30), at(1, 10, 0)},
		{"window passed", at(1, 11, 0), "09:00", time.Hour, at(2, 8, 0), at(2, 10, 0)},
		{"clamped to max hour", at(1, 6, 0), "22:50", time.Hour, at(1, 21, 50), at(1, 23, 0)},
		{"clamped to min hour", at(1, 1, 0), "06:10", time.Hour, at(1, 6, 0), at(1, 7, 10)},
		{"base outside hours", at(1, 1, 0), "03:00", time.Hour, at(1, 6, 0), at(1, 7, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for seed := int64(0); seed < 200; seed++ {
				got := PickRandomRunTime(tt.now, tt.schedule, tt.window, 6, 23, rand.New(rand.NewSource(seed)))
				if got.Before(tt.lo) || !got.Before(tt.hi) {
					t.Fatalf("seed %d: %v not in [%v, %v)", seed, got, tt.lo, tt.hi)
				}
				if got.Before(tt.now) {
					t.Fatalf("seed %d: %v before now", seed, got)
				}
			}
		})
	}
}

func TestPickRandomRunTime_ZeroWindow(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	if got := PickRandomRunTime(at(1, 6, 0), "09:00", 0, 6, 23, rnd); !got.Equal(at(1, 9, 0)) {
		t.Fatalf("expected today 09:00, got %v", got)
	}
	if got := PickRandomRunTime(at(1, 10, 0), "09:00", 0, 6, 23, rnd); !got.Equal(at(2, 9, 0)) {
		t.Fatalf("expected tomorrow 09:00, got %v", got)
	}
}

func TestNeedsRefresh(t *testing.T) {
	fresh := store.CacheStatus{Matches: true, Fresh: true, URLs: []string{"u"}}
	stale := store.CacheStatus{Matches: true, URLs: []string{"u"}}
	empty := store.CacheStatus{}

	tests := []struct {
		name    string
		trigger string
		enabled bool
		status  store.CacheStatus
		want    bool
	}{
		{"fresh alarm", TriggerAlarm, true, fresh, false},
		{"fresh manual", TriggerManual, true, fresh, true},
		{"stale alarm", TriggerAlarm, true, stale, true},
		{"empty", TriggerAlarm, true, empty, true},
		{"disabled stale", TriggerAlarm, false, stale, false},
		{"disabled manual", TriggerManual, false, fresh, false},
		{"disabled empty", TriggerManual, false, empty, true},
	}
	for _, tt := range tests {
		if got := needsRefresh(tt.trigger, tt.enabled, tt.status); got != tt.want {
			t.Errorf("%s: needsRefresh = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRunDailyJob_NoCategoryStillRearms(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Daily.Enabled = true
		cfg.Daily.CategoryURL = ""
	})
	ctx := context.Background()

	report, err := env.c.RunDailyJob(ctx, TriggerAlarm)
	if !errors.Is(err, crawler.ErrNoCategory) {
		t.Fatalf("expected ErrNoCategory, got %v", err)
	}
	if report.Skipped == "" || len(env.engine.runs()) != 0 {
		t.Fatalf("expected skipped run without engine, got %+v", report)
	}
	if report.NextRunAt.IsZero() || env.c.alarm.Next().IsZero() {
		t.Fatal("expected alarm to be re-armed")
	}
	st, err := env.store.LoadDailyStatus(ctx)
	if err != nil || !st.NextRunAt.Equal(report.NextRunAt) {
		t.Fatalf("expected persisted next run, got %+v err=%v", st, err)
	}
	if !st.LastRunAt.IsZero() {
		t.Fatal("skipped run must not record last run")
	}
}

func TestRunDailyJob_RefreshesCacheAndWritesSnapshots(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now()
	env.c.now = func() time.Time { return now }

	env.collector.collectFunc = func(ctx context.Context, req crawler.CollectRequest) crawler.CollectResult {
		req.OnPage(ctx, 1, []string{"u1"})
		req.OnPage(ctx, 2, []string{"u2"})
		return crawler.CollectResult{Success: true, URLs: []string{"u1", "u2"}, Pages: 2}
	}

	report, err := env.c.RunDailyJob(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.CacheRefreshed || report.Collected != 2 || report.Total != 2 || report.Succeeded != 2 || report.SnapshotWrites != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	req := env.collector.requests[0]
	if req.CategoryURL != testCategory || !req.Paginate || req.MaxPages != env.cfg.Category.MaxPages || req.Budget != env.cfg.Category.Budget {
		t.Fatalf("unexpected collect request %+v", req)
	}

	runs := env.engine.runs()
	if len(runs) != 1 || !slices.Equal(runs[0], []string{"u1", "u2"}) {
		t.Fatalf("unexpected engine runs %v", runs)
	}
	opts := env.engine.opts[0]
	if opts.EmitEvents || !opts.RecordResults || opts.AllowPause || opts.Source != "daily" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if !opts.Deadline.Equal(now.Add(env.cfg.Daily.JobDeadline)) {
		t.Fatalf("unexpected deadline %v", opts.Deadline)
	}

	history, err := env.snapshots.History(ctx, "")
	if err != nil || len(history) != 2 {
		t.Fatalf("expected two snapshots, got %v err=%v", history, err)
	}
	if history[0].Date != now.Format(snapshot.DateLayout) || history[0].SellerName != "seller" {
		t.Fatalf("unexpected snapshot %+v", history[0])
	}

	cache, err := env.store.LoadCategoryCache(ctx)
	if err != nil || !slices.Equal(cache.URLs, []string{"u1", "u2"}) {
		t.Fatalf("unexpected cache %+v err=%v", cache, err)
	}

	st, err := env.store.LoadDailyStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.LastRunAt.Equal(now) || st.LastTrigger != TriggerManual || st.LastTotal != 2 || st.LastSucceeded != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
	if !st.NextRunAt.IsZero() {
		t.Fatal("disabled daily job must not schedule")
	}
}

func TestRunDailyJob_UsesFreshCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.AppendCategoryURLs(ctx, testCategory, []string{"c1", "c2"}, time.Now()); err != nil {
		t.Fatal(err)
	}

	report, err := env.c.RunDailyJob(ctx, TriggerAlarm)
	if err != nil {
		t.Fatal(err)
	}
	if report.CacheRefreshed || env.collector.count() != 0 {
		t.Fatal("fresh cache must not be refreshed on alarm")
	}
	if runs := env.engine.runs(); len(runs) != 1 || !slices.Equal(runs[0], []string{"c1", "c2"}) {
		t.Fatalf("unexpected engine runs %v", runs)
	}
}

func TestRunDailyJob_FallsBackToPreviousURLs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.AppendCategoryURLs(ctx, testCategory, []string{"c1"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	env.collector.collectFunc = func(ctx context.Context, req crawler.CollectRequest) crawler.CollectResult {
		return crawler.CollectResult{Error: "timeout"}
	}

	report, err := env.c.RunDailyJob(ctx, TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if !report.CacheRefreshed || report.Collected != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if runs := env.engine.runs(); len(runs) != 1 || !slices.Equal(runs[0], []string{"c1"}) {
		t.Fatalf("expected cached urls, got %v", runs)
	}
}

func TestRunDailyJob_NothingToCrawl(t *testing.T) {
	env := newTestEnv(t, nil)
	report, err := env.c.RunDailyJob(context.Background(), TriggerAlarm)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped == "" || len(env.engine.runs()) != 0 || env.collector.count() != 1 {
		t.Fatalf("expected skipped run after empty collection, got %+v", report)
	}
}

func TestRunDailyJob_IgnoresFailedItems(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.AppendCategoryURLs(ctx, testCategory, []string{"ok", "bad"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	env.engine.runFunc = func(ctx context.Context, urls []string, opts crawler.Options) ([]model.ResultPayload, error) {
		ok := model.ResultPayload{URL: "ok", Result: model.ExtractionResult{Success: true, Data: &model.ProductRecord{URL: "ok"}}}
		bad := model.ResultPayload{URL: "bad", Result: model.ExtractionResult{Error: "page load timeout"}}
		opts.OnItem(ok)
		opts.OnItem(bad)
		return []model.ResultPayload{ok, bad}, nil
	}

	report, err := env.c.RunDailyJob(ctx, TriggerAlarm)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 2 || report.Succeeded != 1 || report.SnapshotWrites != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	history, err := env.snapshots.History(ctx, "")
	if err != nil || len(history) != 1 || history[0].URL != "ok" {
		t.Fatalf("unexpected history %v err=%v", history, err)
	}
}

func TestRunDailyJob_DeferredUntilEngineIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.AppendCategoryURLs(ctx, testCategory, []string{"c1"}, time.Now()); err != nil {
		t.Fatal(err)
	}

	started := make(chan []string, 1)
	env.engine.runFunc = func(ctx context.Context, urls []string, opts crawler.Options) ([]model.ResultPayload, error) {
		started <- urls
		return nil, nil
	}

	env.engine.setRunning(true)
	report, err := env.c.RunDailyJob(ctx, TriggerAlarm)
	if err != nil || !report.Deferred {
		t.Fatalf("expected deferred run, got %+v err=%v", report, err)
	}
	status, err := env.c.Status(ctx)
	if err != nil || !status.Pending {
		t.Fatalf("expected pending status, got %+v err=%v", status, err)
	}
	if len(env.engine.runs()) != 0 {
		t.Fatal("engine must not start a second run")
	}

	env.engine.setRunning(false)
	env.engine.fireIdle()

	select {
	case urls := <-started:
		if !slices.Equal(urls, []string{"c1"}) {
			t.Fatalf("unexpected urls %v", urls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending daily job did not start")
	}
}

func TestRunDailyJob_PendingRunsAfterCurrentJob(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.AppendCategoryURLs(ctx, testCategory, []string{"c1"}, time.Now()); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	calls := make(chan struct{}, 2)
	env.engine.runFunc = func(ctx context.Context, urls []string, opts crawler.Options) ([]model.ResultPayload, error) {
		calls <- struct{}{}
		<-release
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.c.RunDailyJob(ctx, TriggerAlarm)
	}()
	<-calls

	report, err := env.c.RunDailyJob(ctx, TriggerManual)
	if err != nil || !report.Deferred {
		t.Fatalf("expected deferred run, got %+v err=%v", report, err)
	}

	close(release)
	<-done
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("pending daily job did not start after current job")
	}
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Daily.Enabled = true })
	ctx := context.Background()

	bad := "25:00"
	if _, err := env.c.UpdateSettings(ctx, SettingsUpdate{ScheduleTime: &bad}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
	badURL := "not a url"
	if _, err := env.c.UpdateSettings(ctx, SettingsUpdate{CategoryURL: &badURL}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}

	schedule := "21:30"
	cat := "https://shopee.ph/Men-cat.11022"
	off := false
	got, err := env.c.UpdateSettings(ctx, SettingsUpdate{ScheduleTime: &schedule, CategoryURL: &cat, CacheUpdateEnabled: &off})
	if err != nil {
		t.Fatal(err)
	}
	want := model.Settings{ScheduleTime: "21:30", CategoryURL: cat, CacheUpdateEnabled: false}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	status, err := env.c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Settings != want || status.NextRunAt.IsZero() || !status.Enabled {
		t.Fatalf("unexpected status %+v", status)
	}
	if !env.c.alarm.Next().Equal(status.NextRunAt) {
		t.Fatal("alarm does not match persisted next run")
	}
}

func TestStart_FiresMissedAlarm(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Daily.Enabled = true })
	ctx := context.Background()
	if _, err := env.store.AppendCategoryURLs(ctx, testCategory, []string{"c1"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SaveDailyStatus(ctx, model.DailyStatus{NextRunAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{}, 1)
	env.engine.runFunc = func(ctx context.Context, urls []string, opts crawler.Options) ([]model.ResultPayload, error) {
		started <- struct{}{}
		return nil, nil
	}

	if err := env.c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("missed alarm did not fire")
	}
}

func TestStart_SchedulesWhenUnset(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Daily.Enabled = true })
	ctx := context.Background()
	if err := env.c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := env.store.LoadDailyStatus(ctx)
	if err != nil || !st.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("expected future next run, got %+v err=%v", st, err)
	}
	if !env.c.alarm.Next().Equal(st.NextRunAt) {
		t.Fatal("alarm not armed")
	}
}

func TestAlarm(t *testing.T) {
	fired := make(chan struct{}, 4)
	a := NewAlarm(func() { fired <- struct{}{} })

	a.Set(time.Now().Add(time.Hour))
	a.Set(time.Now().Add(10 * time.Millisecond))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("alarm did not fire")
	}
	if !a.Next().IsZero() {
		t.Fatal("expected cleared alarm after firing")
	}

	a.Set(time.Now().Add(20 * time.Millisecond))
	a.Stop()
	select {
	case <-fired:
		t.Fatal("stopped alarm fired")
	case <-time.After(60 * time.Millisecond):
	}
}
