package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func rec(date, url, seller string) model.DailyRecord {
	return model.DailyRecord{Date: date, URL: url, SellerName: seller}
}

func keys(records []model.DailyRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key() + "=" + r.SellerName
	}
	return out
}

func equalKeys(t *testing.T, got []model.DailyRecord, want ...string) {
	t.Helper()
	g := keys(got)
	if len(g) != len(want) {
		t.Fatalf("expected %v, got %v", want, g)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, g)
		}
	}
}

func TestMerge(t *testing.T) {
	history := []model.DailyRecord{
		rec("2024-05-02", "b", "old"),
		rec("2024-05-01", "a", "old"),
	}
	incoming := []model.DailyRecord{
		rec("2024-05-02", "b", "new"),
		rec("2024-05-02", "a", "new"),
	}
	got := Merge(history, incoming)
	equalKeys(t, got,
		"2024-05-01|a=old",
		"2024-05-02|a=new",
		"2024-05-02|b=new",
	)
}

func TestPruneAndCutoff(t *testing.T) {
	now := time.Date(2024, 5, 31, 10, 0, 0, 0, time.UTC)
	cutoff := Cutoff(now, 30*24*time.Hour)
	if cutoff != "2024-05-01" {
		t.Fatalf("unexpected cutoff %s", cutoff)
	}
	history := []model.DailyRecord{
		rec("2024-04-30", "a", "x"),
		rec("2024-05-01", "a", "x"),
		rec("2024-05-20", "b", "x"),
	}
	equalKeys(t, Prune(history, cutoff), "2024-05-01|a=x", "2024-05-20|b=x")
	if len(history) != 3 {
		t.Fatal("prune must not modify the input")
	}
}

func TestFromProduct(t *testing.T) {
	captured := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	qty := 120.0
	p := &model.ProductRecord{
		URL:        "https://shopee.ph/x-i.1.2",
		ProductID:  "2",
		SellerName: "seller",
		Price: model.Price{
			CurrentCNYRange: []float64{10, 20},
			Discount:        "-15%",
		},
		Sales: model.Sales{TotalQty: &qty},
		SKU:   []model.SKU{{Name: "red"}},
	}

	r := FromProduct(p, "", "2024-05-01", captured)
	if r.URL != p.URL || r.Date != "2024-05-01" || r.ProductID != "2" || r.Discount != "-15%" {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.PriceMin == nil || *r.PriceMin != 10 || r.PriceMax == nil || *r.PriceMax != 20 {
		t.Fatalf("expected cny fallback prices, got %v %v", r.PriceMin, r.PriceMax)
	}
	if r.TotalQty == nil || *r.TotalQty != 120 || len(r.SKU) != 1 || !r.CapturedAt.Equal(captured) {
		t.Fatalf("unexpected record %+v", r)
	}

	p.Price.CurrentPHPRange = []float64{99}
	r = FromProduct(p, "https://shopee.ph/override", "2024-05-01", captured)
	if r.URL != "https://shopee.ph/override" || *r.PriceMin != 99 || *r.PriceMax != 99 {
		t.Fatalf("expected php prices and explicit url, got %+v", r)
	}
}

func newRedisStore(t *testing.T, maxAge time.Duration) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:snapshots", maxAge)
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Upsert(ctx, rec("2024-04-01", "a", "v1"), rec("2024-05-01", "a", "v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, rec("2024-05-01", "a", "v2"), rec("2024-05-01", "b", "v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	all, err := s.History(ctx, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	equalKeys(t, all, "2024-04-01|a=v1", "2024-05-01|a=v2", "2024-05-01|b=v1")

	recent, err := s.History(ctx, "2024-05-01")
	if err != nil {
		t.Fatalf("history since: %v", err)
	}
	equalKeys(t, recent, "2024-05-01|a=v2", "2024-05-01|b=v1")

	removed, err := s.Prune(ctx, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one record pruned, got %d", removed)
	}
	all, err = s.History(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	equalKeys(t, all, "2024-05-01|a=v2", "2024-05-01|b=v1")
}

func TestRedisStore(t *testing.T) {
	exerciseStore(t, newRedisStore(t, 30*24*time.Hour))
}

func TestRedisStore_EmptyUpsertIsNoop(t *testing.T) {
	s := newRedisStore(t, time.Hour)
	if err := s.Upsert(context.Background()); err != nil {
		t.Fatal(err)
	}
	all, err := s.History(context.Background(), "")
	if err != nil || len(all) != 0 {
		t.Fatalf("expected empty history, got %v err=%v", all, err)
	}
}

func TestGormStore(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	// 内存库每个连接独立，固定单连接
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}

	s, err := NewGormStore(db, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	exerciseStore(t, s)
}

func TestOpenDB_UnsupportedDriver(t *testing.T) {
	if _, err := OpenDB("oracle", "x"); err == nil {
		t.Fatal("expected error")
	}
}
