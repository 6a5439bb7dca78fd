package snapshot

import (
	"context"
	"sort"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/model"
)

// DateLayout 快照日期格式。
const DateLayout = "2006-01-02"

// Store 每日快照历史。
type Store interface {
	// Upsert 写入记录，(date, url) 相同时覆盖。
	Upsert(ctx context.Context, records ...model.DailyRecord) error
	// History 返回 date >= since 的记录，since 为空时返回全部。
	History(ctx context.Context, since string) ([]model.DailyRecord, error)
	// Prune 删除超出保留期的记录，返回删除条数。
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Merge 合并历史与新记录，(date, url) 相同时新记录覆盖旧记录。
//
// 返回值按 date、url 升序排列。
func Merge(history, incoming []model.DailyRecord) []model.DailyRecord {
	byKey := make(map[string]model.DailyRecord, len(history)+len(incoming))
	for _, r := range history {
		byKey[r.Key()] = r
	}
	for _, r := range incoming {
		byKey[r.Key()] = r
	}
	out := make([]model.DailyRecord, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

// Prune 保留 date >= cutoff 的记录。
func Prune(history []model.DailyRecord, cutoff string) []model.DailyRecord {
	out := history[:0:0]
	for _, r := range history {
		if r.Date >= cutoff {
			out = append(out, r)
		}
	}
	return out
}

// Cutoff 返回保留期内最早的日期。
func Cutoff(now time.Time, maxAge time.Duration) string {
	return now.Add(-maxAge).Format(DateLayout)
}

// FromProduct 把一次成功的提取投影为当天的快照记录。
//
// 价格区间优先使用比索，没有时退回人民币。
func FromProduct(rec *model.ProductRecord, url string, date string, capturedAt time.Time) model.DailyRecord {
	out := model.DailyRecord{
		Date:       date,
		URL:        url,
		CapturedAt: capturedAt,
	}
	if rec == nil {
		return out
	}
	if out.URL == "" {
		out.URL = rec.URL
	}
	out.ProductID = rec.ProductID
	out.SellerName = rec.SellerName
	out.Category = rec.Category
	out.ListedDate = rec.ListedDate
	out.Discount = rec.Price.Discount
	out.TotalQty = rec.Sales.TotalQty
	out.Last30Qty = rec.Sales.Last30Qty
	out.TotalRevenue = rec.Sales.TotalRevenue
	out.Last30Revenue = rec.Sales.Last30Revenue
	out.SKU = rec.SKU
	out.Warnings = rec.Warnings

	prices := rec.Price.CurrentPHPRange
	if len(prices) == 0 {
		prices = rec.Price.CurrentCNYRange
	}
	if len(prices) > 0 {
		lo, hi := prices[0], prices[len(prices)-1]
		out.PriceMin = &lo
		out.PriceMax = &hi
	}
	return out
}

func sortRecords(records []model.DailyRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date < records[j].Date
		}
		return records[i].URL < records[j].URL
	})
}
