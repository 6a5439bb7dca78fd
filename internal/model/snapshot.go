package model

import (
	"time"
)

// DailyRecord 是 ProductRecord 按日期的投影，用于纵向分析。
//
// (Date, URL) 唯一，同一天重复抓取时覆盖旧记录。
type DailyRecord struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	Date string `gorm:"type:varchar(10);uniqueIndex:idx_daily_date_url,priority:1;not null" json:"date"`  // YYYY-MM-DD
	URL  string `gorm:"type:varchar(512);uniqueIndex:idx_daily_date_url,priority:2;not null" json:"url"` // 商品详情页链接

	ProductID     string   `gorm:"type:varchar(64);index" json:"product_id,omitempty"`
	SellerName    string   `json:"seller_name,omitempty"`
	Category      string   `json:"category,omitempty"`
	ListedDate    string   `gorm:"type:varchar(10)" json:"listed_date,omitempty"`
	PriceMin      *float64 `json:"price_min,omitempty"` // 当前售价下限（优先比索）
	PriceMax      *float64 `json:"price_max,omitempty"`
	Discount      string   `json:"discount,omitempty"`
	TotalQty      *float64 `json:"total_qty,omitempty"`
	Last30Qty     *float64 `json:"last30_qty,omitempty"`
	TotalRevenue  *float64 `json:"total_revenue,omitempty"`
	Last30Revenue *float64 `json:"last30_revenue,omitempty"`

	SKU      []SKU    `gorm:"serializer:json;type:text" json:"sku,omitempty"`
	Warnings []string `gorm:"serializer:json;type:text" json:"warnings,omitempty"`

	CapturedAt time.Time `json:"captured_at"`
}

// TableName 指定表名。
func (DailyRecord) TableName() string {
	return "daily_records"
}

// Key 返回 (date, url) 复合键。
func (r DailyRecord) Key() string {
	return r.Date + "|" + r.URL
}
