package model

import (
	"time"
)

// SKU 表示商品详情页 SKU 表格中的一行。
//
// 数值字段在页面未提供或无法解析时为 nil。
type SKU struct {
	Name          string   `json:"name"`                     // SKU 名称
	Price         *float64 `json:"price,omitempty"`          // 单价
	Stock         *float64 `json:"stock,omitempty"`          // 库存
	SalesShare    string   `json:"sales_share,omitempty"`    // 销量占比（如 "12.5%"）
	SalesEstimate *float64 `json:"sales_estimate,omitempty"` // 预估销量
}

// Price 商品价格信息。
type Price struct {
	CurrentPHPRange []float64 `json:"current_php_range,omitempty"` // 当前售价区间（比索）
	CurrentCNYRange []float64 `json:"current_cny_range,omitempty"` // 当前售价区间（人民币）
	OriginalRange   []float64 `json:"original_range,omitempty"`    // 原价区间
	Discount        string    `json:"discount,omitempty"`          // 折扣（如 "-20%"）
}

// Sales 商品销量与销售额。
type Sales struct {
	TotalQty      *float64 `json:"total_qty,omitempty"`
	Last30Qty     *float64 `json:"last30_qty,omitempty"`
	TotalRevenue  *float64 `json:"total_revenue,omitempty"`
	Last30Revenue *float64 `json:"last30_revenue,omitempty"`
}

// ProductRecord 表示从商品详情页提取到的结构化数据。
//
// Warnings 记录缺失或低可信度的字段，引擎据此判断结果是否完整。
type ProductRecord struct {
	URL         string    `json:"url"`
	ProductID   string    `json:"product_id,omitempty"`
	SellerName  string    `json:"seller_name,omitempty"`
	Category    string    `json:"category,omitempty"`
	Price       Price     `json:"price"`
	ListedDate  string    `json:"listed_date,omitempty"` // YYYY-MM-DD
	Sales       Sales     `json:"sales"`
	SKU         []SKU     `json:"sku"`
	ExtractedAt time.Time `json:"extracted_at"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// ResultKind 区分一次抓取尝试的结果类型。
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultFailure ResultKind = "failure"
	ResultBlocked ResultKind = "blocked"
)

// ExtractionResult 单次抓取尝试的结果。
//
// 成功时 Data 非空；失败时 Error 说明原因；Blocked 表示命中验证页，
// 该 URL 需要重新入队而不是记为失败。创建后不再修改。
type ExtractionResult struct {
	Success bool           `json:"success"`
	Data    *ProductRecord `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Blocked bool           `json:"blocked,omitempty"`
}

// Kind 返回结果类型。
func (r ExtractionResult) Kind() ResultKind {
	switch {
	case r.Success:
		return ResultSuccess
	case r.Blocked:
		return ResultBlocked
	default:
		return ResultFailure
	}
}

// Succeeded 构造成功结果。
func Succeeded(data *ProductRecord) ExtractionResult {
	return ExtractionResult{Success: true, Data: data}
}

// Failed 构造失败结果。
func Failed(err error) ExtractionResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ExtractionResult{Success: false, Error: msg}
}

// Blocked 构造命中验证页的结果。
func Blocked(reason string) ExtractionResult {
	return ExtractionResult{Success: false, Error: reason, Blocked: true}
}

// ResultPayload 表示一次完成的抓取尝试。
//
// 同一 URL 的较新 payload 覆盖旧的，外部只看到每个 URL 的最新结果。
type ResultPayload struct {
	URL    string           `json:"url"`
	Index  int              `json:"index"`
	Total  int              `json:"total"`
	Result ExtractionResult `json:"result"`
}
