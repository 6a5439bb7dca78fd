package crawler

import (
	"regexp"
	"strings"

	"github.com/xqhhhhhh/shopee-extension/internal/model"
)

var stillLoadingRe = regexp.MustCompile(`(?i)仍在加载|still loading`)

// 不完整原因。
const (
	ReasonNoData       = "no_data"
	ReasonNoSeller     = "missing_seller"
	ReasonNoCategory   = "missing_category"
	ReasonNoListedDate = "missing_listed_date"
	ReasonNoSKU        = "missing_sku"
	ReasonStillLoading = "still_loading"
)

// Completeness 完整性判定结果。
type Completeness struct {
	Complete bool     `json:"complete"`
	Reasons  []string `json:"reasons,omitempty"`
}

// ClassifyCompleteness 判断提取结果是否缺少必需字段。
//
// 字段永久缺失与页面仍在渲染无法区分，两者都判为不完整并进入重试。
func ClassifyCompleteness(rec *model.ProductRecord) Completeness {
	if rec == nil {
		return Completeness{Reasons: []string{ReasonNoData}}
	}

	var reasons []string
	if strings.TrimSpace(rec.SellerName) == "" {
		reasons = append(reasons, ReasonNoSeller)
	}
	if strings.TrimSpace(rec.Category) == "" {
		reasons = append(reasons, ReasonNoCategory)
	}
	if strings.TrimSpace(rec.ListedDate) == "" {
		reasons = append(reasons, ReasonNoListedDate)
	}
	if len(rec.SKU) == 0 {
		reasons = append(reasons, ReasonNoSKU)
	}
	for _, w := range rec.Warnings {
		if stillLoadingRe.MatchString(w) {
			reasons = append(reasons, ReasonStillLoading)
			break
		}
	}
	return Completeness{Complete: len(reasons) == 0, Reasons: reasons}
}

// isIncomplete 成功但不完整的结果。
func isIncomplete(res model.ExtractionResult) bool {
	return res.Success && !ClassifyCompleteness(res.Data).Complete
}

// needsRoundRetry 轮后重试只针对有商品 ID 且仍不完整的成功结果。
func needsRoundRetry(res model.ExtractionResult) bool {
	return res.Success && res.Data != nil && res.Data.ProductID != "" && isIncomplete(res)
}
