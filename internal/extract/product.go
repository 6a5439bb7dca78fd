package extract

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/model"

	"github.com/PuerkitoBio/goquery"
)

// ErrModuleNotFound 页面上没有找到数据插件模块。
var ErrModuleNotFound = errors.New("product data module not found")

// 字段缺失时写入 ProductRecord.Warnings 的文案。
const (
	WarnNoProductID  = "未能从URL解析商品ID"
	WarnNoSeller     = "未找到卖家名称"
	WarnNoCategory   = "未找到类目信息"
	WarnNoListedDate = "未找到上架时间"
	WarnNoSKU        = "未找到SKU表格或SKU行"

	// StillLoadingWarning 多次等待后字段仍未稳定。
	StillLoadingWarning = "字段仍在加载，已重试%d次"
)

const maxScanNodes = 8000

var (
	productIDRe  = regexp.MustCompile(`i\.(\d+)\.(\d+)`)
	digitsRe     = regexp.MustCompile(`\d+`)
	dateRe       = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)
	numberRe     = regexp.MustCompile(`([\d,.]+)`)
	percentRe    = regexp.MustCompile(`-?\d+(?:\.\d+)?%`)
	phpRe        = regexp.MustCompile(`₱\s*([\d,.]+)`)
	cnyRe        = regexp.MustCompile(`[¥￥]\s*([\d,.]+)`)
	titleID      = regexp.MustCompile(`(?i)商品id|Product ID`)
	titleSeller  = regexp.MustCompile(`(?i)卖家|Seller`)
	titleCat     = regexp.MustCompile(`(?i)类目|Category`)
	titleListed  = regexp.MustCompile(`(?i)上架时间|Listing Date|Listed on`)
	titleTotalQ  = regexp.MustCompile(`(?i)总销量|Total Sold|Total Sales`)
	titleLast30Q = regexp.MustCompile(`(?i)近30日销量|30天销量|Last 30 days$|Last 30 days sold`)
	titleTotalR  = regexp.MustCompile(`(?i)总销售额|Total Revenue|Total GMV`)
	titleLast30R = regexp.MustCompile(`(?i)近30日销售额|30天销售额|Last 30 days revenue`)

	labelSeller = []*regexp.Regexp{regexp.MustCompile(`(?i)卖家\s*[:：]\s*(.+)`), regexp.MustCompile(`(?i)Seller\s*[:：]\s*(.+)`)}
	labelCat    = []*regexp.Regexp{regexp.MustCompile(`(?i)类目\s*[:：]\s*(.+)`), regexp.MustCompile(`(?i)Category\s*[:：]\s*(.+)`)}
	labelListed = []*regexp.Regexp{regexp.MustCompile(`(?i)上架时间\s*[:：]\s*(.+)`), regexp.MustCompile(`(?i)Listing Date\s*[:：]\s*(.+)`)}
	labelPrice  = []*regexp.Regexp{regexp.MustCompile(`(?i)(?:当前售价|售价|Price|价格)\s*[:：]\s*(.+)`)}

	textTotalQ  = regexp.MustCompile(`(?i)(?:总销量|Total Sales|Total Sold)\s*[:：]?\s*([\d,.]+)`)
	textLast30Q = regexp.MustCompile(`(?i)(?:近30日销量|30天销量|Last 30 days(?: sales| sold)?)\s*[:：]?\s*([\d,.]+)`)
	textTotalR  = regexp.MustCompile(`(?i)(?:总销售额|Total Revenue|Total GMV)\s*[:：]?\s*(?:₱|PHP|P|¥|CNY)?\s*([\d,.]+)`)
	textLast30R = regexp.MustCompile(`(?i)(?:近30日销售额|30天销售额|Last 30 days revenue)\s*[:：]?\s*(?:₱|PHP|P|¥|CNY)?\s*([\d,.]+)`)
)

// TableStatus SKU 表格的加载情况。
type TableStatus struct {
	HasTable     bool
	TotalRows    int
	CompleteRows int
}

// Complete 表格存在且所有行都已填充。
func (s TableStatus) Complete() bool {
	return s.HasTable && s.TotalRows > 0 && s.TotalRows == s.CompleteRows
}

// ParseProduct 从详情页 HTML 中提取商品数据。
//
// 参数:
//
//	pageURL: 页面当前 URL（用于解析商品 ID）
//	html: 页面 HTML
//	now: 提取时间
//
// 返回值:
//
//	*model.ProductRecord: 提取结果，缺失字段记录在 Warnings 中
//	TableStatus: SKU 表格加载情况
//	error: 找不到数据模块时返回 ErrModuleNotFound
func ParseProduct(pageURL string, html string, now time.Time) (*model.ProductRecord, TableStatus, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, TableStatus{}, fmt.Errorf("parse html: %w", err)
	}

	root := findModuleRoot(doc)
	if root == nil {
		return nil, TableStatus{}, ErrModuleNotFound
	}

	lines := textLines(root)
	fullText := strings.Join(lines, "\n")

	rec := &model.ProductRecord{
		URL:         pageURL,
		ExtractedAt: now,
	}

	if m := productIDRe.FindStringSubmatch(pageURL); m != nil {
		rec.ProductID = m[2]
	} else if v := itemValue(root, titleID); v != "" {
		rec.ProductID = digitsRe.FindString(v)
	}

	rec.SellerName = firstNonEmpty(itemValue(root, titleSeller), labelValue(lines, labelSeller))
	rec.Category = firstNonEmpty(itemValue(root, titleCat), labelValue(lines, labelCat))
	if m := dateRe.FindStringSubmatch(firstNonEmpty(itemValue(root, titleListed), labelValue(lines, labelListed))); m != nil {
		rec.ListedDate = m[1]
	}

	rec.Price = parsePrice(doc, root, lines)
	rec.Sales = model.Sales{
		TotalQty:      salesFigure(root, titleTotalQ, fullText, textTotalQ),
		Last30Qty:     salesFigure(root, titleLast30Q, fullText, textLast30Q),
		TotalRevenue:  salesFigure(root, titleTotalR, fullText, textTotalR),
		Last30Revenue: salesFigure(root, titleLast30R, fullText, textLast30R),
	}

	skus, status := parseSKUTables(root)
	rec.SKU = skus
	if len(rec.Price.CurrentCNYRange) == 0 {
		rec.Price.CurrentCNYRange = skuPriceRange(skus)
	}

	if rec.ProductID == "" {
		rec.Warnings = append(rec.Warnings, WarnNoProductID)
	}
	if rec.SellerName == "" {
		rec.Warnings = append(rec.Warnings, WarnNoSeller)
	}
	if rec.Category == "" {
		rec.Warnings = append(rec.Warnings, WarnNoCategory)
	}
	if rec.ListedDate == "" {
		rec.Warnings = append(rec.Warnings, WarnNoListedDate)
	}
	if len(rec.SKU) == 0 {
		rec.Warnings = append(rec.Warnings, WarnNoSKU)
	}

	return rec, status, nil
}

// Signature 生成用于判断数据是否稳定的签名。
func Signature(rec *model.ProductRecord, status TableStatus) string {
	if rec == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%d", rec.ProductID, rec.SellerName, rec.Category, rec.ListedDate, len(rec.SKU))
	fmt.Fprintf(&b, "|%v|%v", rec.Price.CurrentPHPRange, rec.Price.CurrentCNYRange)
	fmt.Fprintf(&b, "|%s|%s", fmtNum(rec.Sales.TotalQty), fmtNum(rec.Sales.Last30Qty))
	fmt.Fprintf(&b, "::%d::%d", status.TotalRows, status.CompleteRows)
	return b.String()
}

// hasMinimumData 没有 SKU 表格时，至少要拿到卖家、类目与销量之一。
func hasMinimumData(rec *model.ProductRecord) bool {
	if rec == nil {
		return false
	}
	return rec.SellerName != "" && rec.Category != "" && (rec.Sales.TotalQty != nil || len(rec.SKU) > 0)
}

func findModuleRoot(doc *goquery.Document) *goquery.Selection {
	if direct := doc.Find("#shopdora-detailPage, #shopdora-shopee-product-detail").First(); direct.Length() > 0 {
		return direct
	}

	var best *goquery.Selection
	bestScore := 0
	scanned := 0
	doc.Find("body *").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		scanned++
		if scanned > maxScanNodes {
			return false
		}
		id, _ := s.Attr("id")
		class, _ := s.Attr("class")
		if !strings.Contains(strings.ToLower(id+" "+class), "shopdora") {
			return true
		}
		// 向上取文本最多的祖先，近似于可见面积最大的容器
		current := s
		for depth := 0; depth < 6 && current.Length() > 0 && !current.Is("body"); depth++ {
			if score := len(strings.TrimSpace(current.Text())); score > bestScore {
				bestScore = score
				best = current
			}
			current = current.Parent()
		}
		return true
	})
	return best
}

// textLines 按叶子元素切分文本，近似 innerText 的行结构。
func textLines(root *goquery.Selection) []string {
	var lines []string
	root.Find("*").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 || s.Is("script, style") {
			return
		}
		if text := normalizeSpace(s.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	return lines
}

func itemValue(root *goquery.Selection, title *regexp.Regexp) string {
	var value string
	root.Find(".detail-info-item").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		titleText := normalizeSpace(item.Find(".detail-info-item-title").First().Text())
		valueSel := item.Find(".detail-info-item-main .item-main").First()
		if titleText == "" || valueSel.Length() == 0 {
			return true
		}
		if title.MatchString(titleText) {
			value = normalizeSpace(valueSel.Text())
			return false
		}
		return true
	})
	return value
}

func labelValue(lines []string, patterns []*regexp.Regexp) string {
	for _, line := range lines {
		for _, re := range patterns {
			if m := re.FindStringSubmatch(line); m != nil {
				if v := strings.TrimSpace(m[1]); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

func salesFigure(root *goquery.Selection, title *regexp.Regexp, fullText string, fallback *regexp.Regexp) *float64 {
	if v := itemValue(root, title); v != "" {
		if m := numberRe.FindStringSubmatch(v); m != nil {
			return parseNumber(m[1])
		}
	}
	if m := fallback.FindStringSubmatch(fullText); m != nil {
		return parseNumber(m[1])
	}
	return nil
}

func parsePrice(doc *goquery.Document, root *goquery.Selection, lines []string) model.Price {
	var price model.Price

	cny := root.Find(".shopdoraPirceList").First()
	if cny.Length() == 0 {
		cny = doc.Find(".shopdoraPirceList").First()
	}
	if cny.Length() > 0 {
		price.CurrentCNYRange = currencyRange(cnyRe, cny.Text())
	}

	block := doc.Find(".jRlVo0").First()
	if block.Length() > 0 {
		price.CurrentPHPRange = currencyRange(phpRe, block.Find(".IZPeQz").First().Text())
		price.OriginalRange = currencyRange(phpRe, block.Find(".ZA5sW5").First().Text())
		price.Discount = percentRe.FindString(block.Find(".vms4_3").First().Text())
	}

	if len(price.CurrentPHPRange) == 0 || len(price.CurrentCNYRange) == 0 {
		if text := labelValue(lines, labelPrice); text != "" {
			if len(price.CurrentPHPRange) == 0 {
				price.CurrentPHPRange = currencyRange(phpRe, text)
			}
			if len(price.CurrentCNYRange) == 0 {
				price.CurrentCNYRange = currencyRange(cnyRe, text)
			}
		}
	}
	return price
}

// currencyRange 提取文本中所有金额，返回 [min] 或 [min, max]。
func currencyRange(re *regexp.Regexp, text string) []float64 {
	var values []float64
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if v := parseNumber(m[1]); v != nil {
			values = append(values, *v)
		}
	}
	return minMax(values)
}

func skuPriceRange(skus []model.SKU) []float64 {
	var values []float64
	for _, s := range skus {
		if s.Price != nil {
			values = append(values, *s.Price)
		}
	}
	return minMax(values)
}

func minMax(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi > lo {
		return []float64{lo, hi}
	}
	return []float64{lo}
}

func parseNumber(s string) *float64 {
	clean := strings.NewReplacer(",", "", " ", "").Replace(strings.TrimSpace(s))
	clean = strings.TrimRight(clean, ".")
	if clean == "" {
		return nil
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return nil
	}
	return &v
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func fmtNum(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
