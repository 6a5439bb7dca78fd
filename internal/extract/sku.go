package extract

import (
	"regexp"

	"github.com/xqhhhhhh/shopee-extension/internal/model"

	"github.com/PuerkitoBio/goquery"
)

var (
	colName     = regexp.MustCompile(`(?i)SKU|规格|名称|Variation|Name`)
	colPrice    = regexp.MustCompile(`(?i)价格|售价|Price`)
	colStock    = regexp.MustCompile(`(?i)库存|Stock`)
	colShare    = regexp.MustCompile(`(?i)占比|Share`)
	colEstimate = regexp.MustCompile(`(?i)预估|Estimate|销量`)
)

type skuColumns struct {
	name, price, stock, share, estimate int
}

func (c skuColumns) usable() bool {
	return c.name >= 0 && (c.price >= 0 || c.stock >= 0 || c.share >= 0 || c.estimate >= 0)
}

// parseSKUTables 解析模块内所有可识别的 SKU 表格。
func parseSKUTables(root *goquery.Selection) ([]model.SKU, TableStatus) {
	var (
		skus   []model.SKU
		status TableStatus
	)

	root.Find("table").Each(func(_ int, table *goquery.Selection) {
		header := table.Find("thead tr").First()
		bodyRows := table.Find("tbody tr")
		if header.Length() == 0 {
			all := table.Find("tr")
			if all.Length() == 0 {
				return
			}
			header = all.First()
			bodyRows = all.Slice(1, all.Length())
		}

		cols := mapColumns(header)
		if !cols.usable() {
			return
		}
		status.HasTable = true

		bodyRows.Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			if cells.Length() == 0 {
				return
			}
			sku := model.SKU{
				Name:          cellText(cells, cols.name),
				Price:         cellNumber(cells, cols.price),
				Stock:         cellNumber(cells, cols.stock),
				SalesShare:    cellText(cells, cols.share),
				SalesEstimate: cellNumber(cells, cols.estimate),
			}
			status.TotalRows++
			if sku.Name == "" {
				return
			}
			if cols.price < 0 || sku.Price != nil {
				status.CompleteRows++
			}
			skus = append(skus, sku)
		})
	})

	return skus, status
}

func mapColumns(header *goquery.Selection) skuColumns {
	cols := skuColumns{name: -1, price: -1, stock: -1, share: -1, estimate: -1}
	header.Find("th, td").Each(func(i int, cell *goquery.Selection) {
		text := normalizeSpace(cell.Text())
		switch {
		case text == "":
		case cols.share < 0 && colShare.MatchString(text):
			cols.share = i
		case cols.estimate < 0 && colEstimate.MatchString(text):
			cols.estimate = i
		case cols.price < 0 && colPrice.MatchString(text):
			cols.price = i
		case cols.stock < 0 && colStock.MatchString(text):
			cols.stock = i
		case cols.name < 0 && colName.MatchString(text):
			cols.name = i
		}
	})
	return cols
}

func cellText(cells *goquery.Selection, idx int) string {
	if idx < 0 || idx >= cells.Length() {
		return ""
	}
	return normalizeSpace(cells.Eq(idx).Text())
}

func cellNumber(cells *goquery.Selection, idx int) *float64 {
	text := cellText(cells, idx)
	if text == "" {
		return nil
	}
	m := numberRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return parseNumber(m[1])
}
