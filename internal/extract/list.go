package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ListItemSelector 类目列表页的商品卡片。
const ListItemSelector = "li.col-xs-2-4.shopee-search-item-result__item"

// ParseListLinks 从类目列表页 HTML 中解析商品详情链接。
//
// 参数:
//
//	html: 列表页 HTML
//	base: 列表页 URL（用于补全相对链接）
//
// 返回值:
//
//	[]string: 去重后的商品链接（去掉查询参数与锚点），保持页面顺序
//	int: 列表中商品卡片数量
//	error: HTML 解析失败时返回
func ParseListLinks(html string, base string) ([]string, int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, 0, fmt.Errorf("parse list html: %w", err)
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, 0, fmt.Errorf("parse base url: %w", err)
	}

	items := doc.Find(ListItemSelector)
	seen := make(map[string]struct{}, items.Length())
	links := make([]string, 0, items.Length())

	items.Each(func(_ int, item *goquery.Selection) {
		content := item.Find(".contents").First()
		if content.Length() == 0 {
			return
		}
		anchor := content.Closest("a[href]")
		if anchor.Length() == 0 {
			anchor = content.Find("a[href]").First()
		}
		href, ok := anchor.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		link, ok := cleanProductURL(baseURL, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})

	return links, items.Length(), nil
}

func cleanProductURL(base *url.URL, href string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.RawQuery = ""
	abs.Fragment = ""
	return abs.String(), true
}
