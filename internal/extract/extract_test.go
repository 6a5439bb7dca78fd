package extract

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const productURL = "https://shopee.ph/Phone-Case-i.123456.987654321"

const detailHTML = `<html><body>
<div class="jRlVo0">
  <div class="IZPeQz">₱120 - ₱180</div>
  <div class="ZA5sW5">₱200</div>
  <div class="vms4_3">-20%</div>
</div>
<div id="shopdora-detailPage">
  <div class="detail-info-item">
    <div class="detail-info-item-title">卖家</div>
    <div class="detail-info-item-main"><span class="item-main">Case Store PH</span></div>
  </div>
  <div class="detail-info-item">
    <div class="detail-info-item-title">类目</div>
    <div class="detail-info-item-main"><span class="item-main">Mobile Accessories</span></div>
  </div>
  <div class="detail-info-item">
    <div class="detail-info-item-title">上架时间</div>
    <div class="detail-info-item-main"><span class="item-main">2024-03-18 10:00</span></div>
  </div>
  <div class="detail-info-item">
    <div class="detail-info-item-title">总销量</div>
    <div class="detail-info-item-main"><span class="item-main">1,234</span></div>
  </div>
  <p>近30日销量: 56</p>
  <div class="shopdoraPirceList">¥15.5 ~ ¥22.8</div>
  <table>
    <thead><tr><th>SKU名称</th><th>价格</th><th>库存</th><th>销量占比</th><th>预估销量</th></tr></thead>
    <tbody>
      <tr><td>Black</td><td>₱120</td><td>30</td><td>60%</td><td>740</td></tr>
      <tr><td>Blue</td><td>₱180</td><td>12</td><td>40%</td><td>494</td></tr>
    </tbody>
  </table>
</div>
</body></html>`

func TestParseProduct_FullModule(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rec, status, err := ParseProduct(productURL, detailHTML, now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if rec.ProductID != "987654321" {
		t.Fatalf("unexpected product id %q", rec.ProductID)
	}
	if rec.SellerName != "Case Store PH" || rec.Category != "Mobile Accessories" {
		t.Fatalf("unexpected seller/category: %q / %q", rec.SellerName, rec.Category)
	}
	if rec.ListedDate != "2024-03-18" {
		t.Fatalf("unexpected listed date %q", rec.ListedDate)
	}
	if rec.Sales.TotalQty == nil || *rec.Sales.TotalQty != 1234 {
		t.Fatalf("unexpected total qty %v", rec.Sales.TotalQty)
	}
	if rec.Sales.Last30Qty == nil || *rec.Sales.Last30Qty != 56 {
		t.Fatalf("unexpected last30 qty %v", rec.Sales.Last30Qty)
	}
	if got := rec.Price.CurrentPHPRange; len(got) != 2 || got[0] != 120 || got[1] != 180 {
		t.Fatalf("unexpected php range %v", got)
	}
	if got := rec.Price.CurrentCNYRange; len(got) != 2 || got[0] != 15.5 || got[1] != 22.8 {
		t.Fatalf("unexpected cny range %v", got)
	}
	if rec.Price.Discount != "-20%" {
		t.Fatalf("unexpected discount %q", rec.Price.Discount)
	}
	if len(rec.SKU) != 2 || rec.SKU[1].Name != "Blue" || rec.SKU[1].SalesShare != "40%" {
		t.Fatalf("unexpected sku rows %+v", rec.SKU)
	}
	if rec.SKU[0].Stock == nil || *rec.SKU[0].Stock != 30 {
		t.Fatalf("unexpected stock %v", rec.SKU[0].Stock)
	}
	if !status.Complete() {
		t.Fatalf("expected complete table, got %+v", status)
	}
	if len(rec.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", rec.Warnings)
	}
	if !rec.ExtractedAt.Equal(now) {
		t.Fatalf("unexpected extracted_at %v", rec.ExtractedAt)
	}
}

func TestParseProduct_MissingModule(t *testing.T) {
	_, _, err := ParseProduct(productURL, `<html><body><div>nothing</div></body></html>`, time.Now())
	if !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestParseProduct_FallbackRootAndWarnings(t *testing.T) {
	html := `<html><body><section class="ShopdoraPanel"><div>卖家: Only Seller</div></section></body></html>`
	rec, status, err := ParseProduct("https://shopee.ph/unknown", html, time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.SellerName != "Only Seller" {
		t.Fatalf("unexpected seller %q", rec.SellerName)
	}
	if status.HasTable {
		t.Fatal("expected no table")
	}

	want := []string{WarnNoProductID, WarnNoCategory, WarnNoListedDate, WarnNoSKU}
	if strings.Join(rec.Warnings, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected warnings %v", rec.Warnings)
	}
}

func TestParseProduct_IncompleteSKURows(t *testing.T) {
	html := `<div id="shopdora-shopee-product-detail"><table>
<tr><th>规格</th><th>价格</th></tr>
<tr><td>Red</td><td>₱99</td></tr>
<tr><td>Green</td><td>--</td></tr>
</table></div>`
	_, status, err := ParseProduct(productURL, html, time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if status.TotalRows != 2 || status.CompleteRows != 1 || status.Complete() {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestParseListLinks(t *testing.T) {
	html := `<ul>
<li class="col-xs-2-4 shopee-search-item-result__item"><a href="/Case-i.1.100?sp_atk=x"><div class="contents">A</div></a></li>
<li class="col-xs-2-4 shopee-search-item-result__item"><div class="contents"><a href="https://shopee.ph/Cable-i.1.200#top">B</a></div></li>
<li class="col-xs-2-4 shopee-search-item-result__item"><a href="/Case-i.1.100?sp_atk=y"><div class="contents">A again</div></a></li>
<li class="col-xs-2-4 shopee-search-item-result__item"><div class="contents">no link</div></li>
<li class="other"><a href="/Ignored-i.1.300"><div class="contents">C</div></a></li>
</ul>`
	links, count, err := ParseListLinks(html, "https://shopee.ph/Mobile-cat.11021?page=0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 items, got %d", count)
	}
	want := []string{"https://shopee.ph/Case-i.1.100", "https://shopee.ph/Cable-i.1.200"}
	if strings.Join(links, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected links %v", links)
	}
}

func fastWait() WaitOptions {
	return WaitOptions{
		Attempts:       3,
		RootWait:       20 * time.Millisecond,
		RootPoll:       2 * time.Millisecond,
		AttemptTimeout: 40 * time.Millisecond,
		Poll:           2 * time.Millisecond,
		StableRounds:   3,
		RetryGap:       time.Millisecond,
	}
}

func TestRun_StableSuccess(t *testing.T) {
	var calls atomic.Int32
	snap := func(ctx context.Context) (string, string, error) {
		// 前两次模块尚未渲染
		if calls.Add(1) <= 2 {
			return `<html><body></body></html>`, productURL, nil
		}
		return detailHTML, productURL, nil
	}

	res := Run(context.Background(), snap, fastWait(), nil)
	if !res.Success || res.Data == nil {
		t.Fatalf("expected success, got %+v", res)
	}
	for _, w := range res.Data.Warnings {
		if strings.Contains(w, "仍在加载") {
			t.Fatalf("unexpected still-loading warning: %v", res.Data.Warnings)
		}
	}
}

func TestRun_ModuleNeverAppears(t *testing.T) {
	snap := func(ctx context.Context) (string, string, error) {
		return `<html><body></body></html>`, productURL, nil
	}
	res := Run(context.Background(), snap, fastWait(), nil)
	if res.Success || !strings.Contains(res.Error, "未检测到数据模块") {
		t.Fatalf("expected module failure, got %+v", res)
	}
}

func TestRun_UnstableAddsWarning(t *testing.T) {
	var calls atomic.Int32
	snap := func(ctx context.Context) (string, string, error) {
		// 每次销量都不同，签名永远不稳定
		n := calls.Add(1)
		html := strings.Replace(detailHTML, "1,234", strings.Repeat("9", int(n%7)+1), 1)
		return html, productURL, nil
	}
	res := Run(context.Background(), snap, fastWait(), nil)
	if !res.Success {
		t.Fatalf("expected success with warning, got %+v", res)
	}
	last := res.Data.Warnings[len(res.Data.Warnings)-1]
	if last != "字段仍在加载，已重试3次" {
		t.Fatalf("unexpected warnings %v", res.Data.Warnings)
	}
}

func TestRun_SnapshotError(t *testing.T) {
	boom := errors.New("page closed")
	snap := func(ctx context.Context) (string, string, error) { return "", "", boom }
	res := Run(context.Background(), snap, fastWait(), nil)
	if res.Success || res.Error != boom.Error() {
		t.Fatalf("expected snapshot error, got %+v", res)
	}
}
