package browser

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

const diagnoseTimeout = 3 * time.Second

// 拦截类型。
const (
	blockNone      = ""
	blockCaptcha   = "captcha"
	blockTraffic   = "traffic"
	blockLogin     = "login"
	blockForbidden = "forbidden"
	blockBlank     = "blank"
)

// 页面特征关键词，按匹配顺序排列。
var blockHints = []struct {
	kind  string
	hints []string
}{
	{blockTraffic, []string{"/verify/traffic", "unusual traffic", "流量异常"}},
	{blockCaptcha, []string{"/verify/captcha", "captcha", "slide to verify", "滑动验证", "请验证"}},
	{blockLogin, []string{"/buyer/login", "log in to continue", "请登录"}},
	{blockForbidden, []string{"access denied", "403 forbidden", "429 too many requests", "too many requests"}},
}

// detectBlockType 根据 URL、标题和 HTML 片段判断页面被拦截的类型。
func detectBlockType(pageURL, title, html string) string {
	if pageURL == "about:blank" && strings.TrimSpace(html) == "" {
		return blockBlank
	}
	text := strings.ToLower(pageURL + "\n" + title + "\n" + html)
	for _, group := range blockHints {
		for _, h := range group.hints {
			if strings.Contains(text, h) {
				return group.kind
			}
		}
	}
	return blockNone
}

type pageDiagnostics struct {
	url        string
	title      string
	readyState string
	snippet    string
}

// diagnose 用独立的 context 读取页面状态，任务 context 已超时也能拿到结果。
func diagnose(page *rod.Page) pageDiagnostics {
	d := pageDiagnostics{readyState: "unknown", title: "unknown"}
	if page == nil {
		return d
	}
	ctx, cancel := context.WithTimeout(context.Background(), diagnoseTimeout)
	defer cancel()
	p := page.Context(ctx)

	if info, err := p.Info(); err == nil {
		d.url = info.URL
		if info.Title != "" {
			d.title = info.Title
		}
	}
	if v, err := p.Eval("() => document.readyState"); err == nil {
		if s := v.Value.Str(); s != "" {
			d.readyState = s
		}
	}
	if v, err := p.Eval("() => document.documentElement.outerHTML.substring(0, 2000)"); err == nil {
		d.snippet = v.Value.Str()
	}
	return d
}

// logPageTimeout 记录页面加载失败时的诊断信息。
func (s *Service) logPageTimeout(phase string, page *rod.Page, err error) {
	d := diagnose(page)
	s.logger.Warn("page load failed",
		slog.String("phase", phase),
		slog.String("url", d.url),
		slog.String("ready_state", d.readyState),
		slog.String("page_title", d.title),
		slog.String("block_type", detectBlockType(d.url, d.title, d.snippet)),
		slog.String("error", err.Error()))
}
