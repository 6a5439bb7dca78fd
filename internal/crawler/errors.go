package crawler

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrPageLoadTimeout 页面在超时内没有加载完成。
	ErrPageLoadTimeout = errors.New("page load timeout")
	// ErrContentScriptTimeout 页面内提取逻辑在超时内没有返回。
	ErrContentScriptTimeout = errors.New("content script timeout")
	// ErrVerificationBlocked 命中验证页，不算失败，等待解除后重试。
	ErrVerificationBlocked = errors.New("verification page detected")
	// ErrIncognitoUnsupported 无痕会话无法共享登录态，不可重试。
	ErrIncognitoUnsupported = errors.New("incognito session is not supported")
	// ErrAlreadyRunning 已有批量任务在运行。
	ErrAlreadyRunning = errors.New("batch is already running")
	// ErrEmptyQueue 没有可抓取的 URL。
	ErrEmptyQueue = errors.New("no urls to crawl")
	// ErrNoCategory 未配置类目 URL。
	ErrNoCategory = errors.New("no category url configured")
)

// classifyError 返回用于 metrics 的错误类型字符串。
func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}

	switch {
	case errors.Is(err, ErrPageLoadTimeout):
		return "load_timeout"
	case errors.Is(err, ErrContentScriptTimeout):
		return "script_timeout"
	case errors.Is(err, ErrVerificationBlocked):
		return "blocked"
	case errors.Is(err, ErrIncognitoUnsupported):
		return "incognito"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return "timeout"
	}
	for _, kw := range []string{"net::", "connection", "navigate"} {
		if strings.Contains(msg, kw) {
			return "network_error"
		}
	}
	if strings.Contains(msg, "parse") || strings.Contains(msg, "extract") || strings.Contains(msg, "数据模块") {
		return "parse_error"
	}
	return "unknown"
}
