package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/config"
	"github.com/xqhhhhhh/shopee-extension/internal/crawler"
	"github.com/xqhhhhhh/shopee-extension/internal/extract"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	browserInitTimeout    = 30 * time.Second // 浏览器初始化超时
	browserHealthInterval = 30 * time.Second // 健康检查间隔
	browserHealthTimeout  = 5 * time.Second  // 健康检查单次超时
	pageCreateTimeout     = 10 * time.Second // 页面创建超时
	stealthScriptTimeout  = 5 * time.Second  // Stealth 脚本应用超时
	requestIdleWait       = 1 * time.Second  // 网络空闲判定窗口
	requestIdleTimeout    = 10 * time.Second // 等待网络空闲的上限
)

// 屏蔽的高带宽资源与追踪脚本。商品图片不参与提取。
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mov", "*.mp3", "*.m4a", "*.ogg",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*facebook*",
	"*tiktok*",
	"*criteo*",
	"*sentry*",
}

// Service 管理一个 rod 浏览器实例，为抓取引擎和类目采集器提供标签页。
type Service struct {
	cfg    config.BrowserConfig
	logger *slog.Logger
	wait   extract.WaitOptions

	mu      sync.RWMutex
	browser *rod.Browser

	bgCancel context.CancelFunc
}

// New 启动浏览器并开始后台健康检查。
//
// 参数:
//
//	ctx: 上下文
//	cfg: 浏览器配置（可执行文件、代理、用户目录、插件目录等）
//	logger: 日志记录器
//
// 返回值:
//
//	*Service: 浏览器服务
//	error: 浏览器启动失败返回错误
func New(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*Service, error) {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	b, err := startBrowser(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}
	metrics.BrowserInstances.Inc()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		wait:     extract.DefaultWaitOptions(),
		browser:  b,
		bgCancel: bgCancel,
	}
	go s.startHealthCheck(bgCtx)
	return s, nil
}

// startBrowser 启动并连接浏览器。
//
// 使用持久化的用户目录保留 Shopee 登录态，并加载注入数据模块的插件。
func startBrowser(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}
	if cfg.ExtensionDir != "" {
		l = l.Delete("disable-extensions").
			Set("disable-extensions-except", cfg.ExtensionDir).
			Set("load-extension", cfg.ExtensionDir)
	}

	proxy, err := parseProxy(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	if proxy.server != "" {
		l = l.Proxy(proxy.server)
		logger.Info("using http proxy",
			slog.String("server", proxy.server),
			slog.Bool("auth", proxy.user != ""))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// 连接完成后脱离初始化超时
	b = b.Context(context.Background())
	if proxy.user != "" {
		go b.MustHandleAuth(proxy.user, proxy.pass)()
	}

	logger.Info("browser started",
		slog.String("bin", bin),
		slog.Bool("headless", cfg.Headless),
		slog.String("user_data_dir", cfg.UserDataDir))
	return b, nil
}

type proxySettings struct {
	server string
	user   string
	pass   string
}

// parseProxy 拆分代理地址与认证信息，空字符串表示直连。
func parseProxy(raw string) (proxySettings, error) {
	if raw == "" {
		return proxySettings{}, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return proxySettings{}, fmt.Errorf("parse proxy url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return proxySettings{}, fmt.Errorf("invalid proxy url: %s", raw)
	}
	p := proxySettings{server: fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)}
	if parsed.User != nil {
		p.user = parsed.User.Username()
		p.pass, _ = parsed.User.Password()
	}
	return p, nil
}

// OpenTab 新开商品详情标签页并导航到 url。
func (s *Service) OpenTab(ctx context.Context, url string) (crawler.Tab, error) {
	page, err := s.newPage(ctx, url)
	if err != nil {
		return nil, err
	}
	return newTab(page, s), nil
}

// OpenListTab 新开类目列表标签页并导航到 url。
func (s *Service) OpenListTab(ctx context.Context, url string) (crawler.ListTab, error) {
	page, err := s.newPage(ctx, url)
	if err != nil {
		return nil, err
	}
	return &listTab{tab: newTab(page, s)}, nil
}

// newPage 创建页面、注入反检测脚本、设置屏蔽列表和 UA，然后导航。
func (s *Service) newPage(ctx context.Context, target string) (*rod.Page, error) {
	s.mu.RLock()
	b := s.browser
	s.mu.RUnlock()
	if b == nil {
		return nil, errors.New("browser not initialized")
	}

	type pageResult struct {
		page *rod.Page
		err  error
	}
	ch := make(chan pageResult)
	abandon := make(chan struct{})
	go func() {
		page, err := b.Page(proto.TargetCreateTarget{URL: ""})
		select {
		case ch <- pageResult{page: page, err: err}:
		case <-abandon:
			// 调用方已超时退出，页面由这里清理
			if err == nil {
				_ = page.Close()
			}
		}
	}()

	timer := time.NewTimer(pageCreateTimeout)
	defer timer.Stop()

	var page *rod.Page
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("create page: %w", r.err)
		}
		page = r.page
	case <-timer.C:
		close(abandon)
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		close(abandon)
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}
	metrics.BrowserTabsOpen.Inc()

	stealthCtx, cancel := context.WithTimeout(ctx, stealthScriptTimeout)
	_, err := page.Context(stealthCtx).EvalOnNewDocument(stealth.JS)
	cancel()
	if err != nil {
		closePage(page)
		return nil, fmt.Errorf("apply stealth script: %w", err)
	}

	if s.cfg.BlockResources {
		if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
			s.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
		}
	}
	if s.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.cfg.UserAgent}); err != nil {
			s.logger.Warn("set user agent failed", slog.String("error", err.Error()))
		}
	}

	if target != "" {
		if err := page.Context(ctx).Navigate(target); err != nil {
			closePage(page)
			return nil, fmt.Errorf("navigate: %w", err)
		}
	}
	return page, nil
}

func closePage(page *rod.Page) {
	_ = page.Close()
	metrics.BrowserTabsOpen.Dec()
}

// startHealthCheck 定期检查浏览器健康状态，无响应时重启浏览器实例。
func (s *Service) startHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(browserHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Healthy(ctx) {
				continue
			}
			s.logger.Warn("browser health check failed, restarting browser instance")
			if err := s.restart(ctx); err != nil {
				s.logger.Error("failed to restart browser instance", slog.String("error", err.Error()))
			} else {
				s.logger.Info("browser instance restarted successfully")
			}
		}
	}
}

// Healthy 打开空白页执行一段脚本，判断浏览器是否响应。
func (s *Service) Healthy(ctx context.Context) bool {
	s.mu.RLock()
	b := s.browser
	s.mu.RUnlock()
	if b == nil {
		return false
	}

	healthCtx, cancel := context.WithTimeout(ctx, browserHealthTimeout)
	defer cancel()

	page, err := b.Context(healthCtx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer func() { _ = page.Close() }()

	_, err = page.Eval("() => document.title")
	return err == nil
}

// restart 关闭旧实例并启动新实例。旧实例上的标签页随之失效，
// worker 在下一次操作时会得到错误并重新开页。
func (s *Service) restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.logger.Warn("close old browser failed", slog.String("error", err.Error()))
		}
		s.browser = nil
		metrics.BrowserInstances.Dec()
	}

	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()
	b, err := startBrowser(initCtx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("start new browser: %w", err)
	}
	s.browser = b
	metrics.BrowserInstances.Inc()
	metrics.BrowserTabsOpen.Set(0)
	return nil
}

// Close 停止健康检查并关闭浏览器。
func (s *Service) Close() error {
	s.bgCancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.browser = nil
	metrics.BrowserInstances.Dec()
	metrics.BrowserTabsOpen.Set(0)
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	s.logger.Info("browser closed")
	return nil
}

var _ crawler.Browser = (*Service)(nil)
