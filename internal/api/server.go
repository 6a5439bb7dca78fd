package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/api/middleware"
	"github.com/xqhhhhhh/shopee-extension/internal/config"
	"github.com/xqhhhhhh/shopee-extension/internal/crawler"
	"github.com/xqhhhhhh/shopee-extension/internal/daily"
	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/events"
	"github.com/xqhhhhhh/shopee-extension/internal/snapshot"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	healthTimeout    = 5 * time.Second
	sseKeepAlive     = 15 * time.Second
	popupBatchSource = "popup"
)

// BatchEngine 批量引擎的命令接口。
type BatchEngine interface {
	Start(ctx context.Context, urls []string, opts crawler.Options) error
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	Status() crawler.Status
	Results() []model.ResultPayload
	SetConcurrency(n int) int
}

// VerifyGate 验证门的查询与人工解除。
type VerifyGate interface {
	State() model.VerifyBlockState
	Clear(ctx context.Context) bool
}

// SessionBinder 绑定批量任务使用的浏览器会话。
type SessionBinder interface {
	BindSession(s model.SessionBinding)
	Session() model.SessionBinding
}

// SessionStore 会话绑定的持久化。
type SessionStore interface {
	SaveSession(ctx context.Context, b model.SessionBinding) error
}

// LinkCollector 类目链接采集。
type LinkCollector interface {
	Collect(ctx context.Context, req crawler.CollectRequest) crawler.CollectResult
}

// DailyJobs 每日任务协调器。
type DailyJobs interface {
	Trigger(trigger string)
	Status(ctx context.Context) (daily.Status, error)
	UpdateSettings(ctx context.Context, upd daily.SettingsUpdate) (model.Settings, error)
}

// SnapshotReader 快照历史查询。
type SnapshotReader interface {
	History(ctx context.Context, since string) ([]model.DailyRecord, error)
}

// EventSource 出站事件订阅。
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// HealthCheck 一项健康检查。
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps 命令 API 依赖的组件。
type Deps struct {
	Engine    BatchEngine
	Gate      VerifyGate
	Sessions  SessionBinder
	SessStore SessionStore
	Collector LinkCollector
	Daily     DailyJobs
	Snapshots SnapshotReader
	Events    EventSource
	Checks    []HealthCheck
}

// Server 封装命令 API 的依赖和路由处理。
//
// 对外提供批量任务、每日任务、验证门和会话绑定的命令，
// 以及 SSE 事件流、健康检查和 Prometheus 指标。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine
	deps   Deps
}

// NewServer 初始化 API 服务器并注册路由。
//
// 参数:
//
//	cfg: 配置对象
//	deps: 依赖组件
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: r,
		deps:   deps,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")

	batch := api.Group("/batch")
	batch.POST("/start", s.handleBatchStart)
	batch.POST("/pause", s.handleBatchPause)
	batch.POST("/resume", s.handleBatchResume)
	batch.GET("/status", s.handleBatchStatus)
	batch.GET("/results", s.handleBatchResults)
	batch.POST("/concurrency", s.handleSetConcurrency)

	api.POST("/config", s.handleUpdateConfig)
	api.GET("/config/status", s.handleConfigStatus)
	api.POST("/daily/run", s.handleDailyRun)
	api.POST("/verify/resume", s.handleVerifyResume)
	api.GET("/session", s.handleGetSession)
	api.POST("/session/bind", s.handleSessionBind)
	api.POST("/category/collect", s.handleCategoryCollect)
	api.GET("/snapshots", s.handleSnapshots)
	api.GET("/events", s.handleEvents)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	for _, hc := range s.deps.Checks {
		if err := hc.Check(ctx); err != nil {
			s.logger.Warn("health check failed",
				slog.String("check", hc.Name),
				slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "check": hc.Name})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// batchStartRequest batch-start 请求参数。
type batchStartRequest struct {
	URLs          []string `json:"urls"`
	WindowContext string   `json:"window_context"`
	Incognito     bool     `json:"incognito"`
	Concurrency   int      `json:"concurrency"`
}

// batchStatusResponse batch-status 响应。
type batchStatusResponse struct {
	crawler.Status
	VerifyBlocked bool `json:"verify_blocked"`
}

func (s *Server) handleBatchStart(c *gin.Context) {
	var req batchStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Concurrency < 0 || req.Concurrency > config.MaxConcurrency {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid concurrency"})
		return
	}

	// 会话只在引擎接受本次运行时绑定，被拒绝的请求不影响正在运行的批次
	var binding *model.SessionBinding
	if req.WindowContext != "" || req.Incognito {
		b := newSessionBinding(req.WindowContext, req.Incognito)
		binding = &b
	}
	opts := crawler.Options{
		EmitEvents:    true,
		RecordResults: true,
		AllowPause:    true,
		Concurrency:   req.Concurrency,
		Source:        popupBatchSource,
	}
	if binding != nil {
		opts.OnAccept = func() { s.deps.Sessions.BindSession(*binding) }
	}

	err := s.deps.Engine.Start(c.Request.Context(), req.URLs, opts)
	switch {
	case errors.Is(err, crawler.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, crawler.ErrEmptyQueue):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("start batch failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start batch failed"})
		return
	}
	if binding != nil {
		// 批次已在运行，持久化失败只记日志
		_ = s.saveSession(c.Request.Context(), *binding)
	}
	c.JSON(http.StatusAccepted, s.batchStatus())
}

func (s *Server) handleBatchPause(c *gin.Context) {
	s.deps.Engine.Pause(c.Request.Context())
	c.JSON(http.StatusOK, s.batchStatus())
}

func (s *Server) handleBatchResume(c *gin.Context) {
	s.deps.Engine.Resume(c.Request.Context())
	c.JSON(http.StatusOK, s.batchStatus())
}

func (s *Server) handleBatchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.batchStatus())
}

func (s *Server) handleBatchResults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"results": s.deps.Engine.Results()})
}

// setConcurrencyRequest 调整并发的请求参数。
type setConcurrencyRequest struct {
	Concurrency int `json:"concurrency" binding:"required"`
}

func (s *Server) handleSetConcurrency(c *gin.Context) {
	var req setConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := s.deps.Engine.SetConcurrency(req.Concurrency)
	c.JSON(http.StatusOK, gin.H{"concurrency": n})
}

func (s *Server) batchStatus() batchStatusResponse {
	return batchStatusResponse{
		Status:        s.deps.Engine.Status(),
		VerifyBlocked: s.deps.Gate.State().Blocked,
	}
}

// updateConfigRequest config-update 请求参数，未提供的字段保持不变。
type updateConfigRequest struct {
	ScheduleTime       *string `json:"schedule_time"`
	CategoryURL        *string `json:"category_url"`
	CacheUpdateEnabled *bool   `json:"cache_update_enabled"`
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ScheduleTime == nil && req.CategoryURL == nil && req.CacheUpdateEnabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no updates"})
		return
	}

	settings, err := s.deps.Daily.UpdateSettings(c.Request.Context(), daily.SettingsUpdate{
		ScheduleTime:       req.ScheduleTime,
		CategoryURL:        req.CategoryURL,
		CacheUpdateEnabled: req.CacheUpdateEnabled,
	})
	if errors.Is(err, daily.ErrInvalidSettings) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("update settings failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update settings failed"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// configStatusResponse config-status 响应。
type configStatusResponse struct {
	daily.Status
	Running       bool      `json:"running"`
	Paused        bool      `json:"paused"`
	Remaining     int       `json:"remaining"`
	VerifyBlocked bool      `json:"verify_blocked"`
	VerifyURL     string    `json:"verify_url,omitempty"`
	VerifyUntil   time.Time `json:"verify_until,omitempty"`
}

func (s *Server) handleConfigStatus(c *gin.Context) {
	st, err := s.deps.Daily.Status(c.Request.Context())
	if err != nil {
		s.logger.Error("load daily status failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load status failed"})
		return
	}
	batch := s.deps.Engine.Status()
	verify := s.deps.Gate.State()
	c.JSON(http.StatusOK, configStatusResponse{
		Status:        st,
		Running:       batch.Running,
		Paused:        batch.Paused,
		Remaining:     batch.Remaining,
		VerifyBlocked: verify.Blocked,
		VerifyURL:     verify.URL,
		VerifyUntil:   verify.Until(),
	})
}

func (s *Server) handleDailyRun(c *gin.Context) {
	s.deps.Daily.Trigger(daily.TriggerManual)
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

func (s *Server) handleVerifyResume(c *gin.Context) {
	cleared := s.deps.Gate.Clear(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// sessionBindRequest session-bind 请求参数。
type sessionBindRequest struct {
	WindowContext string `json:"window_context"`
	Incognito     bool   `json:"incognito"`
}

func (s *Server) handleSessionBind(c *gin.Context) {
	var req sessionBindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.bindSession(c.Request.Context(), req.WindowContext, req.Incognito); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bind session failed"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Sessions.Session())
}

func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Sessions.Session())
}

func newSessionBinding(windowContext string, incognito bool) model.SessionBinding {
	return model.SessionBinding{
		WindowContext: strings.TrimSpace(windowContext),
		Incognito:     incognito,
		BoundAt:       time.Now(),
	}
}

func (s *Server) bindSession(ctx context.Context, windowContext string, incognito bool) error {
	b := newSessionBinding(windowContext, incognito)
	s.deps.Sessions.BindSession(b)
	return s.saveSession(ctx, b)
}

func (s *Server) saveSession(ctx context.Context, b model.SessionBinding) error {
	if s.deps.SessStore == nil {
		return nil
	}
	if err := s.deps.SessStore.SaveSession(ctx, b); err != nil {
		s.logger.Error("save session failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// collectRequest collect-product-urls 请求参数。
type collectRequest struct {
	CategoryURL string `json:"category_url" binding:"required"`
	Paginate    bool   `json:"paginate"`
	MaxPages    int    `json:"max_pages"`
}

func (s *Server) handleCategoryCollect(c *gin.Context) {
	var req collectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxPages < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_pages"})
		return
	}
	maxPages := req.MaxPages
	if maxPages == 0 {
		maxPages = s.cfg.Category.MaxPages
	}

	res := s.deps.Collector.Collect(c.Request.Context(), crawler.CollectRequest{
		CategoryURL: strings.TrimSpace(req.CategoryURL),
		Budget:      s.cfg.Category.Budget,
		Paginate:    req.Paginate,
		MaxPages:    maxPages,
	})
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSnapshots(c *gin.Context) {
	since := c.Query("since")
	if since != "" {
		if _, err := time.Parse(snapshot.DateLayout, since); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since, want YYYY-MM-DD"})
			return
		}
	}
	records, err := s.deps.Snapshots.History(c.Request.Context(), since)
	if err != nil {
		s.logger.Error("load snapshots failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load snapshots failed"})
		return
	}
	if records == nil {
		records = []model.DailyRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// handleEvents 以 SSE 推送出站事件，直到客户端断开。
func (s *Server) handleEvents(c *gin.Context) {
	ch, cancel := s.deps.Events.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
