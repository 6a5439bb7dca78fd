package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/api"
	"github.com/xqhhhhhh/shopee-extension/internal/browser"
	"github.com/xqhhhhhh/shopee-extension/internal/config"
	"github.com/xqhhhhhh/shopee-extension/internal/crawler"
	"github.com/xqhhhhhh/shopee-extension/internal/daily"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/events"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/logger"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/notify"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/ratelimit"
	"github.com/xqhhhhhh/shopee-extension/internal/snapshot"
	"github.com/xqhhhhhh/shopee-extension/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	eventBuffer     = 64
	shutdownTimeout = 30 * time.Second
	resumeSource    = "resume"
)

// main 是抓取守护进程的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 Redis、启动浏览器
// 3. 组装验证门、页面驱动、批量引擎、类目采集器与每日任务
// 4. 启动命令 API 与 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.New(logger.Options{
		Level:  cfg.App.LogLevel,
		Format: cfg.App.LogFormat,
		File:   cfg.App.LogFile,
	})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error("crawler daemon stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	appLogger.Info("crawler daemon stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	metrics.InitMetrics(cfg.Batch.Concurrency)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	st, err := store.New(rdb, cfg.App.KeyPrefix)
	if err != nil {
		return err
	}
	bus := events.NewBus(appLogger, eventBuffer)

	limiter := ratelimit.NewRedisRateLimiter(rdb, appLogger, st.Key(store.SuffixRateLimit), cfg.App.RateLimit, cfg.App.RateBurst)
	if cfg.App.RateLimit > 0 && float64(cfg.Batch.Concurrency) > cfg.App.RateLimit*30 {
		appLogger.Warn("concurrency is significantly higher than rate limit throughput capacity",
			slog.Int("concurrency", cfg.Batch.Concurrency),
			slog.Float64("rate_limit", cfg.App.RateLimit))
	}

	browserSvc, err := browser.New(ctx, cfg.Browser, appLogger)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer func() { _ = browserSvc.Close() }()

	gate := crawler.NewGate(st, bus, crawler.GateConfig{
		Cooldown:     cfg.Verify.Cooldown,
		PollInterval: cfg.Verify.PollInterval,
	}, appLogger)
	if cfg.Verify.AlertTo != "" {
		gate.SetNotifier(notify.NewEmailNotifier(&cfg.Email, cfg.Verify.AlertTo, appLogger))
	}

	driverCfg, err := crawler.DriverConfigFrom(cfg)
	if err != nil {
		return err
	}
	driver := crawler.NewPageDriver(browserSvc, gate, limiter, driverCfg, appLogger)
	if session, err := st.LoadSession(ctx); err != nil {
		appLogger.Warn("load session binding failed", slog.String("error", err.Error()))
	} else {
		driver.BindSession(session)
	}

	rest := crawler.IntervalRest{Every: cfg.Batch.RestEvery, Min: cfg.Batch.RestMin, Max: cfg.Batch.RestMax}
	engine := crawler.NewEngine(driver, browserSvc, gate, st, bus, rest, crawler.EngineConfigFrom(cfg), appLogger)
	gate.AttachPauser(engine)

	collector := crawler.NewCollector(browserSvc, gate, driverCfg.VerifyRe, crawler.DefaultCollectorTiming(), appLogger)
	defer collector.Close()

	snapshots, err := snapshot.New(cfg.Snapshot, rdb, st.Key(store.SuffixSnapshots), appLogger)
	if err != nil {
		return fmt.Errorf("init snapshot store: %w", err)
	}

	coordinator := daily.New(engine, collector, st, snapshots, cfg, appLogger)

	// 恢复上次进程退出时的状态
	if err := gate.Restore(ctx); err != nil {
		appLogger.Warn("restore verify state failed", slog.String("error", err.Error()))
	}
	interrupted, err := engine.Restore(ctx)
	if err != nil {
		appLogger.Warn("restore batch state failed", slog.String("error", err.Error()))
	}
	if len(interrupted) > 0 && cfg.App.ResumeOnStart {
		if err := engine.Start(ctx, interrupted, crawler.Options{
			EmitEvents:    true,
			RecordResults: true,
			AllowPause:    true,
			Source:        resumeSource,
		}); err != nil {
			appLogger.Warn("resume interrupted batch failed", slog.String("error", err.Error()))
		} else {
			appLogger.Info("resumed interrupted batch", slog.Int("urls", len(interrupted)))
		}
	}
	if err := coordinator.Start(ctx); err != nil {
		appLogger.Warn("start daily coordinator failed", slog.String("error", err.Error()))
	}

	srv := api.NewServer(cfg, api.Deps{
		Engine:    engine,
		Gate:      gate,
		Sessions:  driver,
		SessStore: st,
		Collector: collector,
		Daily:     coordinator,
		Snapshots: snapshots,
		Events:    bus,
		Checks: []api.HealthCheck{
			{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			{Name: "browser", Check: func(ctx context.Context) error {
				if !browserSvc.Healthy(ctx) {
					return errors.New("browser unresponsive")
				}
				return nil
			}},
		},
	}, appLogger)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}
	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("crawler metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down crawler daemon...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 1. 停止接收命令
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	// 2. 停止批量任务，已完成的结果已持久化
	engine.Shutdown(shutdownTimeout / 2)
	// 3. 写完剩余的快照
	if err := coordinator.Close(shutdownTimeout / 3); err != nil {
		appLogger.Error("snapshot writer shutdown failed", slog.String("error", err.Error()))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	return nil
}
