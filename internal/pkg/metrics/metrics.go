package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shopee_crawler"

var (
	// ItemsProcessedTotal 按结果统计的抓取尝试数（success / incomplete / failed / blocked）。
	ItemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_processed_total",
		Help:      "Total number of item fetch attempts by status.",
	}, []string{"status"})

	// ItemErrorsTotal 按错误类型统计的失败数。
	ItemErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "item_errors_total",
		Help:      "Total number of failed item fetches by error type.",
	}, []string{"type"})

	// RetriesTotal 重试次数（incomplete: 轮内重试；round: 轮后重试）。
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Total number of re-enqueued items by retry kind.",
	}, []string{"kind"})

	PageLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "page_load_duration_seconds",
		Help:      "Time from navigation start to load complete.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Number of running batch workers.",
	})

	ConfiguredConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "configured_concurrency",
		Help:      "Configured batch concurrency.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of URLs waiting in the batch queue.",
	})

	VerifyBlocked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "verify_blocked",
		Help:      "1 while the verification gate is closed.",
	})

	VerifyBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verify_blocks_total",
		Help:      "Total number of verification interstitials detected.",
	})

	RestCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rest_cycles_total",
		Help:      "Total number of worker rest cycles.",
	})

	CategoryPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "category_pages_total",
		Help:      "Total number of category list pages collected.",
	})

	CategoryURLsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "category_urls_total",
		Help:      "Total number of new product URLs found on category pages.",
	})

	DailyRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "daily_runs_total",
		Help:      "Total number of daily job invocations by result.",
	}, []string{"result"})

	SnapshotWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_writes_total",
		Help:      "Total number of snapshot upserts by status.",
	}, []string{"status"})

	BrowserTabsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_tabs_open",
		Help:      "Number of open browser tabs owned by the crawler.",
	})

	BrowserInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_instances",
		Help:      "Number of running browser processes.",
	})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a navigation token.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Total number of navigation token waits aborted by context.",
	})
)

// InitMetrics 初始化需要启动时赋值的指标。
func InitMetrics(concurrency int) {
	ConfiguredConcurrency.Set(float64(concurrency))
	ActiveWorkers.Set(0)
	QueueDepth.Set(0)
	VerifyBlocked.Set(0)
}
