package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultConfigPath = "configs/config.json"

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `mapstructure:"app" json:"app"`
	Redis    RedisConfig    `mapstructure:"redis" json:"redis"`
	Browser  BrowserConfig  `mapstructure:"browser" json:"browser"`
	Batch    BatchConfig    `mapstructure:"batch" json:"batch"`
	Verify   VerifyConfig   `mapstructure:"verify" json:"verify"`
	Category CategoryConfig `mapstructure:"category" json:"category"`
	Daily    DailyConfig    `mapstructure:"daily" json:"daily"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" json:"snapshot"`
	Email    EmailConfig    `mapstructure:"email" json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env           string  `mapstructure:"env" json:"env"`                         // 运行环境: local / prod
	LogLevel      string  `mapstructure:"log_level" json:"log_level"`             // 日志级别: debug / info / warn / error
	LogFormat     string  `mapstructure:"log_format" json:"log_format"`           // 日志格式: json / text
	LogFile       string  `mapstructure:"log_file" json:"log_file"`               // 日志文件（为空则只输出 stdout）
	HTTPAddr      string  `mapstructure:"http_addr" json:"http_addr"`             // 命令 API 监听地址
	MetricsAddr   string  `mapstructure:"metrics_addr" json:"metrics_addr"`       // 独立 metrics 监听地址
	KeyPrefix     string  `mapstructure:"key_prefix" json:"key_prefix"`           // Redis key 前缀
	RateLimit     float64 `mapstructure:"rate_limit" json:"rate_limit"`           // 导航限流速率（token/s，0 关闭）
	RateBurst     float64 `mapstructure:"rate_burst" json:"rate_burst"`           // 限流桶容量
	ResumeOnStart bool    `mapstructure:"resume_on_start" json:"resume_on_start"` // 启动时继续上次中断的批量任务
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`         // Redis 地址 (host:port)
	Password string `mapstructure:"password" json:"password"` // Redis 密码
	DB       int    `mapstructure:"db" json:"db"`
}

// BrowserConfig 浏览器配置。
type BrowserConfig struct {
	BinPath        string        `mapstructure:"bin_path" json:"bin_path"`               // 浏览器可执行文件路径
	ProxyURL       string        `mapstructure:"proxy_url" json:"proxy_url"`             // 代理服务器 URL
	Headless       bool          `mapstructure:"headless" json:"headless"`               // 是否使用无头模式
	UserDataDir    string        `mapstructure:"user_data_dir" json:"user_data_dir"`     // 用户数据目录（保留登录态）
	ExtensionDir   string        `mapstructure:"extension_dir" json:"extension_dir"`     // 注入数据模块的浏览器插件目录
	UserAgent      string        `mapstructure:"user_agent" json:"user_agent"`           // 覆盖 UA（为空则不覆盖）
	PageTimeout    time.Duration `mapstructure:"page_timeout" json:"page_timeout"`       // 页面加载/提取超时
	BlockResources bool          `mapstructure:"block_resources" json:"block_resources"` // 屏蔽媒体与追踪脚本
}

// BatchConfig 批量抓取引擎配置。
type BatchConfig struct {
	Concurrency          int           `mapstructure:"concurrency" json:"concurrency"`                       // 并发 worker 数（1-10）
	IncompleteRetryLimit int           `mapstructure:"incomplete_retry_limit" json:"incomplete_retry_limit"` // 单轮内不完整结果的重试上限
	RetryRounds          int           `mapstructure:"retry_rounds" json:"retry_rounds"`                     // 轮后重试最大轮数
	RetryRoundDelay      time.Duration `mapstructure:"retry_round_delay" json:"retry_round_delay"`           // 轮间等待
	JitterMin            time.Duration `mapstructure:"jitter_min" json:"jitter_min"`                         // 加载后提取前的随机等待
	JitterMax            time.Duration `mapstructure:"jitter_max" json:"jitter_max"`
	GapMin               time.Duration `mapstructure:"gap_min" json:"gap_min"` // 条目间随机间隔
	GapMax               time.Duration `mapstructure:"gap_max" json:"gap_max"`
	RestEvery            int           `mapstructure:"rest_every" json:"rest_every"` // 每处理 N 条休息一次
	RestMin              time.Duration `mapstructure:"rest_min" json:"rest_min"`
	RestMax              time.Duration `mapstructure:"rest_max" json:"rest_max"`
	PausePoll            time.Duration `mapstructure:"pause_poll" json:"pause_poll"` // 暂停时的轮询间隔
}

// VerifyConfig 验证页封锁配置。
type VerifyConfig struct {
	URLPattern   string        `mapstructure:"url_pattern" json:"url_pattern"`     // 验证页 URL 正则
	Cooldown     time.Duration `mapstructure:"cooldown" json:"cooldown"`           // 自动解除前的冷却时间
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"` // 等待解除时的轮询间隔
	AlertTo      string        `mapstructure:"alert_to" json:"alert_to"`           // 封锁提醒收件人（为空不发送）
}

// CategoryConfig 类目页采集配置。
type CategoryConfig struct {
	MaxPages int           `mapstructure:"max_pages" json:"max_pages"` // 最大翻页数
	Budget   time.Duration `mapstructure:"budget" json:"budget"`       // 单次采集时间预算
}

// DailyConfig 每日任务配置。
type DailyConfig struct {
	Enabled            bool          `mapstructure:"enabled" json:"enabled"`
	ScheduleTime       string        `mapstructure:"schedule_time" json:"schedule_time"` // 默认运行时刻 HH:MM
	CategoryURL        string        `mapstructure:"category_url" json:"category_url"`
	CacheUpdateEnabled bool          `mapstructure:"cache_update_enabled" json:"cache_update_enabled"`
	Window             time.Duration `mapstructure:"window" json:"window"`             // 运行时刻随机窗口（±）
	MinHour            int           `mapstructure:"min_hour" json:"min_hour"`         // 允许运行的最早小时
	MaxHour            int           `mapstructure:"max_hour" json:"max_hour"`         // 允许运行的最晚小时
	JobDeadline        time.Duration `mapstructure:"job_deadline" json:"job_deadline"` // 单次任务墙钟上限
	CacheTTL           time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`       // 类目缓存有效期
}

// SnapshotConfig 快照历史存储配置。
type SnapshotConfig struct {
	Driver string        `mapstructure:"driver" json:"driver"` // redis / mysql / postgres / sqlite
	DSN    string        `mapstructure:"dsn" json:"dsn"`
	MaxAge time.Duration `mapstructure:"max_age" json:"max_age"` // 历史保留时长
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `mapstructure:"smtp_host" json:"smtp_host"`
	SMTPPort  int    `mapstructure:"smtp_port" json:"smtp_port"`
	SMTPUser  string `mapstructure:"smtp_user" json:"smtp_user"`
	SMTPPass  string `mapstructure:"smtp_pass" json:"smtp_pass"`
	FromEmail string `mapstructure:"from_email" json:"from_email"`
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量（包括 .env 文件）优先于文件内容。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	_ = godotenv.Load()

	path := defaultConfigPath
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v, getDefaultConfig())
	bindEnv(v)

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		return getDefaultConfig()
	}
	return cfg
}

// Default 返回默认配置的副本。
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:         "local",
			LogLevel:    "info",
			LogFormat:   "json",
			HTTPAddr:    ":8081",
			MetricsAddr: ":2112",
			KeyPrefix:   "shopee",
			RateLimit:   0,
			RateBurst:   3,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Browser: BrowserConfig{
			Headless:       true,
			PageTimeout:    45 * time.Second,
			BlockResources: true,
		},
		Batch: BatchConfig{
			Concurrency:          1,
			IncompleteRetryLimit: 2,
			RetryRounds:          5,
			RetryRoundDelay:      2 * time.Minute,
			JitterMin:            1 * time.Second,
			JitterMax:            3 * time.Second,
			GapMin:               2 * time.Second,
			GapMax:               5 * time.Second,
			RestEvery:            50,
			RestMin:              3 * time.Minute,
			RestMax:              6 * time.Minute,
			PausePoll:            1 * time.Second,
		},
		Verify: VerifyConfig{
			URLPattern:   `/verify/(traffic|captcha|error)|/verify\b`,
			Cooldown:     15 * time.Minute,
			PollInterval: 1 * time.Second,
		},
		Category: CategoryConfig{
			MaxPages: 50,
			Budget:   2 * time.Hour,
		},
		Daily: DailyConfig{
			Enabled:            true,
			ScheduleTime:       "09:00",
			CacheUpdateEnabled: true,
			Window:             60 * time.Minute,
			MinHour:            6,
			MaxHour:            23,
			JobDeadline:        23 * time.Hour,
			CacheTTL:           24 * time.Hour,
		},
		Snapshot: SnapshotConfig{
			Driver: "redis",
			MaxAge: 90 * 24 * time.Hour,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

// setDefaults 把默认配置注册到 viper，使 AutomaticEnv 能识别所有 key。
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("app.env", d.App.Env)
	v.SetDefault("app.log_level", d.App.LogLevel)
	v.SetDefault("app.log_format", d.App.LogFormat)
	v.SetDefault("app.log_file", d.App.LogFile)
	v.SetDefault("app.http_addr", d.App.HTTPAddr)
	v.SetDefault("app.metrics_addr", d.App.MetricsAddr)
	v.SetDefault("app.key_prefix", d.App.KeyPrefix)
	v.SetDefault("app.rate_limit", d.App.RateLimit)
	v.SetDefault("app.rate_burst", d.App.RateBurst)
	v.SetDefault("app.resume_on_start", d.App.ResumeOnStart)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("browser.bin_path", d.Browser.BinPath)
	v.SetDefault("browser.proxy_url", d.Browser.ProxyURL)
	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.user_data_dir", d.Browser.UserDataDir)
	v.SetDefault("browser.extension_dir", d.Browser.ExtensionDir)
	v.SetDefault("browser.user_agent", d.Browser.UserAgent)
	v.SetDefault("browser.page_timeout", d.Browser.PageTimeout)
	v.SetDefault("browser.block_resources", d.Browser.BlockResources)

	v.SetDefault("batch.concurrency", d.Batch.Concurrency)
	v.SetDefault("batch.incomplete_retry_limit", d.Batch.IncompleteRetryLimit)
	v.SetDefault("batch.retry_rounds", d.Batch.RetryRounds)
	v.SetDefault("batch.retry_round_delay", d.Batch.RetryRoundDelay)
	v.SetDefault("batch.jitter_min", d.Batch.JitterMin)
	v.SetDefault("batch.jitter_max", d.Batch.JitterMax)
	v.SetDefault("batch.gap_min", d.Batch.GapMin)
	v.SetDefault("batch.gap_max", d.Batch.GapMax)
	v.SetDefault("batch.rest_every", d.Batch.RestEvery)
	v.SetDefault("batch.rest_min", d.Batch.RestMin)
	v.SetDefault("batch.rest_max", d.Batch.RestMax)
	v.SetDefault("batch.pause_poll", d.Batch.PausePoll)

	v.SetDefault("verify.url_pattern", d.Verify.URLPattern)
	v.SetDefault("verify.cooldown", d.Verify.Cooldown)
	v.SetDefault("verify.poll_interval", d.Verify.PollInterval)
	v.SetDefault("verify.alert_to", d.Verify.AlertTo)

	v.SetDefault("category.max_pages", d.Category.MaxPages)
	v.SetDefault("category.budget", d.Category.Budget)

	v.SetDefault("daily.enabled", d.Daily.Enabled)
	v.SetDefault("daily.schedule_time", d.Daily.ScheduleTime)
	v.SetDefault("daily.category_url", d.Daily.CategoryURL)
	v.SetDefault("daily.cache_update_enabled", d.Daily.CacheUpdateEnabled)
	v.SetDefault("daily.window", d.Daily.Window)
	v.SetDefault("daily.min_hour", d.Daily.MinHour)
	v.SetDefault("daily.max_hour", d.Daily.MaxHour)
	v.SetDefault("daily.job_deadline", d.Daily.JobDeadline)
	v.SetDefault("daily.cache_ttl", d.Daily.CacheTTL)

	v.SetDefault("snapshot.driver", d.Snapshot.Driver)
	v.SetDefault("snapshot.dsn", d.Snapshot.DSN)
	v.SetDefault("snapshot.max_age", d.Snapshot.MaxAge)

	v.SetDefault("email.smtp_host", d.Email.SMTPHost)
	v.SetDefault("email.smtp_port", d.Email.SMTPPort)
	v.SetDefault("email.smtp_user", d.Email.SMTPUser)
	v.SetDefault("email.smtp_pass", d.Email.SMTPPass)
	v.SetDefault("email.from_email", d.Email.FromEmail)
}

// bindEnv 启用 APP_LOG_LEVEL 形式的自动映射，并保留常用的简短变量名。
func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("browser.bin_path", "CHROME_BIN")
	_ = v.BindEnv("browser.proxy_url", "BROWSER_PROXY_URL", "HTTP_PROXY")
	_ = v.BindEnv("browser.headless", "BROWSER_HEADLESS")
	_ = v.BindEnv("browser.extension_dir", "BROWSER_EXTENSION_DIR")
	_ = v.BindEnv("email.smtp_host", "SMTP_HOST")
	_ = v.BindEnv("email.smtp_port", "SMTP_PORT")
	_ = v.BindEnv("email.smtp_user", "SMTP_USER")
	_ = v.BindEnv("email.smtp_pass", "SMTP_PASS")
	_ = v.BindEnv("email.from_email", "SMTP_FROM")
	_ = v.BindEnv("snapshot.dsn", "SNAPSHOT_DSN", "DB_DSN")
	_ = v.BindEnv("app.metrics_addr", "CRAWLER_METRICS_ADDR")
}

// applyDefaults 修正未设置或越界的字段。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.KeyPrefix == "" {
		cfg.App.KeyPrefix = defaults.App.KeyPrefix
	}
	if cfg.Browser.PageTimeout <= 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	cfg.Batch.Concurrency = NormalizeConcurrency(cfg.Batch.Concurrency)
	if cfg.Batch.IncompleteRetryLimit < 0 {
		cfg.Batch.IncompleteRetryLimit = defaults.Batch.IncompleteRetryLimit
	}
	if cfg.Batch.RetryRounds < 0 {
		cfg.Batch.RetryRounds = defaults.Batch.RetryRounds
	}
	if cfg.Batch.JitterMax < cfg.Batch.JitterMin {
		cfg.Batch.JitterMax = cfg.Batch.JitterMin
	}
	if cfg.Batch.GapMax < cfg.Batch.GapMin {
		cfg.Batch.GapMax = cfg.Batch.GapMin
	}
	if cfg.Batch.RestMax < cfg.Batch.RestMin {
		cfg.Batch.RestMax = cfg.Batch.RestMin
	}
	if cfg.Batch.PausePoll <= 0 {
		cfg.Batch.PausePoll = defaults.Batch.PausePoll
	}
	if cfg.Verify.URLPattern == "" {
		cfg.Verify.URLPattern = defaults.Verify.URLPattern
	}
	if cfg.Verify.Cooldown <= 0 {
		cfg.Verify.Cooldown = defaults.Verify.Cooldown
	}
	if cfg.Verify.PollInterval <= 0 {
		cfg.Verify.PollInterval = defaults.Verify.PollInterval
	}
	if cfg.Category.MaxPages <= 0 {
		cfg.Category.MaxPages = defaults.Category.MaxPages
	}
	if cfg.Daily.ScheduleTime == "" {
		cfg.Daily.ScheduleTime = defaults.Daily.ScheduleTime
	}
	if cfg.Daily.Window < 0 {
		cfg.Daily.Window = defaults.Daily.Window
	}
	if cfg.Daily.MinHour < 0 || cfg.Daily.MinHour > 23 {
		cfg.Daily.MinHour = defaults.Daily.MinHour
	}
	if cfg.Daily.MaxHour <= cfg.Daily.MinHour || cfg.Daily.MaxHour > 24 {
		cfg.Daily.MaxHour = defaults.Daily.MaxHour
	}
	if cfg.Daily.JobDeadline <= 0 {
		cfg.Daily.JobDeadline = defaults.Daily.JobDeadline
	}
	if cfg.Daily.CacheTTL <= 0 {
		cfg.Daily.CacheTTL = defaults.Daily.CacheTTL
	}
	if cfg.Snapshot.Driver == "" {
		cfg.Snapshot.Driver = defaults.Snapshot.Driver
	}
	if cfg.Snapshot.MaxAge <= 0 {
		cfg.Snapshot.MaxAge = defaults.Snapshot.MaxAge
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

var clockRe = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// Validate 校验无法自动修正的配置项。
func (c *Config) Validate() error {
	if _, err := regexp.Compile(c.Verify.URLPattern); err != nil {
		return fmt.Errorf("invalid verify.url_pattern: %w", err)
	}
	if !clockRe.MatchString(c.Daily.ScheduleTime) {
		return fmt.Errorf("invalid daily.schedule_time %q, want HH:MM", c.Daily.ScheduleTime)
	}
	switch c.Snapshot.Driver {
	case "redis":
	case "mysql":
		if _, err := mysql.ParseDSN(c.Snapshot.DSN); err != nil {
			return fmt.Errorf("invalid snapshot.dsn: %w", err)
		}
	case "postgres", "sqlite":
		if c.Snapshot.DSN == "" {
			return fmt.Errorf("snapshot.dsn is required for driver %s", c.Snapshot.Driver)
		}
	default:
		return fmt.Errorf("unknown snapshot.driver %q", c.Snapshot.Driver)
	}
	return nil
}

// ValidScheduleTime 判断 HH:MM 格式是否合法。
func ValidScheduleTime(s string) bool {
	return clockRe.MatchString(s)
}

// MaxConcurrency 批量引擎允许的最大并发。
const MaxConcurrency = 10

// NormalizeConcurrency 把并发数限制在 [1, MaxConcurrency]。
func NormalizeConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
