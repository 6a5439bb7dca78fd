package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志构造参数。
type Options struct {
	Level  string // debug / info / warn / error
	Format string // json / text
	File   string // 为空则只输出到 stdout

	MaxSizeMB  int // 单个日志文件大小上限
	MaxBackups int // 保留的历史文件数
	MaxAgeDays int // 历史文件保留天数
}

// NewDefault 创建输出到 stdout 的 JSON 日志记录器。
func NewDefault(level string) *slog.Logger {
	return New(Options{Level: level, Format: "json"})
}

// New 按选项创建日志记录器。
//
// 配置了 File 时同时写入 stdout 与滚动文件。
//
// 参数:
//
//	opts: 日志选项
//
// 返回值:
//
//	*slog.Logger: 日志记录器
func New(opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 100),
			MaxBackups: defaultInt(opts.MaxBackups, 7),
			MaxAge:     defaultInt(opts.MaxAgeDays, 30),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotating)
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// ParseLevel 解析日志级别，无法识别时返回 Info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
