package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader 请求 ID 的响应头。
const RequestIDHeader = "X-Request-ID"

// quietPaths 只在 debug 级别记录的高频路径。
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// RequestLogger 记录每个 HTTP 请求的方法、路径、状态码和耗时。
//
// 请求未携带 X-Request-ID 时生成一个，并回写到响应头。
// SSE 长连接在断开时才记录一次。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(RequestIDHeader, reqID)
		c.Next()

		if logger == nil {
			return
		}
		status := c.Writer.Status()
		path := c.Request.URL.Path

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietPaths[path]:
			level = slog.LevelDebug
		}

		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("request_id", reqID),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.String("client_ip", c.ClientIP()),
			slog.String("latency", time.Since(start).String()),
		)
	}
}
