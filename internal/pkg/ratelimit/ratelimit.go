// Package ratelimit 提供跨 worker、跨进程共享的导航限流。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// refillLua 是两个脚本共用的补充逻辑。
// 桶状态保存在 hash 中：tokens 为剩余令牌，ts 为上次补充的毫秒时间戳。
const refillLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - last) * rate / 1000.0)
local ttl = math.ceil(burst / rate * 2000.0)
`

// takeLua 取一个令牌，返回 {是否取得, 需等待毫秒}。
const takeLua = refillLua + `
if tokens >= 1 then
  redis.call("HSET", key, "tokens", tokens - 1, "ts", now)
  redis.call("PEXPIRE", key, ttl)
  return {1, 0}
end
redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, ttl)
return {0, math.ceil((1 - tokens) * 1000.0 / rate)}
`

// drainLua 清空令牌桶，返回清空前的令牌数（取整）。
const drainLua = refillLua + `
redis.call("HSET", key, "tokens", 0, "ts", now)
redis.call("PEXPIRE", key, ttl)
return math.floor(tokens)
`

const (
	defaultKey = "shopee:ratelimit:navigate"
	jitterMax  = 25 * time.Millisecond
	minWait    = 50 * time.Millisecond
)

// RateLimiter 基于 Redis 的导航令牌桶。
//
// 所有 worker 共享一个桶；命中验证页后调用 Drain，恢复抓取时按补充速率逐个放行。
type RateLimiter struct {
	rdb    redis.Scripter
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	take   *redis.Script
	drain  *redis.Script
}

// NewRedisRateLimiter 创建限流器。rate 或 burst 不大于 0 时限流关闭。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器（可为 nil）
//   - key: 令牌桶 key，为空则使用默认值
//   - rate: 每秒补充的令牌数
//   - burst: 桶容量
func NewRedisRateLimiter(rdb redis.Scripter, logger *slog.Logger, key string, rate float64, burst float64) *RateLimiter {
	if key == "" {
		key = defaultKey
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		take:   redis.NewScript(takeLua),
		drain:  redis.NewScript(drainLua),
	}
}

// Enabled 限流是否生效。
func (r *RateLimiter) Enabled() bool {
	return r != nil && r.rate > 0 && r.burst > 0
}

// Acquire 阻塞直到取得一个导航令牌。ctx 先结束时返回 ErrRateLimitTimeout。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}()

	for {
		wait, err := r.tryTake(ctx)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if wait < minWait {
			wait = minWait
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitTimeoutTotal.Inc()
			r.debug("navigation token wait aborted", slog.String("waited", time.Since(start).String()))
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

// Drain 清空令牌桶。
//
// 返回值:
//   - int: 清空前可用的令牌数
//   - error: Redis 错误
func (r *RateLimiter) Drain(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}
	res, err := r.drain.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, time.Now().UnixMilli()).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit drain: %w", err)
	}
	dropped := int(toInt64(res))
	r.debug("navigation bucket drained", slog.Int("dropped_tokens", dropped))
	return dropped, nil
}

// tryTake 尝试取一个令牌，返回 0 表示已取得，否则为建议等待时长。
func (r *RateLimiter) tryTake(ctx context.Context) (time.Duration, error) {
	res, err := r.take.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, time.Now().UnixMilli()).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit eval: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return 0, fmt.Errorf("ratelimit invalid result: %v", res)
	}
	if toInt64(values[0]) == 1 {
		return 0, nil
	}
	wait := time.Duration(toInt64(values[1])) * time.Millisecond
	if wait <= 0 {
		wait = minWait
	}
	return wait, nil
}

func (r *RateLimiter) debug(msg string, attrs ...slog.Attr) {
	if r.logger == nil {
		return
	}
	r.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, append([]slog.Attr{slog.String("key", r.key)}, attrs...)...)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
