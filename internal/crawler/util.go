package crawler

import (
	"context"
	"math/rand"
	"time"
)

const (
	redisOperationTimeout = 5 * time.Second
	alertTimeout          = 30 * time.Second
)

// sleepCtx 等待 d 或 ctx 结束，返回 false 表示被取消。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// randomBetween 返回 [min, max] 内均匀分布的时长。
func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// callWithTimeout 在 goroutine 中执行 fn，超时或 ctx 取消后立即返回，不等待 fn 结束。
//
// fn 收到的 ctx 会在超时后被取消；卡住的 CDP 调用不会拖住调用方。
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
