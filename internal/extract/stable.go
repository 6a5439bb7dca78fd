package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/model"
)

// Snapshot 返回页面当前的 HTML 与 URL。
type Snapshot func(ctx context.Context) (html string, pageURL string, err error)

// WaitOptions 等待数据模块渲染稳定的参数。
type WaitOptions struct {
	Attempts       int           // 最大尝试次数
	RootWait       time.Duration // 单次尝试等待模块出现的时长
	RootPoll       time.Duration // 模块探测间隔
	AttemptTimeout time.Duration // 单次尝试等待字段稳定的时长
	Poll           time.Duration // 字段稳定探测间隔
	StableRounds   int           // 连续相同签名的次数
	RetryGap       time.Duration // 两次尝试之间的间隔
}

// DefaultWaitOptions 默认等待参数。
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Attempts:       3,
		RootWait:       5 * time.Second,
		RootPoll:       500 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
		Poll:           800 * time.Millisecond,
		StableRounds:   3,
		RetryGap:       300 * time.Millisecond,
	}
}

// Run 反复读取页面直到字段稳定，返回提取结果。
//
// 模块始终未出现时返回失败；字段一直不稳定时返回最后一次的数据，并附加
// StillLoadingWarning。
//
// 参数:
//
//	ctx: 上下文（取消后立即返回失败）
//	snap: 页面快照函数
//	opts: 等待参数
//	now: 时钟
//
// 返回值:
//
//	model.ExtractionResult: 提取结果
func Run(ctx context.Context, snap Snapshot, opts WaitOptions, now func() time.Time) model.ExtractionResult {
	opts = normalize(opts)
	if now == nil {
		now = time.Now
	}

	found := false
	for attempt := 0; attempt < opts.Attempts && !found; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, opts.RetryGap) {
			return model.Failed(ctx.Err())
		}
		ok, err := waitForModule(ctx, snap, opts, now)
		if err != nil {
			return model.Failed(err)
		}
		found = ok
	}
	if !found {
		return model.Failed(fmt.Errorf("未检测到数据模块，已重试%d次", opts.Attempts))
	}

	var latest *model.ProductRecord
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, opts.RetryGap) {
			return model.Failed(ctx.Err())
		}
		rec, stable, err := waitForStable(ctx, snap, opts, now)
		if err != nil {
			return model.Failed(err)
		}
		if rec != nil {
			latest = rec
		}
		if stable {
			return model.Succeeded(latest)
		}
	}

	if latest == nil {
		return model.Failed(fmt.Errorf("数据模块解析失败，已重试%d次", opts.Attempts))
	}
	latest.Warnings = append(latest.Warnings, fmt.Sprintf(StillLoadingWarning, opts.Attempts))
	return model.Succeeded(latest)
}

func waitForModule(ctx context.Context, snap Snapshot, opts WaitOptions, now func() time.Time) (bool, error) {
	deadline := time.Now().Add(opts.RootWait)
	for {
		html, pageURL, err := snap(ctx)
		if err != nil {
			return false, err
		}
		if _, _, perr := ParseProduct(pageURL, html, now()); perr == nil {
			return true, nil
		} else if !errors.Is(perr, ErrModuleNotFound) {
			return false, perr
		}
		if time.Now().Add(opts.RootPoll).After(deadline) {
			return false, nil
		}
		if !sleepCtx(ctx, opts.RootPoll) {
			return false, ctx.Err()
		}
	}
}

// waitForStable 在单次尝试内轮询，签名连续 StableRounds 次不变且数据就绪即视为稳定。
func waitForStable(ctx context.Context, snap Snapshot, opts WaitOptions, now func() time.Time) (*model.ProductRecord, bool, error) {
	deadline := time.Now().Add(opts.AttemptTimeout)
	var (
		latest    *model.ProductRecord
		lastSig   string
		stableCnt int
	)
	for {
		html, pageURL, err := snap(ctx)
		if err != nil {
			return latest, false, err
		}
		rec, status, perr := ParseProduct(pageURL, html, now())
		if perr == nil {
			latest = rec
			sig := Signature(rec, status)
			if sig == lastSig {
				stableCnt++
			} else {
				stableCnt = 0
				lastSig = sig
			}
			ready := hasMinimumData(rec)
			if status.HasTable {
				ready = status.Complete()
			}
			if ready && stableCnt >= opts.StableRounds {
				return latest, true, nil
			}
		} else if !errors.Is(perr, ErrModuleNotFound) {
			return latest, false, perr
		}

		if time.Now().Add(opts.Poll).After(deadline) {
			return latest, false, nil
		}
		if !sleepCtx(ctx, opts.Poll) {
			return latest, false, ctx.Err()
		}
	}
}

func normalize(opts WaitOptions) WaitOptions {
	def := DefaultWaitOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.RootWait <= 0 {
		opts.RootWait = def.RootWait
	}
	if opts.RootPoll <= 0 {
		opts.RootPoll = def.RootPoll
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.Poll <= 0 {
		opts.Poll = def.Poll
	}
	if opts.StableRounds <= 0 {
		opts.StableRounds = def.StableRounds
	}
	if opts.RetryGap < 0 {
		opts.RetryGap = 0
	}
	return opts
}

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
