package daily

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ParseClock 解析 HH:MM 格式的时刻。
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// PickRandomRunTime 计算下一次每日任务的运行时刻。
//
// 在 scheduleTime 前后 window 范围内均匀随机取一个时刻，并限制在
// [minHour, maxHour) 之内，且不早于 now。今天的窗口已经过去时取明天。
//
// 参数:
//
//	now: 当前时间（决定时区）
//	scheduleTime: 基准时刻 HH:MM，无法解析时使用 minHour 整点
//	window: 随机窗口半宽
//	minHour: 允许的最早小时
//	maxHour: 允许的最晚小时（可为 24）
//	rnd: 随机源
//
// 返回值:
//
//	time.Time: 下一次运行时刻
func PickRandomRunTime(now time.Time, scheduleTime string, window time.Duration, minHour, maxHour int, rnd *rand.Rand) time.Time {
	hour, minute, err := ParseClock(scheduleTime)
	if err != nil {
		hour, minute = minHour, 0
	}
	if window < 0 {
		window = 0
	}
	loc := now.Location()

	for offset := 0; offset < 2; offset++ {
		y, m, d := now.AddDate(0, 0, offset).Date()
		floor := time.Date(y, m, d, minHour, 0, 0, 0, loc)
		ceil := time.Date(y, m, d, maxHour, 0, 0, 0, loc)

		base := time.Date(y, m, d, hour, minute, 0, 0, loc)
		if base.Before(floor) {
			base = floor
		}
		if base.After(ceil) {
			base = ceil
		}

		lo, hi := base.Add(-window), base.Add(window)
		if lo.Before(floor) {
			lo = floor
		}
		if hi.After(ceil) {
			hi = ceil
		}
		if lo.Before(now) {
			lo = now
		}

		span := hi.Sub(lo)
		switch {
		case span > 0:
			return lo.Add(time.Duration(rnd.Int63n(int64(span))))
		case window == 0 && base.After(now):
			return base
		}
	}

	y, m, d := now.AddDate(0, 0, 1).Date()
	return time.Date(y, m, d, minHour, 0, 0, 0, loc)
}

// Alarm 在指定时刻触发一次回调，重新设置会取消上一次。
type Alarm struct {
	fn func()

	mu    sync.Mutex
	timer *time.Timer
	at    time.Time
	gen   uint64
}

// NewAlarm 创建定时器，fn 在独立 goroutine 中执行。
func NewAlarm(fn func()) *Alarm {
	return &Alarm{fn: fn}
}

// Set 在 at 时刻触发；at 已过去时立即触发。
func (a *Alarm) Set(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.at = at
	a.timer = time.AfterFunc(time.Until(at), func() { a.fire(gen) })
}

func (a *Alarm) fire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		// 已被重新设置或取消
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.at = time.Time{}
	a.mu.Unlock()
	a.fn()
}

// Stop 取消尚未触发的定时。
func (a *Alarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.at = time.Time{}
}

// Next 返回已设置的触发时刻，未设置时为零值。
func (a *Alarm) Next() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at
}
