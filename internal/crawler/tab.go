package crawler

import (
	"context"

	"github.com/xqhhhhhh/shopee-extension/internal/model"
)

// Tab 一个浏览器标签页。
//
// 实现方不要求并发安全：同一时刻只有持有它的 worker 在操作。
type Tab interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	// WaitLoad 阻塞到页面加载完成。
	WaitLoad(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	// Extract 让页面内的提取逻辑返回一次结果。
	Extract(ctx context.Context) (model.ExtractionResult, error)
	Close() error
}

// NextState 翻页按钮的状态。
type NextState int

const (
	NextMissing NextState = iota
	NextDisabled
	NextReady
)

// ListTab 类目列表页使用的标签页。
type ListTab interface {
	Tab
	ItemCount(ctx context.Context) (int, error)
	// ItemLinks 解析当前页面的商品链接。
	ItemLinks(ctx context.Context) ([]string, error)
	// ScrollBy 按视口高度比例向下滚动，返回是否已到底部。
	ScrollBy(ctx context.Context, ratio float64) (bool, error)
	ScrollTop(ctx context.Context) error
	NextPage(ctx context.Context) (NextState, error)
	ClickNext(ctx context.Context) error
}

// Browser 负责创建标签页。
type Browser interface {
	OpenTab(ctx context.Context, url string) (Tab, error)
	OpenListTab(ctx context.Context, url string) (ListTab, error)
}

// Limiter 导航限流。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Drainer 可选实现：命中验证页时清空令牌，解除后按补充速率恢复导航。
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// StateStore 批量任务状态的持久化。
type StateStore interface {
	SaveBatchState(ctx context.Context, st model.BatchState) error
	LoadBatchState(ctx context.Context) (model.BatchState, error)
}

// GateStore 验证页封锁状态的持久化。
type GateStore interface {
	SaveVerifyState(ctx context.Context, st model.VerifyBlockState) error
	LoadVerifyState(ctx context.Context) (model.VerifyBlockState, error)
}

// PauseSwitch 暂停开关，由引擎实现，供验证门使用。
type PauseSwitch interface {
	IsPaused() bool
	SetPaused(ctx context.Context, paused bool)
}
