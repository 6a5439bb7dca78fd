package notify

import (
	"context"
	"time"
)

// Alert 需要运维人员处理的事件。
type Alert struct {
	Subject string
	URL     string    // 触发页面
	Until   time.Time // 自动恢复时间（零值表示无）
	Detail  string
}

// Notifier 定义通知接口。
type Notifier interface {
	// Send 发送通知。
	//
	// 参数:
	//   ctx: 上下文
	//   alert: 通知内容
	Send(ctx context.Context, alert Alert) error
}

// Nop 丢弃所有通知。
type Nop struct{}

// Send 实现 Notifier。
func (Nop) Send(context.Context, Alert) error { return nil }
