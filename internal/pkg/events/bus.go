package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type 事件类型。
type Type string

const (
	BatchProgress Type = "batch-progress"
	BatchComplete Type = "batch-complete"
	VerifyBlocked Type = "verify-blocked"
	VerifyClear   Type = "verify-clear"
)

// Event 广播给订阅者的事件。
type Event struct {
	Type    Type      `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher 事件发布接口。
type Publisher interface {
	Publish(evt Event)
}

// Bus 进程内发布/订阅总线。
//
// 每个订阅者拥有独立的缓冲 channel，订阅者消费过慢时丢弃事件而不阻塞发布方。
type Bus struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus 创建事件总线。
//
// 参数:
//   - logger: 日志记录器
//   - buffer: 每个订阅者的缓冲大小（至少为 1）
func NewBus(logger *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		logger: logger,
		buffer: buffer,
		subs:   make(map[int]chan Event),
	}
}

// Publish 非阻塞地把事件投递给所有订阅者。
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			if b.logger != nil {
				b.logger.Warn("event subscriber too slow, drop event",
					slog.Int("subscriber", id),
					slog.String("type", string(evt.Type)))
			}
		}
	}
}

// Subscribe 注册一个订阅者，返回事件 channel 与取消函数。
//
// 取消函数可重复调用；调用后 channel 被关闭。
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers 返回当前订阅者数量。
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
