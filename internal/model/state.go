package model

import "time"

// BatchState 批量抓取引擎的可持久化状态。
//
// 每次状态变化后写入存储，UI 或重启后的进程可据此恢复。
type BatchState struct {
	Queue       []string        `json:"queue"`
	Running     bool            `json:"running"`
	Interrupted bool            `json:"interrupted,omitempty"` // 进程关闭时被取消，队列留待恢复
	Paused      bool            `json:"paused"`
	Concurrency int             `json:"concurrency"`
	Results     []ResultPayload `json:"results"`
	RunID       string          `json:"run_id,omitempty"`
	Source      string          `json:"source,omitempty"`
	Round       int             `json:"round"`
	Processed   int             `json:"processed"`
	Total       int             `json:"total"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

// VerifyBlockState 验证页封锁状态。
//
// PrevPaused 保存封锁前的暂停标记，解除封锁时恢复而不是强制继续。
type VerifyBlockState struct {
	Blocked        bool   `json:"blocked"`
	URL            string `json:"url,omitempty"`
	UntilTimestamp int64  `json:"until_timestamp,omitempty"` // 毫秒时间戳，0 表示未设置
	PrevPaused     bool   `json:"prev_paused"`
}

// Until 返回自动解除的时间点。
func (s VerifyBlockState) Until() time.Time {
	if s.UntilTimestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.UntilTimestamp)
}

// CategoryCache 类目页商品链接缓存。
//
// 以归一化后的类目 URL 作为键，采集过程中只追加不整体替换。
type CategoryCache struct {
	CategoryURL   string    `json:"category_url"`
	NormalizedURL string    `json:"normalized_url"`
	URLs          []string  `json:"urls"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Settings 每日任务的运行时设置（可通过 config-update 修改）。
type Settings struct {
	ScheduleTime       string `json:"schedule_time"` // HH:MM
	CategoryURL        string `json:"category_url"`
	CacheUpdateEnabled bool   `json:"cache_update_enabled"`
}

// DailyStatus 每日任务的运行记录。
type DailyStatus struct {
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastRunDate   string    `json:"last_run_date,omitempty"`
	LastTrigger   string    `json:"last_trigger,omitempty"`
	LastTotal     int       `json:"last_total"`
	LastSucceeded int       `json:"last_succeeded"`
	NextRunAt     time.Time `json:"next_run_at,omitempty"`
}

// SessionBinding 批量任务绑定的浏览器会话。
type SessionBinding struct {
	WindowContext string    `json:"window_context,omitempty"`
	Incognito     bool      `json:"incognito"`
	BoundAt       time.Time `json:"bound_at,omitempty"`
}
