package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xqhhhhhh/shopee-extension/internal/model"

	"github.com/redis/go-redis/v9"
)

// key 后缀，统一挂在 app.key_prefix 下。
const (
	suffixBatchState    = ":batch:state"
	suffixVerifyState   = ":verify:state"
	suffixCategoryCache = ":category:cache"
	suffixSettings      = ":daily:settings"
	suffixDailyStatus   = ":daily:status"
	suffixSession       = ":session"

	// SuffixSnapshots Redis 快照后端使用的 key。
	SuffixSnapshots = ":snapshots"
	// SuffixRateLimit 导航限流令牌桶。
	SuffixRateLimit = ":ratelimit:navigate"
)

// maxWatchRetries 乐观锁冲突时的重试次数。
const maxWatchRetries = 5

// ErrConflict 乐观锁重试耗尽。
var ErrConflict = errors.New("redis transaction conflict")

// Store 把引擎、验证门和每日任务的状态以 JSON 形式保存在 Redis。
//
// 所有 key 不设置过期时间；进程重启后据此恢复。
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New 基于已有的 redis.Client 创建存储。
//
// 参数:
//
//	rdb: Redis 客户端
//	prefix: key 前缀（如 "shopee"）
//
// 返回值:
//
//	*Store: 存储实例
//	error: rdb 为空时返回错误
func New(rdb *redis.Client, prefix string) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if prefix == "" {
		prefix = "shopee"
	}
	return &Store{rdb: rdb, prefix: prefix}, nil
}

// Key 返回带前缀的完整 key。
func (s *Store) Key(suffix string) string {
	return s.prefix + suffix
}

// Client 返回底层 Redis 客户端（限流器与快照存储共用）。
func (s *Store) Client() *redis.Client {
	return s.rdb
}

func (s *Store) SaveBatchState(ctx context.Context, st model.BatchState) error {
	return s.put(ctx, suffixBatchState, st)
}

func (s *Store) LoadBatchState(ctx context.Context) (model.BatchState, error) {
	var st model.BatchState
	_, err := s.get(ctx, suffixBatchState, &st)
	return st, err
}

func (s *Store) SaveVerifyState(ctx context.Context, st model.VerifyBlockState) error {
	return s.put(ctx, suffixVerifyState, st)
}

func (s *Store) LoadVerifyState(ctx context.Context) (model.VerifyBlockState, error) {
	var st model.VerifyBlockState
	_, err := s.get(ctx, suffixVerifyState, &st)
	return st, err
}

func (s *Store) SaveDailyStatus(ctx context.Context, st model.DailyStatus) error {
	return s.put(ctx, suffixDailyStatus, st)
}

func (s *Store) LoadDailyStatus(ctx context.Context) (model.DailyStatus, error) {
	var st model.DailyStatus
	_, err := s.get(ctx, suffixDailyStatus, &st)
	return st, err
}

func (s *Store) SaveSession(ctx context.Context, b model.SessionBinding) error {
	return s.put(ctx, suffixSession, b)
}

func (s *Store) LoadSession(ctx context.Context) (model.SessionBinding, error) {
	var b model.SessionBinding
	_, err := s.get(ctx, suffixSession, &b)
	return b, err
}

// settingsDoc 指针字段区分“未设置”与零值。
type settingsDoc struct {
	ScheduleTime       *string `json:"schedule_time,omitempty"`
	CategoryURL        *string `json:"category_url,omitempty"`
	CacheUpdateEnabled *bool   `json:"cache_update_enabled,omitempty"`
}

// LoadSettings 读取每日任务设置，未保存的字段使用 defaults。
func (s *Store) LoadSettings(ctx context.Context, defaults model.Settings) (model.Settings, error) {
	var doc settingsDoc
	if _, err := s.get(ctx, suffixSettings, &doc); err != nil {
		return defaults, err
	}
	out := defaults
	if doc.ScheduleTime != nil && *doc.ScheduleTime != "" {
		out.ScheduleTime = *doc.ScheduleTime
	}
	if doc.CategoryURL != nil {
		out.CategoryURL = *doc.CategoryURL
	}
	if doc.CacheUpdateEnabled != nil {
		out.CacheUpdateEnabled = *doc.CacheUpdateEnabled
	}
	return out, nil
}

// SaveSettings 保存完整的每日任务设置。
func (s *Store) SaveSettings(ctx context.Context, st model.Settings) error {
	return s.put(ctx, suffixSettings, settingsDoc{
		ScheduleTime:       &st.ScheduleTime,
		CategoryURL:        &st.CategoryURL,
		CacheUpdateEnabled: &st.CacheUpdateEnabled,
	})
}

func (s *Store) put(ctx context.Context, suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", suffix, err)
	}
	if err := s.rdb.Set(ctx, s.Key(suffix), data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", suffix, err)
	}
	return nil
}

// get 读取并解码，key 不存在时 v 保持零值并返回 false。
func (s *Store) get(ctx context.Context, suffix string, v any) (bool, error) {
	data, err := s.rdb.Get(ctx, s.Key(suffix)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", suffix, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", suffix, err)
	}
	return true, nil
}
