package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/model"

	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 5

// ErrConflict 乐观锁重试耗尽。
var ErrConflict = errors.New("snapshot history update conflict")

// RedisStore 把整个快照历史存为一个 JSON 数组。
//
// 每次写入都是 读-合并-写，在 WATCH 下完成。
type RedisStore struct {
	rdb    *redis.Client
	key    string
	maxAge time.Duration
}

// NewRedisStore 创建 Redis 快照存储。
func NewRedisStore(rdb *redis.Client, key string, maxAge time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, key: key, maxAge: maxAge}
}

func (s *RedisStore) Upsert(ctx context.Context, records ...model.DailyRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.update(ctx, func(history []model.DailyRecord) []model.DailyRecord {
		return Merge(history, records)
	})
	return err
}

func (s *RedisStore) History(ctx context.Context, since string) ([]model.DailyRecord, error) {
	history, err := s.load(ctx, s.rdb)
	if err != nil {
		return nil, err
	}
	if since == "" {
		return history, nil
	}
	return Prune(history, since), nil
}

func (s *RedisStore) Prune(ctx context.Context, now time.Time) (int, error) {
	cutoff := Cutoff(now, s.maxAge)
	removed := 0
	_, err := s.update(ctx, func(history []model.DailyRecord) []model.DailyRecord {
		kept := Prune(history, cutoff)
		removed = len(history) - len(kept)
		return kept
	})
	return removed, err
}

// update 在 WATCH 下读取、变换并写回历史。
func (s *RedisStore) update(ctx context.Context, fn func([]model.DailyRecord) []model.DailyRecord) ([]model.DailyRecord, error) {
	var out []model.DailyRecord
	txf := func(tx *redis.Tx) error {
		history, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		next := fn(history)
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal snapshots: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, s.key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}

func (s *RedisStore) load(ctx context.Context, c redis.StringCmdable) ([]model.DailyRecord, error) {
	data, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	var history []model.DailyRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("unmarshal snapshots: %w", err)
	}
	return history, nil
}

var _ Store = (*RedisStore)(nil)
