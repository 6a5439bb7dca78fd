package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/model"

	"github.com/redis/go-redis/v9"
)

// NormalizeCategoryURL 归一化类目 URL：去掉 fragment，page 置为 0。
//
// 同一类目不同页码的 URL 归一化后相同，作为缓存键。
func NormalizeCategoryURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Fragment = ""
	q := u.Query()
	q.Set("page", "0")
	u.RawQuery = q.Encode()
	return u.String()
}

// CacheStatus 缓存相对于某个类目的状态。
type CacheStatus struct {
	Matches   bool      // 缓存属于该类目
	Fresh     bool      // 属于该类目且未过期
	URLs      []string  // 属于该类目时的链接
	UpdatedAt time.Time
}

// Empty 没有可用的链接。
func (s CacheStatus) Empty() bool {
	return len(s.URLs) == 0
}

// EvaluateCache 判断缓存能否直接用于 categoryURL。
//
// 参数:
//
//	cache: 当前缓存
//	categoryURL: 本次任务的类目
//	now: 当前时间
//	ttl: 有效期
//
// 返回值:
//
//	CacheStatus: 缓存属于其它类目时 URLs 为空
func EvaluateCache(cache model.CategoryCache, categoryURL string, now time.Time, ttl time.Duration) CacheStatus {
	key := NormalizeCategoryURL(categoryURL)
	if key == "" || cache.NormalizedURL != key {
		return CacheStatus{}
	}
	st := CacheStatus{
		Matches:   true,
		URLs:      cache.URLs,
		UpdatedAt: cache.UpdatedAt,
	}
	st.Fresh = !cache.UpdatedAt.IsZero() && now.Sub(cache.UpdatedAt) < ttl
	return st
}

// LoadCategoryCache 读取类目链接缓存。
func (s *Store) LoadCategoryCache(ctx context.Context) (model.CategoryCache, error) {
	var c model.CategoryCache
	_, err := s.get(ctx, suffixCategoryCache, &c)
	return c, err
}

// AppendCategoryURLs 把新链接并入缓存（保持首次出现顺序）。
//
// 缓存属于其它类目时整体替换。读-改-写在 WATCH 下完成，
// 与并发的追加互不覆盖。
//
// 参数:
//
//	ctx: 上下文
//	categoryURL: 类目 URL
//	urls: 新采集的链接
//	now: 更新时间
//
// 返回值:
//
//	model.CategoryCache: 写入后的缓存
//	error: Redis 错误或重试耗尽
func (s *Store) AppendCategoryURLs(ctx context.Context, categoryURL string, urls []string, now time.Time) (model.CategoryCache, error) {
	key := s.Key(suffixCategoryCache)
	normalized := NormalizeCategoryURL(categoryURL)
	var out model.CategoryCache

	txf := func(tx *redis.Tx) error {
		var cur model.CategoryCache
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("unmarshal category cache: %w", err)
			}
		}

		if cur.NormalizedURL != normalized {
			cur = model.CategoryCache{}
		}
		cur.CategoryURL = categoryURL
		cur.NormalizedURL = normalized
		cur.URLs = unionURLs(cur.URLs, urls)
		cur.UpdatedAt = now

		encoded, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("marshal category cache: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			out = cur
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return model.CategoryCache{}, fmt.Errorf("append category urls: %w", err)
	}
	return model.CategoryCache{}, ErrConflict
}

// unionURLs 合并并去重，保留首次出现顺序。
func unionURLs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, u := range list {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
