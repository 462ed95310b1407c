package redis

import (
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailmask/backend/internal/storage"
)

// Get 读取缓存值，未命中返回 storage.ErrCacheMiss
func (c *Client) Get(key string) ([]byte, error) {
	data, err := c.rdb.Get(c.ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrCacheMiss
		}
		return nil, err
	}
	return data, nil
}

// Set 写入缓存值并设置过期时间
func (c *Client) Set(key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(c.ctx, c.key(key), value, ttl).Err()
}

// Delete 删除缓存键
func (c *Client) Delete(key string) error {
	return c.rdb.Del(c.ctx, c.key(key)).Err()
}

// DeletePrefix 删除指定前缀下的所有键。
//
// 用 SCAN 游标分批遍历，不用 KEYS，避免在大库上阻塞服务。
func (c *Client) DeletePrefix(prefix string) error {
	pattern := c.key(prefix) + "*"

	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(c.ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(c.ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// IncrementWithTTL 固定窗口计数：原子自增，TTL 只在键尚无过期时间时设置。
//
// INCR 和 EXPIRE NX 在同一个 pipeline 中执行，窗口起点由第一次计数
// 确定，后续计数不顺延窗口。返回自增后的计数和剩余窗口时间。
func (c *Client) IncrementWithTTL(key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := c.key(key)

	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(c.ctx, fullKey)
	pipe.ExpireNX(c.ctx, fullKey, window)
	ttl := pipe.TTL(c.ctx, fullKey)

	if _, err := pipe.Exec(c.ctx); err != nil {
		return 0, 0, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}

	return incr.Val(), remaining, nil
}

var _ storage.Counter = (*Client)(nil)
