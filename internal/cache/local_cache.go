package cache

import (
	"strings"
	"sync"
	"time"

	"mailmask/backend/internal/storage"
)

// LocalCache 本地内存缓存
//
// Redis 未启用时给解析目录当缓存用。sync.Map 提供无锁读取，
// 过期条目由后台协程定期清理。
type LocalCache struct {
	data sync.Map
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - ttl: 默认过期时间
func NewLocalCache(ttl time.Duration) *LocalCache {
	cache := &LocalCache{
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	// 启动定期清理
	go cache.cleanupLoop()

	return cache
}

// Get 获取缓存值，未命中或过期返回 storage.ErrCacheMiss
func (c *LocalCache) Get(key string) ([]byte, error) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, storage.ErrCacheMiss
	}

	entry := val.(*cacheEntry)

	// 检查是否过期
	if time.Now().After(entry.expiresAt) {
		c.data.Delete(key)
		return nil, storage.ErrCacheMiss
	}

	return entry.value, nil
}

// Set 设置缓存值
func (c *LocalCache) Set(key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.data.Store(key, &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) error {
	c.data.Delete(key)
	return nil
}

// DeletePrefix 删除指定前缀下的所有键
func (c *LocalCache) DeletePrefix(prefix string) error {
	c.data.Range(func(key, _ interface{}) bool {
		if strings.HasPrefix(key.(string), prefix) {
			c.data.Delete(key)
		}
		return true
	})
	return nil
}

// Close 停止后台清理协程
func (c *LocalCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.data.Range(func(key, value interface{}) bool {
				entry := value.(*cacheEntry)
				if now.After(entry.expiresAt) {
					c.data.Delete(key)
				}
				return true
			})
		}
	}
}

var _ storage.Cache = (*LocalCache)(nil)
