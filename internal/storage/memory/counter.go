package memory

import (
	"sync"
	"time"
)

// counterEntry 固定窗口内的计数
type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// Counter 基于内存的固定窗口计数器。
//
// 窗口到期后首次计数重新开窗，窗口内计数只累加不续期。
type Counter struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	sweepAt time.Time

	// now 可在测试中替换以推进时间
	now func() time.Time
}

// NewCounter 创建内存计数器。
func NewCounter() *Counter {
	return &Counter{
		entries: make(map[string]*counterEntry),
		now:     time.Now,
	}
}

// IncrementWithTTL 在固定窗口内累加计数。
//
// 返回累加后的值与窗口剩余时长。窗口由第一次计数开启，
// 后续计数不会重置窗口。
func (c *Counter) IncrementWithTTL(key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	entry, ok := c.entries[key]
	if !ok || !entry.expiresAt.After(now) {
		c.entries[key] = &counterEntry{count: 1, expiresAt: now.Add(window)}
		return 1, window, nil
	}

	entry.count++
	return entry.count, entry.expiresAt.Sub(now), nil
}

// sweepLocked 周期性清理过期窗口，调用方需持有锁
func (c *Counter) sweepLocked(now time.Time) {
	if now.Before(c.sweepAt) {
		return
	}
	for key, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, key)
		}
	}
	c.sweepAt = now.Add(5 * time.Minute)
}
