package smtp

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL 不活跃条目的保留时间
const limiterIdleTTL = 10 * time.Minute

// ipLimiter 单个来源地址的令牌桶和最近活跃时间
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnLimiter 按来源 IP 限制新建连接速率。
//
// 每个来源地址一个独立令牌桶，按需创建；长时间不活跃的条目
// 随下一次清理移除，表不会无限增长。
type ConnLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*ipLimiter
	rate    rate.Limit
	burst   int
	sweepAt time.Time
}

// NewConnLimiter 创建连接限速器。
//
// perMinute 为每个来源地址每分钟允许的新建连接数，
// burst 为突发额度。
func NewConnLimiter(perMinute, burst int) *ConnLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ConnLimiter{
		perIP:   make(map[string]*ipLimiter),
		rate:    rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		sweepAt: time.Now().Add(limiterIdleTTL),
	}
}

// Allow 判断来源地址是否允许新建连接。
func (l *ConnLimiter) Allow(remoteAddr net.Addr) bool {
	host := hostOnly(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.sweepAt) {
		l.sweepLocked(now)
	}

	entry, ok := l.perIP[host]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.perIP[host] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// sweepLocked 移除长时间不活跃的条目
func (l *ConnLimiter) sweepLocked(now time.Time) {
	for host, entry := range l.perIP {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.perIP, host)
		}
	}
	l.sweepAt = now.Add(limiterIdleTTL)
}

// hostOnly 提取不带端口的主机部分
func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
