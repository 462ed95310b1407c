package health

import (
	"time"

	"github.com/heptiolabs/healthcheck"

	"mailmask/backend/internal/storage"
)

// Checker 聚合存活与就绪检查，为运维端口提供 /healthz 和 /readyz。
//
// 存活检查只看进程自身；就绪检查覆盖外部依赖，数据库或缓存
// 不可用时把实例摘出接收队列，而不是触发重启。
type Checker struct {
	healthcheck.Handler
}

// NewChecker 创建健康检查器并注册数据库就绪检查。
func NewChecker(store storage.Store) *Checker {
	c := &Checker{Handler: healthcheck.NewHandler()}

	c.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(500))
	c.AddReadinessCheck("database", healthcheck.Timeout(store.Health, 3*time.Second))

	return c
}

// AddRedisCheck 注册 Redis 就绪检查，未启用 Redis 时不注册。
func (c *Checker) AddRedisCheck(ping func() error) {
	c.AddReadinessCheck("redis", healthcheck.Timeout(ping, 3*time.Second))
}
