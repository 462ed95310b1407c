package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailmask/backend/internal/health"
	"mailmask/backend/internal/middleware"
	"mailmask/backend/internal/monitoring"
	"mailmask/backend/internal/storage"
)

// RouterDependencies 运维路由的依赖项
type RouterDependencies struct {
	Store     storage.Store
	Health    *health.Checker
	Logger    *zap.Logger
	StartedAt time.Time
}

// NewRouter 创建运维 HTTP 路由。
//
// 这组端点只服务运维平面：健康检查、指标抓取和聚合统计。
// 别名管理面不在本进程内，这里没有任何写操作。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())

	router.GET("/healthz", gin.WrapF(deps.Health.LiveEndpoint))
	router.GET("/readyz", gin.WrapF(deps.Health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(monitoring.HTTPHandler()))

	stats := NewStatsHandler(deps.Store, deps.StartedAt, deps.Logger)
	api := router.Group("/api")
	{
		api.GET("/stats", stats.Stats)
	}

	return router
}
