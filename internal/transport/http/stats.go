package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/monitoring"
	"mailmask/backend/internal/storage"
)

// StatsHandler 提供聚合运行统计，供仪表盘和巡检使用。
type StatsHandler struct {
	store     storage.Store
	startedAt time.Time
	log       *zap.Logger
}

// NewStatsHandler 创建统计处理器。
func NewStatsHandler(store storage.Store, startedAt time.Time, log *zap.Logger) *StatsHandler {
	return &StatsHandler{store: store, startedAt: startedAt, log: log}
}

// StatsResponse 聚合统计响应
type StatsResponse struct {
	Aliases       int64      `json:"aliases"`
	Domains       int64      `json:"domains"`
	ActiveDomains int64      `json:"activeDomains"`
	Emails        EmailStats `json:"emails"`
	UptimeSeconds int64      `json:"uptimeSeconds"`
}

// EmailStats 按投递结果统计的邮件数
type EmailStats struct {
	Forwarded int64 `json:"forwarded"`
	Blocked   int64 `json:"blocked"`
	Failed    int64 `json:"failed"`
}

// Stats 返回聚合统计。
func (h *StatsHandler) Stats(c *gin.Context) {
	aliases, err := h.store.CountAliases()
	if err != nil {
		h.fail(c, "count aliases", err)
		return
	}

	byStatus, err := h.store.CountEmailLogsByStatus()
	if err != nil {
		h.fail(c, "count email logs", err)
		return
	}

	domains, err := h.store.ListDomains()
	if err != nil {
		h.fail(c, "list domains", err)
		return
	}
	var activeDomains int64
	for _, d := range domains {
		if d.IsActive {
			activeDomains++
		}
	}

	c.JSON(http.StatusOK, StatsResponse{
		Aliases:       aliases,
		Domains:       int64(len(domains)),
		ActiveDomains: activeDomains,
		Emails: EmailStats{
			Forwarded: byStatus[domain.LogStatusForwarded],
			Blocked:   byStatus[domain.LogStatusBlocked],
			Failed:    byStatus[domain.LogStatusFailed],
		},
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// fail 记录失败原因并返回统一的 500 响应
func (h *StatsHandler) fail(c *gin.Context, op string, err error) {
	h.log.Error("stats query failed", zap.String("op", op), zap.Error(err))
	monitoring.GetMetrics().RecordError("storage", "stats")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
}
