package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailmask/backend/internal/storage"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 一条告警。ID 与触发它的规则一致，同一规则在恢复前不会重复告警。
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AlertRule 告警规则。Condition 返回 true 表示异常状态。
type AlertRule struct {
	ID        string
	Name      string
	Condition func() bool
	Level     AlertLevel
	Component string
	Message   string
	Cooldown  time.Duration // 恢复后再次触发的最短间隔
}

// AlertReceiver 接收触发和恢复两类通知，Resolved 字段区分。
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 周期性评估规则并把状态变化分发给接收器。
//
// 在 Prometheus 之外提供一条兜底通道：没有外部告警系统的部署也能从
// 日志或 webhook 看到数据库断连、出站熔断这类需要人工介入的状况。
type AlertManager struct {
	mu        sync.Mutex
	active    map[string]*Alert
	lastFired map[string]time.Time
	rules     []AlertRule
	receivers []AlertReceiver
	log       *zap.Logger
}

// NewAlertManager 创建告警管理器
func NewAlertManager(log *zap.Logger) *AlertManager {
	return &AlertManager{
		active:    make(map[string]*Alert),
		lastFired: make(map[string]time.Time),
		log:       log,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// ActiveAlerts 返回尚未恢复的告警快照
func (am *AlertManager) ActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]Alert, 0, len(am.active))
	for _, alert := range am.active {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// CheckRules 评估一轮全部规则。
//
// 条件为真且该规则当前无活跃告警时触发一次；条件恢复为假时发送
// 恢复通知并清除活跃状态。冷却时间约束的是恢复后的再次触发。
func (am *AlertManager) CheckRules() {
	am.mu.Lock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.Unlock()

	now := time.Now()
	for _, rule := range rules {
		firing := rule.Condition()

		am.mu.Lock()
		existing, isActive := am.active[rule.ID]

		switch {
		case firing && !isActive:
			if now.Sub(am.lastFired[rule.ID]) < rule.Cooldown {
				am.mu.Unlock()
				continue
			}
			alert := &Alert{
				ID:        rule.ID,
				Title:     rule.Name,
				Message:   rule.Message,
				Level:     rule.Level,
				Component: rule.Component,
				Timestamp: now,
			}
			am.active[rule.ID] = alert
			am.lastFired[rule.ID] = now
			am.mu.Unlock()

			GetMetrics().RecordAlert(string(rule.Level), rule.Component)
			am.log.Info("alert triggered",
				zap.String("alert_id", alert.ID),
				zap.String("level", string(alert.Level)),
				zap.String("component", alert.Component),
			)
			am.dispatch(alert)

		case !firing && isActive:
			resolvedAt := now
			existing.Resolved = true
			existing.ResolvedAt = &resolvedAt
			delete(am.active, rule.ID)
			am.mu.Unlock()

			am.log.Info("alert resolved",
				zap.String("alert_id", existing.ID),
				zap.Duration("active_for", resolvedAt.Sub(existing.Timestamp)),
			)
			am.dispatch(existing)

		default:
			am.mu.Unlock()
		}
	}
}

func (am *AlertManager) dispatch(alert *Alert) {
	am.mu.Lock()
	receivers := make([]AlertReceiver, len(am.receivers))
	copy(receivers, am.receivers)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.log.Error("failed to deliver alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}

// Run 以固定间隔评估规则，直到 ctx 取消
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// DatabaseDownRule 存储健康检查失败时告警
func DatabaseDownRule(store storage.Store) AlertRule {
	return AlertRule{
		ID:   "storage_down",
		Name: "Storage Unreachable",
		Condition: func() bool {
			return store.Health() != nil
		},
		Level:     AlertLevelCritical,
		Component: "storage",
		Message:   "storage health check is failing, inbound mail cannot be resolved",
		Cooldown:  time.Minute,
	}
}

// OutboundBreakerOpenRule 出站熔断器打开时告警。
// isOpen 由调用方提供，避免本包依赖具体的投递实现。
func OutboundBreakerOpenRule(isOpen func() bool) AlertRule {
	return AlertRule{
		ID:        "outbound_breaker_open",
		Name:      "Outbound Breaker Open",
		Condition: isOpen,
		Level:     AlertLevelWarning,
		Component: "outbound",
		Message:   "outbound transport breaker is open, forwards are failing fast",
		Cooldown:  time.Minute,
	}
}

// HighMemoryRule 进程堆内存超过阈值时告警
func HighMemoryRule(thresholdMB uint64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func() bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc/1024/1024 > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "runtime",
		Message:   fmt.Sprintf("heap allocation exceeds %d MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 把告警写入结构化日志
type LogAlertReceiver struct {
	log *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(log *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{log: log}
}

// SendAlert 按告警级别选择日志级别，恢复通知统一记为 info
func (r *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
	}

	switch {
	case alert.Resolved:
		r.log.Info("alert cleared", fields...)
	case alert.Level == AlertLevelCritical:
		r.log.Error("critical alert", fields...)
	case alert.Level == AlertLevelWarning:
		r.log.Warn("warning alert", fields...)
	default:
		r.log.Info("info alert", fields...)
	}
	return nil
}

// WebhookAlertReceiver 把告警 POST 到外部地址（如聊天机器人的入口）
type WebhookAlertReceiver struct {
	url    string
	client *http.Client
}

// NewWebhookAlertReceiver 创建 webhook 告警接收器
func NewWebhookAlertReceiver(url string) *WebhookAlertReceiver {
	return &WebhookAlertReceiver{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendAlert 以 JSON 形式推送告警，非 2xx 响应视为发送失败
func (r *WebhookAlertReceiver) SendAlert(alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	resp, err := r.client.Post(r.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
