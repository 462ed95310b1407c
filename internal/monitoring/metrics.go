package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics 监控指标
type Metrics struct {
	// SMTP 连接指标
	SMTPConnectionsTotal    prometheus.Counter
	SMTPConnectionsRejected prometheus.Counter

	// 收信处理指标
	EmailsProcessed    *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	MessageSize        prometheus.Histogram

	// 防护指标
	RateLimitDenials *prometheus.CounterVec

	// 目录缓存指标
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// 外发指标
	OutboundSendDuration *prometheus.HistogramVec
	OutboundFailures     *prometheus.CounterVec

	// 清理任务指标
	ReaperDeletions *prometheus.CounterVec

	// 运维接口指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 业务规模指标
	AliasesTotal prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
	AlertsTotal *prometheus.CounterVec
}

// GetMetrics 返回进程内唯一的指标实例。
//
// 指标在首次调用时注册到默认注册表，重复调用安全，
// 测试代码可以直接使用。
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// newMetrics 创建并注册全部指标
func newMetrics() *Metrics {
	return &Metrics{
		SMTPConnectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailmask_smtp_connections_total",
				Help: "Total number of inbound SMTP connections",
			},
		),

		SMTPConnectionsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailmask_smtp_connections_rejected_total",
				Help: "Total number of SMTP connections rejected by the dial throttle",
			},
		),

		EmailsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_emails_processed_total",
				Help: "Total number of processed recipient deliveries by outcome",
			},
			[]string{"status"},
		),

		ProcessingDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailmask_email_processing_duration_seconds",
				Help:    "Inbound message processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		MessageSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailmask_message_size_bytes",
				Help:    "Inbound message size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),

		RateLimitDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_rate_limit_denials_total",
				Help: "Total number of deliveries denied by rate limiting",
			},
			[]string{"scope"},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_cache_hits_total",
				Help: "Total number of directory cache hits",
			},
			[]string{"kind"},
		),

		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_cache_misses_total",
				Help: "Total number of directory cache misses",
			},
			[]string{"kind"},
		),

		OutboundSendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailmask_outbound_send_duration_seconds",
				Help:    "Outbound transport send duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport"},
		),

		OutboundFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_outbound_failures_total",
				Help: "Total number of outbound transport failures",
			},
			[]string{"transport"},
		),

		ReaperDeletions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_reaper_deletions_total",
				Help: "Total number of records removed by background reapers",
			},
			[]string{"kind"},
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_http_requests_total",
				Help: "Total number of ops HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailmask_http_request_duration_seconds",
				Help:    "Ops HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		AliasesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailmask_aliases_total",
				Help: "Current number of alias records",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_errors_total",
				Help: "Total number of internal errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailmask_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		AlertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmask_alerts_total",
				Help: "Total number of alerts fired by the internal alert loop",
			},
			[]string{"level", "component"},
		),
	}
}

// RecordConnection 记录一次入站 SMTP 连接
func (m *Metrics) RecordConnection() {
	m.SMTPConnectionsTotal.Inc()
}

// RecordConnectionRejected 记录一次被限速拒绝的连接
func (m *Metrics) RecordConnectionRejected() {
	m.SMTPConnectionsRejected.Inc()
}

// RecordEmailProcessed 记录一次收件人处理结果
func (m *Metrics) RecordEmailProcessed(status string) {
	m.EmailsProcessed.WithLabelValues(status).Inc()
}

// RecordProcessingDuration 记录整封邮件的处理耗时
func (m *Metrics) RecordProcessingDuration(d time.Duration) {
	m.ProcessingDuration.Observe(d.Seconds())
}

// RecordMessageSize 记录入站邮件体积
func (m *Metrics) RecordMessageSize(bytes int64) {
	m.MessageSize.Observe(float64(bytes))
}

// RecordRateLimitDenied 记录一次限流拒绝
func (m *Metrics) RecordRateLimitDenied(scope string) {
	m.RateLimitDenials.WithLabelValues(scope).Inc()
}

// RecordCacheHit 记录一次目录缓存命中
func (m *Metrics) RecordCacheHit(kind string) {
	m.CacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss 记录一次目录缓存未命中
func (m *Metrics) RecordCacheMiss(kind string) {
	m.CacheMisses.WithLabelValues(kind).Inc()
}

// RecordOutboundSend 记录一次外发耗时及失败
func (m *Metrics) RecordOutboundSend(transport string, d time.Duration, err error) {
	m.OutboundSendDuration.WithLabelValues(transport).Observe(d.Seconds())
	if err != nil {
		m.OutboundFailures.WithLabelValues(transport).Inc()
	}
}

// RecordReaperDeletions 记录清理任务删除的记录数
func (m *Metrics) RecordReaperDeletions(kind string, count int) {
	if count > 0 {
		m.ReaperDeletions.WithLabelValues(kind).Add(float64(count))
	}
}

// RecordHTTPRequest 记录一次运维接口请求
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// UpdateAliasesTotal 更新别名总数
func (m *Metrics) UpdateAliasesTotal(count int64) {
	m.AliasesTotal.Set(float64(count))
}

// RecordError 记录内部错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAlert 记录一次触发的告警
func (m *Metrics) RecordAlert(level, component string) {
	m.AlertsTotal.WithLabelValues(level, component).Inc()
}

// RecordPanic 记录捕获到的 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RegisterBreakerState 注册外发熔断器状态指标。
//
// state 返回 gobreaker 的状态值：0 关闭、1 半开、2 打开，
// 在抓取时实时取值。
func RegisterBreakerState(state func() float64) {
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mailmask_outbound_breaker_state",
			Help: "Outbound circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		state,
	)
}

// HTTPHandler 返回 Prometheus 指标处理器
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}
