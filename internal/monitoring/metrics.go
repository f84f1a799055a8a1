package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 接收与扇出指标
	MessagesAccepted  prometheus.Counter
	FanoutDeliveries  prometheus.Counter
	FanoutFailures    prometheus.Counter
	UnroutedMessages  prometheus.Counter
	LedgerPending     prometheus.Gauge
	RetryRuns         prometheus.Counter
	RetryResolved     prometheus.Counter
	ProcessingTime    *prometheus.HistogramVec

	// 别名指标
	AliasesAllocated prometheus.Counter
	AliasesDeleted   prometheus.Counter

	// 推送指标
	WebsocketClients prometheus.Gauge
	EventsPublished  prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitHits   *prometheus.CounterVec
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turbomail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turbomail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turbomail_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turbomail_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		MessagesAccepted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_messages_accepted_total",
				Help: "Total number of inbound messages accepted from the transfer agent",
			},
		),

		FanoutDeliveries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_fanout_deliveries_total",
				Help: "Total number of successful per-recipient deliveries",
			},
		),

		FanoutFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_fanout_failures_total",
				Help: "Total number of per-recipient delivery failures written to the ledger",
			},
		),

		UnroutedMessages: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_unrouted_messages_total",
				Help: "Total number of recipients delivered to the unrouted bucket",
			},
		),

		LedgerPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "turbomail_ledger_pending",
				Help: "Number of failure records awaiting replay",
			},
		),

		RetryRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_retry_runs_total",
				Help: "Total number of ledger replay passes",
			},
		),

		RetryResolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_retry_resolved_total",
				Help: "Total number of failure records resolved by replay",
			},
		),

		ProcessingTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turbomail_message_processing_duration_seconds",
				Help:    "Message processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),

		AliasesAllocated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_aliases_allocated_total",
				Help: "Total number of aliases allocated",
			},
		),

		AliasesDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_aliases_deleted_total",
				Help: "Total number of aliases unlinked",
			},
		),

		WebsocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "turbomail_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		EventsPublished: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_events_published_total",
				Help: "Total number of new-mail events published",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turbomail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "turbomail_panics_total",
				Help: "Total number of panics",
			},
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turbomail_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"type", "key"},
		),

		RateLimitBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turbomail_rate_limit_blocks_total",
				Help: "Total number of rate limit blocks",
			},
			[]string{"type", "key"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordMessageAccepted 记录入站邮件受理
func (m *Metrics) RecordMessageAccepted() {
	m.MessagesAccepted.Inc()
}

// RecordDelivery 记录一次收件人投递结果
func (m *Metrics) RecordDelivery(ok bool) {
	if ok {
		m.FanoutDeliveries.Inc()
	} else {
		m.FanoutFailures.Inc()
	}
}

// RecordUnrouted 记录一次无人认领投递
func (m *Metrics) RecordUnrouted() {
	m.UnroutedMessages.Inc()
}

// RecordRetryRun 记录一次账本重放
func (m *Metrics) RecordRetryRun(resolved int) {
	m.RetryRuns.Inc()
	m.RetryResolved.Add(float64(resolved))
}

// RecordAliasAllocated 记录别名分配
func (m *Metrics) RecordAliasAllocated() {
	m.AliasesAllocated.Inc()
}

// RecordAliasDeleted 记录别名解绑
func (m *Metrics) RecordAliasDeleted() {
	m.AliasesDeleted.Inc()
}

// RecordEventPublished 记录一次推送事件
func (m *Metrics) RecordEventPublished() {
	m.EventsPublished.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitHit 记录限流命中
func (m *Metrics) RecordRateLimitHit(limitType, key string) {
	m.RateLimitHits.WithLabelValues(limitType, key).Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType, key string) {
	m.RateLimitBlocks.WithLabelValues(limitType, key).Inc()
}

// UpdateLedgerPending 更新账本积压数
func (m *Metrics) UpdateLedgerPending(count int) {
	m.LedgerPending.Set(float64(count))
}

// RecordProcessingTime 记录处理耗时
func (m *Metrics) RecordProcessingTime(stage string, duration time.Duration) {
	m.ProcessingTime.WithLabelValues(stage).Observe(duration.Seconds())
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
