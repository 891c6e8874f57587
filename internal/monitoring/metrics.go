package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SMTP 结果标签
const (
	ResultAccepted     = "accepted"
	ResultUnknown      = "unknown"
	ResultFailed       = "failed"
	ResultRejected     = "rejected"
	ResultParseError   = "parse_error"
	ResultStorageError = "storage_error"
	ResultTooLarge     = "too_large"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SMTP 指标
	SMTPMessagesTotal     *prometheus.CounterVec
	SMTPRecipientsTotal   *prometheus.CounterVec
	SMTPActiveConnections prometheus.Gauge

	// 订阅源指标
	EntriesSynthesized  prometheus.Counter
	EntriesEvicted      prometheus.Counter
	ReferenceCollisions prometheus.Counter
	FeedsCreated        prometheus.Counter
	FeedRenderBytes     prometheus.Histogram

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 在独立注册表上创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfeed_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailfeed_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		SMTPMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfeed_smtp_messages_total",
				Help: "Total number of messages received over SMTP",
			},
			[]string{"result"},
		),

		SMTPRecipientsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfeed_smtp_recipients_total",
				Help: "Total number of recipients processed, by outcome",
			},
			[]string{"result"},
		),

		SMTPActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailfeed_smtp_active_connections",
				Help: "Number of open SMTP sessions",
			},
		),

		EntriesSynthesized: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailfeed_entries_synthesized_total",
				Help: "Total number of entries appended to feeds",
			},
		),

		EntriesEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailfeed_entries_evicted_total",
				Help: "Total number of entries evicted to respect the feed size cap",
			},
		),

		ReferenceCollisions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailfeed_reference_collisions_total",
				Help: "Total number of generated references that collided",
			},
		),

		FeedsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailfeed_feeds_created_total",
				Help: "Total number of feeds created",
			},
		),

		FeedRenderBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailfeed_feed_render_bytes",
				Help:    "Size of rendered Atom documents in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailfeed_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSMTPMessage 记录一封 SMTP 邮件的处理结果
func (m *Metrics) RecordSMTPMessage(result string) {
	m.SMTPMessagesTotal.WithLabelValues(result).Inc()
}

// RecordSMTPRecipient 记录单个收件人的处理结果
func (m *Metrics) RecordSMTPRecipient(result string) {
	m.SMTPRecipientsTotal.WithLabelValues(result).Inc()
}

// SMTPConnectionOpened 会话建立
func (m *Metrics) SMTPConnectionOpened() {
	m.SMTPActiveConnections.Inc()
}

// SMTPConnectionClosed 会话结束
func (m *Metrics) SMTPConnectionClosed() {
	m.SMTPActiveConnections.Dec()
}

// RecordEntrySynthesized 记录条目写入及淘汰数量
func (m *Metrics) RecordEntrySynthesized(evicted int) {
	m.EntriesSynthesized.Inc()
	if evicted > 0 {
		m.EntriesEvicted.Add(float64(evicted))
	}
}

// RecordReferenceCollision 记录引用冲突
func (m *Metrics) RecordReferenceCollision() {
	m.ReferenceCollisions.Inc()
}

// RecordFeedCreated 记录订阅源创建
func (m *Metrics) RecordFeedCreated() {
	m.FeedsCreated.Inc()
}

// RecordFeedRender 记录渲染文档大小
func (m *Metrics) RecordFeedRender(size int) {
	m.FeedRenderBytes.Observe(float64(size))
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
