// Package metrics exposes Prometheus metrics for the queue, the stream gateway and the HTTP API.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"triage-queue-backend/internal/events"
	"triage-queue-backend/internal/model"
)

// Metrics owns a private registry so tests and multiple instances never collide.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	queueEvents        *prometheus.CounterVec
	streamDropped      *prometheus.CounterVec
	busDropped         prometheus.Counter
	enrichmentFailures prometheus.Counter
	pushSent           *prometheus.CounterVec
	relayPublished     *prometheus.CounterVec
}

// New creates and registers every metric.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triage_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		queueEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_queue_events_total",
				Help: "Queue events published on the bus",
			},
			[]string{"type"},
		),
		streamDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_stream_dropped_total",
				Help: "Observers closed by the server rather than the client",
			},
			[]string{"reason"},
		),
		busDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "triage_bus_subscribers_dropped_total",
				Help: "Bus subscriptions dropped because their buffer was full",
			},
		),
		enrichmentFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "triage_intake_enrichment_failures_total",
				Help: "Narrative extraction calls that failed or timed out",
			},
		),
		pushSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_push_notifications_total",
				Help: "Web push deliveries by result",
			},
			[]string{"result"},
		),
		relayPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_relay_published_total",
				Help: "Events mirrored to Redis by result",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.queueEvents,
		m.streamDropped,
		m.busDropped,
		m.enrichmentFailures,
		m.pushSent,
		m.relayPublished,
	)
	return m
}

// RegisterQueue exposes triage_queue_entries{status} from stats.
func (m *Metrics) RegisterQueue(stats func() map[model.Status]int) {
	if m == nil {
		return
	}
	for _, st := range model.AllStatuses {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "triage_queue_entries",
				Help:        "Queue entries by status",
				ConstLabels: prometheus.Labels{"status": string(st)},
			},
			func() float64 { return float64(stats()[st]) },
		))
	}
}

// RegisterObservers exposes triage_stream_observers{transport} from count.
func (m *Metrics) RegisterObservers(count func(transport string) int, transports ...string) {
	if m == nil {
		return
	}
	for _, t := range transports {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "triage_stream_observers",
				Help:        "Open stream observers by transport",
				ConstLabels: prometheus.Labels{"transport": t},
			},
			func() float64 { return float64(count(t)) },
		))
	}
}

// EventPublished counts one bus event.
func (m *Metrics) EventPublished(e events.Event) {
	if m == nil {
		return
	}
	m.queueEvents.WithLabelValues(string(e.Type)).Inc()
}

// ObserverClosed counts server-initiated observer closes. Client closes are not counted.
func (m *Metrics) ObserverClosed(reason string) {
	if m == nil || reason == "client" {
		return
	}
	m.streamDropped.WithLabelValues(reason).Inc()
}

// SubscriberDropped counts one bus subscription dropped for falling behind. The bus logs the name.
func (m *Metrics) SubscriberDropped(string) {
	if m == nil {
		return
	}
	m.busDropped.Inc()
}

// EnrichmentFailed counts one failed extractor call.
func (m *Metrics) EnrichmentFailed() {
	if m == nil {
		return
	}
	m.enrichmentFailures.Inc()
}

// PushSent counts one web push attempt.
func (m *Metrics) PushSent(result string) {
	if m == nil {
		return
	}
	m.pushSent.WithLabelValues(result).Inc()
}

// RelayPublished counts one relay publish.
func (m *Metrics) RelayPublished(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.relayPublished.WithLabelValues(result).Inc()
}

// GinMiddleware records request count and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
