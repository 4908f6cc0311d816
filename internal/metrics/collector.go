// Package metrics holds the Prometheus collectors for channelhub.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "channelhub"

// Metrics is the set of collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	eventsIn          *prometheus.CounterVec
	eventsOut         *prometheus.CounterVec
	slowConsumerDrops prometheus.Counter
	rateLimited       prometheus.Counter

	messagesPersisted prometheus.Counter
	persistFailures   prometheus.Counter
	persistDropped    prometheus.Counter

	queueCreated      prometheus.Counter
	queueCompletions  *prometheus.CounterVec
	queueRetired      prometheus.Counter
	queueDepth        *prometheus.GaugeVec
	orderSyncFailures *prometheus.CounterVec

	blobsPurged prometheus.Counter
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Open websocket connections.",
		}),
		eventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_events_in_total",
			Help: "Inbound websocket events by type.",
		}, []string{"type"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_events_out_total",
			Help: "Outbound websocket frames by type.",
		}, []string{"type"}),
		slowConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_slow_consumer_drops_total",
			Help: "Connections closed because their send buffer was full.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_rate_limited_total",
			Help: "Inbound events rejected by the per-connection rate limit.",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_persisted_total",
			Help: "Correlated messages written to the record store.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_persist_failures_total",
			Help: "Correlated message writes that failed.",
		}),
		persistDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_persist_dropped_total",
			Help: "Correlated messages dropped because the persist pipe stayed full.",
		}),
		queueCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_created_total",
			Help: "Queue records created.",
		}),
		queueCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_completions_total",
			Help: "Sub-task completions by kind.",
		}, []string{"kind"}),
		queueRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_retired_total",
			Help: "Queue records deleted after both sub-tasks completed.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Records with the kind flag still pending.",
		}, []string{"kind"}),
		orderSyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_sync_failures_total",
			Help: "Companion order status updates that failed after a completion.",
		}, []string{"kind"}),
		blobsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "data_blobs_purged_total",
			Help: "Shared data blobs removed by retention.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.eventsIn, m.eventsOut, m.slowConsumerDrops, m.rateLimited,
		m.messagesPersisted, m.persistFailures, m.persistDropped,
		m.queueCreated, m.queueCompletions, m.queueRetired, m.queueDepth, m.orderSyncFailures,
		m.blobsPurged,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) EventIn(eventType string) {
	if m != nil {
		m.eventsIn.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) EventOut(eventType string) {
	if m != nil {
		m.eventsOut.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) SlowConsumerDropped() {
	if m != nil {
		m.slowConsumerDrops.Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) MessagePersisted() {
	if m != nil {
		m.messagesPersisted.Inc()
	}
}

func (m *Metrics) MessagePersistFailed() {
	if m != nil {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) MessagePersistDropped() {
	if m != nil {
		m.persistDropped.Inc()
	}
}

func (m *Metrics) QueueCreated() {
	if m != nil {
		m.queueCreated.Inc()
	}
}

// QueueCompleted counts a completion of kind and, when deleted, a retirement.
func (m *Metrics) QueueCompleted(kind string, deleted bool) {
	if m == nil {
		return
	}
	m.queueCompletions.WithLabelValues(kind).Inc()
	if deleted {
		m.queueRetired.Inc()
	}
}

func (m *Metrics) SetQueueDepth(kind string, n int) {
	if m != nil {
		m.queueDepth.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) OrderSyncFailed(kind string) {
	if m != nil {
		m.orderSyncFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) BlobsPurged(n int) {
	if m != nil {
		m.blobsPurged.Add(float64(n))
	}
}
