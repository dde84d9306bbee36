// Package metrics holds the Prometheus collectors shared by the feed components.
// Every recording method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketfeed"

// Metrics is the collector set
type Metrics struct {
	SourceAttempts  *prometheus.CounterVec
	SourceState     *prometheus.GaugeVec
	CacheLookups    *prometheus.CounterVec
	CacheEntries    prometheus.Gauge
	RefreshTotal    *prometheus.CounterVec
	PollInterval    *prometheus.GaugeVec
	Subscribers     *prometheus.GaugeVec
	PublishedTotal  *prometheus.CounterVec
	DroppedTotal    prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	RelayedTotal    *prometheus.CounterVec
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		SourceAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "source_attempts_total",
			Help:      "Upstream source attempts by outcome",
		}, []string{"source", "capability", "outcome"}),
		SourceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "source_circuit_state",
			Help:      "Circuit state per source (0 closed, 1 half-open, 2 open)",
		}, []string{"source"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by data kind and result",
		}, []string{"kind", "result"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries held after the last sweep",
		}),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "refresh_total",
			Help:      "Scheduled refreshes by outcome",
		}, []string{"outcome"}),
		PollInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "poll_interval_seconds",
			Help:      "Current poll interval per instrument",
		}, []string{"symbol"}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Live subscriptions per topic",
		}, []string{"topic"}),
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Envelopes published by type",
		}, []string{"type"}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "dropped_total",
			Help:      "Buffered envelopes dropped on subscriber overflow",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		RelayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Envelopes forwarded to the relay sink by outcome",
		}, []string{"outcome"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.SourceAttempts,
		m.SourceState,
		m.CacheLookups,
		m.CacheEntries,
		m.RefreshTotal,
		m.PollInterval,
		m.Subscribers,
		m.PublishedTotal,
		m.DroppedTotal,
		m.RequestDuration,
		m.RelayedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SourceAttempt(source, capability, outcome string) {
	if m == nil {
		return
	}
	m.SourceAttempts.WithLabelValues(source, capability, outcome).Inc()
}

func (m *Metrics) SetSourceState(source string, state float64) {
	if m == nil {
		return
	}
	m.SourceState.WithLabelValues(source).Set(state)
}

func (m *Metrics) CacheLookup(kind, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPollInterval(symbol string, seconds float64) {
	if m == nil {
		return
	}
	m.PollInterval.WithLabelValues(symbol).Set(seconds)
}

func (m *Metrics) SetSubscribers(topic string, n int) {
	if m == nil {
		return
	}
	m.Subscribers.WithLabelValues(topic).Set(float64(n))
}

func (m *Metrics) Published(envelopeType string) {
	if m == nil {
		return
	}
	m.PublishedTotal.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.DroppedTotal.Inc()
}

func (m *Metrics) ObserveRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, route, status).Observe(seconds)
}

func (m *Metrics) Relayed(outcome string) {
	if m == nil {
		return
	}
	m.RelayedTotal.WithLabelValues(outcome).Inc()
}
