package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the registry's prometheus collectors.
type Metrics struct {
	peers            prometheus.Gauge
	registrations    prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	evictions        prometheus.Counter
	deliveryLatency  prometheus.Histogram
}

// NewMetrics registers the registry's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_peers_connected",
			Help: "Number of currently registered peers.",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_registrations_total",
			Help: "Total successful peer registrations.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_deliveries_total",
			Help: "Callback deliveries by event.",
		}, []string{"event"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_delivery_failures_total",
			Help: "Callback deliveries that timed out or failed.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_evictions_total",
			Help: "Peers evicted after a failed callback delivery.",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "registry_delivery_latency_seconds",
			Help:    "Latency of callback deliveries.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.peers, m.registrations, m.deliveries, m.deliveryFailures, m.evictions, m.deliveryLatency)
	return m
}

func (m *Metrics) observeDelivery(event string, start time.Time, ok bool) {
	if m == nil {
		return
	}
	m.deliveryLatency.Observe(time.Since(start).Seconds())
	if ok {
		m.deliveries.WithLabelValues(event).Inc()
	} else {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) setPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) recordRegistration() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

func (m *Metrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
