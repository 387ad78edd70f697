package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/ibgate/internal/connection"
	"github.com/rickgao/ibgate/internal/instrument"
	"github.com/rickgao/ibgate/internal/writer"
)

const namespace = "ibgate"

var (
	_ connection.Observer = (*Collector)(nil)
	_ instrument.Observer = (*Collector)(nil)
)

// Collector owns a private registry and implements both the connection and
// the registry observer interfaces.
type Collector struct {
	reg *prometheus.Registry

	status            prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectGiveUps  prometheus.Counter
	lookups           *prometheus.CounterVec
	lookupDuration    prometheus.Histogram
	instruments       prometheus.Gauge
}

// NewCollector creates a Collector with runtime collectors registered.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "Gateway session status: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Number of automatic reconnect attempts",
		}),
		reconnectGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Number of times the reconnect loop gave up",
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Detail lookups by result",
		}, []string{"result"}),
		lookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Detail lookup round trip",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		instruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_instruments",
			Help:      "Instruments currently registered",
		}),
	}

	c.reg.MustRegister(
		c.status,
		c.reconnectAttempts,
		c.reconnectGiveUps,
		c.lookups,
		c.lookupDuration,
		c.instruments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveStatus records a controller status transition.
func (c *Collector) ObserveStatus(s connection.Status) {
	c.status.Set(float64(s))
}

// ObserveReconnectAttempt counts one reconnect attempt.
func (c *Collector) ObserveReconnectAttempt() {
	c.reconnectAttempts.Inc()
}

// ObserveReconnectExhausted counts a reconnect loop that gave up.
func (c *Collector) ObserveReconnectExhausted() {
	c.reconnectGiveUps.Inc()
}

// ObserveLookup records one detail lookup.
func (c *Collector) ObserveLookup(result string, elapsed time.Duration) {
	c.lookups.WithLabelValues(result).Inc()
	c.lookupDuration.Observe(elapsed.Seconds())
}

// ObserveRegistrySize records the number of registered instruments.
func (c *Collector) ObserveRegistrySize(n int) {
	c.instruments.Set(float64(n))
}

// WatchWriter exports the writer's counters, read on every scrape.
func (c *Collector) WatchWriter(stats func() writer.WriterMetrics) {
	counter := func(name, help string, value func(writer.WriterMetrics) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(stats())) })
	}

	c.reg.MustRegister(
		counter("upserts_total", "Instrument rows inserted or updated",
			func(m writer.WriterMetrics) int64 { return m.Upserts }),
		counter("stale_total", "Instrument rows skipped as older than the stored version",
			func(m writer.WriterMetrics) int64 { return m.Stale }),
		counter("errors_total", "Failed instrument flushes",
			func(m writer.WriterMetrics) int64 { return m.Errors }),
		counter("dropped_total", "Instrument rows rejected because the buffer was full",
			func(m writer.WriterMetrics) int64 { return m.Dropped }),
	)
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
