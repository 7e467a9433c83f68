package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the workbench collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	itemsTotal       *prometheus.CounterVec
	bytesTransferred prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	sourceRequests   *prometheus.CounterVec
	eventsDropped    prometheus.Counter
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workbench_items_total",
			Help: "Migration items that reached a terminal state.",
		}, []string{"status"}),
		bytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workbench_bytes_transferred_total",
			Help: "Bytes written into the local registry.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workbench_jobs_finished_total",
			Help: "Migration jobs that reached a terminal state.",
		}, []string{"status"}),
		sourceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workbench_source_requests_total",
			Help: "HTTP requests sent to source registries.",
		}, []string{"kind", "outcome"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workbench_progress_events_dropped_total",
			Help: "Item updates coalesced away for slow subscribers.",
		}),
	}
	m.registry.MustRegister(
		m.itemsTotal,
		m.bytesTransferred,
		m.jobsFinished,
		m.sourceRequests,
		m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ItemFinished(status string, bytes int64) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		m.bytesTransferred.Add(float64(bytes))
	}
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) SourceRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.sourceRequests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
