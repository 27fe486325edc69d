package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"livestream/internal/stream"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Hub metrics
	registrations     prometheus.Counter
	unregistrations   prometheus.Counter
	evictionTotal     *prometheus.CounterVec
	broadcastTotal    *prometheus.CounterVec
	broadcastDuration *prometheus.HistogramVec

	// Upstream metrics
	upstreamStartTotal    *prometheus.CounterVec
	upstreamStartDuration prometheus.Histogram
	upstreamEventsTotal   *prometheus.CounterVec
	upstreamStopTotal     prometheus.Counter

	// Endpoint metrics
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec

	// Archive metrics
	archiveWriteTotal    *prometheus.CounterVec
	archiveWriteDuration prometheus.Histogram

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		registrations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "livestream_hub_registrations_total",
				Help: "Total number of observer registrations",
			},
		),

		unregistrations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "livestream_hub_unregistrations_total",
				Help: "Total number of observer unregistrations",
			},
		),

		evictionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livestream_hub_evictions_total",
				Help: "Total number of observers evicted after a failed delivery",
			},
			[]string{"reason"}, // reason: buffer_full, closed, error
		),

		broadcastTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livestream_hub_broadcast_total",
				Help: "Total number of events broadcast by the hub",
			},
			[]string{"topic"},
		),

		broadcastDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livestream_hub_broadcast_duration_seconds",
				Help:    "Time spent fanning an event out to observers",
				Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"topic"},
		),

		upstreamStartTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livestream_upstream_start_total",
				Help: "Total number of upstream start attempts",
			},
			[]string{"status"}, // status: success, error
		),

		upstreamStartDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "livestream_upstream_start_duration_seconds",
				Help:    "Time spent starting the upstream",
				Buckets: prometheus.DefBuckets,
			},
		),

		upstreamEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livestream_upstream_events_total",
				Help: "Total number of events emitted by the upstream",
			},
			[]string{"topic"},
		),

		upstreamStopTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "livestream_upstream_stop_total",
				Help: "Total number of upstream stops",
			},
		),

		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livestream_endpoint_connections_total",
				Help: "Total number of accepted streaming connections",
			},
			[]string{"transport"}, // transport: sse, websocket
		),

		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "livestream_endpoint_connections_active",
				Help: "Number of open streaming connections",
			},
			[]string{"transport"},
		),

		archiveWriteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livestream_archive_write_total",
				Help: "Total number of archived events",
			},
			[]string{"status"}, // status: success, error
		),

		archiveWriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "livestream_archive_write_duration_seconds",
				Help:    "Time spent writing an event to the archive",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "livestream_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "livestream_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.registrations,
		r.unregistrations,
		r.evictionTotal,
		r.broadcastTotal,
		r.broadcastDuration,
		r.upstreamStartTotal,
		r.upstreamStartDuration,
		r.upstreamEventsTotal,
		r.upstreamStopTotal,
		r.connectionsTotal,
		r.connectionsActive,
		r.archiveWriteTotal,
		r.archiveWriteDuration,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// HubSource is the read side of a hub sampled on every scrape.
type HubSource interface {
	Observers() int
	State() stream.HubState
}

// RegisterHub exposes the hub's observer count and lifecycle state as gauges.
// It must be called at most once per registry.
func (r *Registry) RegisterHub(h HubSource) {
	r.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "livestream_hub_observers",
				Help: "Number of observers currently registered with the hub",
			},
			func() float64 { return float64(h.Observers()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "livestream_hub_state",
				Help: "Hub lifecycle state (0 uninitialized, 1 initializing, 2 ready, 3 retry-scheduled)",
			},
			func() float64 { return float64(h.State()) },
		),
	)
}

// RecordObserverRegistered records an observer registration
func (r *Registry) RecordObserverRegistered() {
	r.registrations.Inc()
}

// RecordObserverUnregistered records an observer unregistration
func (r *Registry) RecordObserverUnregistered() {
	r.unregistrations.Inc()
}

// RecordEviction records an observer removed because Enqueue failed
func (r *Registry) RecordEviction(err error) {
	r.evictionTotal.WithLabelValues(evictionReason(err)).Inc()
}

// RecordBroadcast records a fan-out of one event
func (r *Registry) RecordBroadcast(topic stream.Topic, duration time.Duration) {
	t := string(topic)
	r.broadcastTotal.WithLabelValues(t).Inc()
	r.broadcastDuration.WithLabelValues(t).Observe(duration.Seconds())
}

// RecordUpstreamStart records an upstream start attempt
func (r *Registry) RecordUpstreamStart(duration time.Duration, err error) {
	r.upstreamStartTotal.WithLabelValues(status(err)).Inc()
	r.upstreamStartDuration.Observe(duration.Seconds())
}

// RecordUpstreamEvent records an event emitted by the upstream
func (r *Registry) RecordUpstreamEvent(topic stream.Topic) {
	r.upstreamEventsTotal.WithLabelValues(string(topic)).Inc()
}

// RecordUpstreamStop records an upstream stop
func (r *Registry) RecordUpstreamStop() {
	r.upstreamStopTotal.Inc()
}

// RecordConnectionOpened records a newly accepted streaming connection
func (r *Registry) RecordConnectionOpened(transport string) {
	r.connectionsTotal.WithLabelValues(transport).Inc()
	r.connectionsActive.WithLabelValues(transport).Inc()
}

// RecordConnectionClosed records a streaming connection going away
func (r *Registry) RecordConnectionClosed(transport string) {
	r.connectionsActive.WithLabelValues(transport).Dec()
}

// RecordArchiveWrite records an archive insert
func (r *Registry) RecordArchiveWrite(duration time.Duration, err error) {
	r.archiveWriteTotal.WithLabelValues(status(err)).Inc()
	r.archiveWriteDuration.Observe(duration.Seconds())
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func evictionReason(err error) string {
	switch {
	case errors.Is(err, stream.ErrObserverBufferFull):
		return "buffer_full"
	case errors.Is(err, stream.ErrObserverClosed):
		return "closed"
	default:
		return "error"
	}
}
