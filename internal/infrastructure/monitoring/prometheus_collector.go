package monitoring

import (
	"time"

	"rillcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineSnapshot is a point-in-time view of the relay engine's counters.
type EngineSnapshot struct {
	Workers          int
	Routers          int64
	Transports       int64
	Producers        int64
	Consumers        int64
	PacketsForwarded uint64
	BytesForwarded   uint64
}

// PrometheusCollector records relay lifecycle and signaling metrics.
type PrometheusCollector struct {
	factory promauto.Factory

	workersAlive  prometheus.Gauge
	workerDeaths  prometheus.Counter
	resourcesOpen *prometheus.GaugeVec
	resourcesMade *prometheus.CounterVec

	streamViewers *prometheus.GaugeVec

	signalRequests *prometheus.CounterVec
	signalDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the collector's metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		factory: factory,

		workersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcast_relay_workers",
			Help: "Number of live relay workers",
		}),

		workerDeaths: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcast_relay_worker_deaths_total",
			Help: "Relay workers that died unexpectedly",
		}),

		resourcesOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcast_relay_resources",
			Help: "Open relay resources by kind",
		}, []string{"kind"}),

		resourcesMade: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_relay_resources_created_total",
			Help: "Relay resources created by kind",
		}, []string{"kind"}),

		streamViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcast_stream_viewers",
			Help: "Counted viewers per stream",
		}, []string{"stream_id"}),

		signalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_signal_requests_total",
			Help: "Signaling requests by event and result code",
		}, []string{"event", "code"}),

		signalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rillcast_signal_request_duration_seconds",
			Help:    "Signaling request handling time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"event"}),
	}
}

func (p *PrometheusCollector) WorkerStarted() {
	p.workersAlive.Inc()
}

func (p *PrometheusCollector) WorkerDied() {
	p.workersAlive.Dec()
	p.workerDeaths.Inc()
}

func (p *PrometheusCollector) ResourceOpened(kind string) {
	p.resourcesOpen.WithLabelValues(kind).Inc()
	p.resourcesMade.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) ResourceClosed(kind string) {
	p.resourcesOpen.WithLabelValues(kind).Dec()
}

// ViewerCount drops the stream's series once nobody watches.
func (p *PrometheusCollector) ViewerCount(streamID domain.StreamID, count int64) {
	if count <= 0 {
		p.streamViewers.DeleteLabelValues(string(streamID))
		return
	}
	p.streamViewers.WithLabelValues(string(streamID)).Set(float64(count))
}

func (p *PrometheusCollector) SignalRequest(event string, code string, duration time.Duration) {
	if code == "" {
		code = "OK"
	}
	p.signalRequests.WithLabelValues(event, code).Inc()
	p.signalDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// ObserveEngine exposes the engine's own counters, read on every scrape.
func (p *PrometheusCollector) ObserveEngine(sample func() EngineSnapshot) {
	gauge := func(name, help string, value func(EngineSnapshot) float64) {
		p.factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return value(sample())
		})
	}
	counter := func(name, help string, value func(EngineSnapshot) float64) {
		p.factory.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return value(sample())
		})
	}

	gauge("rillcast_engine_workers", "Workers running in the engine",
		func(s EngineSnapshot) float64 { return float64(s.Workers) })
	gauge("rillcast_engine_routers", "Routers hosted by the engine",
		func(s EngineSnapshot) float64 { return float64(s.Routers) })
	gauge("rillcast_engine_transports", "Open engine transports",
		func(s EngineSnapshot) float64 { return float64(s.Transports) })
	gauge("rillcast_engine_producers", "Open engine producers",
		func(s EngineSnapshot) float64 { return float64(s.Producers) })
	gauge("rillcast_engine_consumers", "Open engine consumers",
		func(s EngineSnapshot) float64 { return float64(s.Consumers) })
	counter("rillcast_engine_packets_forwarded_total", "RTP packets read from producers",
		func(s EngineSnapshot) float64 { return float64(s.PacketsForwarded) })
	counter("rillcast_engine_bytes_forwarded_total", "RTP bytes read from producers",
		func(s EngineSnapshot) float64 { return float64(s.BytesForwarded) })
}
