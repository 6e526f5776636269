// Package metrics exposes Prometheus metrics for the upload engine and the sink.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry served by Handler.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	engineOnce     sync.Once
	engineInstance *EngineMetrics
	sinkOnce       sync.Once
	sinkInstance   *SinkMetrics
)

// EngineMetrics holds the client side metrics.
type EngineMetrics struct {
	UnitsStarted     *prometheus.CounterVec // upflux_units_started_total{kind}
	UnitsSucceeded   *prometheus.CounterVec // upflux_units_succeeded_total{kind}
	UnitsFailed      *prometheus.CounterVec // upflux_units_failed_total{kind}
	UnitsRetried     *prometheus.CounterVec // upflux_units_retried_total{kind}
	UnitsInvalid     prometheus.Counter     // upflux_units_invalid_total
	ProgressPercent  prometheus.Gauge       // upflux_progress_percent
	BatchesCompleted prometheus.Counter     // upflux_batches_completed_total
}

// SinkMetrics holds the receiving side metrics.
type SinkMetrics struct {
	BytesReceived  *prometheus.CounterVec // upflux_sink_bytes_received_total{transport}
	UnitsReceived  *prometheus.CounterVec // upflux_sink_units_received_total{transport,kind}
	UnitsRejected  *prometheus.CounterVec // upflux_sink_units_rejected_total{transport}
	FilesAssembled prometheus.Counter     // upflux_sink_files_assembled_total
}

// InitEngineMetrics registers the engine metrics on Registry once and
// returns the shared instance.
func InitEngineMetrics() *EngineMetrics {
	engineOnce.Do(func() {
		engineInstance = NewEngineMetrics(Registry)
	})
	return engineInstance
}

// InitSinkMetrics registers the sink metrics on Registry once and returns
// the shared instance.
func InitSinkMetrics() *SinkMetrics {
	sinkOnce.Do(func() {
		sinkInstance = NewSinkMetrics(Registry)
	})
	return sinkInstance
}

// NewEngineMetrics registers a fresh set of engine metrics on registry.
func NewEngineMetrics(registry prometheus.Registerer) *EngineMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &EngineMetrics{
		UnitsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upflux_units_started_total",
			Help: "Units handed to the transport, by kind",
		}, []string{"kind"}),
		UnitsSucceeded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upflux_units_succeeded_total",
			Help: "Units accepted by the receiver, by kind",
		}, []string{"kind"}),
		UnitsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upflux_units_failed_total",
			Help: "Units that exhausted their retry budget, by kind",
		}, []string{"kind"}),
		UnitsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upflux_units_retried_total",
			Help: "Unit retries, by kind",
		}, []string{"kind"}),
		UnitsInvalid: f.NewCounter(prometheus.CounterOpts{
			Name: "upflux_units_invalid_total",
			Help: "Files rejected before transfer",
		}),
		ProgressPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "upflux_progress_percent",
			Help: "Aggregate completion of the current batch (0-100)",
		}),
		BatchesCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "upflux_batches_completed_total",
			Help: "Batches that ran to completion",
		}),
	}
}

// NewSinkMetrics registers a fresh set of sink metrics on registry.
func NewSinkMetrics(registry prometheus.Registerer) *SinkMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &SinkMetrics{
		BytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upflux_sink_bytes_received_total",
			Help: "Payload bytes stored, by transport",
		}, []string{"transport"}),
		UnitsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upflux_sink_units_received_total",
			Help: "Units stored, by transport and kind",
		}, []string{"transport", "kind"}),
		UnitsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upflux_sink_units_rejected_total",
			Help: "Units refused by the sink, by transport",
		}, []string{"transport"}),
		FilesAssembled: f.NewCounter(prometheus.CounterOpts{
			Name: "upflux_sink_files_assembled_total",
			Help: "Chunked files reassembled and renamed into place",
		}),
	}
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
