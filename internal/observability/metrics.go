package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "terrain"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// terrain service.
type Metrics struct {
	// Job lifecycle.
	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec // labels: outcome={succeeded,partial,failed,no_data,cancelled}
	JobsPending   prometheus.Gauge
	JobsRunning   prometheus.Gauge
	JobDuration   prometheus.Histogram

	// Tile encoding.
	Tiles              *prometheus.CounterVec // labels: outcome={encoded,unavailable,error}
	TileEncodeDuration prometheus.Histogram

	// Artifact store.
	ArtifactsStored  prometheus.Gauge
	ArtifactsEvicted prometheus.Counter
	ArtifactBytes    prometheus.Histogram

	RateLimited prometheus.Counter

	// Elevation source.
	ElevationCache         *prometheus.CounterVec   // labels: result={hit,miss,negative}
	ElevationFetchDuration *prometheus.HistogramVec // labels: source={dir,http}

	// Kafka ingestion and events.
	RequestsConsumed prometheus.Counter
	RequestErrors    prometheus.Counter
	EventsPublished  prometheus.Counter
	PipelineRunning  prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they need.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Generation jobs accepted.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		JobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs waiting for a run slot.",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently encoding tiles.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job start to terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		Tiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_total",
			Help:      "Tile encodings by outcome.",
		}, []string{"outcome"}),
		TileEncodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_encode_duration_seconds",
			Help:      "Duration of sampling and encoding one tile.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		ArtifactsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifacts_stored",
			Help:      "Archives currently held by the artifact store.",
		}),
		ArtifactsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_evicted_total",
			Help:      "Archives removed after their retention window.",
		}),
		ArtifactBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_bytes",
			Help:      "Size of stored archives.",
			Buckets:   prometheus.ExponentialBuckets(4096, 4, 10),
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Generation requests rejected by the per-client limit.",
		}),
		ElevationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elevation_cache_total",
			Help:      "Elevation tile cache lookups by result.",
		}, []string{"result"}),
		ElevationFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "elevation_fetch_duration_seconds",
			Help:      "Time to load one elevation source tile.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		RequestsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_consumed_total",
			Help:      "Generation requests read from the request topic.",
		}),
		RequestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Queued requests that could not be submitted.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Job events written to the events topic.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the request pipeline is active, 0 when shut down.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobsSubmitted,
		m.JobsFinished,
		m.JobsPending,
		m.JobsRunning,
		m.JobDuration,
		m.Tiles,
		m.TileEncodeDuration,
		m.ArtifactsStored,
		m.ArtifactsEvicted,
		m.ArtifactBytes,
		m.RateLimited,
		m.ElevationCache,
		m.ElevationFetchDuration,
		m.RequestsConsumed,
		m.RequestErrors,
		m.EventsPublished,
		m.PipelineRunning,
	}
}
