// Package metrics exposes dispatch engine events as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aeiou"

// Collector implements core.Observer on top of Prometheus metrics. All
// operations are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	renderedFiles prometheus.Counter

	jobsQueued    prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	jobLatency    prometheus.Histogram

	workersSpawned prometheus.Counter
	workersRemoved *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ core.Observer = (*Collector)(nil)

// NewCollector creates the metrics and registers them on registry.
func NewCollector(registry *prometheus.Registry) (*Collector, error) {
	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_requests_count",
			Help:      "Synthesis requests by coordinator decision.",
		}, []string{"decision"}),
		renderedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendered_files_count",
			Help:      "Artifacts rendered and promoted into the files directory.",
		}),
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Jobs admitted by the worker pool.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs written to an engine process.",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Jobs the engine reported as successful.",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Failed jobs by error code.",
		}, []string{"code"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from writing a job to the engine until it reported success.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),
		workersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Engine processes started.",
		}),
		workersRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_removed_total",
			Help:      "Engine processes removed from the pool by terminal state.",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	collectors := []prometheus.Collector{
		c.requests,
		c.renderedFiles,
		c.jobsQueued,
		c.jobsStarted,
		c.jobsSucceeded,
		c.jobsFailed,
		c.jobLatency,
		c.workersSpawned,
		c.workersRemoved,
		c.httpRequests,
		c.httpDuration,
	}

	for _, collector := range collectors {
		err := registry.Register(collector)
		if err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RequestHandled implements core.Observer.
func (c *Collector) RequestHandled(decision string) {
	c.requests.WithLabelValues(decision).Inc()
}

// JobQueued implements core.Observer.
func (c *Collector) JobQueued() {
	c.jobsQueued.Inc()
}

// JobStarted implements core.Observer.
func (c *Collector) JobStarted() {
	c.jobsStarted.Inc()
}

// JobSucceeded implements core.Observer.
func (c *Collector) JobSucceeded(latency time.Duration) {
	c.jobsSucceeded.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// JobFailed implements core.Observer.
func (c *Collector) JobFailed(code string) {
	c.jobsFailed.WithLabelValues(code).Inc()
}

// ArtifactRendered implements core.Observer.
func (c *Collector) ArtifactRendered() {
	c.renderedFiles.Inc()
}

// WorkerSpawned implements core.Observer.
func (c *Collector) WorkerSpawned() {
	c.workersSpawned.Inc()
}

// WorkerRemoved implements core.Observer.
func (c *Collector) WorkerRemoved(state string) {
	c.workersRemoved.WithLabelValues(state).Inc()
}

// ObserveHTTP records one served HTTP request. path should be a route
// pattern, not the raw URL, to keep label cardinality bounded.
func (c *Collector) ObserveHTTP(method, path string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
