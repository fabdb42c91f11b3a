package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects evaluator, worker pool and job metrics.
//
// Metrics exposed (all namespaced with "dataflow_"):
//
//  1. passes_total (counter): Evaluation passes by result.
//     Labels: result (ok, aborted, config_error).
//  2. pass_duration_ms (histogram): Wall time of a pass.
//  3. node_latency_ms (histogram): Node Run duration.
//     Labels: node, status (ran, failed).
//  4. node_failures_total (counter): Failed Run calls. Labels: node.
//  5. pool_workers (gauge): Workers accepting tasks.
//  6. pool_queue_depth (gauge): Tasks waiting for a worker.
//  7. active_jobs (gauge): Jobs not yet completed. Labels: node.
//  8. job_outcomes_total (counter): Finished jobs. Labels: node, outcome.
//  9. progress_dispatches_total (counter): Coalesced progress callbacks
//     delivered to the owner loop. Labels: node.
//
// PrometheusMetrics implements pool.Recorder and job.Recorder, so one
// instance can be shared by the evaluator, the pool and every job
// processor.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	ev, _ := graph.NewEvaluator(net, graph.WithMetrics(metrics))
//	wp := pool.New(4, pool.WithRecorder(metrics))
//
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	nodeLatency  *prometheus.HistogramVec
	nodeFailures *prometheus.CounterVec

	poolWorkers    prometheus.Gauge
	poolQueueDepth prometheus.Gauge

	activeJobs         *prometheus.GaugeVec
	jobOutcomes        *prometheus.CounterVec
	progressDispatches *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers every metric with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)
	latencyBuckets := []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

	return &PrometheusMetrics{
		enabled: true,

		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataflow",
			Name:      "passes_total",
			Help:      "Evaluation passes by result",
		}, []string{"result"}),

		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dataflow",
			Name:      "pass_duration_ms",
			Help:      "Evaluation pass duration in milliseconds",
			Buckets:   latencyBuckets,
		}),

		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dataflow",
			Name:      "node_latency_ms",
			Help:      "Node run duration in milliseconds",
			Buckets:   latencyBuckets,
		}, []string{"node", "status"}),

		nodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataflow",
			Name:      "node_failures_total",
			Help:      "Node runs that returned an error or panicked",
		}, []string{"node"}),

		poolWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dataflow",
			Name:      "pool_workers",
			Help:      "Worker goroutines accepting tasks",
		}),

		poolQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dataflow",
			Name:      "pool_queue_depth",
			Help:      "Tasks waiting for a worker",
		}),

		activeJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dataflow",
			Name:      "active_jobs",
			Help:      "Submitted jobs that have not completed",
		}, []string{"node"}),

		jobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataflow",
			Name:      "job_outcomes_total",
			Help:      "Completed jobs by outcome",
		}, []string{"node", "outcome"}),

		progressDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataflow",
			Name:      "progress_dispatches_total",
			Help:      "Aggregated progress callbacks delivered to the owner loop",
		}, []string{"node"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordPass records the result and duration of an evaluation pass.
func (pm *PrometheusMetrics) RecordPass(result string, d time.Duration) {
	if !pm.on() {
		return
	}
	pm.passes.WithLabelValues(result).Inc()
	pm.passDuration.Observe(float64(d.Milliseconds()))
}

// RecordNode records one node run.
func (pm *PrometheusMetrics) RecordNode(node string, status Status, d time.Duration) {
	if !pm.on() {
		return
	}
	pm.nodeLatency.WithLabelValues(node, string(status)).Observe(float64(d.Milliseconds()))
	if status == StatusFailed {
		pm.nodeFailures.WithLabelValues(node).Inc()
	}
}

// SetPoolWorkers implements pool.Recorder.
func (pm *PrometheusMetrics) SetPoolWorkers(n int) {
	if !pm.on() {
		return
	}
	pm.poolWorkers.Set(float64(n))
}

// SetPoolQueueDepth implements pool.Recorder.
func (pm *PrometheusMetrics) SetPoolQueueDepth(n int) {
	if !pm.on() {
		return
	}
	pm.poolQueueDepth.Set(float64(n))
}

// SetActiveJobs implements job.Recorder.
func (pm *PrometheusMetrics) SetActiveJobs(node string, n int) {
	if !pm.on() {
		return
	}
	pm.activeJobs.WithLabelValues(node).Set(float64(n))
}

// IncJobOutcome implements job.Recorder.
func (pm *PrometheusMetrics) IncJobOutcome(node, outcome string) {
	if !pm.on() {
		return
	}
	pm.jobOutcomes.WithLabelValues(node, outcome).Inc()
}

// IncProgressDispatch implements job.Recorder.
func (pm *PrometheusMetrics) IncProgressDispatch(node string) {
	if !pm.on() {
		return
	}
	pm.progressDispatches.WithLabelValues(node).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears the gauges. Counters and histograms are cumulative and keep
// their values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.poolWorkers.Set(0)
	pm.poolQueueDepth.Set(0)
	pm.activeJobs.Reset()
}
