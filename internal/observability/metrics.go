package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Job metrics
	JobsTotal   *prometheus.CounterVec
	JobsActive  prometheus.Gauge
	JobDuration prometheus.Histogram

	// Chunk metrics
	ChunksPublishedTotal *prometheus.CounterVec
	ChunksProcessedTotal *prometheus.CounterVec
	ChunksRetriedTotal   *prometheus.CounterVec
	ChunkDuration        *prometheus.HistogramVec

	// Scheduler metrics
	SchedulerTicksTotal  prometheus.Counter
	SchedulerActiveTasks prometheus.Gauge
	SchedulerPublishLag  prometheus.Histogram

	// Queue metrics
	QueueDepth        *prometheus.GaugeVec
	QueueRedeliveries *prometheus.CounterVec

	// CWS metrics
	CWSRequestsTotal   *prometheus.CounterVec
	CWSRequestDuration *prometheus.HistogramVec

	// Lock metrics
	LockAcquisitionsTotal *prometheus.CounterVec

	// Secret cache metrics
	SecretCacheOpsTotal *prometheus.CounterVec

	// Store metrics
	DatabaseOperationsTotal *prometheus.CounterVec

	// Active jobs counter (atomic for thread-safety)
	activeJobs int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		JobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_jobs_total",
				Help: "Jobs initiated, by operation type and terminal status",
			},
			[]string{"operation", "status"},
		),

		JobsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "votaryx_jobs_active",
				Help: "Currently active jobs",
			},
		),

		JobDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "votaryx_job_duration_seconds",
				Help:    "Job completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
		),

		ChunksPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_chunks_published_total",
				Help: "Chunks published to queues",
			},
			[]string{"queue"},
		),

		ChunksProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_chunks_processed_total",
				Help: "Chunks processed by workers",
			},
			[]string{"queue", "result"},
		),

		ChunksRetriedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_chunks_retried_total",
				Help: "Chunk retries scheduled after transient failure",
			},
			[]string{"queue"},
		),

		ChunkDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "votaryx_chunk_duration_seconds",
				Help:    "Per-chunk processing latency",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"queue"},
		),

		SchedulerTicksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "votaryx_scheduler_ticks_total",
				Help: "Scheduler loop iterations",
			},
		),

		SchedulerActiveTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "votaryx_scheduler_active_tasks",
				Help: "Task instances registered with the scheduler",
			},
		),

		SchedulerPublishLag: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "votaryx_scheduler_publish_lag_seconds",
				Help:    "Time a chunk spends pending before publish",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "votaryx_queue_depth",
				Help: "Messages waiting in each durable queue",
			},
			[]string{"queue"},
		),

		QueueRedeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_queue_redeliveries_total",
				Help: "Messages requeued after nack or consumer crash",
			},
			[]string{"queue"},
		),

		CWSRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_cws_requests_total",
				Help: "Requests to the cryptographic worker service",
			},
			[]string{"endpoint", "result"},
		),

		CWSRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "votaryx_cws_request_duration_seconds",
				Help:    "CWS request latency",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
			},
			[]string{"endpoint"},
		),

		LockAcquisitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_lock_acquisitions_total",
				Help: "Lock acquisition attempts",
			},
			[]string{"result"},
		),

		SecretCacheOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_secret_cache_ops_total",
				Help: "Secret cache operations",
			},
			[]string{"op", "result"},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votaryx_database_operations_total",
				Help: "Database operation count",
			},
			[]string{"operation", "result"},
		),
	}

	return m
}

// RecordJobStart increments active job counters.
func (m *Metrics) RecordJobStart() {
	atomic.AddInt64(&m.activeJobs, 1)
	m.JobsActive.Set(float64(atomic.LoadInt64(&m.activeJobs)))
}

// RecordJobComplete records job completion metrics.
func (m *Metrics) RecordJobComplete(operation string, success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeJobs, -1)
	m.JobsActive.Set(float64(atomic.LoadInt64(&m.activeJobs)))

	status := "completed"
	if !success {
		status = "failed"
	}

	m.JobsTotal.WithLabelValues(operation, status).Inc()
	m.JobDuration.Observe(durationSeconds)
}

// RecordChunkPublished updates metrics for a published chunk.
func (m *Metrics) RecordChunkPublished(queue string, pendingSeconds float64) {
	m.ChunksPublishedTotal.WithLabelValues(queue).Inc()
	m.SchedulerPublishLag.Observe(pendingSeconds)
}

// RecordChunkProcessed updates metrics for a processed chunk.
func (m *Metrics) RecordChunkProcessed(queue string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ChunksProcessedTotal.WithLabelValues(queue, result).Inc()
	m.ChunkDuration.WithLabelValues(queue).Observe(durationSeconds)
}

// RecordChunkRetry increments retry counters.
func (m *Metrics) RecordChunkRetry(queue string) {
	m.ChunksRetriedTotal.WithLabelValues(queue).Inc()
}

// RecordCWSRequest records a CWS call.
func (m *Metrics) RecordCWSRequest(endpoint string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.CWSRequestsTotal.WithLabelValues(endpoint, result).Inc()
	m.CWSRequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

// RecordLockAcquisition records a lock attempt outcome.
func (m *Metrics) RecordLockAcquisition(acquired bool) {
	result := "acquired"
	if !acquired {
		result = "held"
	}
	m.LockAcquisitionsTotal.WithLabelValues(result).Inc()
}

// RecordSecretCacheOp records a secret cache access.
func (m *Metrics) RecordSecretCacheOp(op string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	m.SecretCacheOpsTotal.WithLabelValues(op, result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
