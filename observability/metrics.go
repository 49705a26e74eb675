// Package observability provides Prometheus metrics instrumentation for the runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// INSTANCE METRICS
// =============================================================================

var (
	instanceInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelines_instance_invocations_total",
			Help: "Total number of pipeline instance invocations",
		},
		[]string{"pipeline", "status"}, // status: completed, errored, cancelled
	)

	instanceDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipelines_instance_duration_seconds",
			Help:    "Pipeline instance wall-clock duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"pipeline"},
	)

	instanceSuspensionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelines_instance_suspensions_total",
			Help: "Total number of times an instance suspended on a promise, nested pipeline, or tail",
		},
		[]string{"pipeline"},
	)
)

// =============================================================================
// QUEUE METRICS
// =============================================================================

var (
	queueAdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelines_queue_admissions_total",
			Help: "Total number of queue admission decisions",
		},
		[]string{"queue", "decision"}, // decision: run, queued, dropped, existing
	)

	queueCancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelines_queue_cancellations_total",
			Help: "Total number of instances cancelled to make room in a queue (restartable/keepLatest displacement)",
		},
		[]string{"queue"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipelines_queue_depth",
			Help: "Current number of pending instances in a named queue",
		},
		[]string{"queue"},
	)
)

// =============================================================================
// RATE LIMIT METRICS
// =============================================================================

var (
	rateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelines_rate_limit_rejections_total",
			Help: "Total number of invocations rejected by the per-queue rate limiter",
		},
		[]string{"queue"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordInstanceInvocation records an instance's terminal outcome and
// wall-clock duration. Called once the instance reaches a terminal state.
func RecordInstanceInvocation(pipelineID string, status string, durationMS int) {
	instanceInvocationsTotal.WithLabelValues(pipelineID, status).Inc()
	instanceDurationSeconds.WithLabelValues(pipelineID).Observe(float64(durationMS) / 1000.0)
}

// RecordInstanceSuspension records one suspend/resume cycle for pipelineID.
func RecordInstanceSuspension(pipelineID string) {
	instanceSuspensionsTotal.WithLabelValues(pipelineID).Inc()
}

// RecordQueueAdmission records one admission decision for queue.
func RecordQueueAdmission(queue string, decision string) {
	queueAdmissionsTotal.WithLabelValues(queue, decision).Inc()
}

// RecordQueueCancellation records one peer displaced to make room in queue.
func RecordQueueCancellation(queue string) {
	queueCancellationsTotal.WithLabelValues(queue).Inc()
}

// SetQueueDepth sets the current pending-instance count for queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordRateLimitRejection records one invocation rejected by the rate
// limiter for queue.
func RecordRateLimitRejection(queue string) {
	rateLimitRejectionsTotal.WithLabelValues(queue).Inc()
}
