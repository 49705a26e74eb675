package observability

import (
	"context"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordInstanceInvocation(t *testing.T) {
	tests := []struct {
		name       string
		pipeline   string
		status     string
		durationMS int
	}{
		{"completed instance", "search", "completed", 1000},
		{"errored instance", "search", "errored", 500},
		{"cancelled instance", "search", "cancelled", 2000},
		{"zero duration", "fast-pipeline", "completed", 0},
		{"long duration", "slow-pipeline", "completed", 60000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordInstanceInvocation(tt.pipeline, tt.status, tt.durationMS)

			count := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues(tt.pipeline, tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordInstanceSuspension(t *testing.T) {
	RecordInstanceSuspension("search")
	RecordInstanceSuspension("search")

	count := testutil.ToFloat64(instanceSuspensionsTotal.WithLabelValues("search"))
	assert.Equal(t, 2.0, count)
}

func TestRecordQueueAdmission(t *testing.T) {
	tests := []struct {
		queue    string
		decision string
	}{
		{"search", "run"},
		{"search", "queued"},
		{"search", "dropped"},
		{"search", "existing"},
	}

	for _, tt := range tests {
		RecordQueueAdmission(tt.queue, tt.decision)
		count := testutil.ToFloat64(queueAdmissionsTotal.WithLabelValues(tt.queue, tt.decision))
		assert.Greater(t, count, 0.0)
	}
}

func TestRecordQueueCancellation(t *testing.T) {
	RecordQueueCancellation("restart-queue")
	count := testutil.ToFloat64(queueCancellationsTotal.WithLabelValues("restart-queue"))
	assert.Greater(t, count, 0.0)
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("backlog", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(queueDepth.WithLabelValues("backlog")))

	SetQueueDepth("backlog", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(queueDepth.WithLabelValues("backlog")))
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("search")
	count := testutil.ToFloat64(rateLimitRejectionsTotal.WithLabelValues("search"))
	assert.Greater(t, count, 0.0)
}

func TestMetrics_Concurrent(t *testing.T) {
	const goroutines = 10
	const iterations = 100

	done := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			for j := 0; j < iterations; j++ {
				RecordInstanceInvocation("concurrent-test", "completed", 100)
				RecordQueueAdmission("concurrent-queue", "run")
				RecordInstanceSuspension("concurrent-test")
			}
			done <- true
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}

	count := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues("concurrent-test", "completed"))
	assert.Equal(t, float64(goroutines*iterations), count)
}

func TestMetrics_DifferentLabels(t *testing.T) {
	RecordInstanceInvocation("pipeline-a", "completed", 100)
	RecordInstanceInvocation("pipeline-a", "errored", 200)
	RecordInstanceInvocation("pipeline-b", "completed", 300)

	countACompleted := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues("pipeline-a", "completed"))
	countAErrored := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues("pipeline-a", "errored"))
	countBCompleted := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues("pipeline-b", "completed"))

	assert.Greater(t, countACompleted, 0.0)
	assert.Greater(t, countAErrored, 0.0)
	assert.Greater(t, countBCompleted, 0.0)
}

func TestMetrics_HistogramBuckets(t *testing.T) {
	durations := []int{10, 100, 500, 1000, 5000, 30000}

	for _, duration := range durations {
		RecordInstanceInvocation("histogram-test", "completed", duration)
	}

	count := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues("histogram-test", "completed"))
	assert.Equal(t, float64(len(durations)), count)
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestInitTracer_WritesToProvidedWriter(t *testing.T) {
	shutdown, err := InitTracer("pipelines-runtime", io.Discard)

	require.NoError(t, err)
	require.NotNil(t, shutdown)
	defer shutdown(context.Background())
}

func TestInitTracer_Shutdown(t *testing.T) {
	shutdown, err := InitTracer("test", io.Discard)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))
}

// =============================================================================
// INTEGRATION TESTS
// =============================================================================

func TestMetrics_EndToEnd(t *testing.T) {
	pipelineName := "e2e-test-pipeline"

	RecordQueueAdmission("e2e-queue", "run")
	RecordInstanceSuspension(pipelineName)
	RecordInstanceSuspension(pipelineName)
	RecordInstanceInvocation(pipelineName, "completed", 5000)

	pipelineCount := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues(pipelineName, "completed"))
	assert.Greater(t, pipelineCount, 0.0)

	suspensionCount := testutil.ToFloat64(instanceSuspensionsTotal.WithLabelValues(pipelineName))
	assert.Equal(t, 2.0, suspensionCount)

	admissionCount := testutil.ToFloat64(queueAdmissionsTotal.WithLabelValues("e2e-queue", "run"))
	assert.Greater(t, admissionCount, 0.0)
}

// =============================================================================
// PROMETHEUS COLLECTOR TESTS
// =============================================================================

func TestMetrics_PrometheusCollector(t *testing.T) {
	RecordInstanceInvocation("collector-test", "completed", 1000)

	count := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues("collector-test", "completed"))
	assert.Greater(t, count, 0.0)

	desc := instanceInvocationsTotal.WithLabelValues("collector-test", "completed").Desc()
	assert.NotNil(t, desc)
}

func TestMetrics_LabelValidation(t *testing.T) {
	labels := []string{
		"simple",
		"with-dashes",
		"with_underscores",
		"with.dots",
		"UPPERCASE",
		"MixedCase",
	}

	for _, label := range labels {
		RecordInstanceInvocation(label, "completed", 100)
		count := testutil.ToFloat64(instanceInvocationsTotal.WithLabelValues(label, "completed"))
		assert.Greater(t, count, 0.0, "Failed for label: %s", label)
	}
}

func TestMetrics_Registries(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotNil(t, reg)
}
