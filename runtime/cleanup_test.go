package runtime

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keechma/keechma-pipelines/event"
	"github.com/keechma/keechma-pipelines/registry"
)

type testLogger struct {
	mu   sync.Mutex
	logs []string
}

func (l *testLogger) log(level, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, level+": "+msg)
}

func (l *testLogger) Debug(msg string, kv ...any) { l.log("DEBUG", msg, kv...) }
func (l *testLogger) Info(msg string, kv ...any)  { l.log("INFO", msg, kv...) }
func (l *testLogger) Warn(msg string, kv ...any)  { l.log("WARN", msg, kv...) }
func (l *testLogger) Error(msg string, kv ...any) { l.log("ERROR", msg, kv...) }

func (l *testLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.logs {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}

var _ event.Logger = (*testLogger)(nil)

func registerWaitingChildren(reg *registry.Registry, id registry.Ident) *registry.Record {
	rec := registry.NewRecord(id, nil, false, true)
	reg.Register(rec)
	rec.SetState(registry.StateRunning) // stamps startedAt
	rec.SetState(registry.StateWaitingChildren)
	return rec
}

func TestDefaultCleanupConfig(t *testing.T) {
	cfg := DefaultCleanupConfig()
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 1*time.Hour, cfg.StaleRetention)
}

func TestSweepStaleIgnoresFreshWaitingChildren(t *testing.T) {
	reg := registry.New()
	logger := &testLogger{}
	sweeper := NewCleanupSweeper(reg, logger)

	id := registry.Ident{Pipeline: "search", Token: "t1"}
	registerWaitingChildren(reg, id)

	swept := sweeper.sweepStale(time.Hour)
	assert.Empty(t, swept)

	rec, ok := reg.Get(id)
	require.True(t, ok)
	assert.False(t, rec.Cancelled())
}

func TestSweepStaleCancelsInstancesPastRetention(t *testing.T) {
	reg := registry.New()
	logger := &testLogger{}
	sweeper := NewCleanupSweeper(reg, logger)

	id := registry.Ident{Pipeline: "search", Token: "t1"}
	registerWaitingChildren(reg, id)

	// A zero retention means "any amount of elapsed time counts as
	// stale," which is the simplest way to exercise the sweep without a
	// record timestamp setter.
	swept := sweeper.sweepStale(0)
	assert.Contains(t, swept, id)

	rec, ok := reg.Get(id)
	require.True(t, ok)
	assert.True(t, rec.Cancelled())
	assert.True(t, logger.contains("stale_waiting_children_cancelled"))
}

func TestSweepStaleIgnoresNonWaitingChildrenStates(t *testing.T) {
	reg := registry.New()
	sweeper := NewCleanupSweeper(reg, nil)

	id := registry.Ident{Pipeline: "search", Token: "t1"}
	rec := registry.NewRecord(id, nil, false, true)
	reg.Register(rec)
	rec.SetState(registry.StateRunning)

	swept := sweeper.sweepStale(0)
	assert.Empty(t, swept)
}

func TestSweepStaleIgnoresInstancesWithoutStartTime(t *testing.T) {
	reg := registry.New()
	sweeper := NewCleanupSweeper(reg, nil)

	id := registry.Ident{Pipeline: "search", Token: "t1"}
	rec := registry.NewRecord(id, nil, false, true)
	reg.Register(rec)
	rec.SetState(registry.StateWaitingChildren) // never passed through running

	swept := sweeper.sweepStale(0)
	assert.Empty(t, swept)
}

func TestStartCleanupLoopRunsMultipleCycles(t *testing.T) {
	reg := registry.New()
	logger := &testLogger{}
	sweeper := NewCleanupSweeper(reg, logger)

	cfg := CleanupConfig{Interval: 5 * time.Millisecond, StaleRetention: time.Hour}
	stop := sweeper.StartCleanupLoop(cfg)

	time.Sleep(30 * time.Millisecond)
	stop()

	var cycleCount atomic.Int32
	logger.mu.Lock()
	for _, l := range logger.logs {
		if strings.Contains(l, "cleanup_cycle_completed") {
			cycleCount.Add(1)
		}
	}
	logger.mu.Unlock()

	assert.GreaterOrEqual(t, int(cycleCount.Load()), 2)
}

func TestStartCleanupLoopUsesDefaultConfig(t *testing.T) {
	reg := registry.New()
	sweeper := NewCleanupSweeper(reg, &testLogger{})

	stop := sweeper.StartCleanupLoop(CleanupConfig{})
	require.NotNil(t, stop)
	stop()
}
