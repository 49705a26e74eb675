// Package queue implements the per-named-queue FIFO admission manager:
// the piece that turns a pipeline's Config.Behavior into an actual
// concurrency decision (restartable, enqueued, dropping, keep-latest,
// none) for instances sharing a queue name.
package queue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/keechma/keechma-pipelines/pipeline"
	"github.com/keechma/keechma-pipelines/registry"
)

// ConfigMismatchError is returned by Admit when a queue name is invoked
// with a Behavior/Max pairing that disagrees with the configuration
// already frozen for that queue name by an earlier invocation. It is a
// configuration error, distinct from a rejected (Dropping) admission or
// a cancellation — it always indicates two differently-configured
// pipelines sharing a queue name, a programming mistake rather than a
// runtime condition.
type ConfigMismatchError struct {
	Queue        string
	Behavior     pipeline.Behavior
	Max          int
	WantBehavior pipeline.Behavior
	WantMax      int
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf(
		"queue: %q already configured as behavior=%q max=%d, invoked with behavior=%q max=%d",
		e.Queue, e.WantBehavior, e.WantMax, e.Behavior, e.Max,
	)
}

// Decision is what Admit tells the caller to do with a newly admitted
// instance.
type Decision struct {
	// Run is true when the instance should start executing immediately.
	Run bool
	// Queued is true when the instance was accepted but parked pending
	// a running slot (Enqueued and KeepLatest behaviors).
	Queued bool
	// Dropped is true when the instance was rejected outright (Dropping
	// behavior at capacity).
	Dropped bool
	// Existing is set when Config.UseExisting matched an
	// already-running instance in this queue; the caller should hand
	// the invoker that instance instead of starting a new one.
	Existing *registry.Ident
	// Cancel lists peer instances the caller must cancel as a side
	// effect of admitting this one: Restartable's displaced occupant,
	// or KeepLatest's previously-held pending slot.
	Cancel []registry.Ident
	// Err is set to a *ConfigMismatchError when cfg.Behavior/cfg.Max
	// disagrees with the configuration already frozen for cfg.Queue.
	// Every other field is zero when Err is set; the instance was never
	// admitted.
	Err error
}

// queueState is one named queue's live bookkeeping. Behavior and max
// are frozen from whichever Config first creates the queue; later
// Configs naming the same queue are expected to agree with it.
type queueState struct {
	behavior pipeline.Behavior
	max      int
	running  []registry.Ident
	pending  []registry.Ident

	lastResult any
	lastError  error
}

// Manager tracks admission state for every named queue in a runtime.
// It owns no goroutines and starts nothing itself: Admit and Remove
// return decisions and promotions, and the caller (runtime) is
// responsible for actually invoking or cancelling the named instances.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{queues: make(map[string]*queueState)}
}

// Admit decides whether ident may start running in the queue named by
// cfg.Queue. An empty queue name means the instance is unqueued: it
// always runs immediately, with no bookkeeping.
func (m *Manager) Admit(ident registry.Ident, cfg pipeline.Config) Decision {
	if cfg.Queue == "" {
		return Decision{Run: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[cfg.Queue]
	if !ok {
		max := cfg.Max
		q = &queueState{behavior: cfg.Behavior, max: max}
		m.queues[cfg.Queue] = q
	} else if q.behavior != cfg.Behavior || q.max != cfg.Max {
		return Decision{Err: &ConfigMismatchError{
			Queue: cfg.Queue, Behavior: cfg.Behavior, Max: cfg.Max,
			WantBehavior: q.behavior, WantMax: q.max,
		}}
	}

	if cfg.UseExisting && len(q.running) > 0 {
		existing := q.running[0]
		return Decision{Existing: &existing}
	}

	switch q.behavior {
	case pipeline.None:
		q.running = append(q.running, ident)
		return Decision{Run: true}

	case pipeline.Dropping:
		if q.max == pipeline.Unbounded || len(q.running) < q.max {
			q.running = append(q.running, ident)
			return Decision{Run: true}
		}
		return Decision{Dropped: true}

	case pipeline.Enqueued:
		if q.max == pipeline.Unbounded || len(q.running) < q.max {
			q.running = append(q.running, ident)
			return Decision{Run: true}
		}
		q.pending = append(q.pending, ident)
		return Decision{Queued: true}

	case pipeline.Restartable:
		var cancelled []registry.Ident
		max := q.max
		if max == pipeline.Unbounded {
			max = 1
		}
		for len(q.running) >= max {
			cancelled = append(cancelled, q.running[0])
			q.running = q.running[1:]
		}
		q.running = append(q.running, ident)
		return Decision{Run: true, Cancel: cancelled}

	case pipeline.KeepLatest:
		max := q.max
		if max == pipeline.Unbounded {
			max = 1
		}
		if len(q.running) < max {
			q.running = append(q.running, ident)
			return Decision{Run: true}
		}
		// Only one pending slot is ever retained, regardless of max:
		// a new arrival always displaces whatever was waiting.
		var cancelled []registry.Ident
		if len(q.pending) > 0 {
			cancelled = append(cancelled, q.pending[0])
		}
		q.pending = []registry.Ident{ident}
		return Decision{Queued: true, Cancel: cancelled}

	default:
		q.running = append(q.running, ident)
		return Decision{Run: true}
	}
}

// Remove takes ident out of a queue's running and pending lists
// (whichever it's in) and promotes as many pending idents to running
// as the freed capacity allows. Called both on ordinary completion and
// on forced cancellation of a peer.
func (m *Manager) Remove(queueName string, ident registry.Ident) []registry.Ident {
	if queueName == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueName]
	if !ok {
		return nil
	}

	q.running = removeIdent(q.running, ident)
	q.pending = removeIdent(q.pending, ident)

	return m.promote(q)
}

// promote moves pending idents into running, FIFO, up to the queue's
// capacity, returning the ones just started.
func (m *Manager) promote(q *queueState) []registry.Ident {
	if len(q.pending) == 0 {
		return nil
	}

	var started []registry.Ident
	for len(q.pending) > 0 {
		if q.max != pipeline.Unbounded && len(q.running) >= q.max {
			break
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.running = append(q.running, next)
		started = append(started, next)
	}
	return started
}

func removeIdent(idents []registry.Ident, target registry.Ident) []registry.Ident {
	out := idents[:0:0]
	for _, id := range idents {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot is a named queue's running/pending state, for GetActive().
type Snapshot struct {
	Name       string
	Running    []registry.Ident
	Pending    []registry.Ident
	LastResult any
	LastError  error
}

// Snapshots returns every queue's current state, sorted by name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.queues))
	for name, q := range m.queues {
		out = append(out, Snapshot{
			Name:       name,
			Running:    append([]registry.Ident{}, q.running...),
			Pending:    append([]registry.Ident{}, q.pending...),
			LastResult: q.lastResult,
			LastError:  q.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordOutcome stores the most recent non-cancellation terminal
// outcome for queueName, for later inspection via Snapshots. A queue
// that has never had an instance finish (or whose name is empty) is a
// no-op.
func (m *Manager) RecordOutcome(queueName string, value any, err error) {
	if queueName == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueName]
	if !ok {
		return
	}
	if err != nil {
		q.lastError = err
	} else {
		q.lastResult = value
	}
}

// Depth returns the number of pending (not yet running) instances in
// the named queue.
func (m *Manager) Depth(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.pending)
}
