package runtime

import (
	"github.com/keechma/keechma-pipelines/future"
	"github.com/keechma/keechma-pipelines/pipeline"
	"github.com/keechma/keechma-pipelines/registry"
)

// ActiveInstance is one live instance's snapshot, as reported by
// GetActive.
type ActiveInstance struct {
	Ident  registry.Ident
	State  registry.State
	Args   any
	Config pipeline.Config
}

// ActiveQueue groups every live instance sharing one named queue.
type ActiveQueue struct {
	Queue     string
	Instances []ActiveInstance
}

// GetActive returns a snapshot of every named queue with at least one
// live instance, running or pending.
func (rt *Runtime) GetActive() []ActiveQueue {
	var out []ActiveQueue
	for _, snap := range rt.queues.Snapshots() {
		if len(snap.Running) == 0 && len(snap.Pending) == 0 {
			continue
		}
		var instances []ActiveInstance
		for _, id := range append(append([]registry.Ident{}, snap.Running...), snap.Pending...) {
			rec, ok := rt.reg.Get(id)
			if !ok {
				continue
			}
			var cfg pipeline.Config
			if p, ok := rt.pipelines[id.Pipeline]; ok {
				cfg = p.Config()
			} else if pi, ok := rt.lookupPending(id); ok {
				cfg = pi.cfg
			}
			instances = append(instances, ActiveInstance{Ident: id, State: rec.State(), Args: rec.Args, Config: cfg})
		}
		out = append(out, ActiveQueue{Queue: snap.Name, Instances: instances})
	}
	return out
}

// HasPipeline reports whether any live instance of the named pipeline
// is currently registered.
func (rt *Runtime) HasPipeline(name string) bool {
	return rt.reg.HasPipeline(name)
}

// InPipeline reports whether the caller is executing within a pipeline
// step's synchronous run. This approximates the host's thread-local
// depth counter with a runtime-wide one: Go has no equivalent of a
// single-threaded event loop's call stack, so concurrent Invoke calls
// on separate goroutines all share one counter rather than each having
// their own, a documented simplification of the original semantics.
func (rt *Runtime) InPipeline() bool {
	return rt.depth.Load() > 0
}

// Transact wraps fn as a single synchronous unit of pipeline work,
// delegating to the host-supplied Transactor (if any) and bumping the
// InPipeline depth counter for its duration.
func (rt *Runtime) Transact(fn func()) {
	rt.depth.Add(1)
	defer rt.depth.Add(-1)
	rt.transactor(fn)
}

// ReportError invokes the host error reporter directly. Invoke itself
// already reports an error once, when it escapes every rescue/finally
// block of a root or detached instance; this method exists for a caller
// that wants to report an error from outside that path.
func (rt *Runtime) ReportError(err error) {
	rt.errorReporter(err)
}

func (rt *Runtime) reportError(err error) {
	rt.errorReporter(err)
}

// OnCancel invokes the host's abandoned-future callback directly, for
// a caller that wants to surface a cancellation from outside the
// engine's own suspension-cancellation race.
func (rt *Runtime) OnCancel(f *future.Future[any]) {
	rt.onCancelFn(f)
}
