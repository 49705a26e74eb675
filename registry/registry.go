package registry

import (
	"sort"
	"sync"
)

// Registry is the runtime's map of every live instance plus the
// parent/child edges between them. It is the sole owner of the
// cancellation tree: callers ask it to cancel an ident and it walks the
// subtree depth-first, leaves first, skipping any detached child (and
// that child's own subtree) along the way.
type Registry struct {
	mu      sync.RWMutex
	records map[Ident]*Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[Ident]*Record)}
}

// Register adds rec and, if it has a parent, links it as that parent's
// child. The parent must already be registered.
func (r *Registry) Register(rec *Record) {
	r.mu.Lock()
	r.records[rec.Ident] = rec
	parent := rec.Parent()
	r.mu.Unlock()

	if parent != nil {
		if p, ok := r.Get(*parent); ok {
			p.AddChild(rec.Ident)
		}
	}
}

// Get returns the record for id, if still registered.
func (r *Registry) Get(id Ident) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Remove drops id from the registry and unlinks it from its parent.
// Children already removed from rec's own child set are left as-is;
// callers are expected to remove bottom-up, which CancelTree and normal
// completion both do.
func (r *Registry) Remove(id Ident) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.records, id)
	r.mu.Unlock()

	if parent := rec.Parent(); parent != nil {
		if p, ok := r.Get(*parent); ok {
			p.RemoveChild(id)
		}
	}
}

// Active returns every registered ident in a stable (pipeline, token)
// order, matching spec's getActive() snapshot operation.
func (r *Registry) Active() []Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ident, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pipeline != out[j].Pipeline {
			return out[i].Pipeline < out[j].Pipeline
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// HasPipeline reports whether any active instance has the given
// pipeline id.
func (r *Registry) HasPipeline(pipelineID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.records {
		if id.Pipeline == pipelineID {
			return true
		}
	}
	return false
}

// CancelRoot walks up id's parent links and returns the ident a
// Cancel(id) call should actually be rooted at: the first ancestor
// (id itself included) that is detached, or that has no parent (or
// whose parent is no longer registered). A detached instance is its
// own cancellation root since cancelSubtree never recurses into one;
// everything above a non-detached instance is still part of the same
// subtree CancelTree would walk from the top, so cancelling a non-root
// descendant must first find that top.
func (r *Registry) CancelRoot(id Ident) Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current := id
	for {
		rec, ok := r.records[current]
		if !ok || rec.Detached() {
			return current
		}
		parent := rec.Parent()
		if parent == nil {
			return current
		}
		if _, parentAlive := r.records[*parent]; !parentAlive {
			return current
		}
		current = *parent
	}
}

// CancelTree cancels id and its entire cancellation subtree,
// depth-first, leaves first, and returns every ident actually cancelled
// in the order they were cancelled. A detached child (and everything
// under it) is left untouched — detachment exists precisely to opt a
// subtree out of its parent's cancellation.
func (r *Registry) CancelTree(id Ident) []Ident {
	rec, ok := r.Get(id)
	if !ok {
		return nil
	}
	var cancelled []Ident
	r.cancelSubtree(rec, &cancelled)
	return cancelled
}

func (r *Registry) cancelSubtree(rec *Record, cancelled *[]Ident) {
	for _, childID := range rec.Children() {
		child, ok := r.Get(childID)
		if !ok || child.Detached() {
			continue
		}
		r.cancelSubtree(child, cancelled)
	}
	if !rec.Cancelled() {
		rec.Cancel()
		*cancelled = append(*cancelled, rec.Ident)
	}
}

// CancelAll cancels every root instance (no parent, or whose parent is
// no longer registered) for which include returns true, walking each
// matching root's subtree via CancelTree. This is the mechanism behind
// runtime.Stop, whose include keeps only cancelOnShutdown roots; a nil
// include reaches every root.
func (r *Registry) CancelAll(include func(*Record) bool) []Ident {
	var all []Ident
	for _, id := range r.Active() {
		rec, ok := r.Get(id)
		if !ok {
			continue
		}
		if parent := rec.Parent(); parent != nil {
			if _, parentAlive := r.Get(*parent); parentAlive {
				continue // not a root; its ancestor's CancelTree will reach it
			}
		}
		if include != nil && !include(rec) {
			continue
		}
		all = append(all, r.CancelTree(id)...)
	}
	return all
}
