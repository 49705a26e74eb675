// Package runtime wires the pipeline, engine, queue, registry, and event
// packages into the façade a caller actually invokes pipelines through.
//
// This file provides the background sweep for instances stuck in
// waiting-children: an instance whose own steps finished but which is
// still blocked on a detached or errantly long-lived child never reaches
// a terminal state on its own, so without a sweep it would sit in the
// registry forever.
package runtime

import (
	"time"

	"github.com/keechma/keechma-pipelines/event"
	"github.com/keechma/keechma-pipelines/registry"
)

// CleanupConfig holds configurable sweep parameters.
type CleanupConfig struct {
	// Interval is how often the sweep runs (default: 5 minutes).
	Interval time.Duration
	// StaleRetention is how long an instance may sit in
	// waiting-children, measured from when it started, before the sweep
	// force-cancels its subtree (default: 1 hour).
	StaleRetention time.Duration
}

// DefaultCleanupConfig returns the default sweep configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:       5 * time.Minute,
		StaleRetention: 1 * time.Hour,
	}
}

// CleanupSweeper periodically force-cancels instances stuck in
// waiting-children past StaleRetention.
type CleanupSweeper struct {
	registry *registry.Registry
	logger   event.Logger
	// onCancelled, if set, is called with every ident a sweep cancelled.
	// The runtime wires this to its own afterCancel so a swept
	// waiting-children instance (which has no live engine.Run goroutine
	// left to notice the cancellation itself) still gets its queue slot
	// freed and its future settled.
	onCancelled func([]registry.Ident)
}

// NewCleanupSweeper returns a sweeper over reg. A nil logger discards
// every log line.
func NewCleanupSweeper(reg *registry.Registry, logger event.Logger) *CleanupSweeper {
	if logger == nil {
		logger = event.NoopLogger()
	}
	return &CleanupSweeper{registry: reg, logger: logger}
}

// OnCancelled registers fn to be called with every ident a sweep
// cancels, in addition to the sweeper's own logging.
func (s *CleanupSweeper) OnCancelled(fn func([]registry.Ident)) {
	s.onCancelled = fn
}

// StartCleanupLoop starts a background goroutine that periodically
// sweeps stale instances. Returns a stop function that must be called to
// stop the loop.
func (s *CleanupSweeper) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.runCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runCleanupCycle performs a single sweep with panic recovery.
func (s *CleanupSweeper) runCleanupCycle(cfg CleanupConfig) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cleanup_panic_recovered", "error", r)
		}
	}()

	swept := s.sweepStale(cfg.StaleRetention)

	s.logger.Debug("cleanup_cycle_completed", "stale_cancelled", len(swept))
}

// sweepStale cancels the subtree of every instance that has been in
// StateWaitingChildren for at least retention, measured from the
// instance's own start time, and returns every ident cancelled.
func (s *CleanupSweeper) sweepStale(retention time.Duration) []registry.Ident {
	var swept []registry.Ident
	now := time.Now().UTC()

	for _, id := range s.registry.Active() {
		rec, ok := s.registry.Get(id)
		if !ok || rec.State() != registry.StateWaitingChildren {
			continue
		}
		_, started, _ := rec.Timestamps()
		if started == nil || now.Sub(*started) < retention {
			continue
		}
		cancelled := s.registry.CancelTree(id)
		if len(cancelled) > 0 {
			s.logger.Warn("stale_waiting_children_cancelled", "ident", id.String())
			if s.onCancelled != nil {
				s.onCancelled(cancelled)
			}
		}
		swept = append(swept, cancelled...)
	}
	return swept
}
