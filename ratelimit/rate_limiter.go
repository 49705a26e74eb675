// Package ratelimit provides an optional per-queue admission throttle:
// a sliding-window request limiter a queue manager can consult before
// admitting an instance, independent of the queue's own concurrency
// behavior.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// RateLimitedError is returned by Allow when a queue has exceeded its
// configured rate; callers route it through the same error path as any
// other admission rejection.
type RateLimitedError struct {
	Queue      string
	Current    int
	Limit      int
	RetryAfter float64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ratelimit: queue %q exceeded %d requests, retry after %.2fs", e.Queue, e.Limit, e.RetryAfter)
}

// Is lets errors.Is(err, ErrRateLimited) match any *RateLimitedError,
// without callers needing to know its fields.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ErrRateLimited is the sentinel errors.Is target for RateLimitedError.
var ErrRateLimited = errors.New("ratelimit: rate limited")

// Config defines a queue's rate limit threshold.
type Config struct {
	RequestsPerWindow int           `json:"requests_per_window"`
	Window            time.Duration `json:"window"`
}

// DefaultConfig returns a permissive default: 60 admissions per minute.
func DefaultConfig() Config {
	return Config{RequestsPerWindow: 60, Window: time.Minute}
}

// slidingWindow implements a sliding window counter using sub-buckets
// for accurate sliding-window accounting without storing every request
// timestamp.
type slidingWindow struct {
	windowSeconds float64
	bucketCount   int
	buckets       map[int64]int
	mu            sync.Mutex
}

func newSlidingWindow(window time.Duration) *slidingWindow {
	return &slidingWindow{
		windowSeconds: window.Seconds(),
		bucketCount:   10,
		buckets:       make(map[int64]int),
	}
}

func (w *slidingWindow) bucketSize() float64 { return w.windowSeconds / float64(w.bucketCount) }

func (w *slidingWindow) count(now float64) int {
	bucketSize := w.bucketSize()
	currentBucket := int64(now / bucketSize)
	minBucket := currentBucket - int64(w.bucketCount)

	total := 0
	for bucket, c := range w.buckets {
		if bucket < minBucket {
			delete(w.buckets, bucket)
			continue
		}
		total += c
	}
	return total
}

func (w *slidingWindow) record(now float64) {
	bucketSize := w.bucketSize()
	currentBucket := int64(now / bucketSize)
	w.buckets[currentBucket]++
}

func (w *slidingWindow) retryAfter(now float64, limit int) float64 {
	bucketSize := w.bucketSize()
	currentBucket := int64(now / bucketSize)
	minBucket := currentBucket - int64(w.bucketCount)

	type entry struct {
		bucket int64
		count  int
	}
	var ordered []entry
	for b, c := range w.buckets {
		if b >= minBucket {
			ordered = append(ordered, entry{b, c})
		}
	}
	for i := 0; i < len(ordered)-1; i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].bucket < ordered[i].bucket {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	excess := w.count(now) - limit + 1
	expired := 0
	for _, e := range ordered {
		expired += e.count
		if expired >= excess {
			bucketEnd := float64(e.bucket+1) * bucketSize
			result := bucketEnd - now + w.windowSeconds
			if result < 0 {
				return 0
			}
			return result
		}
	}
	return w.windowSeconds
}

// Limiter tracks one sliding window per queue name, independent of the
// queue manager's own running/pending bookkeeping.
type Limiter struct {
	mu      sync.Mutex
	configs map[string]Config
	fallback Config
	windows map[string]*slidingWindow
	clock   func() time.Time
}

// NewLimiter returns a Limiter using fallback for any queue without an
// explicit SetConfig call.
func NewLimiter(fallback Config) *Limiter {
	return &Limiter{
		configs:  make(map[string]Config),
		fallback: fallback,
		windows:  make(map[string]*slidingWindow),
		clock:    time.Now,
	}
}

// SetConfig overrides the rate limit for a specific queue name.
func (l *Limiter) SetConfig(queue string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[queue] = cfg
}

// Allow records an admission for queue if the configured window has
// room, and otherwise returns *RateLimitedError without recording it.
func (l *Limiter) Allow(queue string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.configs[queue]
	if !ok {
		cfg = l.fallback
	}
	if cfg.RequestsPerWindow <= 0 {
		return nil
	}

	now := float64(l.clock().UnixNano()) / 1e9
	window, ok := l.windows[queue]
	if !ok {
		window = newSlidingWindow(cfg.Window)
		l.windows[queue] = window
	}

	current := window.count(now)
	if current >= cfg.RequestsPerWindow {
		return &RateLimitedError{
			Queue:      queue,
			Current:    current,
			Limit:      cfg.RequestsPerWindow,
			RetryAfter: window.retryAfter(now, cfg.RequestsPerWindow),
		}
	}

	window.record(now)
	return nil
}

// Reset discards a queue's window, e.g. after the queue is torn down.
func (l *Limiter) Reset(queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, queue)
}
