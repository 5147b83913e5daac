// Package ratelimit implements a per-resource token bucket for the hosting
// API. Each API resource ("core", "search", ...) has its own bucket with a
// configurable refill rate and burst. Callers reserve tokens before issuing
// a request; conditional-not-modified responses may refund them.
//
// Blocked callers queue per bucket: equal priorities are served FIFO, higher
// priorities jump ahead of queued lower-priority waiters.
package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/prwarden/prwarden/internal/domain"
)

// Config holds a bucket's refill rate and capacity.
type Config struct {
	RequestsPerMin float64
	Burst          int
}

// DefaultConfig returns the stock per-resource budget (80 req/min, burst 10),
// conservative against GitHub's 5000/hour authenticated core limit when
// several resources share the token.
func DefaultConfig() Config {
	return Config{RequestsPerMin: 80, Burst: 10}
}

// Limiter is a concurrent-safe multi-resource token-bucket limiter.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	config    Config
	overrides map[string]Config
	now       func() time.Time
}

// New creates a limiter. Per-resource overrides take precedence over the
// shared config.
func New(cfg Config, overrides map[string]Config) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*bucket),
		config:    cfg,
		overrides: overrides,
		now:       time.Now,
	}
}

// bucket holds tokens and queued waiters for one resource.
type bucket struct {
	tokens     float64
	burst      float64
	rate       float64 // tokens per second
	lastRefill time.Time
	waiters    waiterQueue
	seq        uint64
	timer      *time.Timer
}

// waiter is one queued Acquire call.
type waiter struct {
	n        float64
	priority domain.Priority
	seq      uint64 // FIFO tiebreak within a priority
	ready    chan struct{}
	index    int
}

// waiterQueue orders waiters by priority, then arrival.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }
func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}

func (l *Limiter) bucketLocked(resource string) *bucket {
	b, ok := l.buckets[resource]
	if ok {
		return b
	}
	cfg := l.config
	if o, ok := l.overrides[resource]; ok {
		cfg = o
	}
	b = &bucket{
		tokens:     float64(cfg.Burst),
		burst:      float64(cfg.Burst),
		rate:       cfg.RequestsPerMin / 60,
		lastRefill: l.now(),
	}
	l.buckets[resource] = b
	return b
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
}

// dispatchLocked grants queued waiters in priority/FIFO order while tokens
// last, then arms a timer for the head waiter's earliest satisfiable time.
func (l *Limiter) dispatchLocked(b *bucket) {
	b.refill(l.now())
	for b.waiters.Len() > 0 {
		head := b.waiters[0]
		if b.tokens < head.n {
			break
		}
		b.tokens -= head.n
		heap.Pop(&b.waiters)
		close(head.ready)
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.waiters.Len() > 0 {
		need := b.waiters[0].n - b.tokens
		wait := time.Duration(need / b.rate * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		b.timer = time.AfterFunc(wait, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.dispatchLocked(b)
		})
	}
}

// TryAcquire takes n tokens from the resource's bucket without blocking.
// It never preempts queued waiters.
func (l *Limiter) TryAcquire(resource string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(resource)
	b.refill(l.now())
	if b.waiters.Len() > 0 || b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// Acquire takes n tokens, suspending the caller until they are available or
// ctx is done. Waiters of equal priority are served in arrival order; a
// higher-priority waiter is served before already-queued lower priorities.
func (l *Limiter) Acquire(ctx context.Context, resource string, n int, priority domain.Priority) error {
	l.mu.Lock()
	b := l.bucketLocked(resource)
	b.refill(l.now())
	if b.waiters.Len() == 0 && b.tokens >= float64(n) {
		b.tokens -= float64(n)
		l.mu.Unlock()
		return nil
	}

	w := &waiter{n: float64(n), priority: priority, seq: b.seq, ready: make(chan struct{})}
	b.seq++
	heap.Push(&b.waiters, w)
	l.dispatchLocked(b)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Granted between ctx firing and lock acquisition; give the
			// tokens back so the budget stays accurate.
			b.tokens += w.n
			if b.tokens > b.burst {
				b.tokens = b.burst
			}
			l.dispatchLocked(b)
		default:
			heap.Remove(&b.waiters, w.index)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Refund returns n tokens to the resource's bucket, capped at burst. Used
// when a conditional request came back not-modified.
func (l *Limiter) Refund(resource string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(resource)
	b.tokens += float64(n)
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	l.dispatchLocked(b)
}

// Tokens reports the approximate tokens currently available for a resource.
func (l *Limiter) Tokens(resource string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(resource)
	b.refill(l.now())
	return b.tokens
}
