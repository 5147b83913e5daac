// Package leader elects one wardend replica to run the background workers
// (scheduler, reaper) so repositories are never polled twice.
//
// Election rides on a Postgres advisory lock: each replica retries
// pg_try_advisory_lock on an interval, and the session holding it is the
// leader. A dead leader's session releases the lock on its own, so another
// replica takes over without coordination.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AdvisoryLockID keys the election lock. Distinct from the migration
// lock (442186502).
const AdvisoryLockID int64 = 7526700533049

// RetryInterval is the default pause between lock attempts of a non-leader.
const RetryInterval = 30 * time.Second

// TryLockFunc attempts the advisory lock, reporting false when another
// session holds it. Callers typically wrap pgxpool.Pool.QueryRow:
//
//	leader.New(func(ctx context.Context) (bool, error) {
//	    var acquired bool
//	    err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
//	    return acquired, err
//	}, ...)
type TryLockFunc func(ctx context.Context) (acquired bool, err error)

// OnElected starts the background workers when this replica wins the
// election. The returned stop function runs when leadership ends.
type OnElected func(ctx context.Context) (stop func())

// Elector runs the election loop for one replica.
type Elector struct {
	tryLock       TryLockFunc
	retryInterval time.Duration
	onElected     OnElected

	mu       sync.Mutex
	isLeader bool
	stopFn   func() // stop function returned by OnElected
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an Elector. onElected receives a context that stays valid for
// the whole leadership term.
func New(tryLock TryLockFunc, retryInterval time.Duration, onElected OnElected) *Elector {
	return &Elector{
		tryLock:       tryLock,
		retryInterval: retryInterval,
		onElected:     onElected,
	}
}

// Start launches the election loop: one immediate attempt, then retries on
// the configured interval.
func (e *Elector) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)

		// Try immediately on startup.
		e.tryAcquire(ctx)

		ticker := time.NewTicker(e.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.relinquish()
				return
			case <-ticker.C:
				e.tryAcquire(ctx)
			}
		}
	}()
}

// Stop ends the election loop, stopping the workers first when this
// replica is the leader.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// IsLeader reports whether this replica holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// tryAcquire takes the lock unless this replica already leads.
func (e *Elector) tryAcquire(ctx context.Context) {
	e.mu.Lock()
	if e.isLeader {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	acquired, err := e.tryLock(ctx)
	if err != nil {
		slog.Error("leader: failed to try advisory lock", "error", err)
		return
	}

	if !acquired {
		slog.Debug("leader: lock not acquired, another replica is leader")
		return
	}

	slog.Info("leader: advisory lock acquired, starting background workers")

	e.mu.Lock()
	e.isLeader = true
	e.mu.Unlock()

	stopFn := e.onElected(ctx)

	e.mu.Lock()
	e.stopFn = stopFn
	e.mu.Unlock()
}

// relinquish stops the workers of a leading replica. The advisory lock
// itself releases with the Postgres session.
func (e *Elector) relinquish() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		return
	}

	slog.Info("leader: relinquishing leadership, stopping background workers")
	if e.stopFn != nil {
		e.stopFn()
		e.stopFn = nil
	}
	e.isLeader = false
}
