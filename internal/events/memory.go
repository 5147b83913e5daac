package events

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue for tests and single-binary runs.
// Delivery is in publish order (a strict superset of the per-correlation
// FIFO guarantee); a handler error requeues the event at the head, so
// consumers observe at-least-once semantics just like the durable queue.
type MemoryQueue struct {
	mu          sync.Mutex
	subscribers []*memorySub
	published   []Envelope // retained for late-subscriber replay and assertions
	retryDelay  time.Duration
}

type memorySub struct {
	types   map[Type]bool
	handler Handler
	queue   []Envelope
	wake    chan struct{}
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{retryDelay: 10 * time.Millisecond}
}

// Publish enqueues events to every matching subscriber.
func (q *MemoryQueue) Publish(_ context.Context, envs ...Envelope) error {
	q.mu.Lock()
	q.published = append(q.published, envs...)
	for _, sub := range q.subscribers {
		for _, env := range envs {
			if sub.types[env.EventType] {
				sub.queue = append(sub.queue, env)
			}
		}
	}
	subs := make([]*memorySub, len(q.subscribers))
	copy(subs, q.subscribers)
	q.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe registers a handler and delivers queued events until ctx is
// cancelled. Matching events published before the subscription are replayed
// first, so publish/subscribe ordering between goroutines doesn't lose
// events. Blocks; run it in a goroutine.
func (q *MemoryQueue) Subscribe(ctx context.Context, types []Type, handler Handler) error {
	sub := &memorySub{
		types:   make(map[Type]bool, len(types)),
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	q.mu.Lock()
	for _, env := range q.published {
		if sub.types[env.EventType] {
			sub.queue = append(sub.queue, env)
		}
	}
	q.subscribers = append(q.subscribers, sub)
	q.mu.Unlock()

	for {
		q.mu.Lock()
		var next *Envelope
		if len(sub.queue) > 0 {
			env := sub.queue[0]
			next = &env
		}
		q.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sub.wake:
			}
			continue
		}

		if err := sub.handler(ctx, *next); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.retryDelay):
			}
			continue // head stays queued: redelivery
		}

		q.mu.Lock()
		if len(sub.queue) > 0 && sub.queue[0].EventID == next.EventID {
			sub.queue = sub.queue[1:]
		}
		q.mu.Unlock()
	}
}

// Published returns a copy of everything published so far, in order.
func (q *MemoryQueue) Published() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Envelope, len(q.published))
	copy(out, q.published)
	return out
}

// PublishedOfType filters Published by event type.
func (q *MemoryQueue) PublishedOfType(t Type) []Envelope {
	var out []Envelope
	for _, env := range q.Published() {
		if env.EventType == t {
			out = append(out, env)
		}
	}
	return out
}
