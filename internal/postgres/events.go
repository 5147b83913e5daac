// Package postgres — events.go implements the durable event queue as a
// Postgres outbox. Producers insert event rows (the synchronizer does so in
// its own transaction, so state and events commit together) and send a
// NOTIFY as a wakeup. Consumers claim pending rows with SKIP LOCKED leases
// and ack them after handling; an unacked row is redelivered when its lease
// expires, which yields at-least-once delivery.
//
// Per-correlation ordering: a row is only claimable when no earlier unacked
// row exists for the same correlation id among the subscribed types, so
// each PR's events are delivered FIFO even across consumer instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prwarden/prwarden/internal/events"
)

// eventsChannel is the LISTEN/NOTIFY wakeup channel for the outbox.
const eventsChannel = "prwarden_events"

// Default queue tuning.
const (
	defaultClaimLease   = 30 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultClaimBatch   = 16
)

// Queue is the Postgres-backed event queue.
type Queue struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	ClaimLease   time.Duration
	PollInterval time.Duration
	ClaimBatch   int
}

// NewQueue creates a Queue backed by the given pool.
func NewQueue(pool *pgxpool.Pool, logger *slog.Logger) *Queue {
	return &Queue{
		pool:         pool,
		logger:       logger,
		ClaimLease:   defaultClaimLease,
		PollInterval: defaultPollInterval,
		ClaimBatch:   defaultClaimBatch,
	}
}

// Publish inserts events into the outbox and wakes consumers. For events
// that must commit with state changes, the synchronizer writes the rows in
// its own transaction instead.
func (q *Queue) Publish(ctx context.Context, envs ...events.Envelope) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin publish tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := insertEventsTx(ctx, tx, envs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit publish tx: %w", err)
	}

	if _, err := q.pool.Exec(ctx, "SELECT pg_notify($1, '')", eventsChannel); err != nil {
		q.logger.Warn("events: notify failed", "error", err)
	}
	return nil
}

// insertEventsTx writes outbox rows inside an existing transaction.
// Duplicate event ids are ignored so republishing is harmless.
func insertEventsTx(ctx context.Context, tx pgx.Tx, envs []events.Envelope) error {
	for _, env := range envs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO events (event_id, event_type, correlation_id, occurred_at, priority, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING`,
			env.EventID, env.EventType, env.CorrelationID, env.OccurredAt, env.Priority, env.Payload); err != nil {
			return fmt.Errorf("insert event %s: %w", env.EventType, err)
		}
	}
	return nil
}

// Subscribe claims and delivers events of the given types to handler until
// ctx is cancelled. Blocks; run it in a goroutine. A handler error leaves
// the event claimed until its lease expires, after which it is redelivered.
func (q *Queue) Subscribe(ctx context.Context, types []events.Type, handler events.Handler) error {
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	wake := make(chan struct{}, 1)
	go q.listenLoop(ctx, wake)

	ticker := time.NewTicker(q.PollInterval)
	defer ticker.Stop()

	for {
		delivered, err := q.deliverBatch(ctx, typeNames, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("events: deliver batch failed", "error", err)
		}
		if delivered > 0 {
			continue // drain before sleeping
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// deliverBatch claims up to ClaimBatch eligible events and runs the handler
// on each. Returns how many events were acked.
func (q *Queue) deliverBatch(ctx context.Context, typeNames []string, handler events.Handler) (int, error) {
	claimed, err := q.claim(ctx, typeNames)
	if err != nil || len(claimed) == 0 {
		return 0, err
	}

	acked := 0
	for _, env := range claimed {
		if err := handler(ctx, env); err != nil {
			q.logger.Warn("events: handler failed, leaving for redelivery",
				"event_type", env.EventType,
				"event_id", env.EventID,
				"error", err)
			continue
		}
		if err := q.Ack(ctx, env); err != nil {
			return acked, err
		}
		acked++
	}
	return acked, nil
}

// claim leases the oldest pending event per correlation id, skipping
// correlations whose head is held by another consumer.
func (q *Queue) claim(ctx context.Context, typeNames []string) ([]events.Envelope, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx, `
		SELECT e.id, e.event_id, e.event_type, e.correlation_id, e.occurred_at, e.priority, e.payload
		FROM events e
		WHERE e.acked_at IS NULL
		  AND e.event_type = ANY($1)
		  AND (e.claimed_until IS NULL OR e.claimed_until < now())
		  AND NOT EXISTS (
			SELECT 1 FROM events p
			WHERE p.correlation_id = e.correlation_id
			  AND p.event_type = ANY($1)
			  AND p.acked_at IS NULL
			  AND p.id < e.id)
		ORDER BY e.priority, e.id
		LIMIT $2
		FOR UPDATE OF e SKIP LOCKED`,
		typeNames, q.ClaimBatch)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}

	var (
		claimed []events.Envelope
		ids     []int64
	)
	for rows.Next() {
		var (
			id  int64
			env events.Envelope
		)
		if err := rows.Scan(&id, &env.EventID, &env.EventType, &env.CorrelationID,
			&env.OccurredAt, &env.Priority, &env.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		claimed = append(claimed, env)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE events SET claimed_until = now() + make_interval(secs => $2)
		WHERE id = ANY($1)`, ids, q.ClaimLease.Seconds()); err != nil {
		return nil, fmt.Errorf("lease events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

// Ack marks an event handled. Acked rows stay until the reaper prunes them.
func (q *Queue) Ack(ctx context.Context, env events.Envelope) error {
	if _, err := q.pool.Exec(ctx,
		`UPDATE events SET acked_at = now() WHERE event_id = $1 AND acked_at IS NULL`,
		env.EventID); err != nil {
		return fmt.Errorf("ack event %s: %w", env.EventID, err)
	}
	return nil
}

// DeleteAckedBefore removes handled events acked before the cutoff and
// returns how many rows went. Unacked events are never touched.
func (q *Queue) DeleteAckedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM events WHERE acked_at IS NOT NULL AND acked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete acked events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// listenLoop holds a dedicated connection on LISTEN and forwards wakeups.
// The poll ticker covers missed notifications, so errors here degrade to
// polling rather than losing events.
func (q *Queue) listenLoop(ctx context.Context, wake chan<- struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := q.listenOnce(ctx, wake); err != nil && ctx.Err() == nil {
			q.logger.Warn("events: listen connection lost, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (q *Queue) listenOnce(ctx context.Context, wake chan<- struct{}) error {
	connConfig := q.pool.Config().ConnConfig.Copy()
	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return fmt.Errorf("connect listen conn: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+eventsChannel); err != nil {
		return fmt.Errorf("listen %s: %w", eventsChannel, err)
	}

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
