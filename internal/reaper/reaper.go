// Package reaper is the retention and watchdog daemon. It prunes acked
// events, archived check logs, and check runs of long-closed PRs past their
// retention windows, and forces pull requests that have sat in a pipeline
// state beyond its deadline over to human review. State history is
// append-only and is never pruned.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/pipeline"
)

// EventStore prunes handled outbox rows.
type EventStore interface {
	DeleteAckedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PRStore finds stale pull requests, moves them to human review, and prunes
// check runs of long-terminal PRs.
type PRStore interface {
	ListStuck(ctx context.Context, state string, cutoff time.Time) ([]domain.PullRequest, error)
	TransitionState(ctx context.Context, prID uuid.UUID, expected, next string, trigger domain.Trigger, metadata map[string]string) error
	DeleteChecksOfClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LogStore prunes archived check logs. Optional; nil disables the task.
type LogStore interface {
	RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Options tunes the reaper's schedule and retention windows.
type Options struct {
	Interval     time.Duration     // tick period, default 1h
	EventsMaxAge time.Duration     // acked-event retention, default 7d
	LogsMaxAge   time.Duration     // archived-log retention, default 30d
	ChecksMaxAge time.Duration     // check runs of terminal PRs, default 30d
	Timeouts     pipeline.Timeouts // per-state deadlines
}

func (o Options) withDefaults() Options {
	if o.Interval < time.Minute {
		o.Interval = time.Hour
	}
	if o.EventsMaxAge <= 0 {
		o.EventsMaxAge = 7 * 24 * time.Hour
	}
	if o.LogsMaxAge <= 0 {
		o.LogsMaxAge = 30 * 24 * time.Hour
	}
	if o.ChecksMaxAge <= 0 {
		o.ChecksMaxAge = 30 * 24 * time.Hour
	}
	if o.Timeouts == (pipeline.Timeouts{}) {
		o.Timeouts = pipeline.DefaultTimeouts()
	}
	return o
}

// Status reports what one tick removed or escalated.
type Status struct {
	EventsPruned int
	PRsTimedOut  int
	LogsPruned   int
	ChecksPruned int
}

// Reaper is the background retention daemon.
type Reaper struct {
	events EventStore
	prs    PRStore
	logs   LogStore
	pub    events.Publisher
	opts   Options

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper. logs may be nil when no archive is configured.
func New(eventStore EventStore, prs PRStore, logs LogStore, pub events.Publisher, opts Options) *Reaper {
	return &Reaper{
		events: eventStore,
		prs:    prs,
		logs:   logs,
		pub:    pub,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// Start begins the background reaper goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// RunNow triggers a manual tick and returns the resulting stats.
func (r *Reaper) RunNow(ctx context.Context) Status {
	return r.tick(ctx)
}

// tick executes all retention tasks. Each task is isolated; a failure in one
// does not prevent the others from running.
func (r *Reaper) tick(ctx context.Context) Status {
	now := r.now()
	var status Status

	r.safeRun("pruneAckedEvents", func() {
		status.EventsPruned = r.pruneAckedEvents(ctx, now)
	})
	r.safeRun("timeoutStalePRs", func() {
		status.PRsTimedOut = r.timeoutStalePRs(ctx, now)
	})
	r.safeRun("pruneArchivedLogs", func() {
		status.LogsPruned = r.pruneArchivedLogs(ctx, now)
	})
	r.safeRun("pruneClosedChecks", func() {
		status.ChecksPruned = r.pruneClosedChecks(ctx, now)
	})

	slog.Info("reaper: tick complete",
		"events_pruned", status.EventsPruned,
		"prs_timed_out", status.PRsTimedOut,
		"logs_pruned", status.LogsPruned,
		"checks_pruned", status.ChecksPruned,
	)
	return status
}

// pruneAckedEvents deletes handled outbox rows past the retention window.
// Unacked events are untouched so at-least-once delivery is preserved.
func (r *Reaper) pruneAckedEvents(ctx context.Context, now time.Time) int {
	if r.events == nil {
		return 0
	}

	count, err := r.events.DeleteAckedBefore(ctx, now.Add(-r.opts.EventsMaxAge))
	if err != nil {
		slog.Error("reaper: failed to prune acked events", "error", err)
		return 0
	}
	return count
}

// timedStates are the pipeline states with a per-state deadline.
var timedStates = []pipeline.State{
	pipeline.StateChecksRunning,
	pipeline.StateAnalyzing,
	pipeline.StateFixInProgress,
	pipeline.StateReadyForReview,
	pipeline.StateUnderReview,
}

// timeoutStalePRs moves PRs that sat in a timed state beyond its deadline
// to human review. A concurrency conflict means a worker got there first,
// which is the good case.
func (r *Reaper) timeoutStalePRs(ctx context.Context, now time.Time) int {
	if r.prs == nil {
		return 0
	}

	count := 0
	for _, state := range timedStates {
		timeout := r.opts.Timeouts.For(state)
		if timeout <= 0 {
			continue
		}

		stuck, err := r.prs.ListStuck(ctx, string(state), now.Add(-timeout))
		if err != nil {
			slog.Error("reaper: failed to list stuck PRs", "state", state, "error", err)
			continue
		}

		for _, pr := range stuck {
			if r.escalateStuck(ctx, pr, state, timeout) {
				count++
			}
		}
	}
	return count
}

func (r *Reaper) escalateStuck(ctx context.Context, pr domain.PullRequest, state pipeline.State, timeout time.Duration) bool {
	err := r.prs.TransitionState(ctx, pr.ID,
		string(state), string(pipeline.StateHumanReviewRequired),
		domain.TriggerManualCheck, map[string]string{
			"reason":      string(pipeline.ReasonStateTimeout),
			"stuck_state": string(state),
		})
	if domain.KindOf(err) == domain.FaultConflict {
		return false // a worker moved it first
	}
	if err != nil {
		slog.Warn("reaper: failed to time out PR", "pr_id", pr.ID, "state", state, "error", err)
		return false
	}

	escalated, eerr := events.New(events.TypeEscalationExceeded, pr.ID, domain.PriorityHigh,
		events.EscalationExceeded{
			Scope:     "pr",
			SubjectID: pr.ID,
			Reason:    string(pipeline.ReasonStateTimeout),
		})
	notify, nerr := events.New(events.TypeNotificationSend, pr.ID, domain.PriorityHigh,
		events.NotificationSend{
			Priority: "high",
			Channel:  "default",
			Message:  "pull request stuck in " + string(state) + " beyond " + timeout.String() + ", escalated to human review",
			PRURL:    pr.URL,
			Details: map[string]string{
				"reason":      string(pipeline.ReasonStateTimeout),
				"stuck_state": string(state),
			},
		})
	if eerr != nil || nerr != nil {
		slog.Error("reaper: failed to build escalation events", "pr_id", pr.ID, "error", eerr, "notify_error", nerr)
		return true
	}
	if err := r.pub.Publish(ctx, escalated, notify); err != nil {
		slog.Warn("reaper: failed to publish escalation", "pr_id", pr.ID, "error", err)
	}

	slog.Info("reaper: timed out stuck PR",
		"pr_id", pr.ID,
		"state", state,
		"timeout", timeout,
	)
	return true
}

// pruneArchivedLogs deletes archived check logs past the retention window.
func (r *Reaper) pruneArchivedLogs(ctx context.Context, now time.Time) int {
	if r.logs == nil {
		return 0
	}

	count, err := r.logs.RemoveOlderThan(ctx, now.Add(-r.opts.LogsMaxAge))
	if err != nil {
		slog.Error("reaper: failed to prune archived logs", "error", err)
		return 0
	}
	return count
}

// pruneClosedChecks deletes check runs of PRs that reached a terminal state
// long ago. The PR rows and their state history stay.
func (r *Reaper) pruneClosedChecks(ctx context.Context, now time.Time) int {
	if r.prs == nil {
		return 0
	}

	count, err := r.prs.DeleteChecksOfClosedBefore(ctx, now.Add(-r.opts.ChecksMaxAge))
	if err != nil {
		slog.Error("reaper: failed to prune closed-PR checks", "error", err)
		return 0
	}
	return count
}

// safeRun executes fn with panic recovery to isolate task failures.
func (r *Reaper) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper: task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}
