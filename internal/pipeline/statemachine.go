// Package pipeline implements the PR lifecycle state machine.
// Transitions for a single PR are serialized by the caller; concurrent
// attempts are resolved by an optimistic-concurrency check against the
// stored state (the store rejects a transition when the observed state no
// longer matches the expected precondition).
package pipeline

import (
	"fmt"
	"time"

	"github.com/prwarden/prwarden/internal/domain"
)

// State is a node in the PR lifecycle graph.
type State string

const (
	StateOpened              State = "opened"
	StateChecksRunning       State = "checks_running"
	StateChecksFailed        State = "checks_failed"
	StateAnalyzing           State = "analyzing"
	StateFixInProgress       State = "fix_in_progress"
	StateChecksPassed        State = "checks_passed"
	StateReadyForReview      State = "ready_for_review"
	StateUnderReview         State = "under_review"
	StateApproved            State = "approved"
	StateChangesRequested    State = "changes_requested"
	StateHumanReviewRequired State = "human_review_required"
	StateMerged              State = "merged"
	StateClosed              State = "closed"
)

// Valid returns true if s is a known lifecycle state.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether a state has no outgoing transitions.
func Terminal(s State) bool {
	return s == StateMerged || s == StateClosed
}

// transitions is the allowed-successor set per state. Closed and Merged are
// reachable from every non-terminal state (the hosting platform wins), so
// they are appended in CanTransition rather than listed per state.
// analyzing→checks_failed and under_review→ready_for_review are the worker
// retry edges: a claim is released back when its work fails before any
// result is persisted.
var transitions = map[State][]State{
	StateOpened:              {StateChecksRunning, StateReadyForReview},
	StateChecksRunning:       {StateChecksRunning, StateChecksFailed, StateChecksPassed, StateHumanReviewRequired},
	StateChecksFailed:        {StateAnalyzing, StateHumanReviewRequired},
	StateAnalyzing:           {StateFixInProgress, StateChecksFailed, StateHumanReviewRequired},
	StateFixInProgress:       {StateChecksRunning, StateHumanReviewRequired},
	StateChecksPassed:        {StateReadyForReview},
	StateReadyForReview:      {StateUnderReview, StateHumanReviewRequired},
	StateUnderReview:         {StateApproved, StateChangesRequested, StateReadyForReview, StateHumanReviewRequired},
	StateApproved:            {StateMerged},
	StateChangesRequested:    {StateFixInProgress, StateOpened},
	StateHumanReviewRequired: {StateOpened, StateChecksRunning, StateReadyForReview},
	StateMerged:              {},
	StateClosed:              {},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	if !Valid(from) || !Valid(to) {
		return false
	}
	if Terminal(from) {
		return false
	}
	// The hosting platform can close any PR at any time; merge is allowed
	// from any non-terminal state because a human may merge out-of-band.
	if to == StateClosed || to == StateMerged {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether the given sequence of states is a walk through
// the machine starting from an initial state (opened, closed or merged —
// a PR may be discovered already closed or merged).
func ValidPath(states []State) bool {
	if len(states) == 0 {
		return false
	}
	first := states[0]
	if first != StateOpened && first != StateClosed && first != StateMerged {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}

// Timeouts holds the per-state deadline after which a PR escalates to
// human review.
type Timeouts struct {
	Checks    time.Duration
	Analyzing time.Duration
	Fix       time.Duration
	Review    time.Duration
}

// DefaultTimeouts returns the stock per-state deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Checks:    time.Hour,
		Analyzing: 5 * time.Minute,
		Fix:       10 * time.Minute,
		Review:    10 * time.Minute,
	}
}

// For returns the timeout for a state, or zero when the state has none.
func (t Timeouts) For(s State) time.Duration {
	switch s {
	case StateChecksRunning:
		return t.Checks
	case StateAnalyzing:
		return t.Analyzing
	case StateFixInProgress:
		return t.Fix
	case StateUnderReview, StateReadyForReview:
		return t.Review
	}
	return 0
}

// Escalation holds the thresholds that force a PR to human review.
type Escalation struct {
	ConsecutiveFailures int
	TimeInState         time.Duration
	CostPerPRUSD        float64
}

// DefaultEscalation returns the stock escalation thresholds.
func DefaultEscalation() Escalation {
	return Escalation{
		ConsecutiveFailures: 5,
		TimeInState:         2 * time.Hour,
		CostPerPRUSD:        10,
	}
}

// EscalationReason explains why a PR was forced to human review.
type EscalationReason string

const (
	ReasonStateTimeout         EscalationReason = "state_timeout"
	ReasonConsecutiveFailures  EscalationReason = "consecutive_failures"
	ReasonCostExceeded         EscalationReason = "cost_exceeded"
	ReasonLowConfidence        EscalationReason = "low_confidence"
	ReasonPolicy               EscalationReason = "policy"
	ReasonFixAttemptsExhausted EscalationReason = "fix_attempts_exhausted"
)

// ShouldEscalate evaluates the escalation thresholds against a PR's signals.
// The cost comparison basis is whatever the caller accumulated into
// Metadata.CostUSD; the thresholds themselves stay configurable.
func (e Escalation) ShouldEscalate(failures int, enteredState time.Time, costUSD float64, now time.Time) (EscalationReason, bool) {
	if e.ConsecutiveFailures > 0 && failures >= e.ConsecutiveFailures {
		return ReasonConsecutiveFailures, true
	}
	if e.TimeInState > 0 && !enteredState.IsZero() && now.Sub(enteredState) >= e.TimeInState {
		return ReasonStateTimeout, true
	}
	if e.CostPerPRUSD > 0 && costUSD >= e.CostPerPRUSD {
		return ReasonCostExceeded, true
	}
	return "", false
}

// Transition is a validated state change request.
type Transition struct {
	From    State
	To      State
	Trigger domain.Trigger
	Reason  string
}

// Plan validates a transition and returns it, or an error naming the
// rejected edge. Callers apply the result via the PR store's
// optimistic-concurrency update.
func Plan(from, to State, trigger domain.Trigger, reason string) (Transition, error) {
	if !CanTransition(from, to) {
		return Transition{}, fmt.Errorf("transition %s -> %s not allowed", from, to)
	}
	return Transition{From: from, To: to, Trigger: trigger, Reason: reason}, nil
}

// OnCheckCompletion decides the next state when a PR in ChecksRunning
// observes the full set of its check runs.
func OnCheckCompletion(checks []domain.CheckRun) State {
	if len(checks) == 0 {
		return StateReadyForReview
	}
	anyFailed := false
	allDone := true
	for _, c := range checks {
		if c.Failed() {
			anyFailed = true
		}
		if c.Status != domain.CheckStatusCompleted && c.Status != domain.CheckStatusCancelled {
			allDone = false
		}
	}
	switch {
	case anyFailed:
		return StateChecksFailed
	case !allDone:
		return StateChecksRunning
	default:
		return StateChecksPassed
	}
}

// StateForHosting maps a hosting-side PR state to the lifecycle state used
// for the first history row of a newly discovered PR.
func StateForHosting(s domain.PRState) State {
	switch s {
	case domain.PRStateMerged:
		return StateMerged
	case domain.PRStateClosed:
		return StateClosed
	default:
		return StateOpened
	}
}
