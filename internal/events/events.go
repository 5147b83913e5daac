// Package events defines the typed event envelope and the publisher/queue
// contracts connecting the discovery pipeline to the downstream workers.
//
// Delivery is at-least-once: consumers see duplicates and must be
// idempotent. Within one correlation id (the PR id) delivery is FIFO;
// across correlation ids there is no ordering.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prwarden/prwarden/internal/domain"
)

// Type enumerates the event types on the wire.
type Type string

const (
	TypeCheckFailed        Type = "check.failed"
	TypeFixRequested       Type = "fix.requested"
	TypeFixRetryNeeded     Type = "fix.retry_needed"
	TypePRReadyForReview   Type = "pr.ready_for_review"
	TypeReviewPartial      Type = "review.partial_complete"
	TypeEscalationExceeded Type = "escalation.threshold_exceeded"
	TypeNotificationSend   Type = "notification.send"
)

// Envelope is the common wrapper around every event payload.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     Type            `json:"event_type"`
	CorrelationID uuid.UUID       `json:"correlation_id"` // the PR id
	OccurredAt    time.Time       `json:"occurred_at"`
	Priority      domain.Priority `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an envelope around a payload, assigning the event id and
// timestamp.
func New(eventType Type, correlationID uuid.UUID, priority domain.Priority, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Priority:      priority,
		Payload:       raw,
	}, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// CheckFailed reports a check run completing with a failing conclusion.
type CheckFailed struct {
	PRID             uuid.UUID `json:"pr_id"`
	Repository       string    `json:"repository"` // owner/name
	CheckName        string    `json:"check_name"`
	CheckRunID       uuid.UUID `json:"check_run_id"`
	FailureTimestamp time.Time `json:"failure_timestamp"`
	LogURL           string    `json:"log_url"`
}

// FixRequested asks the fixer to act on an analysis result.
type FixRequested struct {
	PRID                uuid.UUID       `json:"pr_id"`
	AnalysisID          uuid.UUID       `json:"analysis_id"`
	Priority            domain.Priority `json:"priority"`
	EstimatedComplexity string          `json:"estimated_complexity"` // low|medium|high
	FilesToModify       []string        `json:"files_to_modify"`
}

// FixRetryNeeded reports a failed validation pass that has retries left.
type FixRetryNeeded struct {
	PRID              uuid.UUID `json:"pr_id"`
	AnalysisID        uuid.UUID `json:"analysis_id"`
	PreviousAttempt   int       `json:"previous_attempt"`
	FailedValidations []string  `json:"failed_validations"`
}

// PRReadyForReview signals the reviewer panel to start.
type PRReadyForReview struct {
	PRID uuid.UUID `json:"pr_id"`
}

// ReviewPartialComplete names reviewers that exhausted their retries.
type ReviewPartialComplete struct {
	PRID               uuid.UUID `json:"pr_id"`
	AvailableReviewers []string  `json:"available_reviewers"`
	FailedReviewers    []string  `json:"failed_reviewers"`
}

// EscalationExceeded reports a PR or repository crossing an escalation
// threshold.
type EscalationExceeded struct {
	Scope     string    `json:"scope"` // pr|repo
	SubjectID uuid.UUID `json:"subject_id"`
	Reason    string    `json:"reason"`
}

// NotificationSend routes a human-facing message to a transport.
type NotificationSend struct {
	Priority string            `json:"priority"` // low|medium|high|critical
	Channel  string            `json:"channel"`
	Message  string            `json:"message"`
	PRURL    string            `json:"pr_url,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

// Publisher enqueues events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, envs ...Envelope) error
}

// Handler consumes one delivered event. A non-nil error leaves the event
// unacked for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Consumer delivers events of the subscribed types to a handler.
type Consumer interface {
	// Subscribe registers a handler for the given event types and begins
	// delivery until ctx is cancelled.
	Subscribe(ctx context.Context, types []Type, handler Handler) error
}
