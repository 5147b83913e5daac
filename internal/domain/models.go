// Package domain defines the core business types shared across wardend.
// These types represent the worker's data model — not HTTP or hosting-API
// specifics.
//
// Domain types carry json tags because they are directly serialized in the
// operator API responses. When the API shape diverges from the domain type,
// define a response struct in the api package instead.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// RepoStatus represents the lifecycle status of a monitored repository.
type RepoStatus string

const (
	RepoStatusActive    RepoStatus = "active"
	RepoStatusSuspended RepoStatus = "suspended"
	RepoStatusError     RepoStatus = "error"
)

// ValidRepoStatus checks if a string is a valid repository status.
func ValidRepoStatus(s string) bool {
	switch RepoStatus(s) {
	case RepoStatusActive, RepoStatusSuspended, RepoStatusError:
		return true
	}
	return false
}

// Priority ranks repositories for discovery scheduling. Lower values are
// scheduled first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the operator-facing name of the priority tier.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// ParsePriority maps a tier name to a Priority. Unknown names map to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Repository represents a source-hosting repository under supervision.
type Repository struct {
	ID           uuid.UUID         `json:"id"`
	Owner        string            `json:"owner"`
	Name         string            `json:"name"`
	URL          string            `json:"url"` // canonical URL, unique
	Status       RepoStatus        `json:"status"`
	FailureCount int               `json:"failure_count"` // consecutive failed cycles
	Overrides    map[string]string `json:"overrides,omitempty"`
	LastPolledAt *time.Time        `json:"last_polled_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// FullName returns the "owner/name" form used by the hosting API.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// PRState is the hosting platform's view of a pull request.
type PRState string

const (
	PRStateOpened PRState = "opened"
	PRStateClosed PRState = "closed"
	PRStateMerged PRState = "merged"
)

// ValidPRState returns true if s is a known hosting-side PR state.
func ValidPRState(s string) bool {
	switch PRState(s) {
	case PRStateOpened, PRStateClosed, PRStateMerged:
		return true
	}
	return false
}

// PRMetadata is the bounded extension data carried on a pull request.
// Free-form overflow goes into Extra as an opaque blob.
type PRMetadata struct {
	Labels   []string        `json:"labels,omitempty"`
	MergedAt *time.Time      `json:"merged_at,omitempty"`
	CostUSD  float64         `json:"cost_usd,omitempty"` // accumulated automation spend
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// PullRequest represents a pull request tracked for a repository.
// (RepositoryID, Number) is unique.
type PullRequest struct {
	ID            uuid.UUID  `json:"id"`
	RepositoryID  uuid.UUID  `json:"repository_id"`
	Number        int        `json:"number"`
	Title         string     `json:"title"`
	Author        string     `json:"author"`
	State         PRState    `json:"state"`
	Draft         bool       `json:"draft"`
	BaseBranch    string     `json:"base_branch"`
	HeadBranch    string     `json:"head_branch"`
	BaseSHA       string     `json:"base_sha"`
	HeadSHA       string     `json:"head_sha"`
	URL           string     `json:"url"`
	PipelineState string     `json:"pipeline_state"` // see pipeline.State
	Metadata      PRMetadata `json:"metadata"`
	LastCheckedAt *time.Time `json:"last_checked_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CheckStatus represents the execution status of a CI check run.
type CheckStatus string

const (
	CheckStatusQueued     CheckStatus = "queued"
	CheckStatusInProgress CheckStatus = "in_progress"
	CheckStatusCompleted  CheckStatus = "completed"
	CheckStatusCancelled  CheckStatus = "cancelled"
)

// CheckConclusion is the outcome of a completed check run.
// Empty means the check has not completed.
type CheckConclusion string

const (
	ConclusionSuccess        CheckConclusion = "success"
	ConclusionFailure        CheckConclusion = "failure"
	ConclusionNeutral        CheckConclusion = "neutral"
	ConclusionCancelled      CheckConclusion = "cancelled"
	ConclusionTimedOut       CheckConclusion = "timed_out"
	ConclusionActionRequired CheckConclusion = "action_required"
	ConclusionStale          CheckConclusion = "stale"
	ConclusionSkipped        CheckConclusion = "skipped"
	ConclusionNone           CheckConclusion = ""
)

// CheckRun represents a single CI job's status for a commit.
// ExternalID is globally unique; the (PullRequestID, ExternalID) edge is
// immutable once set.
type CheckRun struct {
	ID            uuid.UUID       `json:"id"`
	PullRequestID uuid.UUID       `json:"pull_request_id"`
	ExternalID    string          `json:"external_id"`
	Name          string          `json:"name"`
	SuiteID       string          `json:"suite_id,omitempty"`
	Status        CheckStatus     `json:"status"`
	Conclusion    CheckConclusion `json:"conclusion,omitempty"` // only set when Status == completed
	LogsURL       string          `json:"logs_url,omitempty"`
	DetailsURL    string          `json:"details_url,omitempty"`
	StartedAt     *time.Time      `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Failed reports whether the check completed with a failing conclusion.
func (c CheckRun) Failed() bool {
	return c.Status == CheckStatusCompleted &&
		(c.Conclusion == ConclusionFailure || c.Conclusion == ConclusionTimedOut)
}

// Trigger classifies what caused a PR state transition.
type Trigger string

const (
	TriggerOpened      Trigger = "opened"
	TriggerSynchronize Trigger = "synchronize"
	TriggerClosed      Trigger = "closed"
	TriggerReopened    Trigger = "reopened"
	TriggerEdited      Trigger = "edited"
	TriggerManualCheck Trigger = "manual_check"
)

// StateHistoryEntry is one append-only audit row of a PR state transition.
// PreviousState is nil only for the first row of a PR.
type StateHistoryEntry struct {
	ID            uuid.UUID         `json:"id"`
	PullRequestID uuid.UUID         `json:"pull_request_id"`
	PreviousState *string           `json:"previous_state"`
	NewState      string            `json:"new_state"`
	Trigger       Trigger           `json:"trigger"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// FailureCategory classifies a failed check for fix routing.
type FailureCategory string

const (
	CategoryLint       FailureCategory = "lint"
	CategoryFormatting FailureCategory = "formatting"
	CategoryTest       FailureCategory = "test"
	CategoryBuild      FailureCategory = "build"
	CategoryTypeCheck  FailureCategory = "type_check"
	CategoryDependency FailureCategory = "dependency"
	CategoryFlaky      FailureCategory = "flaky"
	CategorySecurity   FailureCategory = "security"
	CategoryInfra      FailureCategory = "infrastructure"
	CategoryUnknown    FailureCategory = "unknown"
)

// AnalysisResult is the analyzer's verdict on a failed check run.
type AnalysisResult struct {
	ID          uuid.UUID         `json:"id"`
	CheckRunID  uuid.UUID         `json:"check_run_id"`
	Category    FailureCategory   `json:"category"`
	Confidence  float64           `json:"confidence"` // [0,1]
	RootCause   string            `json:"root_cause"`
	Recommended string            `json:"recommended_action"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// FixStatus tracks the lifecycle of an automated fix attempt.
type FixStatus string

const (
	FixStatusPending    FixStatus = "pending"
	FixStatusApplying   FixStatus = "applying"
	FixStatusValidating FixStatus = "validating"
	FixStatusPushed     FixStatus = "pushed"
	FixStatusFailed     FixStatus = "failed"
	FixStatusAbandoned  FixStatus = "abandoned"
)

// FixAttempt records one pass of the fixer for an analysis result.
type FixAttempt struct {
	ID         uuid.UUID  `json:"id"`
	AnalysisID uuid.UUID  `json:"analysis_id"`
	Strategy   string     `json:"strategy"`
	Status     FixStatus  `json:"status"`
	RetryCount int        `json:"retry_count"`
	Success    *bool      `json:"success"`
	Error      *string    `json:"error"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// ReviewDecision is a reviewer's (or the aggregate) verdict on a PR.
// Empty means no decision was reached.
type ReviewDecision string

const (
	DecisionApprove        ReviewDecision = "approve"
	DecisionRequestChanges ReviewDecision = "request_changes"
	DecisionComment        ReviewDecision = "comment"
	DecisionNone           ReviewDecision = ""
)

// CommentSeverity ranks a review comment's importance.
type CommentSeverity string

const (
	SeverityCritical CommentSeverity = "critical"
	SeverityMajor    CommentSeverity = "major"
	SeverityMinor    CommentSeverity = "minor"
	SeverityInfo     CommentSeverity = "info"
)

// ReviewComment is a single structured comment from a reviewer.
type ReviewComment struct {
	File        string          `json:"file,omitempty"`
	Line        int             `json:"line,omitempty"`
	Severity    CommentSeverity `json:"severity"`
	Message     string          `json:"message"`
	Suggestion  string          `json:"suggestion,omitempty"`
	AutoFixable bool            `json:"auto_fixable"`
}

// Review records one reviewer's pass over a PR, or the aggregate when
// ReviewerType is "aggregate".
type Review struct {
	ID            uuid.UUID       `json:"id"`
	PullRequestID uuid.UUID       `json:"pull_request_id"`
	ReviewerType  string          `json:"reviewer_type"`
	Status        string          `json:"status"`
	Decision      ReviewDecision  `json:"decision,omitempty"`
	Comments      []ReviewComment `json:"comments,omitempty"`
	Feedback      string          `json:"feedback,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at"`
}

// AutoFixable reports whether a failure category is pre-approved for
// automated fixing. Security is never auto-fixable.
func AutoFixable(c FailureCategory, allowed []FailureCategory) bool {
	if c == CategorySecurity {
		return false
	}
	for _, a := range allowed {
		if c == a {
			return true
		}
	}
	return false
}
