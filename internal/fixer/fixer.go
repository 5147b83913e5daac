// Package fixer drives the external code-editing service through its three
// phases: apply a candidate change, validate it, then commit and push. Only
// a fully validated workspace is ever pushed; every other path reverts.
package fixer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/pipeline"
)

// PRStore is the pull-request persistence surface the fixer needs.
type PRStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.PullRequest, error)
	TransitionState(ctx context.Context, prID uuid.UUID, expected, next string, trigger domain.Trigger, metadata map[string]string) error
}

// RepoStore resolves a PR's repository.
type RepoStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Repository, error)
}

// AnalysisStore loads the verdict a fix request points at.
type AnalysisStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.AnalysisResult, error)
}

// FixStore persists attempt rows.
type FixStore interface {
	Create(ctx context.Context, f *domain.FixAttempt) error
	SetStatus(ctx context.Context, id uuid.UUID, status domain.FixStatus) error
	Finish(ctx context.Context, id uuid.UUID, status domain.FixStatus, success bool, errMsg string) error
	CountForAnalysis(ctx context.Context, analysisID uuid.UUID) (int, error)
}

// Options tunes a Service.
type Options struct {
	MaxFixAttempts int           // default 3
	PhaseTimeout   time.Duration // per editor phase, default 10m
}

// Service is the fix orchestrator.
type Service struct {
	prs       PRStore
	repos     RepoStore
	analyses  AnalysisStore
	attempts  FixStore
	editor    Editor
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger
}

// New creates a fixer Service.
func New(prs PRStore, repos RepoStore, analyses AnalysisStore, attempts FixStore, editor Editor, pub events.Publisher, opts Options, logger *slog.Logger) *Service {
	if opts.MaxFixAttempts <= 0 {
		opts.MaxFixAttempts = 3
	}
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = 10 * time.Minute
	}
	return &Service{
		prs:       prs,
		repos:     repos,
		analyses:  analyses,
		attempts:  attempts,
		editor:    editor,
		publisher: pub,
		opts:      opts,
		logger:    logger,
	}
}

// Run subscribes the fixer to the event queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context, consumer events.Consumer) error {
	return consumer.Subscribe(ctx,
		[]events.Type{events.TypeFixRequested, events.TypeFixRetryNeeded}, s.Handle)
}

// job is the normalized form of a fix.requested or fix.retry_needed event.
type job struct {
	prID              uuid.UUID
	analysisID        uuid.UUID
	files             []string
	failedValidations []string // set on retries
}

// Handle processes one fix event. The fix_in_progress guard makes
// redelivery a no-op once the PR has moved on.
func (s *Service) Handle(ctx context.Context, env events.Envelope) error {
	j, err := decodeJob(env)
	if err != nil {
		s.logger.Error("fixer: undecodable event, dropping", "event_id", env.EventID, "error", err)
		return nil
	}

	pr, err := s.prs.Get(ctx, j.prID)
	if err != nil {
		if domain.KindOf(err) == domain.FaultNotFound {
			s.logger.Warn("fixer: pr vanished, dropping event", "pr_id", j.prID)
			return nil
		}
		return err
	}
	if pr.PipelineState != string(pipeline.StateFixInProgress) {
		s.logger.Debug("fixer: pr not in fix_in_progress, skipping",
			"pr_id", pr.ID, "state", pr.PipelineState)
		return nil
	}

	analysis, err := s.analyses.Get(ctx, j.analysisID)
	if err != nil {
		if domain.KindOf(err) == domain.FaultNotFound {
			s.logger.Error("fixer: analysis missing, escalating", "analysis_id", j.analysisID)
			return s.giveUp(ctx, pr, analysis, "analysis result missing")
		}
		return err
	}

	prior, err := s.attempts.CountForAnalysis(ctx, analysis.ID)
	if err != nil {
		return err
	}
	if prior >= s.opts.MaxFixAttempts {
		return s.giveUp(ctx, pr, analysis, "fix attempts exhausted")
	}

	repo, err := s.repos.Get(ctx, pr.RepositoryID)
	if err != nil {
		return err
	}

	return s.runAttempt(ctx, repo, pr, analysis, j, prior)
}

func decodeJob(env events.Envelope) (job, error) {
	switch env.EventType {
	case events.TypeFixRetryNeeded:
		var p events.FixRetryNeeded
		if err := env.Decode(&p); err != nil {
			return job{}, err
		}
		return job{prID: p.PRID, analysisID: p.AnalysisID, failedValidations: p.FailedValidations}, nil
	default:
		var p events.FixRequested
		if err := env.Decode(&p); err != nil {
			return job{}, err
		}
		return job{prID: p.PRID, analysisID: p.AnalysisID, files: p.FilesToModify}, nil
	}
}

// runAttempt drives one apply/validate/commit pass, recording a FixAttempt
// row as it goes.
func (s *Service) runAttempt(ctx context.Context, repo *domain.Repository, pr *domain.PullRequest, analysis *domain.AnalysisResult, j job, prior int) error {
	strategy := s.strategy(analysis, j)
	attempt := &domain.FixAttempt{
		AnalysisID: analysis.ID,
		Strategy:   strategy,
		Status:     domain.FixStatusPending,
		RetryCount: prior,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return err
	}

	s.logger.Info("fixer: starting attempt",
		"pr_id", pr.ID,
		"analysis_id", analysis.ID,
		"attempt", prior+1,
		"category", analysis.Category)

	// Phase 1: apply.
	if err := s.attempts.SetStatus(ctx, attempt.ID, domain.FixStatusApplying); err != nil {
		return err
	}
	applied, err := s.phaseApply(ctx, repo, pr, analysis, strategy, j.files)
	if err != nil {
		s.finish(ctx, attempt.ID, domain.FixStatusFailed, false, fmt.Sprintf("apply: %v", err))
		if domain.Retryable(err) {
			return err // editor outage, redeliver
		}
		return s.retryOrGiveUp(ctx, pr, analysis, prior+1, []string{"apply"})
	}

	// Phase 2: validate.
	if err := s.attempts.SetStatus(ctx, attempt.ID, domain.FixStatusValidating); err != nil {
		return err
	}
	validated, err := s.phaseValidate(ctx, applied.WorkspaceID)
	if err != nil {
		s.revert(ctx, applied.WorkspaceID)
		s.finish(ctx, attempt.ID, domain.FixStatusFailed, false, fmt.Sprintf("validate: %v", err))
		if domain.Retryable(err) {
			return err
		}
		return s.retryOrGiveUp(ctx, pr, analysis, prior+1, []string{"validate"})
	}
	if !validated.Passed() {
		failed := validated.FailedNames()
		s.revert(ctx, applied.WorkspaceID)
		s.finish(ctx, attempt.ID, domain.FixStatusFailed, false,
			"validation failed: "+strings.Join(failed, ", "))
		return s.retryOrGiveUp(ctx, pr, analysis, prior+1, failed)
	}

	// Phase 3: commit and push, gated on full validation.
	committed, err := s.phaseCommit(ctx, pr, analysis, applied)
	if err != nil {
		// Push rejected or similar hard error: revert and hand to a human.
		s.revert(ctx, applied.WorkspaceID)
		s.finish(ctx, attempt.ID, domain.FixStatusFailed, false, fmt.Sprintf("commit: %v", err))
		return s.giveUp(ctx, pr, analysis, fmt.Sprintf("commit and push failed: %v", err))
	}

	s.finish(ctx, attempt.ID, domain.FixStatusPushed, true, "")
	err = s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateFixInProgress), string(pipeline.StateChecksRunning),
		domain.TriggerSynchronize, map[string]string{
			"commit_sha": committed.CommitSHA,
			"attempt":    fmt.Sprintf("%d", prior+1),
		})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		return err
	}
	s.logger.Info("fixer: fix pushed",
		"pr_id", pr.ID,
		"commit_sha", committed.CommitSHA,
		"changed_paths", len(applied.ChangedPaths))
	return nil
}

// strategy derives the editing strategy for this attempt. Retries fold the
// failed validations into the prompt so the editor does not repeat itself.
func (s *Service) strategy(analysis *domain.AnalysisResult, j job) string {
	if len(j.failedValidations) == 0 {
		return analysis.Recommended
	}
	return fmt.Sprintf("%s\n\nThe previous attempt failed these validations: %s. Address those failures directly instead of repeating the prior change.",
		analysis.Recommended, strings.Join(j.failedValidations, ", "))
}

func (s *Service) phaseApply(ctx context.Context, repo *domain.Repository, pr *domain.PullRequest, analysis *domain.AnalysisResult, strategy string, files []string) (*ApplyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PhaseTimeout)
	defer cancel()
	return s.editor.Apply(ctx, ApplyRequest{
		Repository: repo.FullName(),
		Branch:     pr.HeadBranch,
		HeadSHA:    pr.HeadSHA,
		Strategy:   strategy,
		RootCause:  analysis.RootCause,
		Files:      files,
	})
}

func (s *Service) phaseValidate(ctx context.Context, workspaceID string) (*ValidateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PhaseTimeout)
	defer cancel()
	return s.editor.Validate(ctx, workspaceID)
}

func (s *Service) phaseCommit(ctx context.Context, pr *domain.PullRequest, analysis *domain.AnalysisResult, applied *ApplyResult) (*CommitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PhaseTimeout)
	defer cancel()
	return s.editor.CommitPush(ctx, CommitRequest{
		WorkspaceID:   applied.WorkspaceID,
		CommitMessage: fmt.Sprintf("fix(%s): %s", analysis.Category, analysis.RootCause),
		Comment: fmt.Sprintf("Automated fix for a %s failure.\n\nRoot cause: %s\n\nChanges: %s",
			analysis.Category, analysis.RootCause, applied.Summary),
	})
}

// retryOrGiveUp emits fix.retry_needed when budget remains, otherwise hands
// the PR to a human.
func (s *Service) retryOrGiveUp(ctx context.Context, pr *domain.PullRequest, analysis *domain.AnalysisResult, attempts int, failed []string) error {
	if attempts < s.opts.MaxFixAttempts {
		env, err := events.New(events.TypeFixRetryNeeded, pr.ID, domain.PriorityNormal, events.FixRetryNeeded{
			PRID:              pr.ID,
			AnalysisID:        analysis.ID,
			PreviousAttempt:   attempts,
			FailedValidations: failed,
		})
		if err != nil {
			return err
		}
		s.logger.Info("fixer: retrying with new strategy",
			"pr_id", pr.ID, "attempt", attempts, "failed_validations", failed)
		return s.publisher.Publish(ctx, env)
	}
	return s.giveUp(ctx, pr, analysis,
		fmt.Sprintf("validation still failing after %d attempts", attempts))
}

// giveUp transitions the PR to human review and notifies. analysis may be
// nil when the fix request could not even be resolved.
func (s *Service) giveUp(ctx context.Context, pr *domain.PullRequest, analysis *domain.AnalysisResult, reason string) error {
	err := s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateFixInProgress), string(pipeline.StateHumanReviewRequired),
		domain.TriggerManualCheck, map[string]string{"reason": reason})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		return err
	}

	details := map[string]string{"kind": "human_review_required", "reason": reason}
	if analysis != nil {
		details["category"] = string(analysis.Category)
		details["root_cause"] = analysis.RootCause
	}
	env, err := events.New(events.TypeNotificationSend, pr.ID, domain.PriorityHigh, events.NotificationSend{
		Priority: "high",
		Channel:  "default",
		Message:  fmt.Sprintf("human review required: automated fix gave up on PR #%d (%s)", pr.Number, reason),
		PRURL:    pr.URL,
		Details:  details,
	})
	if err != nil {
		return err
	}
	s.logger.Warn("fixer: giving up", "pr_id", pr.ID, "reason", reason)
	return s.publisher.Publish(ctx, env)
}

// revert discards a workspace. Best effort: the editor prunes stale
// workspaces on its own schedule.
func (s *Service) revert(ctx context.Context, workspaceID string) {
	if err := s.editor.Revert(ctx, workspaceID); err != nil {
		s.logger.Error("fixer: revert workspace", "workspace_id", workspaceID, "error", err)
	}
}

func (s *Service) finish(ctx context.Context, attemptID uuid.UUID, status domain.FixStatus, success bool, errMsg string) {
	if err := s.attempts.Finish(ctx, attemptID, status, success, errMsg); err != nil {
		s.logger.Error("fixer: finish attempt", "attempt_id", attemptID, "error", err)
	}
}
