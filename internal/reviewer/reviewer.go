// Package reviewer runs a configurable panel of specialized LM reviewers
// over a pull request's diff in parallel and aggregates their verdicts into
// a single pipeline decision.
package reviewer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/llm"
	"github.com/prwarden/prwarden/internal/pipeline"
)

// PRStore is the pull-request persistence surface the reviewer needs.
type PRStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.PullRequest, error)
	ListChecks(ctx context.Context, prID uuid.UUID) ([]domain.CheckRun, error)
	TransitionState(ctx context.Context, prID uuid.UUID, expected, next string, trigger domain.Trigger, metadata map[string]string) error
	AddCost(ctx context.Context, prID uuid.UUID, usd float64) error
}

// RepoStore resolves a PR's repository.
type RepoStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Repository, error)
}

// ReviewStore persists per-reviewer and aggregate review rows.
type ReviewStore interface {
	Create(ctx context.Context, r *domain.Review) error
	Finish(ctx context.Context, id uuid.UUID, status string, decision domain.ReviewDecision, comments []domain.ReviewComment, feedback string) error
}

// AnalysisStore records the synthetic analysis behind a review-driven fix.
type AnalysisStore interface {
	Create(ctx context.Context, a *domain.AnalysisResult) error
}

// DiffFetcher retrieves a PR's unified diff.
type DiffFetcher interface {
	FetchDiff(ctx context.Context, owner, repo string, number, maxBytes int) (string, error)
}

// Spec declares one reviewer in the panel.
type Spec struct {
	Type     string
	Weight   float64
	Security bool // carries veto power
}

// Thresholds are the weighted-score cutoffs for the aggregate decision.
type Thresholds struct {
	Approve float64 // default 0.75
	Comment float64 // default 0.50
}

// Options tunes a Service.
type Options struct {
	Specs        []Spec
	Timeout      time.Duration // per reviewer attempt, default 30s
	MaxTimeout   time.Duration // backoff cap, default 60s
	MaxRetries   int           // attempts per reviewer, default 3
	Thresholds   Thresholds
	MaxDiffBytes int // default 512 KiB
}

// Outcome is one reviewer's final result after retries.
type Outcome struct {
	Spec    Spec
	Verdict *llm.ReviewVerdict // nil when the reviewer exhausted retries
	Err     error
}

// PanelDecision is the aggregate over all available outcomes.
type PanelDecision struct {
	Decision domain.ReviewDecision
	Score    float64
	Comments []domain.ReviewComment
	Summary  string
}

// Aggregator folds reviewer outcomes into one decision. Implementations see
// only the outcomes that produced a verdict.
type Aggregator interface {
	Aggregate(outcomes []Outcome) PanelDecision
}

// Service is the review orchestrator.
type Service struct {
	prs        PRStore
	repos      RepoStore
	reviews    ReviewStore
	analyses   AnalysisStore
	diffs      DiffFetcher
	provider   llm.Provider
	publisher  events.Publisher
	aggregator Aggregator
	opts       Options
	logger     *slog.Logger
}

// New creates a reviewer Service. A nil aggregator gets the default policy.
func New(prs PRStore, repos RepoStore, reviews ReviewStore, analyses AnalysisStore, diffs DiffFetcher, provider llm.Provider, pub events.Publisher, aggregator Aggregator, opts Options, logger *slog.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Thresholds.Approve <= 0 {
		opts.Thresholds.Approve = 0.75
	}
	if opts.Thresholds.Comment <= 0 {
		opts.Thresholds.Comment = 0.50
	}
	if opts.MaxDiffBytes <= 0 {
		opts.MaxDiffBytes = 512 << 10
	}
	if aggregator == nil {
		aggregator = WeightedAggregator{Thresholds: opts.Thresholds}
	}
	return &Service{
		prs:        prs,
		repos:      repos,
		reviews:    reviews,
		analyses:   analyses,
		diffs:      diffs,
		provider:   provider,
		publisher:  pub,
		aggregator: aggregator,
		opts:       opts,
		logger:     logger,
	}
}

// Run subscribes the reviewer to the event queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context, consumer events.Consumer) error {
	return consumer.Subscribe(ctx, []events.Type{events.TypePRReadyForReview}, s.Handle)
}

// Handle processes one pr.ready_for_review event. The ready_for_review
// guard makes redelivery a no-op once a panel has claimed the PR.
func (s *Service) Handle(ctx context.Context, env events.Envelope) error {
	var payload events.PRReadyForReview
	if err := env.Decode(&payload); err != nil {
		s.logger.Error("reviewer: undecodable event, dropping", "event_id", env.EventID, "error", err)
		return nil
	}

	pr, err := s.prs.Get(ctx, payload.PRID)
	if err != nil {
		if domain.KindOf(err) == domain.FaultNotFound {
			s.logger.Warn("reviewer: pr vanished, dropping event", "pr_id", payload.PRID)
			return nil
		}
		return err
	}

	err = s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateReadyForReview), string(pipeline.StateUnderReview),
		domain.TriggerManualCheck, nil)
	if err != nil {
		if domain.KindOf(err) == domain.FaultConflict {
			s.logger.Debug("reviewer: pr not in ready_for_review, skipping",
				"pr_id", pr.ID, "state", pr.PipelineState)
			return nil
		}
		return err
	}

	repo, err := s.repos.Get(ctx, pr.RepositoryID)
	if err != nil {
		return err
	}
	diff, err := s.diffs.FetchDiff(ctx, repo.Owner, repo.Name, pr.Number, s.opts.MaxDiffBytes)
	if err != nil {
		// Release the claim so redelivery can retry the panel.
		s.revertToReady(ctx, pr.ID)
		return err
	}

	outcomes := s.runPanel(ctx, repo, pr, diff)

	var available, failed []string
	var withVerdict []Outcome
	for _, o := range outcomes {
		if o.Verdict != nil {
			available = append(available, o.Spec.Type)
			withVerdict = append(withVerdict, o)
		} else {
			failed = append(failed, o.Spec.Type)
		}
	}

	if len(failed) > 0 && len(withVerdict) > 0 {
		partial, err := events.New(events.TypeReviewPartial, pr.ID, domain.PriorityNormal,
			events.ReviewPartialComplete{
				PRID:               pr.ID,
				AvailableReviewers: available,
				FailedReviewers:    failed,
			})
		if err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, partial); err != nil {
			return err
		}
	}
	if len(withVerdict) == 0 {
		return s.noPanel(ctx, pr, failed)
	}

	decision := s.aggregator.Aggregate(withVerdict)
	if err := s.recordAggregate(ctx, pr, decision); err != nil {
		return err
	}
	s.logger.Info("reviewer: panel complete",
		"pr_id", pr.ID,
		"decision", decision.Decision,
		"score", decision.Score,
		"reviewers", len(withVerdict),
		"failed", len(failed))

	return s.applyDecision(ctx, pr, decision)
}

// runPanel executes all configured reviewers in parallel.
func (s *Service) runPanel(ctx context.Context, repo *domain.Repository, pr *domain.PullRequest, diff string) []Outcome {
	outcomes := make([]Outcome, len(s.opts.Specs))
	var wg sync.WaitGroup
	for i, spec := range s.opts.Specs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = s.runReviewer(ctx, repo, pr, spec, diff)
		}()
	}
	wg.Wait()
	return outcomes
}

// runReviewer drives one reviewer with retries and a growing timeout,
// recording a review row for the attempt series.
func (s *Service) runReviewer(ctx context.Context, repo *domain.Repository, pr *domain.PullRequest, spec Spec, diff string) Outcome {
	row := &domain.Review{
		PullRequestID: pr.ID,
		ReviewerType:  spec.Type,
		Status:        "running",
	}
	if err := s.reviews.Create(ctx, row); err != nil {
		return Outcome{Spec: spec, Err: err}
	}

	timeout := s.opts.Timeout
	var lastErr error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		verdict, usage, err := s.reviewOnce(ctx, repo, pr, spec, diff, timeout)
		if cost := usage.CostUSD(); cost > 0 {
			if cerr := s.prs.AddCost(ctx, pr.ID, cost); cerr != nil {
				s.logger.Error("reviewer: record cost", "pr_id", pr.ID, "error", cerr)
			}
		}
		if err == nil {
			if ferr := s.reviews.Finish(ctx, row.ID, "completed", verdict.Decision, verdict.Comments, verdict.Summary); ferr != nil {
				s.logger.Error("reviewer: finish review", "review_id", row.ID, "error", ferr)
			}
			return Outcome{Spec: spec, Verdict: verdict}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("reviewer: attempt failed",
			"pr_id", pr.ID, "reviewer", spec.Type, "attempt", attempt+1, "error", err)

		// Capped exponential backoff expressed as a growing deadline.
		timeout = timeout * 3 / 2
		if timeout > s.opts.MaxTimeout {
			timeout = s.opts.MaxTimeout
		}
	}

	if ferr := s.reviews.Finish(ctx, row.ID, "failed", domain.DecisionNone, nil, fmt.Sprintf("exhausted retries: %v", lastErr)); ferr != nil {
		s.logger.Error("reviewer: finish review", "review_id", row.ID, "error", ferr)
	}
	return Outcome{Spec: spec, Err: lastErr}
}

func (s *Service) reviewOnce(ctx context.Context, repo *domain.Repository, pr *domain.PullRequest, spec Spec, diff string, timeout time.Duration) (*llm.ReviewVerdict, llm.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.provider.Review(ctx, llm.ReviewRequest{
		ReviewerType: spec.Type,
		Repository:   repo.FullName(),
		Title:        pr.Title,
		Diff:         diff,
	})
}

func (s *Service) recordAggregate(ctx context.Context, pr *domain.PullRequest, d PanelDecision) error {
	row := &domain.Review{
		PullRequestID: pr.ID,
		ReviewerType:  "aggregate",
		Status:        "running",
	}
	if err := s.reviews.Create(ctx, row); err != nil {
		return err
	}
	return s.reviews.Finish(ctx, row.ID, "completed", d.Decision, d.Comments, d.Summary)
}

// applyDecision moves the PR and, for request_changes with auto-fixable
// comments, hands the work back to the fixer.
func (s *Service) applyDecision(ctx context.Context, pr *domain.PullRequest, d PanelDecision) error {
	switch d.Decision {
	case domain.DecisionApprove:
		return s.transition(ctx, pr.ID, pipeline.StateApproved, map[string]string{
			"score": fmt.Sprintf("%.2f", d.Score),
		})
	default:
		// comment and request_changes both land in changes_requested: the
		// comments are on record and the PR waits for new work.
		err := s.transition(ctx, pr.ID, pipeline.StateChangesRequested, map[string]string{
			"decision": string(d.Decision),
			"score":    fmt.Sprintf("%.2f", d.Score),
		})
		if err != nil {
			return err
		}
		if fixable := autoFixableComments(d.Comments); len(fixable) > 0 {
			return s.requestCommentFix(ctx, pr, fixable)
		}
		return nil
	}
}

func (s *Service) transition(ctx context.Context, prID uuid.UUID, next pipeline.State, metadata map[string]string) error {
	err := s.prs.TransitionState(ctx, prID,
		string(pipeline.StateUnderReview), string(next),
		domain.TriggerManualCheck, metadata)
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		return err
	}
	return nil
}

// requestCommentFix routes auto-fixable review comments to the fixer. The
// fix request needs an analysis to act on, so the panel's findings become
// one, attached to the PR's most recent completed check.
func (s *Service) requestCommentFix(ctx context.Context, pr *domain.PullRequest, comments []domain.ReviewComment) error {
	checks, err := s.prs.ListChecks(ctx, pr.ID)
	if err != nil {
		return err
	}
	var latest *domain.CheckRun
	for i := range checks {
		c := &checks[i]
		if c.Status != domain.CheckStatusCompleted {
			continue
		}
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	if latest == nil {
		s.logger.Warn("reviewer: no completed check to anchor comment fix, leaving for a human",
			"pr_id", pr.ID)
		return nil
	}

	var files []string
	var steps []string
	for _, c := range comments {
		if c.File != "" {
			files = append(files, c.File)
		}
		if c.Suggestion != "" {
			steps = append(steps, fmt.Sprintf("%s:%d: %s", c.File, c.Line, c.Suggestion))
		}
	}
	analysis := &domain.AnalysisResult{
		CheckRunID:  latest.ID,
		Category:    domain.CategoryLint,
		Confidence:  1.0,
		RootCause:   "review comments flagged auto-fixable issues",
		Recommended: "Apply the reviewers' suggestions:\n" + strings.Join(steps, "\n"),
		Metadata:    map[string]string{"source": "review"},
	}
	if err := s.analyses.Create(ctx, analysis); err != nil {
		return err
	}

	err = s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateChangesRequested), string(pipeline.StateFixInProgress),
		domain.TriggerManualCheck, map[string]string{"analysis_id": analysis.ID.String()})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		return err
	}

	env, err := events.New(events.TypeFixRequested, pr.ID, domain.PriorityNormal, events.FixRequested{
		PRID:                pr.ID,
		AnalysisID:          analysis.ID,
		Priority:            domain.PriorityNormal,
		EstimatedComplexity: "low",
		FilesToModify:       files,
	})
	if err != nil {
		return err
	}
	s.logger.Info("reviewer: auto-fixable comments handed to fixer",
		"pr_id", pr.ID, "comments", len(comments))
	return s.publisher.Publish(ctx, env)
}

// noPanel handles the case where every reviewer exhausted its retries.
func (s *Service) noPanel(ctx context.Context, pr *domain.PullRequest, failed []string) error {
	err := s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateUnderReview), string(pipeline.StateHumanReviewRequired),
		domain.TriggerManualCheck, map[string]string{"reason": "all reviewers failed"})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		return err
	}
	env, err := events.New(events.TypeNotificationSend, pr.ID, domain.PriorityHigh, events.NotificationSend{
		Priority: "high",
		Channel:  "default",
		Message:  fmt.Sprintf("human review required: every reviewer failed on PR #%d (%s)", pr.Number, strings.Join(failed, ", ")),
		PRURL:    pr.URL,
		Details:  map[string]string{"kind": "human_review_required", "reason": "all reviewers failed"},
	})
	if err != nil {
		return err
	}
	s.logger.Warn("reviewer: panel unavailable", "pr_id", pr.ID, "failed", failed)
	return s.publisher.Publish(ctx, env)
}

func (s *Service) revertToReady(ctx context.Context, prID uuid.UUID) {
	err := s.prs.TransitionState(ctx, prID,
		string(pipeline.StateUnderReview), string(pipeline.StateReadyForReview),
		domain.TriggerManualCheck, map[string]string{"reason": "review setup failed, will retry"})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		s.logger.Error("reviewer: revert claim", "pr_id", prID, "error", err)
	}
}

func autoFixableComments(comments []domain.ReviewComment) []domain.ReviewComment {
	var out []domain.ReviewComment
	for _, c := range comments {
		if c.AutoFixable {
			out = append(out, c)
		}
	}
	return out
}
