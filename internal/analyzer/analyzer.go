// Package analyzer consumes check.failed events, classifies the failure
// with a language model and routes the outcome: high-confidence auto-fixable
// failures request a fix, everything else escalates to a human.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/llm"
	"github.com/prwarden/prwarden/internal/pipeline"
)

// PRStore is the persistence surface the analyzer needs.
type PRStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.PullRequest, error)
	GetCheck(ctx context.Context, id uuid.UUID) (*domain.CheckRun, error)
	TransitionState(ctx context.Context, prID uuid.UUID, expected, next string, trigger domain.Trigger, metadata map[string]string) error
	AddCost(ctx context.Context, prID uuid.UUID, usd float64) error
}

// AnalysisStore persists verdicts.
type AnalysisStore interface {
	Create(ctx context.Context, a *domain.AnalysisResult) error
}

// LogFetcher retrieves a check run's logs.
type LogFetcher interface {
	FetchLogs(ctx context.Context, url string, maxBytes int) ([]byte, error)
}

// Archiver stores raw failure logs for later forensics. Optional.
type Archiver interface {
	ArchiveLogs(ctx context.Context, checkID uuid.UUID, logs []byte) (string, error)
}

// Options tunes a Service.
type Options struct {
	AutoFixConfidence float64 // default 0.80
	AutoFixCategories []domain.FailureCategory
	MaxLogBytes       int     // log fetch cap, default 1 MiB
	CostPerPR         float64 // escalation budget in USD, 0 disables
}

// Service is the check-failure analyzer.
type Service struct {
	prs       PRStore
	analyses  AnalysisStore
	logs      LogFetcher
	archive   Archiver
	provider  llm.Provider
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger
}

// New creates an analyzer Service. archive may be nil.
func New(prs PRStore, analyses AnalysisStore, logs LogFetcher, archive Archiver, provider llm.Provider, pub events.Publisher, opts Options, logger *slog.Logger) *Service {
	if opts.AutoFixConfidence <= 0 {
		opts.AutoFixConfidence = 0.80
	}
	if opts.MaxLogBytes <= 0 {
		opts.MaxLogBytes = 1 << 20
	}
	return &Service{
		prs:       prs,
		analyses:  analyses,
		logs:      logs,
		archive:   archive,
		provider:  provider,
		publisher: pub,
		opts:      opts,
		logger:    logger,
	}
}

// Run subscribes the analyzer to the event queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context, consumer events.Consumer) error {
	return consumer.Subscribe(ctx, []events.Type{events.TypeCheckFailed}, s.Handle)
}

// Handle processes one check.failed event. Delivery is at-least-once, so
// the state-machine guard makes redelivery a no-op: a PR no longer in
// checks_failed is skipped without error.
func (s *Service) Handle(ctx context.Context, env events.Envelope) error {
	var payload events.CheckFailed
	if err := env.Decode(&payload); err != nil {
		s.logger.Error("analyzer: undecodable event, dropping", "event_id", env.EventID, "error", err)
		return nil // redelivery cannot fix a malformed payload
	}

	pr, err := s.prs.Get(ctx, payload.PRID)
	if err != nil {
		if domain.KindOf(err) == domain.FaultNotFound {
			s.logger.Warn("analyzer: pr vanished, dropping event", "pr_id", payload.PRID)
			return nil
		}
		return err
	}

	// Cost ceiling: a PR over budget goes to a human, no matter what the
	// model would say.
	if s.opts.CostPerPR > 0 && pr.Metadata.CostUSD >= s.opts.CostPerPR {
		return s.escalate(ctx, pr, payload, "automation budget exhausted")
	}

	// Claim the PR for analysis. Losing the claim means another worker (or
	// a previous delivery) already has it.
	err = s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateChecksFailed), string(pipeline.StateAnalyzing),
		domain.TriggerManualCheck, map[string]string{"check_name": payload.CheckName})
	if err != nil {
		if domain.KindOf(err) == domain.FaultConflict {
			s.logger.Debug("analyzer: pr not in checks_failed, skipping",
				"pr_id", pr.ID, "state", pr.PipelineState)
			return nil
		}
		return err
	}

	verdict, usage, err := s.analyze(ctx, pr, payload)
	if cost := usage.CostUSD(); cost > 0 {
		if cerr := s.prs.AddCost(ctx, pr.ID, cost); cerr != nil {
			s.logger.Error("analyzer: record cost", "pr_id", pr.ID, "error", cerr)
		}
	}
	if err != nil {
		// Release the claim so a redelivery can retry the analysis.
		s.revertToFailed(ctx, pr.ID)
		return err
	}

	result := &domain.AnalysisResult{
		CheckRunID:  payload.CheckRunID,
		Category:    verdict.Category,
		Confidence:  verdict.Confidence,
		RootCause:   verdict.RootCause,
		Recommended: verdict.FixStrategy,
		Metadata: map[string]string{
			"estimated_complexity": verdict.EstimatedComplexity,
			"model":                usage.Model,
		},
	}
	// Persist before any event: the fixer must be able to load the
	// analysis the moment fix.requested lands.
	if err := s.analyses.Create(ctx, result); err != nil {
		s.revertToFailed(ctx, pr.ID)
		return err
	}

	if s.autoFixable(verdict) {
		return s.requestFix(ctx, pr, env.Priority, result, verdict)
	}
	return s.humanReview(ctx, pr, payload, verdict)
}

// analyze fetches the logs and runs the model.
func (s *Service) analyze(ctx context.Context, pr *domain.PullRequest, payload events.CheckFailed) (*llm.AnalyzeVerdict, llm.Usage, error) {
	logs, err := s.logs.FetchLogs(ctx, payload.LogURL, s.opts.MaxLogBytes)
	if err != nil {
		return nil, llm.Usage{}, fmt.Errorf("fetch check logs: %w", err)
	}

	if s.archive != nil {
		if url, err := s.archive.ArchiveLogs(ctx, payload.CheckRunID, logs); err != nil {
			s.logger.Warn("analyzer: archive logs failed", "check_id", payload.CheckRunID, "error", err)
		} else {
			s.logger.Debug("analyzer: logs archived", "check_id", payload.CheckRunID, "url", url)
		}
	}

	return s.provider.AnalyzeLogs(ctx, llm.AnalyzeRequest{
		Repository: payload.Repository,
		CheckName:  payload.CheckName,
		Logs:       logs,
	})
}

func (s *Service) autoFixable(v *llm.AnalyzeVerdict) bool {
	return v.Confidence >= s.opts.AutoFixConfidence &&
		domain.AutoFixable(v.Category, s.opts.AutoFixCategories)
}

func (s *Service) requestFix(ctx context.Context, pr *domain.PullRequest, priority domain.Priority, result *domain.AnalysisResult, verdict *llm.AnalyzeVerdict) error {
	err := s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateAnalyzing), string(pipeline.StateFixInProgress),
		domain.TriggerManualCheck, map[string]string{
			"analysis_id": result.ID.String(),
			"category":    string(result.Category),
		})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		return err
	}

	env, err := events.New(events.TypeFixRequested, pr.ID, priority, events.FixRequested{
		PRID:                pr.ID,
		AnalysisID:          result.ID,
		Priority:            priority,
		EstimatedComplexity: verdict.EstimatedComplexity,
		FilesToModify:       verdict.FilesToModify,
	})
	if err != nil {
		return err
	}
	s.logger.Info("analyzer: fix requested",
		"pr_id", pr.ID,
		"category", result.Category,
		"confidence", result.Confidence)
	return s.publisher.Publish(ctx, env)
}

func (s *Service) humanReview(ctx context.Context, pr *domain.PullRequest, payload events.CheckFailed, verdict *llm.AnalyzeVerdict) error {
	err := s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateAnalyzing), string(pipeline.StateHumanReviewRequired),
		domain.TriggerManualCheck, map[string]string{
			"category": string(verdict.Category),
			"reason":   "below auto-fix confidence or category not auto-fixable",
		})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		return err
	}

	env, err := events.New(events.TypeNotificationSend, pr.ID, domain.PriorityHigh, events.NotificationSend{
		Priority: "high",
		Channel:  "default",
		Message: fmt.Sprintf("human review required: %s failed on %s (%s, confidence %.2f)",
			payload.CheckName, payload.Repository, verdict.Category, verdict.Confidence),
		PRURL: pr.URL,
		Details: map[string]string{
			"kind":       "human_review_required",
			"root_cause": verdict.RootCause,
		},
	})
	if err != nil {
		return err
	}
	s.logger.Info("analyzer: escalating to human review",
		"pr_id", pr.ID,
		"category", verdict.Category,
		"confidence", verdict.Confidence)
	return s.publisher.Publish(ctx, env)
}

// escalate routes a PR to a human without consulting the model.
func (s *Service) escalate(ctx context.Context, pr *domain.PullRequest, payload events.CheckFailed, reason string) error {
	err := s.prs.TransitionState(ctx, pr.ID,
		string(pipeline.StateChecksFailed), string(pipeline.StateHumanReviewRequired),
		domain.TriggerManualCheck, map[string]string{"reason": reason})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		return err
	}

	escalation, err := events.New(events.TypeEscalationExceeded, pr.ID, domain.PriorityHigh,
		events.EscalationExceeded{Scope: "pr", SubjectID: pr.ID, Reason: reason})
	if err != nil {
		return err
	}
	notify, err := events.New(events.TypeNotificationSend, pr.ID, domain.PriorityHigh, events.NotificationSend{
		Priority: "high",
		Channel:  "default",
		Message:  fmt.Sprintf("human review required: %s on %s (%s)", payload.CheckName, payload.Repository, reason),
		PRURL:    pr.URL,
		Details:  map[string]string{"kind": "human_review_required", "reason": reason},
	})
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, escalation, notify)
}

func (s *Service) revertToFailed(ctx context.Context, prID uuid.UUID) {
	err := s.prs.TransitionState(ctx, prID,
		string(pipeline.StateAnalyzing), string(pipeline.StateChecksFailed),
		domain.TriggerManualCheck, map[string]string{"reason": "analysis failed, will retry"})
	if err != nil && domain.KindOf(err) != domain.FaultConflict {
		s.logger.Error("analyzer: revert claim", "pr_id", prID, "error", err)
	}
}
