package reviewer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/llm"
	"github.com/prwarden/prwarden/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePRStore struct {
	mu     sync.Mutex
	prs    map[uuid.UUID]*domain.PullRequest
	checks []domain.CheckRun
	costs  map[uuid.UUID]float64
}

func newFakePRStore(prs ...*domain.PullRequest) *fakePRStore {
	s := &fakePRStore{
		prs:   make(map[uuid.UUID]*domain.PullRequest),
		costs: make(map[uuid.UUID]float64),
	}
	for _, pr := range prs {
		s.prs[pr.ID] = pr
	}
	return s
}

func (s *fakePRStore) Get(_ context.Context, id uuid.UUID) (*domain.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.prs[id]
	if !ok {
		return nil, domain.NewFault(domain.FaultNotFound, "pr.get", errors.New("no such pr"))
	}
	cp := *pr
	return &cp, nil
}

func (s *fakePRStore) ListChecks(context.Context, uuid.UUID) ([]domain.CheckRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks, nil
}

func (s *fakePRStore) TransitionState(_ context.Context, prID uuid.UUID, expected, next string, _ domain.Trigger, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr := s.prs[prID]
	if pr.PipelineState != expected {
		return domain.NewFault(domain.FaultConflict, "pr.transition", errors.New("state moved"))
	}
	pr.PipelineState = next
	return nil
}

func (s *fakePRStore) AddCost(_ context.Context, prID uuid.UUID, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs[prID] += usd
	return nil
}

func (s *fakePRStore) state(prID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prs[prID].PipelineState
}

type fakeRepoStore struct {
	repo *domain.Repository
}

func (s *fakeRepoStore) Get(context.Context, uuid.UUID) (*domain.Repository, error) {
	return s.repo, nil
}

type reviewRow struct {
	review   *domain.Review
	status   string
	decision domain.ReviewDecision
	comments []domain.ReviewComment
	feedback string
}

type fakeReviewStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*reviewRow
}

func newFakeReviewStore() *fakeReviewStore {
	return &fakeReviewStore{rows: make(map[uuid.UUID]*reviewRow)}
}

func (s *fakeReviewStore) Create(_ context.Context, r *domain.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.New()
	s.rows[r.ID] = &reviewRow{review: r, status: r.Status}
	return nil
}

func (s *fakeReviewStore) Finish(_ context.Context, id uuid.UUID, status string, decision domain.ReviewDecision, comments []domain.ReviewComment, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[id]
	row.status = status
	row.decision = decision
	row.comments = comments
	row.feedback = feedback
	return nil
}

func (s *fakeReviewStore) byType(reviewerType string) *reviewRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.review.ReviewerType == reviewerType {
			return row
		}
	}
	return nil
}

type fakeAnalysisStore struct {
	mu      sync.Mutex
	created []*domain.AnalysisResult
}

func (s *fakeAnalysisStore) Create(_ context.Context, a *domain.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.New()
	s.created = append(s.created, a)
	return nil
}

type fakeDiffFetcher struct{}

func (fakeDiffFetcher) FetchDiff(context.Context, string, string, int, int) (string, error) {
	return "--- a/widget.go\n+++ b/widget.go\n@@ -1 +1 @@\n-old\n+new\n", nil
}

// scriptedProvider returns per-reviewer-type scripts. Each call consumes
// one entry; the last entry repeats.
type script struct {
	verdict *llm.ReviewVerdict
	err     error
}

type scriptedProvider struct {
	mu      sync.Mutex
	scripts map[string][]script
	calls   map[string]int
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		scripts: make(map[string][]script),
		calls:   make(map[string]int),
	}
}

func (p *scriptedProvider) on(reviewerType string, steps ...script) {
	p.scripts[reviewerType] = steps
}

func (p *scriptedProvider) AnalyzeLogs(context.Context, llm.AnalyzeRequest) (*llm.AnalyzeVerdict, llm.Usage, error) {
	return nil, llm.Usage{}, errors.New("not an analyzer")
}

func (p *scriptedProvider) Review(_ context.Context, req llm.ReviewRequest) (*llm.ReviewVerdict, llm.Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	steps := p.scripts[req.ReviewerType]
	i := p.calls[req.ReviewerType]
	p.calls[req.ReviewerType]++
	if len(steps) == 0 {
		return nil, llm.Usage{}, errors.New("no script for " + req.ReviewerType)
	}
	if i >= len(steps) {
		i = len(steps) - 1
	}
	usage := llm.Usage{Model: "claude-sonnet-4-5", InputTokens: 1000, OutputTokens: 100}
	return steps[i].verdict, usage, steps[i].err
}

func approve(summary string) script {
	return script{verdict: &llm.ReviewVerdict{
		Decision: domain.DecisionApprove, Confidence: 0.9, Summary: summary,
	}}
}

func reviewPR() *domain.PullRequest {
	return &domain.PullRequest{
		ID:            uuid.New(),
		RepositoryID:  uuid.New(),
		Number:        7,
		Title:         "Fix widget bounds",
		URL:           "https://github.example.com/acme/widgets/pull/7",
		PipelineState: string(pipeline.StateReadyForReview),
	}
}

func readyEvent(t *testing.T, pr *domain.PullRequest) events.Envelope {
	t.Helper()
	env, err := events.New(events.TypePRReadyForReview, pr.ID, domain.PriorityNormal,
		events.PRReadyForReview{PRID: pr.ID})
	require.NoError(t, err)
	return env
}

func defaultSpecs() []Spec {
	return []Spec{
		{Type: "code_quality", Weight: 1},
		{Type: "security", Weight: 1, Security: true},
		{Type: "performance", Weight: 1},
	}
}

func newService(prs *fakePRStore, reviews *fakeReviewStore, analyses *fakeAnalysisStore, provider llm.Provider, queue *events.MemoryQueue, specs []Spec) *Service {
	repos := &fakeRepoStore{repo: &domain.Repository{
		ID: uuid.New(), Owner: "acme", Name: "widgets", Status: domain.RepoStatusActive,
	}}
	return New(prs, repos, reviews, analyses, fakeDiffFetcher{}, provider, queue, nil, Options{
		Specs:   specs,
		Timeout: 50 * time.Millisecond,
	}, discardLogger())
}

func TestHandle_UnanimousApproval(t *testing.T) {
	pr := reviewPR()
	prs := newFakePRStore(pr)
	reviews := newFakeReviewStore()
	provider := newScriptedProvider()
	provider.on("code_quality", approve("clean"))
	provider.on("security", approve("no findings"))
	provider.on("performance", approve("fine"))
	queue := events.NewMemoryQueue()
	svc := newService(prs, reviews, &fakeAnalysisStore{}, provider, queue, defaultSpecs())

	require.NoError(t, svc.Handle(context.Background(), readyEvent(t, pr)))

	assert.Equal(t, string(pipeline.StateApproved), prs.state(pr.ID))
	assert.Empty(t, queue.PublishedOfType(events.TypeReviewPartial))

	aggregate := reviews.byType("aggregate")
	require.NotNil(t, aggregate)
	assert.Equal(t, "completed", aggregate.status)
	assert.Equal(t, domain.DecisionApprove, aggregate.decision)

	assert.Greater(t, prs.costs[pr.ID], 0.0)
}

func TestHandle_SecurityVetoRequestsChanges(t *testing.T) {
	pr := reviewPR()
	prs := newFakePRStore(pr)
	reviews := newFakeReviewStore()
	provider := newScriptedProvider()
	provider.on("code_quality", approve("clean"))
	provider.on("performance", approve("fine"))
	provider.on("security", script{verdict: &llm.ReviewVerdict{
		Decision:   domain.DecisionRequestChanges,
		Confidence: 0.95,
		Summary:    "credentials logged in plaintext",
	}})
	queue := events.NewMemoryQueue()
	specs := []Spec{
		{Type: "code_quality", Weight: 1},
		{Type: "performance", Weight: 1},
		{Type: "security", Weight: 2, Security: true},
	}
	svc := newService(prs, reviews, &fakeAnalysisStore{}, provider, queue, specs)

	require.NoError(t, svc.Handle(context.Background(), readyEvent(t, pr)))

	assert.Equal(t, string(pipeline.StateChangesRequested), prs.state(pr.ID))
	aggregate := reviews.byType("aggregate")
	require.NotNil(t, aggregate)
	assert.Equal(t, domain.DecisionRequestChanges, aggregate.decision)
}

func TestHandle_RetrySucceedsWithoutPartialEvent(t *testing.T) {
	pr := reviewPR()
	prs := newFakePRStore(pr)
	reviews := newFakeReviewStore()
	provider := newScriptedProvider()
	provider.on("code_quality",
		script{err: domain.NewFault(domain.FaultTimeout, "llm.complete", errors.New("deadline"))},
		approve("clean on retry"))
	provider.on("security", approve("no findings"))
	provider.on("performance", approve("fine"))
	queue := events.NewMemoryQueue()
	svc := newService(prs, reviews, &fakeAnalysisStore{}, provider, queue, defaultSpecs())

	require.NoError(t, svc.Handle(context.Background(), readyEvent(t, pr)))

	assert.Equal(t, string(pipeline.StateApproved), prs.state(pr.ID))
	assert.Empty(t, queue.PublishedOfType(events.TypeReviewPartial))
	row := reviews.byType("code_quality")
	require.NotNil(t, row)
	assert.Equal(t, "completed", row.status)
}

func TestHandle_ExhaustedReviewerEmitsPartialComplete(t *testing.T) {
	pr := reviewPR()
	prs := newFakePRStore(pr)
	reviews := newFakeReviewStore()
	provider := newScriptedProvider()
	provider.on("code_quality", approve("clean"))
	provider.on("security", approve("no findings"))
	provider.on("performance",
		script{err: domain.NewFault(domain.FaultTimeout, "llm.complete", errors.New("deadline"))})
	queue := events.NewMemoryQueue()
	svc := newService(prs, reviews, &fakeAnalysisStore{}, provider, queue, defaultSpecs())

	require.NoError(t, svc.Handle(context.Background(), readyEvent(t, pr)))

	partials := queue.PublishedOfType(events.TypeReviewPartial)
	require.Len(t, partials, 1)
	var partial events.ReviewPartialComplete
	require.NoError(t, partials[0].Decode(&partial))
	assert.ElementsMatch(t, []string{"code_quality", "security"}, partial.AvailableReviewers)
	assert.Equal(t, []string{"performance"}, partial.FailedReviewers)

	// Aggregation proceeded with the available two.
	assert.Equal(t, string(pipeline.StateApproved), prs.state(pr.ID))
	row := reviews.byType("performance")
	require.NotNil(t, row)
	assert.Equal(t, "failed", row.status)
}

func TestHandle_AllReviewersFailedEscalates(t *testing.T) {
	pr := reviewPR()
	prs := newFakePRStore(pr)
	reviews := newFakeReviewStore()
	provider := newScriptedProvider()
	fail := script{err: domain.NewFault(domain.FaultServiceDown, "llm.complete", errors.New("529"))}
	provider.on("code_quality", fail)
	provider.on("security", fail)
	provider.on("performance", fail)
	queue := events.NewMemoryQueue()
	svc := newService(prs, reviews, &fakeAnalysisStore{}, provider, queue, defaultSpecs())

	require.NoError(t, svc.Handle(context.Background(), readyEvent(t, pr)))

	assert.Equal(t, string(pipeline.StateHumanReviewRequired), prs.state(pr.ID))
	assert.Empty(t, queue.PublishedOfType(events.TypeReviewPartial))
	require.Len(t, queue.PublishedOfType(events.TypeNotificationSend), 1)
}

func TestHandle_AutoFixableCommentsFeedFixer(t *testing.T) {
	pr := reviewPR()
	prs := newFakePRStore(pr)
	now := time.Now()
	prs.checks = []domain.CheckRun{{
		ID:        uuid.New(),
		Status:    domain.CheckStatusCompleted,
		UpdatedAt: now,
	}}
	reviews := newFakeReviewStore()
	analyses := &fakeAnalysisStore{}
	provider := newScriptedProvider()
	provider.on("code_quality", script{verdict: &llm.ReviewVerdict{
		Decision:   domain.DecisionRequestChanges,
		Confidence: 0.9,
		Comments: []domain.ReviewComment{{
			File:        "widget.go",
			Line:        12,
			Severity:    domain.SeverityMinor,
			Message:     "unused import",
			Suggestion:  "drop the fmt import",
			AutoFixable: true,
		}},
	}})
	queue := events.NewMemoryQueue()
	svc := newService(prs, reviews, analyses, provider, queue, []Spec{{Type: "code_quality", Weight: 1}})

	require.NoError(t, svc.Handle(context.Background(), readyEvent(t, pr)))

	assert.Equal(t, string(pipeline.StateFixInProgress), prs.state(pr.ID))
	require.Len(t, analyses.created, 1)

	fixes := queue.PublishedOfType(events.TypeFixRequested)
	require.Len(t, fixes, 1)
	var fix events.FixRequested
	require.NoError(t, fixes[0].Decode(&fix))
	assert.Equal(t, analyses.created[0].ID, fix.AnalysisID)
	assert.Equal(t, []string{"widget.go"}, fix.FilesToModify)
}

func TestHandle_SkipsWhenPRMovedOn(t *testing.T) {
	pr := reviewPR()
	pr.PipelineState = string(pipeline.StateUnderReview)
	prs := newFakePRStore(pr)
	provider := newScriptedProvider()
	queue := events.NewMemoryQueue()
	svc := newService(prs, newFakeReviewStore(), &fakeAnalysisStore{}, provider, queue, defaultSpecs())

	require.NoError(t, svc.Handle(context.Background(), readyEvent(t, pr)))
	assert.Empty(t, queue.Published())
	assert.Equal(t, string(pipeline.StateUnderReview), prs.state(pr.ID))
}
