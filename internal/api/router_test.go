package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/reaper"
)

type fakeRepoStore struct {
	mu    sync.Mutex
	repos map[uuid.UUID]*domain.Repository
}

func newFakeRepoStore(repos ...*domain.Repository) *fakeRepoStore {
	s := &fakeRepoStore{repos: map[uuid.UUID]*domain.Repository{}}
	for _, r := range repos {
		s.repos[r.ID] = r
	}
	return s
}

func (s *fakeRepoStore) List(_ context.Context, status domain.RepoStatus) ([]domain.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Repository
	for _, r := range s.repos {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeRepoStore) Get(_ context.Context, id uuid.UUID) (*domain.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, domain.NewFault(domain.FaultNotFound, "repo.get", errors.New("no rows"))
	}
	cp := *r
	return &cp, nil
}

func (s *fakeRepoStore) Upsert(_ context.Context, repo *domain.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if repo.ID == uuid.Nil {
		repo.ID = uuid.New()
	}
	cp := *repo
	s.repos[repo.ID] = &cp
	return nil
}

func (s *fakeRepoStore) SetStatus(_ context.Context, id uuid.UUID, status domain.RepoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return domain.NewFault(domain.FaultNotFound, "repo.set_status", errors.New("no rows"))
	}
	r.Status = status
	return nil
}

func (s *fakeRepoStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[id]; !ok {
		return domain.NewFault(domain.FaultNotFound, "repo.delete", errors.New("no rows"))
	}
	delete(s.repos, id)
	return nil
}

type fakePullStore struct {
	pulls   map[uuid.UUID]*domain.PullRequest
	checks  map[uuid.UUID][]domain.CheckRun
	history map[uuid.UUID][]domain.StateHistoryEntry
}

func newFakePullStore() *fakePullStore {
	return &fakePullStore{
		pulls:   map[uuid.UUID]*domain.PullRequest{},
		checks:  map[uuid.UUID][]domain.CheckRun{},
		history: map[uuid.UUID][]domain.StateHistoryEntry{},
	}
}

func (s *fakePullStore) Get(_ context.Context, id uuid.UUID) (*domain.PullRequest, error) {
	pr, ok := s.pulls[id]
	if !ok {
		return nil, domain.NewFault(domain.FaultNotFound, "pr.get", errors.New("no rows"))
	}
	return pr, nil
}

func (s *fakePullStore) ListByRepo(_ context.Context, repoID uuid.UUID) ([]domain.PullRequest, error) {
	var out []domain.PullRequest
	for _, pr := range s.pulls {
		if pr.RepositoryID == repoID {
			out = append(out, *pr)
		}
	}
	return out, nil
}

func (s *fakePullStore) ListChecks(_ context.Context, prID uuid.UUID) ([]domain.CheckRun, error) {
	return s.checks[prID], nil
}

func (s *fakePullStore) History(_ context.Context, prID uuid.UUID) ([]domain.StateHistoryEntry, error) {
	return s.history[prID], nil
}

type fakeAnalysisStore struct {
	analysis *domain.AnalysisResult
}

func (s *fakeAnalysisStore) LatestForCheck(_ context.Context, _ uuid.UUID) (*domain.AnalysisResult, error) {
	if s.analysis == nil {
		return nil, domain.NewFault(domain.FaultNotFound, "analysis.latest", errors.New("no rows"))
	}
	return s.analysis, nil
}

type fakeFixStore struct {
	fixes []domain.FixAttempt
}

func (s *fakeFixStore) ListForAnalysis(_ context.Context, _ uuid.UUID) ([]domain.FixAttempt, error) {
	return s.fixes, nil
}

type fakeReviewStore struct {
	reviews []domain.Review
}

func (s *fakeReviewStore) ListByPR(_ context.Context, _ uuid.UUID) ([]domain.Review, error) {
	return s.reviews, nil
}

type fakePoller struct {
	mu     sync.Mutex
	polled []string
}

func (p *fakePoller) PollNow(repo domain.Repository) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polled = append(p.polled, repo.FullName())
}

type fakeReaper struct{ status reaper.Status }

func (f *fakeReaper) RunNow(_ context.Context) reaper.Status { return f.status }

func activeRepo() *domain.Repository {
	return &domain.Repository{
		ID:     uuid.New(),
		Owner:  "acme",
		Name:   "widgets",
		URL:    "https://github.com/acme/widgets",
		Status: domain.RepoStatusActive,
	}
}

func newTestServer(repos *fakeRepoStore, pulls *fakePullStore) *Server {
	return &Server{
		Repos:    repos,
		Pulls:    pulls,
		Analyses: &fakeAnalysisStore{},
		Fixes:    &fakeFixStore{},
		Reviews:  &fakeReviewStore{},
	}
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	NewRouter(srv).ServeHTTP(rec, req)
	return rec
}

func TestListRepos_FiltersByStatus(t *testing.T) {
	active := activeRepo()
	suspended := activeRepo()
	suspended.Name = "gadgets"
	suspended.URL = "https://github.com/acme/gadgets"
	suspended.Status = domain.RepoStatusSuspended

	srv := newTestServer(newFakeRepoStore(active, suspended), newFakePullStore())

	rec := doRequest(t, srv, "GET", "/api/v1/repos?status=suspended", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Repositories []domain.Repository `json:"repositories"`
		Total        int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Repositories, 1)
	assert.Equal(t, "gadgets", resp.Repositories[0].Name)
	assert.Equal(t, 1, resp.Total)
}

func TestListRepos_RejectsUnknownStatus(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	rec := doRequest(t, srv, "GET", "/api/v1/repos?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRepo_DefaultsURLAndReturnsCreated(t *testing.T) {
	store := newFakeRepoStore()
	srv := newTestServer(store, newFakePullStore())

	rec := doRequest(t, srv, "POST", "/api/v1/repos", map[string]string{
		"owner": "acme", "name": "widgets",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var repo domain.Repository
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repo))
	assert.Equal(t, "https://github.com/acme/widgets", repo.URL)
	assert.Equal(t, domain.RepoStatusActive, repo.Status)
	assert.NotEqual(t, uuid.Nil, repo.ID)
}

func TestCreateRepo_RequiresOwnerAndName(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	rec := doRequest(t, srv, "POST", "/api/v1/repos", map[string]string{"owner": "acme"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, ErrorTypeValidation, apiErr.Error.Type)
}

func TestSuspendResume_RoundTrip(t *testing.T) {
	repo := activeRepo()
	store := newFakeRepoStore(repo)
	srv := newTestServer(store, newFakePullStore())

	rec := doRequest(t, srv, "POST", "/api/v1/repos/"+repo.ID.String()+"/suspend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := store.Get(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RepoStatusSuspended, got.Status)

	rec = doRequest(t, srv, "POST", "/api/v1/repos/"+repo.ID.String()+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = store.Get(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RepoStatusActive, got.Status)
}

func TestPollRepo_QueuesActiveRepo(t *testing.T) {
	repo := activeRepo()
	poller := &fakePoller{}
	srv := newTestServer(newFakeRepoStore(repo), newFakePullStore())
	srv.Poller = poller

	rec := doRequest(t, srv, "POST", "/api/v1/repos/"+repo.ID.String()+"/poll", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"acme/widgets"}, poller.polled)
}

func TestPollRepo_SuspendedConflicts(t *testing.T) {
	repo := activeRepo()
	repo.Status = domain.RepoStatusSuspended
	poller := &fakePoller{}
	srv := newTestServer(newFakeRepoStore(repo), newFakePullStore())
	srv.Poller = poller

	rec := doRequest(t, srv, "POST", "/api/v1/repos/"+repo.ID.String()+"/poll", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, poller.polled)
}

func TestGetRepo_UnknownIDReturns404(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	rec := doRequest(t, srv, "GET", "/api/v1/repos/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRepo_MalformedIDReturns400(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	rec := doRequest(t, srv, "GET", "/api/v1/repos/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPulls_FiltersByPipelineState(t *testing.T) {
	repo := activeRepo()
	pulls := newFakePullStore()
	pr1 := &domain.PullRequest{ID: uuid.New(), RepositoryID: repo.ID, Number: 1, PipelineState: "analyzing"}
	pr2 := &domain.PullRequest{ID: uuid.New(), RepositoryID: repo.ID, Number: 2, PipelineState: "approved"}
	pulls.pulls[pr1.ID] = pr1
	pulls.pulls[pr2.ID] = pr2

	srv := newTestServer(newFakeRepoStore(repo), pulls)
	rec := doRequest(t, srv, "GET", "/api/v1/repos/"+repo.ID.String()+"/pulls?pipeline_state=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		PullRequests []domain.PullRequest `json:"pull_requests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.PullRequests, 1)
	assert.Equal(t, 2, resp.PullRequests[0].Number)
}

func TestPullHistory_ReturnsEntriesOldestFirst(t *testing.T) {
	repo := activeRepo()
	pulls := newFakePullStore()
	pr := &domain.PullRequest{ID: uuid.New(), RepositoryID: repo.ID, Number: 7}
	pulls.pulls[pr.ID] = pr
	pulls.history[pr.ID] = []domain.StateHistoryEntry{
		{PullRequestID: pr.ID, NewState: "opened"},
		{PullRequestID: pr.ID, NewState: "checks_running"},
	}

	srv := newTestServer(newFakeRepoStore(repo), pulls)
	rec := doRequest(t, srv, "GET", "/api/v1/pulls/"+pr.ID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		History []domain.StateHistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.History, 2)
	assert.Equal(t, "opened", resp.History[0].NewState)
}

func TestPullHistory_UnknownPRReturns404(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	rec := doRequest(t, srv, "GET", "/api/v1/pulls/"+uuid.NewString()+"/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckAnalysis_NotFoundWhenNeverAnalyzed(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	rec := doRequest(t, srv, "GET", "/api/v1/checks/"+uuid.NewString()+"/analysis", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReaperRun_ReturnsSweepStats(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	srv.Reaper = &fakeReaper{status: reaper.Status{EventsPruned: 4, PRsTimedOut: 1}}

	rec := doRequest(t, srv, "POST", "/api/v1/admin/reaper/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status reaper.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 4, status.EventsPruned)
	assert.Equal(t, 1, status.PRsTimedOut)
}

func TestHealthReady_ReportsFailingDependency(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	srv.DBHealth = healthFunc(func(context.Context) error { return nil })
	srv.EditorHealth = healthFunc(func(context.Context) error { return errors.New("dial tcp: refused") })

	rec := doRequest(t, srv, "GET", "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["postgres"].Status)
	assert.Equal(t, "error", resp.Checks["editor"].Status)
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())

	rec := doRequest(t, srv, "GET", "/api/v1/repos", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/api/v1/repos", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	NewRouter(srv).ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRateLimit_Returns429WhenBucketEmpty(t *testing.T) {
	srv := newTestServer(newFakeRepoStore(), newFakePullStore())
	srv.RateLimit = &RateLimitConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
		CleanupInterval:   time.Minute,
	}
	router := NewRouter(srv)
	defer srv.RateLimiterStop()

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("GET", "/api/v1/repos", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest("GET", "/api/v1/repos", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}
