package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/pipeline"
)

type fakeEventStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	pruned  int
	err     error
}

func (f *fakeEventStore) DeleteAckedBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.pruned, nil
}

type fakePRStore struct {
	mu           sync.Mutex
	stuck        map[string][]domain.PullRequest // by state
	states       map[uuid.UUID]string
	checkCutoffs []time.Time
	checksPruned int
}

func newFakePRStore() *fakePRStore {
	return &fakePRStore{
		stuck:  map[string][]domain.PullRequest{},
		states: map[uuid.UUID]string{},
	}
}

func (f *fakePRStore) addStuck(state string, pr domain.PullRequest) {
	f.stuck[state] = append(f.stuck[state], pr)
	f.states[pr.ID] = state
}

func (f *fakePRStore) ListStuck(_ context.Context, state string, _ time.Time) ([]domain.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stuck[state], nil
}

func (f *fakePRStore) TransitionState(_ context.Context, prID uuid.UUID, expected, next string, _ domain.Trigger, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[prID] != expected {
		return domain.NewFault(domain.FaultConflict, "pr.transition",
			errors.New("state moved"))
	}
	f.states[prID] = next
	return nil
}

func (f *fakePRStore) DeleteChecksOfClosedBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCutoffs = append(f.checkCutoffs, cutoff)
	return f.checksPruned, nil
}

func (f *fakePRStore) state(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

type fakeLogStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	pruned  int
}

func (f *fakeLogStore) RemoveOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.pruned, nil
}

func stuckPR(state string) domain.PullRequest {
	return domain.PullRequest{
		ID:            uuid.New(),
		RepositoryID:  uuid.New(),
		Number:        7,
		State:         "opened",
		PipelineState: state,
		URL:           "https://github.example.com/acme/widgets/pull/7",
	}
}

func TestTick_PrunesEventsAndLogsAtConfiguredCutoffs(t *testing.T) {
	eventStore := &fakeEventStore{pruned: 12}
	logStore := &fakeLogStore{pruned: 3}
	queue := events.NewMemoryQueue()

	prs := newFakePRStore()
	prs.checksPruned = 9

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := New(eventStore, prs, logStore, queue, Options{
		EventsMaxAge: 7 * 24 * time.Hour,
		LogsMaxAge:   30 * 24 * time.Hour,
		ChecksMaxAge: 60 * 24 * time.Hour,
	})
	r.now = func() time.Time { return now }

	status := r.RunNow(context.Background())

	assert.Equal(t, 12, status.EventsPruned)
	assert.Equal(t, 3, status.LogsPruned)
	assert.Equal(t, 9, status.ChecksPruned)
	require.Len(t, eventStore.cutoffs, 1)
	assert.Equal(t, now.Add(-7*24*time.Hour), eventStore.cutoffs[0])
	require.Len(t, logStore.cutoffs, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), logStore.cutoffs[0])
	require.Len(t, prs.checkCutoffs, 1)
	assert.Equal(t, now.Add(-60*24*time.Hour), prs.checkCutoffs[0])
}

func TestTick_TimesOutStuckPRs(t *testing.T) {
	prs := newFakePRStore()
	analyzing := stuckPR(string(pipeline.StateAnalyzing))
	fixing := stuckPR(string(pipeline.StateFixInProgress))
	prs.addStuck(string(pipeline.StateAnalyzing), analyzing)
	prs.addStuck(string(pipeline.StateFixInProgress), fixing)

	queue := events.NewMemoryQueue()
	r := New(&fakeEventStore{}, prs, nil, queue, Options{})

	status := r.RunNow(context.Background())

	assert.Equal(t, 2, status.PRsTimedOut)
	assert.Equal(t, string(pipeline.StateHumanReviewRequired), prs.state(analyzing.ID))
	assert.Equal(t, string(pipeline.StateHumanReviewRequired), prs.state(fixing.ID))

	escalations := queue.PublishedOfType(events.TypeEscalationExceeded)
	require.Len(t, escalations, 2)
	var payload events.EscalationExceeded
	require.NoError(t, escalations[0].Decode(&payload))
	assert.Equal(t, "pr", payload.Scope)
	assert.Equal(t, string(pipeline.ReasonStateTimeout), payload.Reason)

	assert.Len(t, queue.PublishedOfType(events.TypeNotificationSend), 2)
}

func TestTick_ConflictMeansWorkerWonNoEscalation(t *testing.T) {
	prs := newFakePRStore()
	pr := stuckPR(string(pipeline.StateUnderReview))
	prs.addStuck(string(pipeline.StateUnderReview), pr)
	// The reviewer finished between the list and the transition.
	prs.states[pr.ID] = string(pipeline.StateApproved)

	queue := events.NewMemoryQueue()
	r := New(&fakeEventStore{}, prs, nil, queue, Options{})

	status := r.RunNow(context.Background())

	assert.Zero(t, status.PRsTimedOut)
	assert.Equal(t, string(pipeline.StateApproved), prs.state(pr.ID))
	assert.Empty(t, queue.Published())
}

func TestTick_EventPruneFailureDoesNotBlockOtherTasks(t *testing.T) {
	eventStore := &fakeEventStore{err: errors.New("connection reset")}
	logStore := &fakeLogStore{pruned: 5}

	r := New(eventStore, newFakePRStore(), logStore, events.NewMemoryQueue(), Options{})
	status := r.RunNow(context.Background())

	assert.Zero(t, status.EventsPruned)
	assert.Equal(t, 5, status.LogsPruned)
}

func TestTick_NilLogStoreSkipsLogPruning(t *testing.T) {
	r := New(&fakeEventStore{}, newFakePRStore(), nil, events.NewMemoryQueue(), Options{})
	status := r.RunNow(context.Background())
	assert.Zero(t, status.LogsPruned)
}

func TestStartStop_TicksOnInterval(t *testing.T) {
	eventStore := &fakeEventStore{}
	r := New(eventStore, newFakePRStore(), nil, events.NewMemoryQueue(), Options{Interval: time.Minute})
	// withDefaults clamps sub-minute intervals, so drive the ticker directly.
	r.opts.Interval = 10 * time.Millisecond

	r.Start(context.Background())
	assert.Eventually(t, func() bool {
		eventStore.mu.Lock()
		defer eventStore.mu.Unlock()
		return len(eventStore.cutoffs) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, time.Hour, o.Interval)
	assert.Equal(t, 7*24*time.Hour, o.EventsMaxAge)
	assert.Equal(t, 30*24*time.Hour, o.LogsMaxAge)
	assert.Equal(t, 30*24*time.Hour, o.ChecksMaxAge)
	assert.Equal(t, pipeline.DefaultTimeouts(), o.Timeouts)
}
