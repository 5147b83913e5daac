package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/postgres"
)

func seedRepo(t *testing.T, pool *pgxpool.Pool) *domain.Repository {
	t.Helper()
	repo := newTestRepo("acme", "widgets")
	require.NoError(t, postgres.NewRepositoryStore(pool).Upsert(context.Background(), repo))
	return repo
}

func seedPR(t *testing.T, pool *pgxpool.Pool, repoID uuid.UUID, number int) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO pull_requests (repository_id, number, title, author, state, base_branch, head_branch, base_sha, head_sha, url)
		VALUES ($1, $2, 'add feature', 'dev', 'opened', 'main', 'feature', 'base1', 'head1', 'https://example.com/pr')
		RETURNING id`, repoID, number).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedCheck(t *testing.T, pool *pgxpool.Pool, prID uuid.UUID, externalID string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO check_runs (pull_request_id, external_id, name, status)
		VALUES ($1, $2, 'unit-tests', 'queued')
		RETURNING id`, prID, externalID).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestPullRequestStore_GetAndList(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewPullRequestStore(pool)
	ctx := context.Background()

	repo := seedRepo(t, pool)
	id2 := seedPR(t, pool, repo.ID, 2)
	seedPR(t, pool, repo.ID, 1)

	got, err := store.Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Number)
	assert.Equal(t, "opened", got.PipelineState)

	prs, err := store.ListByRepo(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.Equal(t, 1, prs[0].Number)
	assert.Equal(t, 2, prs[1].Number)

	_, err = store.Get(ctx, uuid.New())
	assert.Equal(t, domain.FaultNotFound, domain.KindOf(err))
}

func TestPullRequestStore_ListChecksByRepo(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewPullRequestStore(pool)
	ctx := context.Background()

	repo := seedRepo(t, pool)
	pr1 := seedPR(t, pool, repo.ID, 1)
	pr2 := seedPR(t, pool, repo.ID, 2)
	seedCheck(t, pool, pr1, "ext-1")
	seedCheck(t, pool, pr1, "ext-2")
	seedCheck(t, pool, pr2, "ext-3")

	byPR, err := store.ListChecksByRepo(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, byPR[pr1], 2)
	assert.Len(t, byPR[pr2], 1)
}

func TestPullRequestStore_TransitionState(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewPullRequestStore(pool)
	ctx := context.Background()

	repo := seedRepo(t, pool)
	prID := seedPR(t, pool, repo.ID, 1)

	err := store.TransitionState(ctx, prID, "opened", "checks_running", domain.TriggerSynchronize, map[string]string{"head_sha": "head1"})
	require.NoError(t, err)

	pr, err := store.Get(ctx, prID)
	require.NoError(t, err)
	assert.Equal(t, "checks_running", pr.PipelineState)

	history, err := store.History(ctx, prID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].PreviousState)
	assert.Equal(t, "opened", *history[0].PreviousState)
	assert.Equal(t, "checks_running", history[0].NewState)
	assert.Equal(t, domain.TriggerSynchronize, history[0].Trigger)
	assert.Equal(t, "head1", history[0].Metadata["head_sha"])
}

func TestPullRequestStore_TransitionState_StaleExpectedConflicts(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewPullRequestStore(pool)
	ctx := context.Background()

	repo := seedRepo(t, pool)
	prID := seedPR(t, pool, repo.ID, 1)

	require.NoError(t, store.TransitionState(ctx, prID, "opened", "checks_running", domain.TriggerSynchronize, nil))

	// A second writer still expecting "opened" must fail, and must leave no
	// history row behind.
	err := store.TransitionState(ctx, prID, "opened", "checks_failed", domain.TriggerManualCheck, nil)
	require.Error(t, err)
	assert.Equal(t, domain.FaultConflict, domain.KindOf(err))

	history, err := store.History(ctx, prID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPullRequestStore_AddCostAccumulates(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewPullRequestStore(pool)
	ctx := context.Background()

	repo := seedRepo(t, pool)
	prID := seedPR(t, pool, repo.ID, 1)

	require.NoError(t, store.AddCost(ctx, prID, 0.25))
	require.NoError(t, store.AddCost(ctx, prID, 0.50))

	pr, err := store.Get(ctx, prID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, pr.Metadata.CostUSD, 1e-9)
}

func TestPullRequestStore_HistoryOrderedOldestFirst(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewPullRequestStore(pool)
	ctx := context.Background()

	repo := seedRepo(t, pool)
	prID := seedPR(t, pool, repo.ID, 1)

	require.NoError(t, store.TransitionState(ctx, prID, "opened", "checks_running", domain.TriggerSynchronize, nil))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.TransitionState(ctx, prID, "checks_running", "checks_failed", domain.TriggerSynchronize, nil))

	history, err := store.History(ctx, prID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "checks_running", history[0].NewState)
	assert.Equal(t, "checks_failed", history[1].NewState)
}
