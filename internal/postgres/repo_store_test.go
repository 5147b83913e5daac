package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/postgres"
)

func newTestRepo(owner, name string) *domain.Repository {
	return &domain.Repository{
		Owner: owner,
		Name:  name,
		URL:   "https://github.com/" + owner + "/" + name,
	}
}

func TestRepositoryStore_UpsertAndGet(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewRepositoryStore(pool)
	ctx := context.Background()

	repo := newTestRepo("acme", "widgets")
	err := store.Upsert(ctx, repo)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, repo.ID)
	assert.Equal(t, domain.RepoStatusActive, repo.Status)
	assert.False(t, repo.CreatedAt.IsZero())

	got, err := store.Get(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Owner)
	assert.Equal(t, "widgets", got.Name)

	byName, err := store.GetByName(ctx, "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, byName.ID)
}

func TestRepositoryStore_UpsertKeepsSchedulerFields(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewRepositoryStore(pool)
	ctx := context.Background()

	repo := newTestRepo("acme", "widgets")
	require.NoError(t, store.Upsert(ctx, repo))

	require.NoError(t, store.SetStatus(ctx, repo.ID, domain.RepoStatusSuspended))
	_, err := store.RecordFailure(ctx, repo.ID)
	require.NoError(t, err)

	// Re-importing config must not reset status or failure count.
	again := newTestRepo("acme", "widgets")
	again.Overrides = map[string]string{"priority": "high"}
	require.NoError(t, store.Upsert(ctx, again))

	assert.Equal(t, repo.ID, again.ID)
	assert.Equal(t, domain.RepoStatusSuspended, again.Status)
	assert.Equal(t, 1, again.FailureCount)
	assert.Equal(t, "high", again.Overrides["priority"])
}

func TestRepositoryStore_GetNotFound(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewRepositoryStore(pool)

	_, err := store.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, domain.FaultNotFound, domain.KindOf(err))
}

func TestRepositoryStore_ListFilterByStatus(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewRepositoryStore(pool)
	ctx := context.Background()

	a := newTestRepo("acme", "alpha")
	b := newTestRepo("acme", "beta")
	require.NoError(t, store.Upsert(ctx, a))
	require.NoError(t, store.Upsert(ctx, b))
	require.NoError(t, store.SetStatus(ctx, b.ID, domain.RepoStatusSuspended))

	active, err := store.List(ctx, domain.RepoStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alpha", active[0].Name)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepositoryStore_RecordFailureIncrements(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewRepositoryStore(pool)
	ctx := context.Background()

	repo := newTestRepo("acme", "widgets")
	require.NoError(t, store.Upsert(ctx, repo))

	n, err := store.RecordFailure(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.RecordFailure(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRepositoryStore_Due(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewRepositoryStore(pool)
	ctx := context.Background()

	never := newTestRepo("acme", "never-polled")
	recent := newTestRepo("acme", "just-polled")
	require.NoError(t, store.Upsert(ctx, never))
	require.NoError(t, store.Upsert(ctx, recent))

	_, err := pool.Exec(ctx,
		`UPDATE repositories SET last_polled_at = now() WHERE id = $1`, recent.ID)
	require.NoError(t, err)

	due, err := store.Due(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "never-polled", due[0].Name)
}

func TestRepositoryStore_DeleteCascades(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewRepositoryStore(pool)
	ctx := context.Background()

	repo := newTestRepo("acme", "widgets")
	require.NoError(t, store.Upsert(ctx, repo))

	_, err := pool.Exec(ctx, `
		INSERT INTO pull_requests (repository_id, number, title, author, state, base_branch, head_branch, base_sha, head_sha, url)
		VALUES ($1, 1, 't', 'a', 'opened', 'main', 'f', 'b1', 'h1', 'u')`, repo.ID)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, repo.ID))

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM pull_requests WHERE repository_id = $1`, repo.ID).Scan(&count))
	assert.Zero(t, count)

	err = store.Delete(ctx, repo.ID)
	assert.Equal(t, domain.FaultNotFound, domain.KindOf(err))
}
