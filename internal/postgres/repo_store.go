package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prwarden/prwarden/internal/domain"
)

const repositoryColumns = `id, owner, name, url, status, failure_count, overrides,
	last_polled_at, created_at, updated_at`

// RepositoryStore persists the monitored-repository roster.
type RepositoryStore struct {
	pool *pgxpool.Pool
}

// NewRepositoryStore creates a RepositoryStore backed by the given pool.
func NewRepositoryStore(pool *pgxpool.Pool) *RepositoryStore {
	return &RepositoryStore{pool: pool}
}

func scanRepository(row pgx.Row) (*domain.Repository, error) {
	var (
		r         domain.Repository
		overrides []byte
	)
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.URL, &r.Status, &r.FailureCount,
		&overrides, &r.LastPolledAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &r.Overrides); err != nil {
			return nil, fmt.Errorf("unmarshal repository overrides: %w", err)
		}
	}
	return &r, nil
}

// Upsert creates a repository or updates its URL and overrides. Status,
// failure count and poll watermark are owned by the scheduler and are not
// touched by imports.
func (s *RepositoryStore) Upsert(ctx context.Context, repo *domain.Repository) error {
	overrides, err := json.Marshal(orEmptyMap(repo.Overrides))
	if err != nil {
		return fmt.Errorf("marshal repository overrides: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO repositories (owner, name, url, status, overrides)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner, name) DO UPDATE
		SET url = EXCLUDED.url, overrides = EXCLUDED.overrides, updated_at = now()
		RETURNING `+repositoryColumns,
		repo.Owner, repo.Name, repo.URL, domain.RepoStatusActive, overrides)

	got, err := scanRepository(row)
	if err != nil {
		return fmt.Errorf("upsert repository %s/%s: %w", repo.Owner, repo.Name, err)
	}
	*repo = *got
	return nil
}

// Get returns a repository by id.
func (s *RepositoryStore) Get(ctx context.Context, id uuid.UUID) (*domain.Repository, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id)
	repo, err := scanRepository(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewFault(domain.FaultNotFound, "repo.get", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", id, err)
	}
	return repo, nil
}

// GetByName returns a repository by owner and name.
func (s *RepositoryStore) GetByName(ctx context.Context, owner, name string) (*domain.Repository, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE owner = $1 AND name = $2`, owner, name)
	repo, err := scanRepository(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewFault(domain.FaultNotFound, "repo.get_by_name", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s/%s: %w", owner, name, err)
	}
	return repo, nil
}

// List returns repositories, optionally filtered by status, ordered by
// creation time so scheduler insertion order is stable.
func (s *RepositoryStore) List(ctx context.Context, status domain.RepoStatus) ([]domain.Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var result []domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		result = append(result, *repo)
	}
	return result, rows.Err()
}

// SetStatus updates a repository's lifecycle status.
func (s *RepositoryStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.RepoStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE repositories SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set repository status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewFault(domain.FaultNotFound, "repo.set_status", pgx.ErrNoRows)
	}
	return nil
}

// RecordFailure increments the consecutive-failure counter and returns the
// new count.
func (s *RepositoryStore) RecordFailure(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE repositories
		SET failure_count = failure_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING failure_count`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record repository failure: %w", err)
	}
	return count, nil
}

// Delete removes a repository and, via cascade, its PRs, checks and
// history. Operator action only.
func (s *RepositoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewFault(domain.FaultNotFound, "repo.delete", pgx.ErrNoRows)
	}
	return nil
}

// Due returns active repositories whose last poll is older than interval
// (or never polled), ordered by least recently polled first.
func (s *RepositoryStore) Due(ctx context.Context, interval time.Duration) ([]domain.Repository, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+repositoryColumns+` FROM repositories
		WHERE status = $1 AND (last_polled_at IS NULL OR last_polled_at <= now() - make_interval(secs => $2))
		ORDER BY last_polled_at NULLS FIRST, created_at, id`,
		domain.RepoStatusActive, interval.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list due repositories: %w", err)
	}
	defer rows.Close()

	var result []domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		result = append(result, *repo)
	}
	return result, rows.Err()
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
