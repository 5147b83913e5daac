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

const pullRequestColumns = `id, repository_id, number, title, author, state, draft,
	base_branch, head_branch, base_sha, head_sha, url, pipeline_state, metadata,
	last_checked_at, created_at, updated_at`

const checkRunColumns = `id, pull_request_id, external_id, name, suite_id, status,
	conclusion, logs_url, details_url, started_at, completed_at, created_at, updated_at`

// PullRequestStore reads and mutates pull requests, their check runs and
// the append-only state history.
type PullRequestStore struct {
	pool *pgxpool.Pool
}

// NewPullRequestStore creates a PullRequestStore backed by the given pool.
func NewPullRequestStore(pool *pgxpool.Pool) *PullRequestStore {
	return &PullRequestStore{pool: pool}
}

func scanPullRequest(row pgx.Row) (*domain.PullRequest, error) {
	var (
		pr       domain.PullRequest
		metadata []byte
	)
	err := row.Scan(&pr.ID, &pr.RepositoryID, &pr.Number, &pr.Title, &pr.Author,
		&pr.State, &pr.Draft, &pr.BaseBranch, &pr.HeadBranch, &pr.BaseSHA, &pr.HeadSHA,
		&pr.URL, &pr.PipelineState, &metadata, &pr.LastCheckedAt, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &pr.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal pr metadata: %w", err)
		}
	}
	return &pr, nil
}

func scanCheckRun(row pgx.Row) (*domain.CheckRun, error) {
	var c domain.CheckRun
	err := row.Scan(&c.ID, &c.PullRequestID, &c.ExternalID, &c.Name, &c.SuiteID,
		&c.Status, &c.Conclusion, &c.LogsURL, &c.DetailsURL,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get returns a pull request by id.
func (s *PullRequestStore) Get(ctx context.Context, id uuid.UUID) (*domain.PullRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests WHERE id = $1`, id)
	pr, err := scanPullRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewFault(domain.FaultNotFound, "pr.get", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get pull request %s: %w", id, err)
	}
	return pr, nil
}

// ListByRepo returns all pull requests of a repository ordered by number.
func (s *PullRequestStore) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]domain.PullRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests WHERE repository_id = $1 ORDER BY number`, repoID)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()

	var result []domain.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		result = append(result, *pr)
	}
	return result, rows.Err()
}

// ListChecksByRepo returns all check runs of a repository keyed by PR id.
func (s *PullRequestStore) ListChecksByRepo(ctx context.Context, repoID uuid.UUID) (map[uuid.UUID][]domain.CheckRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixColumns("c", checkRunColumns)+`
		FROM check_runs c
		JOIN pull_requests p ON p.id = c.pull_request_id
		WHERE p.repository_id = $1
		ORDER BY c.external_id`, repoID)
	if err != nil {
		return nil, fmt.Errorf("list check runs: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID][]domain.CheckRun)
	for rows.Next() {
		c, err := scanCheckRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan check run: %w", err)
		}
		result[c.PullRequestID] = append(result[c.PullRequestID], *c)
	}
	return result, rows.Err()
}

// ListChecks returns the check runs of one pull request.
func (s *PullRequestStore) ListChecks(ctx context.Context, prID uuid.UUID) ([]domain.CheckRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkRunColumns+` FROM check_runs WHERE pull_request_id = $1 ORDER BY external_id`, prID)
	if err != nil {
		return nil, fmt.Errorf("list check runs: %w", err)
	}
	defer rows.Close()

	var result []domain.CheckRun
	for rows.Next() {
		c, err := scanCheckRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan check run: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// ListStuck returns open PRs sitting in the given pipeline state since
// before the cutoff. Used by the retention sweeper to enforce per-state
// timeouts.
func (s *PullRequestStore) ListStuck(ctx context.Context, state string, cutoff time.Time) ([]domain.PullRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pullRequestColumns+`
		FROM pull_requests
		WHERE pipeline_state = $1 AND state = 'opened' AND updated_at < $2
		ORDER BY updated_at`, state, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck pull requests: %w", err)
	}
	defer rows.Close()

	var result []domain.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		result = append(result, *pr)
	}
	return result, rows.Err()
}

// DeleteChecksOfClosedBefore removes check runs whose pull request reached a
// terminal state before the cutoff. PR rows and state history are kept.
func (s *PullRequestStore) DeleteChecksOfClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM check_runs c
		USING pull_requests p
		WHERE c.pull_request_id = p.id
		  AND p.pipeline_state IN ('merged', 'closed')
		  AND p.updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete closed-pr check runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetCheck returns a check run by id.
func (s *PullRequestStore) GetCheck(ctx context.Context, id uuid.UUID) (*domain.CheckRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkRunColumns+` FROM check_runs WHERE id = $1`, id)
	c, err := scanCheckRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewFault(domain.FaultNotFound, "check.get", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get check run %s: %w", id, err)
	}
	return c, nil
}

// History returns a PR's state-history rows oldest first.
func (s *PullRequestStore) History(ctx context.Context, prID uuid.UUID) ([]domain.StateHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pull_request_id, previous_state, new_state, trigger, metadata, created_at
		FROM pr_state_history WHERE pull_request_id = $1 ORDER BY created_at, id`, prID)
	if err != nil {
		return nil, fmt.Errorf("list state history: %w", err)
	}
	defer rows.Close()

	var result []domain.StateHistoryEntry
	for rows.Next() {
		var (
			e        domain.StateHistoryEntry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.PullRequestID, &e.PreviousState, &e.NewState,
			&e.Trigger, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan state history: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal history metadata: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// TransitionState applies a pipeline-state transition with an optimistic
// concurrency check: the update only lands when the stored state still
// matches expected. A mismatch returns a concurrency-conflict fault; the
// caller re-reads and re-plans.
func (s *PullRequestStore) TransitionState(ctx context.Context, prID uuid.UUID, expected, next string, trigger domain.Trigger, metadata map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, `
		UPDATE pull_requests SET pipeline_state = $3, updated_at = now()
		WHERE id = $1 AND pipeline_state = $2`, prID, expected, next)
	if err != nil {
		return fmt.Errorf("update pipeline state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewFault(domain.FaultConflict, "pr.transition",
			fmt.Errorf("state is no longer %q", expected))
	}

	metaJSON, err := json.Marshal(orEmptyMap(metadata))
	if err != nil {
		return fmt.Errorf("marshal transition metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO pr_state_history (pull_request_id, previous_state, new_state, trigger, metadata)
		VALUES ($1, $2, $3, $4, $5)`, prID, expected, next, trigger, metaJSON); err != nil {
		return fmt.Errorf("append state history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

// AddCost accumulates automation spend onto a PR's metadata.
func (s *PullRequestStore) AddCost(ctx context.Context, prID uuid.UUID, usd float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pull_requests
		SET metadata = jsonb_set(metadata, '{cost_usd}',
			to_jsonb(COALESCE((metadata->>'cost_usd')::double precision, 0) + $2)),
		    updated_at = now()
		WHERE id = $1`, prID, usd)
	if err != nil {
		return fmt.Errorf("add pr cost: %w", err)
	}
	return nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, cols string) string {
	out := ""
	start := 0
	for i := 0; i <= len(cols); i++ {
		if i == len(cols) || cols[i] == ',' {
			col := cols[start:i]
			for len(col) > 0 && (col[0] == ' ' || col[0] == '\n' || col[0] == '\t') {
				col = col[1:]
			}
			if out != "" {
				out += ", "
			}
			out += alias + "." + col
			start = i + 1
		}
	}
	return out
}
