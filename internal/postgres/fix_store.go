package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prwarden/prwarden/internal/domain"
)

const fixAttemptColumns = `id, analysis_id, strategy, status, retry_count,
	success, error, started_at, finished_at`

// FixAttemptStore persists fixer passes.
type FixAttemptStore struct {
	pool *pgxpool.Pool
}

// NewFixAttemptStore creates a FixAttemptStore backed by the given pool.
func NewFixAttemptStore(pool *pgxpool.Pool) *FixAttemptStore {
	return &FixAttemptStore{pool: pool}
}

func scanFixAttempt(row pgx.Row) (*domain.FixAttempt, error) {
	var f domain.FixAttempt
	err := row.Scan(&f.ID, &f.AnalysisID, &f.Strategy, &f.Status, &f.RetryCount,
		&f.Success, &f.Error, &f.StartedAt, &f.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Create persists a new fix attempt and fills in its id and start time.
func (s *FixAttemptStore) Create(ctx context.Context, f *domain.FixAttempt) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO fix_attempts (analysis_id, strategy, status, retry_count)
		VALUES ($1, $2, $3, $4)
		RETURNING id, started_at`,
		f.AnalysisID, f.Strategy, f.Status, f.RetryCount).Scan(&f.ID, &f.StartedAt)
	if err != nil {
		return fmt.Errorf("create fix attempt: %w", err)
	}
	return nil
}

// SetStatus moves an attempt through its lifecycle without finishing it.
func (s *FixAttemptStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.FixStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fix_attempts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set fix attempt status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewFault(domain.FaultNotFound, "fix.set_status", pgx.ErrNoRows)
	}
	return nil
}

// Finish records the attempt's terminal status and outcome.
func (s *FixAttemptStore) Finish(ctx context.Context, id uuid.UUID, status domain.FixStatus, success bool, errMsg string) error {
	var errCol *string
	if errMsg != "" {
		errCol = &errMsg
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE fix_attempts
		SET status = $2, success = $3, error = $4, finished_at = now()
		WHERE id = $1`, id, status, success, errCol)
	if err != nil {
		return fmt.Errorf("finish fix attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewFault(domain.FaultNotFound, "fix.finish", pgx.ErrNoRows)
	}
	return nil
}

// Get returns a fix attempt by id.
func (s *FixAttemptStore) Get(ctx context.Context, id uuid.UUID) (*domain.FixAttempt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fixAttemptColumns+` FROM fix_attempts WHERE id = $1`, id)
	f, err := scanFixAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewFault(domain.FaultNotFound, "fix.get", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get fix attempt %s: %w", id, err)
	}
	return f, nil
}

// CountForAnalysis returns how many attempts were made for an analysis.
func (s *FixAttemptStore) CountForAnalysis(ctx context.Context, analysisID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM fix_attempts WHERE analysis_id = $1`, analysisID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count fix attempts: %w", err)
	}
	return count, nil
}

// ListForAnalysis returns an analysis's attempts oldest first.
func (s *FixAttemptStore) ListForAnalysis(ctx context.Context, analysisID uuid.UUID) ([]domain.FixAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fixAttemptColumns+` FROM fix_attempts WHERE analysis_id = $1 ORDER BY started_at, id`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list fix attempts: %w", err)
	}
	defer rows.Close()

	var result []domain.FixAttempt
	for rows.Next() {
		f, err := scanFixAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fix attempt: %w", err)
		}
		result = append(result, *f)
	}
	return result, rows.Err()
}
