package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prwarden/prwarden/internal/domain"
)

const analysisColumns = `id, check_run_id, category, confidence, root_cause,
	recommended_action, metadata, created_at`

// AnalysisStore persists analyzer verdicts.
type AnalysisStore struct {
	pool *pgxpool.Pool
}

// NewAnalysisStore creates an AnalysisStore backed by the given pool.
func NewAnalysisStore(pool *pgxpool.Pool) *AnalysisStore {
	return &AnalysisStore{pool: pool}
}

func scanAnalysis(row pgx.Row) (*domain.AnalysisResult, error) {
	var (
		a        domain.AnalysisResult
		metadata []byte
	)
	err := row.Scan(&a.ID, &a.CheckRunID, &a.Category, &a.Confidence,
		&a.RootCause, &a.Recommended, &metadata, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal analysis metadata: %w", err)
		}
	}
	return &a, nil
}

// Create persists an analysis result and fills in its id and timestamp.
func (s *AnalysisStore) Create(ctx context.Context, a *domain.AnalysisResult) error {
	metadata, err := json.Marshal(orEmptyMap(a.Metadata))
	if err != nil {
		return fmt.Errorf("marshal analysis metadata: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO analysis_results (check_run_id, category, confidence, root_cause, recommended_action, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		a.CheckRunID, a.Category, a.Confidence, a.RootCause, a.Recommended, metadata).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create analysis result: %w", err)
	}
	return nil
}

// Get returns an analysis result by id.
func (s *AnalysisStore) Get(ctx context.Context, id uuid.UUID) (*domain.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analysis_results WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewFault(domain.FaultNotFound, "analysis.get", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis result %s: %w", id, err)
	}
	return a, nil
}

// LatestForCheck returns the most recent analysis of a check run, or a
// not-found fault when the check was never analyzed.
func (s *AnalysisStore) LatestForCheck(ctx context.Context, checkID uuid.UUID) (*domain.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+analysisColumns+` FROM analysis_results
		WHERE check_run_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, checkID)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewFault(domain.FaultNotFound, "analysis.latest_for_check", err)
	}
	if err != nil {
		return nil, fmt.Errorf("latest analysis for check %s: %w", checkID, err)
	}
	return a, nil
}
