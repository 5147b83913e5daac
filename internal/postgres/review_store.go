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

const reviewColumns = `id, pull_request_id, reviewer_type, status, decision,
	comments, feedback, started_at, finished_at`

// ReviewStore persists reviewer passes and aggregates.
type ReviewStore struct {
	pool *pgxpool.Pool
}

// NewReviewStore creates a ReviewStore backed by the given pool.
func NewReviewStore(pool *pgxpool.Pool) *ReviewStore {
	return &ReviewStore{pool: pool}
}

func scanReview(row pgx.Row) (*domain.Review, error) {
	var (
		r        domain.Review
		comments []byte
	)
	err := row.Scan(&r.ID, &r.PullRequestID, &r.ReviewerType, &r.Status,
		&r.Decision, &comments, &r.Feedback, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	if len(comments) > 0 {
		if err := json.Unmarshal(comments, &r.Comments); err != nil {
			return nil, fmt.Errorf("unmarshal review comments: %w", err)
		}
	}
	return &r, nil
}

// Create persists a review row and fills in its id and start time.
func (s *ReviewStore) Create(ctx context.Context, r *domain.Review) error {
	comments := r.Comments
	if comments == nil {
		comments = []domain.ReviewComment{}
	}
	commentsJSON, err := json.Marshal(comments)
	if err != nil {
		return fmt.Errorf("marshal review comments: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO reviews (pull_request_id, reviewer_type, status, decision, comments, feedback)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, started_at`,
		r.PullRequestID, r.ReviewerType, r.Status, r.Decision, commentsJSON, r.Feedback).
		Scan(&r.ID, &r.StartedAt)
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

// Get returns a review by id.
func (s *ReviewStore) Get(ctx context.Context, id uuid.UUID) (*domain.Review, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE id = $1`, id)
	r, err := scanReview(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewFault(domain.FaultNotFound, "review.get", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get review %s: %w", id, err)
	}
	return r, nil
}

// Finish records a review's terminal state, decision and comments.
func (s *ReviewStore) Finish(ctx context.Context, id uuid.UUID, status string, decision domain.ReviewDecision, comments []domain.ReviewComment, feedback string) error {
	if comments == nil {
		comments = []domain.ReviewComment{}
	}
	commentsJSON, err := json.Marshal(comments)
	if err != nil {
		return fmt.Errorf("marshal review comments: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE reviews
		SET status = $2, decision = $3, comments = $4, feedback = $5, finished_at = now()
		WHERE id = $1`, id, status, decision, commentsJSON, feedback)
	if err != nil {
		return fmt.Errorf("finish review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewFault(domain.FaultNotFound, "review.finish", pgx.ErrNoRows)
	}
	return nil
}

// ListByPR returns a PR's reviews oldest first.
func (s *ReviewStore) ListByPR(ctx context.Context, prID uuid.UUID) ([]domain.Review, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE pull_request_id = $1 ORDER BY started_at, id`, prID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var result []domain.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}
