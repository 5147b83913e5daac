package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prwarden/prwarden/internal/detector"
	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/pipeline"
)

// maxApplyRetries bounds transactional retries on concurrency conflicts.
const maxApplyRetries = 3

// ApplyResult summarizes one synchronizer application.
type ApplyResult struct {
	PRsCreated    int
	PRsUpdated    int
	PRsClosed     int
	ChecksCreated int
	ChecksUpdated int
	HistoryRows   int
	EventsEmitted int
}

// Synchronizer applies a ChangeSet inside a single transaction per
// repository and writes outbox events in that same transaction, so state
// and its announcements commit or roll back together.
type Synchronizer struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer backed by the given pool.
func NewSynchronizer(pool *pgxpool.Pool, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{pool: pool, logger: logger}
}

// Apply commits the changeset atomically. Re-applying an identical
// changeset is a no-op: inserts fall back to updates, and history rows and
// events are only written for rows whose state actually changed. On a
// concurrency conflict the transaction retries up to maxApplyRetries with
// backoff, then the repo's cycle fails.
func (s *Synchronizer) Apply(ctx context.Context, repo domain.Repository, cs *detector.ChangeSet, priority domain.Priority) (*ApplyResult, error) {
	var lastErr error
	for attempt := 0; attempt <= maxApplyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
			s.logger.Warn("synchronizer: retrying after conflict",
				"repo", repo.FullName(), "attempt", attempt)
		}

		result, err := s.applyOnce(ctx, repo, cs, priority)
		if err == nil {
			return result, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, domain.NewFault(domain.FaultConflict, "synchronizer.apply",
		fmt.Errorf("after %d retries: %w", maxApplyRetries, lastErr))
}

func (s *Synchronizer) applyOnce(ctx context.Context, repo domain.Repository, cs *detector.ChangeSet, priority domain.Priority) (*ApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin sync tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	result := &ApplyResult{}
	prIDs := make(map[int]uuid.UUID)  // PR number -> id, for attaching checks and events
	insertedPRs := make(map[int]bool) // PRs genuinely created in this application

	// Step 1: new PRs. A concurrent writer may have raced us, so conflict
	// switches to update; only a genuine insert gets the initial history row.
	for _, np := range cs.NewPRs {
		id, inserted, err := upsertPR(ctx, tx, repo.ID, np)
		if err != nil {
			return nil, err
		}
		prIDs[np.Remote.Number] = id
		if inserted {
			insertedPRs[np.Remote.Number] = true
			result.PRsCreated++
			if err := appendHistory(ctx, tx, id, nil, np.InitialState, triggerForInitial(np), nil); err != nil {
				return nil, err
			}
			result.HistoryRows++
		}
	}

	// Step 2: changed PRs, only the enumerated fields.
	for _, up := range cs.UpdatedPRs {
		if err := updatePRFields(ctx, tx, up); err != nil {
			return nil, err
		}
		prIDs[up.Remote.Number] = up.PRID
		result.PRsUpdated++
	}

	// Step 3: hosting-side closes.
	for _, cl := range cs.ClosedPRs {
		n, err := closePR(ctx, tx, cl)
		if err != nil {
			return nil, err
		}
		result.PRsClosed += n
	}

	// Step 4: state-history rows for detected transitions. The guarded
	// update keeps re-application from duplicating rows.
	for _, tr := range cs.StateTransitions {
		if tr.PRID == uuid.Nil {
			continue // initial row already written with the insert
		}
		applied, err := transitionPR(ctx, tx, tr)
		if err != nil {
			return nil, err
		}
		if applied {
			result.HistoryRows++
		}
	}

	// Step 5: check runs.
	newlyFailed, touched, err := s.applyChecks(ctx, tx, cs, prIDs, result)
	if err != nil {
		return nil, err
	}

	// Step 6: pipeline progression. Each PR with check activity advances
	// through the lifecycle graph according to its full check set, one
	// guarded hop per history row, so the analyzer and reviewer find PRs
	// in the states their claims expect.
	readyPRs, err := advancePipeline(ctx, tx, touched, result)
	if err != nil {
		return nil, err
	}
	moved, err := advanceNewPRsWithoutChecks(ctx, tx, cs, prIDs, insertedPRs, result)
	if err != nil {
		return nil, err
	}
	readyPRs = append(readyPRs, moved...)

	// Step 7: outbox events, same transaction.
	envs, err := buildEvents(repo, prIDs, newlyFailed, readyPRs, priority)
	if err != nil {
		return nil, err
	}
	if err := insertEventsTx(ctx, tx, envs); err != nil {
		return nil, err
	}
	result.EventsEmitted = len(envs)

	// Step 8: poll bookkeeping.
	if _, err := tx.Exec(ctx, `
		UPDATE repositories SET last_polled_at = now(), failure_count = 0, updated_at = now()
		WHERE id = $1`, repo.ID); err != nil {
		return nil, fmt.Errorf("update poll watermark: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sync tx: %w", err)
	}

	if len(envs) > 0 {
		// Wake consumers outside the transaction; delivery does not depend
		// on the notify arriving.
		if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, '')", eventsChannel); err != nil {
			s.logger.Warn("synchronizer: notify failed", "error", err)
		}
	}
	return result, nil
}

func upsertPR(ctx context.Context, tx pgx.Tx, repoID uuid.UUID, np detector.NewPR) (uuid.UUID, bool, error) {
	r := np.Remote
	metadata, err := json.Marshal(domain.PRMetadata{Labels: r.Labels, MergedAt: r.MergedAt})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal pr metadata: %w", err)
	}

	var (
		id       uuid.UUID
		inserted bool
	)
	// xmax = 0 distinguishes a fresh insert from a conflict-update.
	err = tx.QueryRow(ctx, `
		INSERT INTO pull_requests
			(repository_id, number, title, author, state, draft, base_branch, head_branch,
			 base_sha, head_sha, url, pipeline_state, metadata, last_checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (repository_id, number) DO UPDATE
		SET title = EXCLUDED.title, author = EXCLUDED.author, state = EXCLUDED.state,
		    draft = EXCLUDED.draft, base_branch = EXCLUDED.base_branch,
		    head_branch = EXCLUDED.head_branch, base_sha = EXCLUDED.base_sha,
		    head_sha = EXCLUDED.head_sha, url = EXCLUDED.url,
		    metadata = EXCLUDED.metadata, last_checked_at = now(), updated_at = now()
		RETURNING id, (xmax = 0)`,
		repoID, r.Number, r.Title, r.Author, r.State, r.Draft, r.BaseBranch, r.HeadBranch,
		r.BaseSHA, r.HeadSHA, r.URL, np.InitialState, metadata).Scan(&id, &inserted)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("upsert pr #%d: %w", r.Number, err)
	}
	return id, inserted, nil
}

// updatePRFields writes only the fields the detector enumerated.
func updatePRFields(ctx context.Context, tx pgx.Tx, up detector.PRUpdate) error {
	set := ""
	args := []any{up.PRID}
	argN := 2
	add := func(col string, val any) {
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", col, argN)
		args = append(args, val)
		argN++
	}

	for _, f := range up.ChangedFields {
		switch f {
		case "title":
			add("title", up.Remote.Title)
		case "author":
			add("author", up.Remote.Author)
		case "draft":
			add("draft", up.Remote.Draft)
		case "base_branch":
			add("base_branch", up.Remote.BaseBranch)
		case "head_branch":
			add("head_branch", up.Remote.HeadBranch)
		case "base_sha":
			add("base_sha", up.Remote.BaseSHA)
		case "head_sha":
			add("head_sha", up.Remote.HeadSHA)
		case "metadata":
			metadata, err := json.Marshal(domain.PRMetadata{Labels: up.Remote.Labels, MergedAt: up.Remote.MergedAt})
			if err != nil {
				return fmt.Errorf("marshal pr metadata: %w", err)
			}
			add("metadata", metadata)
		}
	}
	if set == "" {
		return nil
	}

	query := `UPDATE pull_requests SET ` + set + `, last_checked_at = now(), updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update pr fields: %w", err)
	}
	return nil
}

func closePR(ctx context.Context, tx pgx.Tx, cl detector.PRClose) (int, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE pull_requests SET state = $2, updated_at = now()
		WHERE id = $1 AND state <> $2`, cl.PRID, cl.NewState)
	if err != nil {
		return 0, fmt.Errorf("close pr: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// transitionPR moves the pipeline state guarded by the expected previous
// state and appends the history row only when the guard held.
func transitionPR(ctx context.Context, tx pgx.Tx, tr detector.StateTransition) (bool, error) {
	expected := ""
	if tr.PreviousState != nil {
		expected = *tr.PreviousState
	}
	tag, err := tx.Exec(ctx, `
		UPDATE pull_requests SET pipeline_state = $3, updated_at = now()
		WHERE id = $1 AND pipeline_state = $2`, tr.PRID, expected, tr.NewState)
	if err != nil {
		return false, fmt.Errorf("transition pr state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := appendHistory(ctx, tx, tr.PRID, tr.PreviousState, tr.NewState, tr.Trigger, tr.Metadata); err != nil {
		return false, err
	}
	return true, nil
}

func appendHistory(ctx context.Context, tx pgx.Tx, prID uuid.UUID, previous *string, next string, trigger domain.Trigger, metadata map[string]string) error {
	metaJSON, err := json.Marshal(orEmptyMap(metadata))
	if err != nil {
		return fmt.Errorf("marshal history metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO pr_state_history (pull_request_id, previous_state, new_state, trigger, metadata)
		VALUES ($1, $2, $3, $4, $5)`, prID, previous, next, trigger, metaJSON); err != nil {
		return fmt.Errorf("append state history: %w", err)
	}
	return nil
}

// failedCheck is a check that newly completed with a failing conclusion in
// this application.
type failedCheck struct {
	checkID     uuid.UUID
	prNumber    int
	name        string
	logsURL     string
	completedAt time.Time
}

func (s *Synchronizer) applyChecks(ctx context.Context, tx pgx.Tx, cs *detector.ChangeSet, prIDs map[int]uuid.UUID, result *ApplyResult) ([]failedCheck, map[uuid.UUID]bool, error) {
	var failed []failedCheck
	touched := make(map[uuid.UUID]bool) // PRs whose check set actually changed

	for _, nc := range cs.NewChecks {
		prID, ok := prIDs[nc.PRNumber]
		if !ok {
			var err error
			prID, err = lookupPRID(ctx, tx, cs.RepositoryID, nc.PRNumber)
			if err != nil {
				return nil, nil, err
			}
			prIDs[nc.PRNumber] = prID
		}
		c := nc.Check
		var (
			id       uuid.UUID
			inserted bool
		)
		err := tx.QueryRow(ctx, `
			INSERT INTO check_runs
				(pull_request_id, external_id, name, suite_id, status, conclusion,
				 logs_url, details_url, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (external_id) DO UPDATE
			SET status = EXCLUDED.status, conclusion = EXCLUDED.conclusion,
			    started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
			    details_url = EXCLUDED.details_url, updated_at = now()
			WHERE (check_runs.status, check_runs.conclusion) IS DISTINCT FROM
			      (EXCLUDED.status, EXCLUDED.conclusion)
			RETURNING id, (xmax = 0)`,
			prID, c.ExternalID, c.Name, c.SuiteID, c.Status, c.Conclusion,
			c.LogsURL, c.DetailsURL, c.StartedAt, c.CompletedAt).Scan(&id, &inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			continue // conflict-update guard matched nothing: no change
		}
		if err != nil {
			return nil, nil, fmt.Errorf("insert check run %s: %w", c.ExternalID, err)
		}
		if inserted {
			result.ChecksCreated++
		} else {
			result.ChecksUpdated++
		}
		touched[prID] = true
		if isFailure(c.Status, c.Conclusion) {
			failed = append(failed, failedCheck{
				checkID: id, prNumber: nc.PRNumber, name: c.Name,
				logsURL: c.LogsURL, completedAt: derefTime(c.CompletedAt),
			})
		}
	}

	for _, uc := range cs.UpdatedChecks {
		c := uc.Check
		tag, err := tx.Exec(ctx, `
			UPDATE check_runs
			SET status = $2, conclusion = $3, started_at = $4, completed_at = $5,
			    details_url = $6, updated_at = now()
			WHERE id = $1 AND (status, conclusion, started_at, completed_at, details_url)
			      IS DISTINCT FROM ($2, $3, $4, $5, $6)`,
			uc.CheckID, c.Status, c.Conclusion, c.StartedAt, c.CompletedAt, c.DetailsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("update check run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		result.ChecksUpdated++
		prID, ok := prIDs[uc.PRNumber]
		if !ok {
			prID, err = lookupPRID(ctx, tx, cs.RepositoryID, uc.PRNumber)
			if err != nil {
				return nil, nil, err
			}
			prIDs[uc.PRNumber] = prID
		}
		touched[prID] = true
		if isFailure(c.Status, c.Conclusion) && fieldChanged(uc.ChangedFields, "conclusion") {
			failed = append(failed, failedCheck{
				checkID: uc.CheckID, prNumber: uc.PRNumber, name: c.Name,
				logsURL: c.LogsURL, completedAt: derefTime(c.CompletedAt),
			})
		}
	}

	return failed, touched, nil
}

// advancePipeline walks each touched PR forward through the lifecycle graph
// to the state its check set implies: opened→checks_running once checks
// exist, then checks_running→checks_failed/checks_passed on completion, then
// checks_passed→ready_for_review. Only those states are driven from here;
// every later state belongs to the worker holding the claim. Each hop is a
// guarded update, so a racing worker's transition simply stops the walk.
func advancePipeline(ctx context.Context, tx pgx.Tx, touched map[uuid.UUID]bool, result *ApplyResult) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	// Deterministic order keeps concurrent appliers from deadlocking on
	// row locks.
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var ready []uuid.UUID
	for _, prID := range ids {
		var state string
		err := tx.QueryRow(ctx,
			`SELECT pipeline_state FROM pull_requests WHERE id = $1 FOR UPDATE`, prID).Scan(&state)
		if err != nil {
			return nil, fmt.Errorf("lock pr for pipeline advance: %w", err)
		}
		from := pipeline.State(state)
		if from != pipeline.StateOpened && from != pipeline.StateChecksRunning {
			continue
		}

		checks, err := loadCheckStates(ctx, tx, prID)
		if err != nil {
			return nil, err
		}
		if len(checks) == 0 {
			continue
		}
		target := pipeline.OnCheckCompletion(checks)

		cur := from
		var hops []pipeline.State
		if cur == pipeline.StateOpened {
			// checks_failed and checks_passed are only reachable through
			// checks_running, even when the checks were discovered already
			// complete.
			hops = append(hops, pipeline.StateChecksRunning)
			cur = pipeline.StateChecksRunning
		}
		if target != cur && pipeline.CanTransition(cur, target) {
			hops = append(hops, target)
			cur = target
		}
		if cur == pipeline.StateChecksPassed {
			hops = append(hops, pipeline.StateReadyForReview)
			cur = pipeline.StateReadyForReview
		}

		prev := from
		walked := true
		for _, next := range hops {
			ps := string(prev)
			applied, err := transitionPR(ctx, tx, detector.StateTransition{
				PRID:          prID,
				PreviousState: &ps,
				NewState:      string(next),
				Trigger:       domain.TriggerSynchronize,
			})
			if err != nil {
				return nil, err
			}
			if !applied {
				walked = false // a worker holds the PR; its state wins
				break
			}
			result.HistoryRows++
			prev = next
		}
		if walked && prev == pipeline.StateReadyForReview {
			ready = append(ready, prID)
		}
	}
	return ready, nil
}

// advanceNewPRsWithoutChecks moves freshly inserted open non-draft PRs with
// no discovered checks straight to ready_for_review, so the emitted
// pr.ready_for_review event matches the state the reviewer's claim expects.
func advanceNewPRsWithoutChecks(ctx context.Context, tx pgx.Tx, cs *detector.ChangeSet, prIDs map[int]uuid.UUID, insertedPRs map[int]bool, result *ApplyResult) ([]uuid.UUID, error) {
	checksByPR := make(map[int]bool)
	for _, nc := range cs.NewChecks {
		checksByPR[nc.PRNumber] = true
	}

	var ready []uuid.UUID
	for _, np := range cs.NewPRs {
		if !insertedPRs[np.Remote.Number] || np.InitialState != "opened" ||
			np.Remote.Draft || checksByPR[np.Remote.Number] {
			continue
		}
		prID := prIDs[np.Remote.Number]
		opened := string(pipeline.StateOpened)
		applied, err := transitionPR(ctx, tx, detector.StateTransition{
			PRID:          prID,
			PreviousState: &opened,
			NewState:      string(pipeline.StateReadyForReview),
			Trigger:       domain.TriggerOpened,
			Metadata:      map[string]string{"reason": "no checks configured"},
		})
		if err != nil {
			return nil, err
		}
		if applied {
			result.HistoryRows++
			ready = append(ready, prID)
		}
	}
	return ready, nil
}

func loadCheckStates(ctx context.Context, tx pgx.Tx, prID uuid.UUID) ([]domain.CheckRun, error) {
	rows, err := tx.Query(ctx,
		`SELECT status, conclusion FROM check_runs WHERE pull_request_id = $1`, prID)
	if err != nil {
		return nil, fmt.Errorf("load check states: %w", err)
	}
	defer rows.Close()

	var checks []domain.CheckRun
	for rows.Next() {
		var c domain.CheckRun
		if err := rows.Scan(&c.Status, &c.Conclusion); err != nil {
			return nil, fmt.Errorf("scan check state: %w", err)
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

func lookupPRID(ctx context.Context, tx pgx.Tx, repoID uuid.UUID, number int) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM pull_requests WHERE repository_id = $1 AND number = $2`,
		repoID, number).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup pr #%d: %w", number, err)
	}
	return id, nil
}

// buildEvents derives outbox events from the applied changeset: check.failed
// for newly failed checks in completed_at order, and pr.ready_for_review for
// every PR the pipeline progression moved into ready_for_review.
func buildEvents(repo domain.Repository, prIDs map[int]uuid.UUID, failed []failedCheck, readyPRs []uuid.UUID, priority domain.Priority) ([]events.Envelope, error) {
	var envs []events.Envelope

	// The analyzer must observe failures in non-decreasing completed_at
	// order per PR; emitting them sorted plus per-correlation FIFO delivery
	// gives that guarantee.
	sort.SliceStable(failed, func(i, j int) bool {
		if !failed[i].completedAt.Equal(failed[j].completedAt) {
			return failed[i].completedAt.Before(failed[j].completedAt)
		}
		return failed[i].checkID.String() < failed[j].checkID.String()
	})
	for _, f := range failed {
		prID := prIDs[f.prNumber]
		env, err := events.New(events.TypeCheckFailed, prID, priority, events.CheckFailed{
			PRID:             prID,
			Repository:       repo.FullName(),
			CheckName:        f.name,
			CheckRunID:       f.checkID,
			FailureTimestamp: f.completedAt,
			LogURL:           f.logsURL,
		})
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	for _, prID := range readyPRs {
		env, err := events.New(events.TypePRReadyForReview, prID, priority, events.PRReadyForReview{PRID: prID})
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	return envs, nil
}

func isFailure(status domain.CheckStatus, conclusion domain.CheckConclusion) bool {
	return status == domain.CheckStatusCompleted &&
		(conclusion == domain.ConclusionFailure || conclusion == domain.ConclusionTimedOut)
}

func fieldChanged(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func triggerForInitial(np detector.NewPR) domain.Trigger {
	if np.InitialState == "opened" {
		return domain.TriggerOpened
	}
	return domain.TriggerClosed
}

// isConflict reports whether an error is a retryable transactional
// conflict: serialization failure, deadlock, or a unique race.
func isConflict(err error) bool {
	if domain.KindOf(err) == domain.FaultConflict {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return true
		}
	}
	return false
}
