// Package scheduler drives discovery cycles over the monitored repositories.
// It runs as a background goroutine inside wardend, ranking due repositories
// by priority and pushing each through discovery → detection →
// synchronization under a bounded concurrency budget and a wall-clock cycle
// deadline.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/prwarden/prwarden/internal/detector"
	"github.com/prwarden/prwarden/internal/discovery"
	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/github"
	"github.com/prwarden/prwarden/internal/postgres"
)

// RepoStore is the repository surface the scheduler needs.
type RepoStore interface {
	List(ctx context.Context, status domain.RepoStatus) ([]domain.Repository, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Repository, error)
	RecordFailure(ctx context.Context, id uuid.UUID) (int, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.RepoStatus) error
}

// PRStore loads the stored state the detector diffs against.
type PRStore interface {
	ListByRepo(ctx context.Context, repoID uuid.UUID) ([]domain.PullRequest, error)
	ListChecksByRepo(ctx context.Context, repoID uuid.UUID) (map[uuid.UUID][]domain.CheckRun, error)
}

// Discoverer produces a repository snapshot.
type Discoverer interface {
	Discover(ctx context.Context, repo domain.Repository, since time.Time) (*discovery.Snapshot, error)
}

// Applier commits a changeset transactionally.
type Applier interface {
	Apply(ctx context.Context, repo domain.Repository, cs *detector.ChangeSet, priority domain.Priority) (*postgres.ApplyResult, error)
}

// Signals feed the priority function.
type Signals struct {
	FailureCount int
	LastPolledAt *time.Time
}

// PriorityFunc ranks a repository for scheduling. The default honors the
// operator override first, then bumps repositories with recent failures or
// no poll history; signal weights are deliberately pluggable.
type PriorityFunc func(repo domain.Repository, sig Signals) domain.Priority

// DefaultPriority is the stock ranking: operator override > recent
// failures > never polled > normal.
func DefaultPriority(repo domain.Repository, sig Signals) domain.Priority {
	if override, ok := repo.Overrides["priority"]; ok {
		return domain.ParsePriority(override)
	}
	if sig.FailureCount > 0 {
		return domain.PriorityHigh
	}
	if sig.LastPolledAt == nil {
		return domain.PriorityHigh
	}
	return domain.PriorityNormal
}

// Options tunes a Scheduler.
type Options struct {
	Interval            time.Duration // global poll interval
	CycleDeadline       time.Duration // wall-clock budget per cycle
	MaxConcurrent       int64         // repos in flight at once
	BatchSize           int           // repos per cycle
	ConsecutiveFailures int           // suspension threshold, 0 disables
	Priority            PriorityFunc
}

// RepoResult is the outcome of one repository's cycle.
type RepoResult struct {
	Repo     domain.Repository
	Priority domain.Priority
	Apply    *postgres.ApplyResult
	Snapshot *discovery.Snapshot
	Deferred bool // never started; carried to the next cycle
	Err      error
}

// CycleResult is the union of per-repo outcomes; success is not
// all-or-nothing.
type CycleResult struct {
	Scheduled int
	Succeeded int
	Failed    int
	Deferred  int // not started before the deadline, carried to next cycle
	Suspended int
	Results   []RepoResult
}

// Scheduler ranks due repositories and runs their discovery cycles.
type Scheduler struct {
	repos      RepoStore
	prs        PRStore
	discoverer Discoverer
	applier    Applier
	publisher  events.Publisher
	opts       Options
	parser     cron.Parser
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{} // kicks the loop for a manual poll

	mu       sync.Mutex
	manual   []domain.Repository // out-of-cycle polls queued by the API
	lastRun  time.Time
	lastStat CycleResult
}

// New creates a Scheduler.
func New(repos RepoStore, prs PRStore, d Discoverer, a Applier, pub events.Publisher, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Priority == nil {
		opts.Priority = DefaultPriority
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.CycleDeadline <= 0 {
		opts.CycleDeadline = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Scheduler{
		repos:      repos,
		prs:        prs,
		discoverer: d,
		applier:    a,
		publisher:  pub,
		opts:       opts,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     logger,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// Start begins the background cycle goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		// First cycle immediately so a fresh daemon doesn't idle a full
		// interval.
		s.runAndRecord(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runAndRecord(ctx)
			case <-s.wake:
				s.runAndRecord(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// PollNow queues a single repository regardless of its poll schedule and
// wakes the cycle loop, so an operator-requested poll runs promptly instead
// of waiting out the interval.
func (s *Scheduler) PollNow(repo domain.Repository) {
	s.mu.Lock()
	s.manual = append(s.manual, repo)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default: // a wakeup is already pending
	}
}

// LastCycle returns when the previous cycle ran and its result.
func (s *Scheduler) LastCycle() (time.Time, CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastStat
}

func (s *Scheduler) runAndRecord(ctx context.Context) {
	result, err := s.RunCycle(ctx)
	if err != nil {
		s.logger.Error("scheduler: cycle failed", "error", err)
		return
	}
	s.mu.Lock()
	s.lastRun = s.now()
	s.lastStat = *result
	s.mu.Unlock()
}

// RunCycle executes one discovery cycle: select due repositories, rank them,
// and run each through the per-repo pipeline under the concurrency budget.
// A per-repo failure increments its failure count and the cycle continues;
// repos not started before the deadline are deferred with priority intact.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	candidates, err := s.selectDue(ctx)
	if err != nil {
		return nil, err
	}

	ranked := s.rank(candidates)
	if len(ranked) > s.opts.BatchSize {
		ranked = ranked[:s.opts.BatchSize]
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.opts.CycleDeadline)
	defer cancel()

	result := &CycleResult{
		Scheduled: len(ranked),
		Results:   make([]RepoResult, len(ranked)),
	}
	sem := semaphore.NewWeighted(s.opts.MaxConcurrent)
	var wg sync.WaitGroup

	for i, cand := range ranked {
		if err := sem.Acquire(cycleCtx, 1); err != nil {
			// Deadline elapsed before this repo started; everything from
			// here on is deferred to the next cycle.
			for j := i; j < len(ranked); j++ {
				result.Results[j] = RepoResult{
					Repo:     ranked[j].repo,
					Priority: ranked[j].priority,
					Deferred: true,
				}
				result.Deferred++
			}
			break
		}
		wg.Add(1)
		go func(idx int, c rankedRepo) {
			defer wg.Done()
			defer sem.Release(1)
			result.Results[idx] = s.runRepo(cycleCtx, c)
		}(i, cand)
	}
	wg.Wait()

	for i := range result.Results {
		r := &result.Results[i]
		switch {
		case r.Deferred:
		case r.Err == nil:
			result.Succeeded++
		default:
			result.Failed++
			if s.recordFailure(ctx, r.Repo) {
				result.Suspended++
			}
		}
	}

	s.logger.Info("scheduler: cycle complete",
		"scheduled", result.Scheduled,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"deferred", result.Deferred,
		"suspended", result.Suspended)
	return result, nil
}

type rankedRepo struct {
	repo     domain.Repository
	priority domain.Priority
	order    int // insertion order, stable within a tier
}

// selectDue returns active repositories whose poll schedule has elapsed,
// plus any manually queued ones. A repository with a poll_cron override is
// due when the cron's next firing after its last poll has passed; otherwise
// the global interval applies. Never-polled repositories are always due.
func (s *Scheduler) selectDue(ctx context.Context) ([]domain.Repository, error) {
	repos, err := s.repos.List(ctx, domain.RepoStatusActive)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	manual := s.manual
	s.manual = nil
	s.mu.Unlock()

	queued := make(map[uuid.UUID]bool, len(manual))
	due := make([]domain.Repository, 0, len(repos)+len(manual))
	for _, m := range manual {
		if !queued[m.ID] {
			queued[m.ID] = true
			due = append(due, m)
		}
	}

	now := s.now()
	for _, repo := range repos {
		if queued[repo.ID] {
			continue
		}
		if s.isDue(repo, now) {
			due = append(due, repo)
		}
	}
	return due, nil
}

func (s *Scheduler) isDue(repo domain.Repository, now time.Time) bool {
	if repo.LastPolledAt == nil {
		return true
	}
	if expr, ok := repo.Overrides["poll_cron"]; ok {
		sched, err := s.parser.Parse(expr)
		if err != nil {
			s.logger.Warn("scheduler: invalid poll_cron override, using interval",
				"repo", repo.FullName(), "cron", expr, "error", err)
		} else {
			return !sched.Next(*repo.LastPolledAt).After(now)
		}
	}
	return !repo.LastPolledAt.Add(s.opts.Interval).After(now)
}

// rank orders repositories critical > high > normal > low, preserving
// insertion order within a tier.
func (s *Scheduler) rank(repos []domain.Repository) []rankedRepo {
	ranked := make([]rankedRepo, len(repos))
	for i, repo := range repos {
		ranked[i] = rankedRepo{
			repo: repo,
			priority: s.opts.Priority(repo, Signals{
				FailureCount: repo.FailureCount,
				LastPolledAt: repo.LastPolledAt,
			}),
			order: i,
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].priority != ranked[j].priority {
			return ranked[i].priority < ranked[j].priority
		}
		return ranked[i].order < ranked[j].order
	})
	return ranked
}

// runRepo is the per-repo pipeline: discovery → detection → synchronization.
// The synchronizer publishes the events inside its own transaction.
func (s *Scheduler) runRepo(ctx context.Context, c rankedRepo) RepoResult {
	result := RepoResult{Repo: c.repo, Priority: c.priority}
	ctx = github.WithPriority(ctx, c.priority)

	since := time.Time{}
	if c.repo.LastPolledAt != nil {
		since = *c.repo.LastPolledAt
	}

	snap, err := s.discoverer.Discover(ctx, c.repo, since)
	if err != nil {
		result.Err = err
		return result
	}
	result.Snapshot = snap

	storedPRs, err := s.prs.ListByRepo(ctx, c.repo.ID)
	if err != nil {
		result.Err = err
		return result
	}
	storedChecks, err := s.prs.ListChecksByRepo(ctx, c.repo.ID)
	if err != nil {
		result.Err = err
		return result
	}

	cs := detector.Detect(c.repo.ID, snap, detector.Stored{PRs: storedPRs, Checks: storedChecks})
	applied, err := s.applier.Apply(ctx, c.repo, cs, c.priority)
	if err != nil {
		result.Err = err
		return result
	}
	result.Apply = applied

	s.logger.Debug("scheduler: repo cycle done",
		"repo", c.repo.FullName(),
		"priority", c.priority.String(),
		"prs_created", applied.PRsCreated,
		"prs_updated", applied.PRsUpdated,
		"checks_created", applied.ChecksCreated,
		"events", applied.EventsEmitted,
		"api_calls", snap.APICalls,
		"cache_hits", snap.CacheHits)
	return result
}

// recordFailure increments the repo's consecutive-failure count and
// suspends it past the threshold, emitting an escalation event. Returns
// true when the repo was suspended.
func (s *Scheduler) recordFailure(ctx context.Context, repo domain.Repository) bool {
	count, err := s.repos.RecordFailure(ctx, repo.ID)
	if err != nil {
		s.logger.Error("scheduler: record failure", "repo", repo.FullName(), "error", err)
		return false
	}
	if s.opts.ConsecutiveFailures <= 0 || count < s.opts.ConsecutiveFailures {
		return false
	}

	if err := s.repos.SetStatus(ctx, repo.ID, domain.RepoStatusSuspended); err != nil {
		s.logger.Error("scheduler: suspend repo", "repo", repo.FullName(), "error", err)
		return false
	}
	s.logger.Warn("scheduler: repository suspended after consecutive failures",
		"repo", repo.FullName(), "failures", count)

	env, err := events.New(events.TypeEscalationExceeded, repo.ID, domain.PriorityHigh,
		events.EscalationExceeded{
			Scope:     "repo",
			SubjectID: repo.ID,
			Reason:    "consecutive discovery failures",
		})
	if err == nil {
		err = s.publisher.Publish(ctx, env)
	}
	if err != nil {
		s.logger.Error("scheduler: publish escalation", "repo", repo.FullName(), "error", err)
	}
	return true
}
