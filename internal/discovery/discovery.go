// Package discovery fetches the hosting platform's current view of one
// repository: its pull requests and their check runs. The output snapshot is
// the change detector's input; discovery itself never mutates stored state
// or the hosting platform.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/github"
)

// Host is the hosting-API surface discovery consumes.
type Host interface {
	ListPullRequests(ctx context.Context, owner, repo string, since time.Time, maxPRs int) ([]github.RemotePR, error)
	ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]github.RemoteCheck, error)
}

// DiscoveredPR pairs a remote PR with the check runs of its head commit.
type DiscoveredPR struct {
	PR     github.RemotePR
	Checks []github.RemoteCheck
}

// PRError records a per-PR fetch failure that did not abort the snapshot.
type PRError struct {
	Number int
	Err    error
}

// Snapshot is the result of one discovery pass over a repository.
type Snapshot struct {
	PRs            []DiscoveredPR
	APICalls       int64
	CacheHits      int64
	CacheMisses    int64
	ProcessingTime time.Duration
	Errors         []PRError
}

// SkipFilters excludes PRs and checks from processing. Filters never touch
// the hosting platform; a skipped PR simply doesn't enter the snapshot.
type SkipFilters struct {
	PRLabels   []string
	Authors    []string
	CheckNames []string // glob patterns, path.Match syntax
}

// SkipPR reports whether a PR is excluded by label or author.
func (f SkipFilters) SkipPR(pr github.RemotePR) bool {
	for _, a := range f.Authors {
		if pr.Author == a {
			return true
		}
	}
	for _, skip := range f.PRLabels {
		for _, l := range pr.Labels {
			if l == skip {
				return true
			}
		}
	}
	return false
}

// SkipCheck reports whether a check name matches an exclusion glob.
func (f SkipFilters) SkipCheck(name string) bool {
	for _, pattern := range f.CheckNames {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Options tunes a discovery Service.
type Options struct {
	MaxPRs      int   // per-repo discovery cap, default 1000
	CheckFanout int64 // concurrent check-run fetches, default 10
	Filters     SkipFilters
}

// Service discovers repository snapshots through the hosting adapter.
type Service struct {
	host        Host
	maxPRs      int
	checkFanout int64
	filters     SkipFilters
	logger      *slog.Logger
}

// New creates a discovery Service.
func New(host Host, opts Options, logger *slog.Logger) *Service {
	maxPRs := opts.MaxPRs
	if maxPRs <= 0 {
		maxPRs = 1000
	}
	fanout := opts.CheckFanout
	if fanout <= 0 {
		fanout = 10
	}
	return &Service{
		host:        host,
		maxPRs:      maxPRs,
		checkFanout: fanout,
		filters:     opts.Filters,
		logger:      logger,
	}
}

// Discover fetches the repository's PRs updated at or after since (zero
// means all open PRs) and their head-commit check runs. Check-run fetches
// run concurrently under a semaphore; a per-PR failure is recorded in the
// snapshot's Errors and does not abort the pass.
func (s *Service) Discover(ctx context.Context, repo domain.Repository, since time.Time) (*Snapshot, error) {
	start := time.Now()
	stats := &github.Stats{}
	ctx = github.WithStats(ctx, stats)

	prs, err := s.host.ListPullRequests(ctx, repo.Owner, repo.Name, since, s.maxPRs)
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", repo.FullName(), err)
	}

	kept := prs[:0]
	for _, pr := range prs {
		if s.filters.SkipPR(pr) {
			continue
		}
		kept = append(kept, pr)
	}

	snap := &Snapshot{PRs: make([]DiscoveredPR, len(kept))}
	sem := semaphore.NewWeighted(s.checkFanout)
	errs := make(chan PRError, len(kept))

	for i, pr := range kept {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire check fanout slot: %w", err)
		}
		go func(i int, pr github.RemotePR) {
			defer sem.Release(1)
			snap.PRs[i] = DiscoveredPR{PR: pr}
			if pr.HeadSHA == "" {
				return
			}
			checks, err := s.host.ListCheckRuns(ctx, repo.Owner, repo.Name, pr.HeadSHA)
			if err != nil {
				errs <- PRError{Number: pr.Number, Err: err}
				return
			}
			filtered := checks[:0]
			for _, c := range checks {
				if s.filters.SkipCheck(c.Name) {
					continue
				}
				filtered = append(filtered, c)
			}
			snap.PRs[i].Checks = filtered
		}(i, pr)
	}
	if err := sem.Acquire(ctx, s.checkFanout); err != nil {
		return nil, fmt.Errorf("drain check fanout: %w", err)
	}
	close(errs)
	for e := range errs {
		snap.Errors = append(snap.Errors, e)
	}
	sort.Slice(snap.Errors, func(i, j int) bool { return snap.Errors[i].Number < snap.Errors[j].Number })

	snap.APICalls = stats.APICalls.Load()
	snap.CacheHits = stats.CacheHits.Load()
	snap.CacheMisses = stats.CacheMisses.Load()
	snap.ProcessingTime = time.Since(start)

	s.logger.Debug("discovery: snapshot complete",
		"repo", repo.FullName(),
		"prs", len(snap.PRs),
		"api_calls", snap.APICalls,
		"cache_hits", snap.CacheHits,
		"errors", len(snap.Errors),
		"elapsed", snap.ProcessingTime)
	return snap, nil
}
