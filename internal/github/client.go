// Package github adapts the hosting API (GitHub) for the discovery engine.
// The client layers conditional-request caching and per-resource rate
// limiting under go-github via CachingTransport, maps transport errors to
// the worker's fault kinds, and paginates deterministically.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	gh "github.com/google/go-github/v84/github"

	"github.com/prwarden/prwarden/internal/cache"
	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/ratelimit"
)

// RemotePR is the hosting platform's view of one pull request.
type RemotePR struct {
	Number     int
	Title      string
	Author     string
	State      domain.PRState
	Draft      bool
	BaseBranch string
	HeadBranch string
	BaseSHA    string
	HeadSHA    string
	URL        string
	Labels     []string
	MergedAt   *time.Time
	UpdatedAt  time.Time
}

// RemoteCheck is one CI check run attached to a commit.
type RemoteCheck struct {
	ExternalID  string
	Name        string
	SuiteID     string
	Status      domain.CheckStatus
	Conclusion  domain.CheckConclusion
	DetailsURL  string
	LogsURL     string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Options configures a Client.
type Options struct {
	BaseURL     string // empty = api.github.com
	Token       string
	Conditional bool
	Retry       RetryConfig
	PageSize    int // per-page size, default 100
}

// Client is the hosting-API adapter.
type Client struct {
	gh       *gh.Client
	http     *http.Client
	retry    RetryConfig
	pageSize int
}

// NewClient builds a Client over the given cache and limiter.
func NewClient(c *cache.Cache, l *ratelimit.Limiter, opts Options) (*Client, error) {
	transport := &CachingTransport{
		Cache:       c,
		Limiter:     l,
		Principal:   opts.Token,
		Conditional: opts.Conditional,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	client := gh.NewClient(httpClient)
	if opts.Token != "" {
		// WithAuthToken wraps the existing transport, so the caching layer
		// stays underneath the auth header injection.
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("set base url %s: %w", opts.BaseURL, err)
		}
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	retry := opts.Retry
	if retry.BaseBackoff == 0 {
		retry = DefaultRetryConfig()
	}
	return &Client{gh: client, http: httpClient, retry: retry, pageSize: pageSize}, nil
}

// ListPullRequests returns the repository's open PRs plus, when since is
// non-zero, closed PRs updated at or after since. Results are capped at
// maxPRs and ordered as the platform returns them (most recently updated
// first within each state).
func (c *Client) ListPullRequests(ctx context.Context, owner, repo string, since time.Time, maxPRs int) ([]RemotePR, error) {
	var out []RemotePR

	open, err := c.listPRs(ctx, owner, repo, "open", time.Time{}, maxPRs)
	if err != nil {
		return nil, err
	}
	out = append(out, open...)

	if !since.IsZero() && len(out) < maxPRs {
		closed, err := c.listPRs(ctx, owner, repo, "closed", since, maxPRs-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, closed...)
	}
	return out, nil
}

func (c *Client) listPRs(ctx context.Context, owner, repo, state string, since time.Time, cap int) ([]RemotePR, error) {
	op := "github.list_prs"
	opts := &gh.PullRequestListOptions{
		State:       state,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: c.pageSize},
	}

	var out []RemotePR
	for {
		prs, resp, err := retryPage(ctx, c.retry, op, func() ([]*gh.PullRequest, *gh.Response, error) {
			return c.gh.PullRequests.List(ctx, owner, repo, opts)
		})
		if err != nil {
			return nil, mapError(op, err)
		}
		for _, pr := range prs {
			updated := pr.GetUpdatedAt().Time
			if !since.IsZero() && updated.Before(since) {
				return out, nil
			}
			out = append(out, convertPR(pr))
			if len(out) >= cap {
				return out, nil
			}
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListCheckRuns returns all check runs for a commit.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]RemoteCheck, error) {
	op := "github.list_check_runs"
	opts := &gh.ListCheckRunsOptions{
		ListOptions: gh.ListOptions{PerPage: c.pageSize},
	}

	var out []RemoteCheck
	for {
		result, resp, err := retryPage(ctx, c.retry, op, func() (*gh.ListCheckRunsResults, *gh.Response, error) {
			return c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, opts)
		})
		if err != nil {
			return nil, mapError(op, err)
		}
		for _, cr := range result.CheckRuns {
			out = append(out, convertCheck(cr))
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// FetchDiff returns a pull request's unified diff, capped at maxBytes.
func (c *Client) FetchDiff(ctx context.Context, owner, repo string, number, maxBytes int) (string, error) {
	op := "github.fetch_diff"
	diff, err := retryWithBackoff(ctx, c.retry, op, func() (string, error) {
		raw, _, err := c.gh.PullRequests.GetRaw(ctx, owner, repo, number, gh.RawOptions{Type: gh.Diff})
		if err != nil {
			return "", mapError(op, err)
		}
		return raw, nil
	})
	if err != nil {
		return "", err
	}
	if len(diff) > maxBytes {
		diff = diff[:maxBytes]
	}
	return diff, nil
}

// FetchLogs downloads a check run's log output, capped at maxBytes.
func (c *Client) FetchLogs(ctx context.Context, url string, maxBytes int) ([]byte, error) {
	op := "github.fetch_logs"
	return retryWithBackoff(ctx, c.retry, op, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, domain.NewFault(domain.FaultMalformed, op, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, mapError(op, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, mapStatus(op, resp)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
		if err != nil {
			return nil, domain.NewFault(domain.FaultTransient, op, err)
		}
		return body, nil
	})
}

// retryPage adapts retryWithBackoff to go-github's (result, response, error)
// call shape, mapping errors before the retryability check.
func retryPage[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, *gh.Response, error)) (T, *gh.Response, error) {
	type page struct {
		result T
		resp   *gh.Response
	}
	p, err := retryWithBackoff(ctx, cfg, op, func() (page, error) {
		result, resp, err := fn()
		if err != nil {
			return page{}, mapError(op, err)
		}
		return page{result, resp}, nil
	})
	return p.result, p.resp, err
}

func convertPR(pr *gh.PullRequest) RemotePR {
	state := domain.PRStateOpened
	switch {
	case pr.GetMerged() || pr.MergedAt != nil:
		state = domain.PRStateMerged
	case pr.GetState() == "closed":
		state = domain.PRStateClosed
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	var mergedAt *time.Time
	if pr.MergedAt != nil {
		t := pr.MergedAt.Time
		mergedAt = &t
	}

	return RemotePR{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		Author:     pr.GetUser().GetLogin(),
		State:      state,
		Draft:      pr.GetDraft(),
		BaseBranch: pr.GetBase().GetRef(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseSHA:    pr.GetBase().GetSHA(),
		HeadSHA:    pr.GetHead().GetSHA(),
		URL:        pr.GetHTMLURL(),
		Labels:     labels,
		MergedAt:   mergedAt,
		UpdatedAt:  pr.GetUpdatedAt().Time,
	}
}

func convertCheck(cr *gh.CheckRun) RemoteCheck {
	var started, completed *time.Time
	if cr.StartedAt != nil {
		t := cr.StartedAt.Time
		started = &t
	}
	if cr.CompletedAt != nil {
		t := cr.CompletedAt.Time
		completed = &t
	}
	var suiteID string
	if cr.GetCheckSuite().GetID() != 0 {
		suiteID = strconv.FormatInt(cr.GetCheckSuite().GetID(), 10)
	}
	return RemoteCheck{
		ExternalID:  strconv.FormatInt(cr.GetID(), 10),
		Name:        cr.GetName(),
		SuiteID:     suiteID,
		Status:      domain.CheckStatus(cr.GetStatus()),
		Conclusion:  domain.CheckConclusion(cr.GetConclusion()),
		DetailsURL:  cr.GetDetailsURL(),
		LogsURL:     cr.GetHTMLURL(),
		StartedAt:   started,
		CompletedAt: completed,
	}
}

// mapError classifies a go-github error into the worker's fault kinds.
func mapError(op string, err error) error {
	var f *domain.Fault
	if errors.As(err, &f) {
		return err
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return domain.RateLimitedFault(op, time.Until(rateErr.Rate.Reset.Time), err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return domain.RateLimitedFault(op, abuseErr.GetRetryAfter(), err)
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return mapStatus(op, ghErr.Response)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewFault(domain.FaultTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewFault(domain.FaultTransient, op, err)
}

// mapStatus classifies an HTTP status into a fault kind.
func mapStatus(op string, resp *http.Response) error {
	err := fmt.Errorf("unexpected status %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewFault(domain.FaultUnauthorized, op, err)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return domain.NewFault(domain.FaultNotFound, op, err)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 60 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, perr := strconv.Atoi(v); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return domain.RateLimitedFault(op, retryAfter, err)
	case resp.StatusCode >= 500:
		return domain.NewFault(domain.FaultServiceDown, op, err)
	case resp.StatusCode >= 400:
		return domain.NewFault(domain.FaultMalformed, op, err)
	}
	return domain.NewFault(domain.FaultTransient, op, err)
}
