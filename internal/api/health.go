package api

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags at build time:
//
//	go build -ldflags "-X api.Version=1.2.0 -X api.GitCommit=abc1234 -X api.BuildTime=2026-08-24T12:00:00Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (e.g. Ping, BucketExists, TCP dial).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // human-readable error when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive is a lightweight liveness probe. Always returns 200; used
// by orchestrators for liveness checks. Includes build info for operational
// visibility.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

// HandleHealthReady checks all registered dependencies and returns 200 if
// all are healthy, or 503 if any is down. Each check runs with a 2s timeout.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := s.healthCheckers()

	// No dependencies configured — still ready (e.g. tests with no DB/S3).
	if len(checkers) == 0 {
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]CheckResult{},
		})
		return
	}

	type result struct {
		name string
		res  CheckResult
	}
	results := make([]result, len(checkers))

	var wg sync.WaitGroup
	i := 0
	for name, checker := range checkers {
		wg.Add(1)
		go func(idx int, n string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()

			if err := c.HealthCheck(ctx); err != nil {
				results[idx] = result{name: n, res: CheckResult{Status: "error", Error: err.Error()}}
			} else {
				results[idx] = result{name: n, res: CheckResult{Status: "ok"}}
			}
		}(i, name, checker)
		i++
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(results))
	allOK := true
	for _, r := range results {
		checks[r.name] = r.res
		if r.res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

// HandleHealth is the backward-compatible health endpoint. Aliases to the
// liveness probe.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.HandleHealthLive(w, r)
}

// healthCheckers returns the map of dependency name to checker based on
// which dependencies are configured on the Server.
func (s *Server) healthCheckers() map[string]HealthChecker {
	checkers := make(map[string]HealthChecker)
	if s.DBHealth != nil {
		checkers["postgres"] = s.DBHealth
	}
	if s.ArchiveHealth != nil {
		checkers["archive"] = s.ArchiveHealth
	}
	if s.EditorHealth != nil {
		checkers["editor"] = s.EditorHealth
	}
	return checkers
}
