package api

import (
	"net/http"

	"github.com/prwarden/prwarden/internal/domain"
)

// HandleListPulls returns the pull requests of one repository, optionally
// filtered by ?pipeline_state=.
func (s *Server) HandleListPulls(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseUUIDParam(w, r, "repoID")
	if !ok {
		return
	}
	if _, err := s.Repos.Get(r.Context(), repoID); err != nil {
		storeError(w, "repository", err)
		return
	}

	pulls, err := s.Pulls.ListByRepo(r.Context(), repoID)
	if err != nil {
		internalError(w, "failed to list pull requests", err)
		return
	}

	if state := r.URL.Query().Get("pipeline_state"); state != "" {
		filtered := pulls[:0]
		for _, pr := range pulls {
			if pr.PipelineState == state {
				filtered = append(filtered, pr)
			}
		}
		pulls = filtered
	}
	if pulls == nil {
		pulls = []domain.PullRequest{}
	}

	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"pull_requests": paginate(pulls, limit, offset),
		"total":         len(pulls),
	})
}

// HandleGetPull returns one pull request.
func (s *Server) HandleGetPull(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "prID")
	if !ok {
		return
	}
	pr, err := s.Pulls.Get(r.Context(), id)
	if err != nil {
		storeError(w, "pull request", err)
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

// HandlePullHistory returns a PR's append-only state history, oldest first.
func (s *Server) HandlePullHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "prID")
	if !ok {
		return
	}
	if _, err := s.Pulls.Get(r.Context(), id); err != nil {
		storeError(w, "pull request", err)
		return
	}
	history, err := s.Pulls.History(r.Context(), id)
	if err != nil {
		internalError(w, "failed to list state history", err)
		return
	}
	if history == nil {
		history = []domain.StateHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// HandlePullChecks returns a PR's check runs.
func (s *Server) HandlePullChecks(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "prID")
	if !ok {
		return
	}
	if _, err := s.Pulls.Get(r.Context(), id); err != nil {
		storeError(w, "pull request", err)
		return
	}
	checks, err := s.Pulls.ListChecks(r.Context(), id)
	if err != nil {
		internalError(w, "failed to list check runs", err)
		return
	}
	if checks == nil {
		checks = []domain.CheckRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"check_runs": checks})
}

// HandlePullReviews returns a PR's reviews, including the aggregate row.
func (s *Server) HandlePullReviews(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "prID")
	if !ok {
		return
	}
	if _, err := s.Pulls.Get(r.Context(), id); err != nil {
		storeError(w, "pull request", err)
		return
	}
	reviews, err := s.Reviews.ListByPR(r.Context(), id)
	if err != nil {
		internalError(w, "failed to list reviews", err)
		return
	}
	if reviews == nil {
		reviews = []domain.Review{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

// HandleCheckAnalysis returns the most recent analysis of a check run.
func (s *Server) HandleCheckAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "checkID")
	if !ok {
		return
	}
	analysis, err := s.Analyses.LatestForCheck(r.Context(), id)
	if err != nil {
		storeError(w, "analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// HandleAnalysisFixes returns the fix attempts made for an analysis,
// oldest first.
func (s *Server) HandleAnalysisFixes(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "analysisID")
	if !ok {
		return
	}
	fixes, err := s.Fixes.ListForAnalysis(r.Context(), id)
	if err != nil {
		internalError(w, "failed to list fix attempts", err)
		return
	}
	if fixes == nil {
		fixes = []domain.FixAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fix_attempts": fixes})
}
