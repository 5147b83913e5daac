package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/prwarden/prwarden/internal/domain"
)

// HandleListRepos returns monitored repositories, optionally filtered by
// ?status=active|suspended|error.
func (s *Server) HandleListRepos(w http.ResponseWriter, r *http.Request) {
	var status domain.RepoStatus
	switch v := r.URL.Query().Get("status"); v {
	case "":
	case string(domain.RepoStatusActive), string(domain.RepoStatusSuspended), string(domain.RepoStatusError):
		status = domain.RepoStatus(v)
	default:
		errorJSON(w, "status must be active, suspended, or error", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	repos, err := s.Repos.List(r.Context(), status)
	if err != nil {
		internalError(w, "failed to list repositories", err)
		return
	}
	if repos == nil {
		repos = []domain.Repository{}
	}

	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"repositories": paginate(repos, limit, offset),
		"total":        len(repos),
	})
}

// createRepoRequest is the body for POST /repos.
type createRepoRequest struct {
	Owner     string            `json:"owner"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

func (req *createRepoRequest) validate() string {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Name = strings.TrimSpace(req.Name)
	if req.Owner == "" || req.Name == "" {
		return "owner and name are required"
	}
	if req.URL == "" {
		req.URL = "https://github.com/" + req.Owner + "/" + req.Name
	}
	if u, err := url.Parse(req.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return "url must be an absolute URL"
	}
	return ""
}

// HandleCreateRepo registers a repository for monitoring. Upserts on the
// canonical URL, so re-registering an existing repository is idempotent.
func (s *Server) HandleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		errorJSON(w, msg, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	repo := &domain.Repository{
		Owner:     req.Owner,
		Name:      req.Name,
		URL:       req.URL,
		Status:    domain.RepoStatusActive,
		Overrides: req.Overrides,
	}
	if err := s.Repos.Upsert(r.Context(), repo); err != nil {
		storeError(w, "repository", err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

// HandleGetRepo returns one repository.
func (s *Server) HandleGetRepo(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "repoID")
	if !ok {
		return
	}
	repo, err := s.Repos.Get(r.Context(), id)
	if err != nil {
		storeError(w, "repository", err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// HandleDeleteRepo removes a repository from monitoring.
func (s *Server) HandleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "repoID")
	if !ok {
		return
	}
	if err := s.Repos.Delete(r.Context(), id); err != nil {
		storeError(w, "repository", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSuspendRepo pauses polling for a repository.
func (s *Server) HandleSuspendRepo(w http.ResponseWriter, r *http.Request) {
	s.setRepoStatus(w, r, domain.RepoStatusSuspended)
}

// HandleResumeRepo resumes polling for a repository. Also clears the error
// status a repository earned from repeated discovery failures.
func (s *Server) HandleResumeRepo(w http.ResponseWriter, r *http.Request) {
	s.setRepoStatus(w, r, domain.RepoStatusActive)
}

func (s *Server) setRepoStatus(w http.ResponseWriter, r *http.Request, status domain.RepoStatus) {
	id, ok := parseUUIDParam(w, r, "repoID")
	if !ok {
		return
	}
	if err := s.Repos.SetStatus(r.Context(), id, status); err != nil {
		storeError(w, "repository", err)
		return
	}
	repo, err := s.Repos.Get(r.Context(), id)
	if err != nil {
		storeError(w, "repository", err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// HandlePollRepo pushes a repository to the front of the polling queue.
func (s *Server) HandlePollRepo(w http.ResponseWriter, r *http.Request) {
	if s.Poller == nil {
		errorJSON(w, "scheduler not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	id, ok := parseUUIDParam(w, r, "repoID")
	if !ok {
		return
	}
	repo, err := s.Repos.Get(r.Context(), id)
	if err != nil {
		storeError(w, "repository", err)
		return
	}
	if repo.Status == domain.RepoStatusSuspended {
		errorJSON(w, "repository is suspended", "CONFLICT", http.StatusConflict)
		return
	}

	s.Poller.PollNow(*repo)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "queued",
		"repository": repo.FullName(),
	})
}
