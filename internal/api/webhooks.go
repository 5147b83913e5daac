package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prwarden/prwarden/internal/domain"
)

// webhookCooldown is the minimum gap between accepted hints for the same
// repository. Pushes land in bursts; one out-of-cycle poll covers the burst.
const webhookCooldown = 30 * time.Second

// hashWebhookToken returns the hex-encoded SHA-256 hash of a webhook token.
// Comparison happens on hashes so both sides are fixed-length.
func hashWebhookToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// webhookTokenHashesEqual performs constant-time comparison of two hex-encoded
// token hashes to prevent timing side-channel attacks.
func webhookTokenHashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// extractWebhookToken reads the webhook token from request headers.
// It checks X-Webhook-Token first, then falls back to Authorization: Bearer <token>.
// The token lives in a header, never the URL: URL paths end up in proxy and
// access logs.
func extractWebhookToken(r *http.Request) string {
	if token := r.Header.Get("X-Webhook-Token"); token != "" {
		return strings.TrimSpace(token)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
	}
	return ""
}

// webhookHintPayload is the accepted body: either the bare owner/name pair or
// the repository object GitHub webhook deliveries carry.
type webhookHintPayload struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	Repository struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name string `json:"name"`
	} `json:"repository"`
}

func (p *webhookHintPayload) fullName() string {
	if p.Owner != "" && p.Name != "" {
		return p.Owner + "/" + p.Name
	}
	if p.Repository.FullName != "" {
		return p.Repository.FullName
	}
	if p.Repository.Owner.Login != "" && p.Repository.Name != "" {
		return p.Repository.Owner.Login + "/" + p.Repository.Name
	}
	return ""
}

// HandleWebhookHint handles push/check webhook deliveries as polling hints.
// A valid hint queues one out-of-cycle poll of the named repository through
// the normal discovery path; it never writes PR state directly, so a spoofed
// or replayed delivery can at worst cause an extra poll.
//
// Mounted outside the API-key middleware — the webhook token IS the auth.
func (s *Server) HandleWebhookHint(w http.ResponseWriter, r *http.Request) {
	token := extractWebhookToken(r)
	if token == "" {
		errorJSON(w, "missing token: set X-Webhook-Token header or Authorization: Bearer <token>", "INVALID_ARGUMENT", http.StatusUnauthorized)
		return
	}
	if !webhookTokenHashesEqual(hashWebhookToken(token), s.webhookTokenHash) {
		errorJSON(w, "invalid webhook token", "INVALID_TOKEN", http.StatusUnauthorized)
		return
	}

	var payload webhookHintPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	fullName := payload.fullName()
	if fullName == "" {
		errorJSON(w, "body must name a repository (owner/name or repository.full_name)", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	// Hints are only honored for repositories already on the roster; an
	// unknown name is a 404, never an implicit enrollment.
	repos, err := s.Repos.List(r.Context(), "")
	if err != nil {
		internalError(w, "failed to list repositories", err)
		return
	}
	var repo *domain.Repository
	for i := range repos {
		if strings.EqualFold(repos[i].FullName(), fullName) {
			repo = &repos[i]
			break
		}
	}
	if repo == nil {
		errorJSON(w, "repository "+fullName+" is not monitored", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if repo.Status != domain.RepoStatusActive {
		errorJSON(w, "repository "+fullName+" is "+string(repo.Status), "REPO_NOT_ACTIVE", http.StatusConflict)
		return
	}

	if !s.webhookHintAllowed(repo.ID.String()) {
		w.Header().Set("Retry-After", "30")
		errorJSON(w, "cooldown active", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
		return
	}

	if s.Poller == nil {
		errorJSON(w, "polling is not enabled on this instance", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	s.Poller.PollNow(*repo)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "queued",
		"repository": repo.FullName(),
	})
}

// webhookHintAllowed records a hint for the repo and reports whether it is
// outside the cooldown window.
func (s *Server) webhookHintAllowed(repoID string) bool {
	s.webhookMu.Lock()
	defer s.webhookMu.Unlock()
	if s.webhookLastHint == nil {
		s.webhookLastHint = make(map[string]time.Time)
	}
	now := time.Now()
	if last, ok := s.webhookLastHint[repoID]; ok && now.Sub(last) < webhookCooldown {
		return false
	}
	s.webhookLastHint[repoID] = now
	return true
}
