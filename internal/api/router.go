// Package api provides the HTTP API handlers for wardend.
// All endpoints are mounted under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/reaper"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// parsePagination reads limit and offset from query params with defaults and bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// paginate applies offset/limit to a slice. The stores return full result
// sets per repo or PR, which stay small enough that in-memory slicing wins
// over threading Limit/Offset through every query.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// Structured error type codes for machine-readable error categorization.
// These classify errors into broad categories independent of the HTTP status code.
const (
	ErrorTypeValidation     = "VALIDATION"     // request data failed validation
	ErrorTypeAuthentication = "AUTHENTICATION" // missing or invalid credentials
	ErrorTypeNotFound       = "NOT_FOUND"      // requested resource does not exist
	ErrorTypeConflict       = "CONFLICT"       // request conflicts with current resource state
	ErrorTypeRateLimit      = "RATE_LIMIT"     // too many requests
	ErrorTypeInternal       = "INTERNAL"       // unexpected server error
	ErrorTypeUnavailable    = "UNAVAILABLE"    // dependency not available
)

// APIError is the structured JSON error envelope returned by all API error responses.
// Format: {"error": {"code": "ERROR_CODE", "type": "ERROR_TYPE", "message": "human-readable message"}}
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. All API errors use this
// format so clients only need to handle one shape. The type field is derived
// from the HTTP status code.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// storeError maps a fault from the stores onto the right HTTP response.
func storeError(w http.ResponseWriter, msg string, err error) {
	switch domain.KindOf(err) {
	case domain.FaultNotFound:
		errorJSON(w, msg+" not found", "NOT_FOUND", http.StatusNotFound)
	case domain.FaultConflict:
		errorJSON(w, err.Error(), "CONFLICT", http.StatusConflict)
	case domain.FaultMalformed:
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
	default:
		internalError(w, "failed to access "+msg, err)
	}
}

// parseUUIDParam reads a UUID path parameter, writing a 400 on failure.
func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		errorJSON(w, name+" must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// RepositoryStore is the repository persistence surface the API needs.
type RepositoryStore interface {
	List(ctx context.Context, status domain.RepoStatus) ([]domain.Repository, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Repository, error)
	Upsert(ctx context.Context, repo *domain.Repository) error
	SetStatus(ctx context.Context, id uuid.UUID, status domain.RepoStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// PullRequestStore is the pull-request read surface the API needs.
type PullRequestStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.PullRequest, error)
	ListByRepo(ctx context.Context, repoID uuid.UUID) ([]domain.PullRequest, error)
	ListChecks(ctx context.Context, prID uuid.UUID) ([]domain.CheckRun, error)
	History(ctx context.Context, prID uuid.UUID) ([]domain.StateHistoryEntry, error)
}

// AnalysisStore reads analysis results.
type AnalysisStore interface {
	LatestForCheck(ctx context.Context, checkID uuid.UUID) (*domain.AnalysisResult, error)
}

// FixStore reads fix attempts.
type FixStore interface {
	ListForAnalysis(ctx context.Context, analysisID uuid.UUID) ([]domain.FixAttempt, error)
}

// ReviewStore reads reviews.
type ReviewStore interface {
	ListByPR(ctx context.Context, prID uuid.UUID) ([]domain.Review, error)
}

// Poller pushes a repository to the front of the polling queue.
// Implemented by the scheduler.
type Poller interface {
	PollNow(repo domain.Repository)
}

// ReaperRunner triggers a manual retention sweep.
type ReaperRunner interface {
	RunNow(ctx context.Context) reaper.Status
}

// Server holds dependencies for all API handlers.
type Server struct {
	Repos    RepositoryStore
	Pulls    PullRequestStore
	Analyses AnalysisStore
	Fixes    FixStore
	Reviews  ReviewStore
	Poller   Poller
	Reaper   ReaperRunner

	Auth           func(http.Handler) http.Handler
	MetricsHandler http.Handler // Prometheus scrape handler. Nil = no /metrics route.

	CORSOrigins     []string         // Allowed CORS origins. Defaults to ["http://localhost:3000"].
	RateLimit       *RateLimitConfig // Per-IP rate limiting config. Nil disables rate limiting.
	RateLimiterStop func()           // Populated by NewRouter when rate limiting is enabled.

	DBHealth      HealthChecker // Postgres health check (pool.Ping). Nil = skip.
	ArchiveHealth HealthChecker // S3/MinIO log-archive health check. Nil = skip.
	EditorHealth  HealthChecker // Editor service TCP health check. Nil = skip.

	// WebhookToken enables the webhook hint endpoint when non-empty. The
	// token authenticates deliveries; empty means the route is not mounted.
	WebhookToken string

	webhookTokenHash string
	webhookMu        sync.Mutex
	webhookLastHint  map[string]time.Time
}

// NewRouter creates a configured chi router with all API routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health & metrics (unauthenticated, outside /api/v1)
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	if srv.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", srv.MetricsHandler)
	}

	// Webhook hints sit outside the API-key middleware: the webhook token
	// is the auth, compared by hash in the handler.
	if srv.WebhookToken != "" {
		srv.webhookTokenHash = hashWebhookToken(srv.WebhookToken)
		r.With(limitJSONBody).Post("/api/v1/webhooks/github", srv.HandleWebhookHint)
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}
		if srv.Auth != nil {
			r.Use(srv.Auth)
		}

		r.Route("/repos", func(r chi.Router) {
			r.Get("/", srv.HandleListRepos)
			r.Post("/", srv.HandleCreateRepo)
			r.Route("/{repoID}", func(r chi.Router) {
				r.Get("/", srv.HandleGetRepo)
				r.Delete("/", srv.HandleDeleteRepo)
				r.Post("/suspend", srv.HandleSuspendRepo)
				r.Post("/resume", srv.HandleResumeRepo)
				r.Post("/poll", srv.HandlePollRepo)
				r.Get("/pulls", srv.HandleListPulls)
			})
		})

		r.Route("/pulls/{prID}", func(r chi.Router) {
			r.Get("/", srv.HandleGetPull)
			r.Get("/history", srv.HandlePullHistory)
			r.Get("/checks", srv.HandlePullChecks)
			r.Get("/reviews", srv.HandlePullReviews)
		})

		r.Get("/checks/{checkID}/analysis", srv.HandleCheckAnalysis)
		r.Get("/analyses/{analysisID}/fixes", srv.HandleAnalysisFixes)

		if srv.Reaper != nil {
			r.Post("/admin/reaper/run", srv.HandleReaperRun)
		}
	})

	return r
}

// waitTimeout bounds how long a handler-triggered background action may run.
const waitTimeout = 30 * time.Second

// HandleReaperRun triggers a manual retention sweep and returns its stats.
func (s *Server) HandleReaperRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.Reaper.RunNow(ctx))
}
