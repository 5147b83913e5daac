// wardend is the PR monitor worker daemon. It polls hosting repositories
// for pull-request and check-run changes, drives each PR through the
// automated analyze/fix/review pipeline, and serves the REST API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slack-go/slack"

	"github.com/prwarden/prwarden/internal/analyzer"
	"github.com/prwarden/prwarden/internal/api"
	"github.com/prwarden/prwarden/internal/auth"
	"github.com/prwarden/prwarden/internal/cache"
	"github.com/prwarden/prwarden/internal/config"
	"github.com/prwarden/prwarden/internal/discovery"
	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
	"github.com/prwarden/prwarden/internal/fixer"
	"github.com/prwarden/prwarden/internal/github"
	"github.com/prwarden/prwarden/internal/leader"
	"github.com/prwarden/prwarden/internal/llm"
	"github.com/prwarden/prwarden/internal/metrics"
	"github.com/prwarden/prwarden/internal/notify"
	"github.com/prwarden/prwarden/internal/pipeline"
	"github.com/prwarden/prwarden/internal/postgres"
	"github.com/prwarden/prwarden/internal/ratelimit"
	"github.com/prwarden/prwarden/internal/reaper"
	"github.com/prwarden/prwarden/internal/reviewer"
	"github.com/prwarden/prwarden/internal/scheduler"
	"github.com/prwarden/prwarden/internal/storage"
	"github.com/prwarden/prwarden/internal/transport"
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("PRWARDEN_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("PRWARDEN_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}
	for _, name := range []string{"GITHUB_BASE_URL", "EDITOR_URL"} {
		if v := os.Getenv(name); v != "" {
			if _, err := url.ParseRequestURI(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid URL (%v)", name, v, err))
			}
		}
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		if _, _, err := net.SplitHostPort(v); err != nil {
			if _, err := url.Parse("http://" + v); err != nil {
				errs = append(errs, fmt.Sprintf("S3_ENDPOINT=%q: must be a valid endpoint", v))
			}
		}
	}
	return errs
}

// seedRoster upserts the configured repository roster so the scheduler has
// something to poll on first boot. Existing rows keep their status.
func seedRoster(ctx context.Context, store *postgres.RepositoryStore, roster []config.RepoConfig) error {
	for _, rc := range roster {
		overrides := map[string]string{}
		if rc.Priority != "" {
			overrides["priority"] = rc.Priority
		}
		if rc.PollCron != "" {
			overrides["poll_cron"] = rc.PollCron
		}
		repo := &domain.Repository{
			Owner:     rc.Owner,
			Name:      rc.Name,
			URL:       "https://github.com/" + rc.Owner + "/" + rc.Name,
			Status:    domain.RepoStatusActive,
			Overrides: overrides,
		}
		if err := store.Upsert(ctx, repo); err != nil {
			return fmt.Errorf("seed repository %s: %w", repo.FullName(), err)
		}
	}
	return nil
}

// buildProvider assembles the model stack: each model behind a circuit
// breaker, the fallback model taking over when the primary is open or down.
func buildProvider(cfg config.AnalyzerConfig, logger *slog.Logger) llm.Provider {
	primary := llm.WithBreaker(cfg.Model, llm.NewAnthropic(cfg.Model), logger)
	if cfg.FallbackModel == "" {
		return primary
	}
	backup := llm.WithBreaker(cfg.FallbackModel, llm.NewAnthropic(cfg.FallbackModel), logger)
	return &llm.Fallback{Primary: primary, Backup: backup, Logger: logger}
}

func reviewerSpecs(cfg config.ReviewerConfig) []reviewer.Spec {
	if len(cfg.Reviewers) == 0 {
		return []reviewer.Spec{
			{Type: "code_quality", Weight: 1},
			{Type: "security", Weight: 1.5, Security: true},
			{Type: "performance", Weight: 1},
		}
	}
	specs := make([]reviewer.Spec, len(cfg.Reviewers))
	for i, r := range cfg.Reviewers {
		specs[i] = reviewer.Spec{Type: r.Type, Weight: r.Weight, Security: r.Security}
	}
	return specs
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /wardend healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := slog.New(api.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	// Load config: PRWARDEN_CONFIG env > ./prwarden.yaml > defaults.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath, "repositories", len(cfg.Repositories))
	}

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if cfg.GitHub.Token == "" {
		slog.Warn("GITHUB_TOKEN not set — unauthenticated requests get a much smaller rate budget")
	}

	ctx := context.Background()

	var pool *pgxpool.Pool
	pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Stores and the durable event queue.
	repoStore := postgres.NewRepositoryStore(pool)
	prStore := postgres.NewPullRequestStore(pool)
	analysisStore := postgres.NewAnalysisStore(pool)
	fixStore := postgres.NewFixAttemptStore(pool)
	reviewStore := postgres.NewReviewStore(pool)
	queue := postgres.NewQueue(pool, logger)
	sync := postgres.NewSynchronizer(pool, logger)
	slog.Info("postgres stores initialized")

	if err := seedRoster(ctx, repoStore, cfg.Repositories); err != nil {
		slog.Error("failed to seed repository roster", "error", err)
		os.Exit(1)
	}

	// Prometheus instrumentation wraps the queue on both ends.
	m := metrics.New()
	var pub events.Publisher = metrics.NewInstrumentedPublisher(queue, m)
	var consumer events.Consumer = metrics.NewInstrumentedConsumer(queue, m)

	// Hosting adapter: rate limiter and response cache in front of GitHub.
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMin: cfg.GitHub.RequestsPerMin,
		Burst:          cfg.GitHub.Burst,
	}, nil)
	respCache := cache.New(cache.Options{
		TTL:      cfg.CacheTTL(),
		MaxBytes: cfg.Cache.MaxBytes,
	})
	retry := github.DefaultRetryConfig()
	retry.MaxRetries = cfg.GitHub.MaxRetries
	host, err := github.NewClient(respCache, limiter, github.Options{
		BaseURL:     cfg.GitHub.BaseURL,
		Token:       cfg.GitHub.Token,
		Conditional: cfg.UseConditionalRequests(),
		Retry:       retry,
	})
	if err != nil {
		slog.Error("failed to create hosting client", "error", err)
		os.Exit(1)
	}

	disco := discovery.New(host, discovery.Options{
		MaxPRs:      cfg.Polling.MaxPRsPerRepo,
		CheckFanout: int64(cfg.Polling.CheckFanout),
		Filters: discovery.SkipFilters{
			PRLabels:   cfg.Skip.PRLabels,
			CheckNames: cfg.Skip.CheckNames,
			Authors:    cfg.Skip.Authors,
		},
	}, logger)

	sched := scheduler.New(repoStore, prStore, disco, sync, pub, scheduler.Options{
		Interval:            cfg.PollingInterval(),
		CycleDeadline:       cfg.CycleDeadline(),
		MaxConcurrent:       int64(cfg.Polling.MaxConcurrent),
		BatchSize:           cfg.Polling.BatchSize,
		ConsecutiveFailures: cfg.Escalate.ConsecutiveFailures,
	}, logger)

	// Optional S3/MinIO archive for failed-check logs.
	var archive *storage.Archive
	if ep := firstNonEmpty(os.Getenv("S3_ENDPOINT"), cfg.Archive.Endpoint); ep != "" {
		s3cfg := storage.S3Config{
			Endpoint:  ep,
			AccessKey: firstNonEmpty(os.Getenv("S3_ACCESS_KEY"), cfg.Archive.AccessKey),
			SecretKey: firstNonEmpty(os.Getenv("S3_SECRET_KEY"), cfg.Archive.SecretKey),
			Bucket:    firstNonEmpty(os.Getenv("S3_BUCKET"), cfg.Archive.Bucket, "prwarden"),
			UseSSL:    cfg.Archive.UseSSL || os.Getenv("S3_USE_SSL") == "true",
		}
		archive, err = storage.NewArchiveFromConfig(ctx, s3cfg)
		if err != nil {
			slog.Error("failed to connect to log archive", "error", err)
			os.Exit(1)
		}
		slog.Info("log archive initialized", "endpoint", s3cfg.Endpoint, "bucket", s3cfg.Bucket)
	} else {
		slog.Warn("no archive endpoint configured, failed-check logs are not retained")
	}

	provider := buildProvider(cfg.Analyzer, logger)

	autoFix := make([]domain.FailureCategory, 0, len(cfg.Analyzer.AutoFixCategories))
	for _, c := range cfg.Analyzer.AutoFixCategories {
		autoFix = append(autoFix, domain.FailureCategory(c))
	}
	var archiver analyzer.Archiver
	if archive != nil {
		archiver = archive
	}
	analyzeSvc := analyzer.New(prStore, analysisStore, host, archiver, provider, pub, analyzer.Options{
		AutoFixConfidence: cfg.Analyzer.AutoFixConfidence,
		AutoFixCategories: autoFix,
		MaxLogBytes:       cfg.Analyzer.MaxLogBytes,
		CostPerPR:         cfg.Escalate.CostPerPR,
	}, logger)

	// The fixer needs the editor sidecar; without one, fix.requested events
	// wait in the queue until an editor-enabled replica picks them up.
	var fixSvc *fixer.Service
	editorURL := firstNonEmpty(os.Getenv("EDITOR_URL"), cfg.Fixer.EditorURL)
	var editorHealth api.HealthChecker
	if editorURL != "" {
		editorClient, cerr := transport.NewEditorClient(transport.TLSConfigFromEnv())
		if cerr != nil {
			slog.Error("failed to create editor client", "error", cerr)
			os.Exit(1)
		}
		editor := fixer.NewHTTPEditor(editorURL, editorClient)
		fixSvc = fixer.New(prStore, repoStore, analysisStore, fixStore, editor, pub, fixer.Options{
			MaxFixAttempts: cfg.Fixer.MaxFixAttempts,
			PhaseTimeout:   time.Duration(cfg.Fixer.PhaseTimeoutS) * time.Second,
		}, logger)
		editorHealth = transport.NewTCPHealthChecker(editorURL, "editor")
		slog.Info("fixer initialized", "editor_url", editorURL)
	} else {
		slog.Warn("EDITOR_URL not set, automated fixes disabled on this replica")
	}

	reviewSvc := reviewer.New(prStore, repoStore, reviewStore, analysisStore, host, provider, pub, nil, reviewer.Options{
		Specs:      reviewerSpecs(cfg.Reviewer),
		Timeout:    time.Duration(cfg.Reviewer.TimeoutS) * time.Second,
		MaxRetries: cfg.Reviewer.MaxRetries,
		Thresholds: reviewer.Thresholds{
			Approve: cfg.Reviewer.Thresholds.Approve,
			Comment: cfg.Reviewer.Thresholds.Comment,
		},
	}, logger)

	var notifySvc *notify.Service
	if cfg.Notify.SlackToken != "" {
		notifySvc = notify.New(slack.New(cfg.Notify.SlackToken), notify.Options{
			DefaultChannel: cfg.Notify.SlackChannel,
		}, logger)
		slog.Info("slack notifier initialized", "channel", cfg.Notify.SlackChannel)
	} else {
		slog.Warn("SLACK_TOKEN not set, notifications are logged and dropped")
	}

	var reapLogs reaper.LogStore
	if archive != nil {
		reapLogs = archive
	}
	reap := reaper.New(queue, prStore, reapLogs, pub, reaper.Options{
		Timeouts: pipeline.DefaultTimeouts(),
	})

	// Consumers run on every replica; the queue's claim leases keep any
	// event on a single worker at a time.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runConsumer := func(name string, run func(context.Context, events.Consumer) error) {
		go func() {
			if err := run(runCtx, consumer); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("consumer stopped", "consumer", name, "error", err)
			}
		}()
	}

	var stopLeader func()

	// The scheduler and reaper run on one replica only, elected via a
	// Postgres advisory lock. Consumers are safe on every replica.
	startBackgroundWorkers := func(ctx context.Context) func() {
		sched.Start(ctx)
		reap.Start(ctx)
		slog.Info("scheduler and reaper started")
		return func() {
			sched.Stop()
			reap.Stop()
			slog.Info("scheduler and reaper stopped")
		}
	}

	tryLock := func(ctx context.Context) (bool, error) {
		var acquired bool
		err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}
	elector := leader.New(tryLock, leader.RetryInterval, startBackgroundWorkers)
	elector.Start(ctx)
	stopLeader = elector.Stop
	slog.Info("leader election started (advisory lock)")

	runConsumer("analyzer", analyzeSvc.Run)
	if fixSvc != nil {
		runConsumer("fixer", fixSvc.Run)
	}
	runConsumer("reviewer", reviewSvc.Run)
	if notifySvc != nil {
		runConsumer("notifier", notifySvc.Run)
	}

	// API server.
	srv := &api.Server{
		Repos:          repoStore,
		Pulls:          prStore,
		Analyses:       analysisStore,
		Fixes:          fixStore,
		Reviews:        reviewStore,
		Poller:         sched,
		Reaper:         reap,
		MetricsHandler: m.Handler(),
		DBHealth:       postgres.NewHealthChecker(pool),
		EditorHealth:   editorHealth,
	}
	if archive != nil {
		srv.ArchiveHealth = storage.NewHealthChecker(archive)
	}
	if apiKey := os.Getenv("PRWARDEN_API_KEY"); apiKey != "" {
		srv.Auth = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
	}
	if token := os.Getenv("PRWARDEN_WEBHOOK_TOKEN"); token != "" {
		srv.WebhookToken = token
		slog.Info("webhook hint endpoint enabled")
	}
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}
	if rl := os.Getenv("RATE_LIMIT"); rl != "0" {
		rlCfg := api.DefaultRateLimitConfig()
		srv.RateLimit = &rlCfg
	}

	router := api.NewRouter(srv)

	addr := cfg.ListenAddr
	if v := os.Getenv("PRWARDEN_LISTEN_ADDR"); v != "" {
		addr = v
	}
	if strings.HasPrefix(addr, "0.0.0.0") && os.Getenv("PRWARDEN_API_KEY") == "" {
		slog.Warn("listening on 0.0.0.0 without PRWARDEN_API_KEY — API is unauthenticated and accessible from the network")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting wardend", "addr", addr, "version", api.Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections, stop the elected workers,
	// cancel consumers, release the pool.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	if stopLeader != nil {
		stopLeader()
		slog.Info("leader elector stopped")
	}
	cancelRun()
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
	}

	slog.Info("wardend shutdown complete")
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
