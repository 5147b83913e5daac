// Package config handles loading and validating the prwarden.yaml
// configuration. The daemon runs with sensible defaults when no file is
// present; a file declares the repository roster and tuning overrides.
//
// Readers never hold a *Config across a cycle boundary. The Store hands out
// immutable snapshots behind an atomic pointer so a reload between cycles
// cannot tear a running cycle's view of the world.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the top-level prwarden.yaml configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"` // overridden by DATABASE_URL
	ListenAddr  string `yaml:"listen_addr"`

	GitHub   GitHubConfig   `yaml:"github"`
	Polling  PollingConfig  `yaml:"polling"`
	Cache    CacheConfig    `yaml:"cache"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Fixer    FixerConfig    `yaml:"fixer"`
	Reviewer ReviewerConfig `yaml:"reviewer"`
	Skip     SkipConfig     `yaml:"skip_patterns"`
	Escalate EscalateConfig `yaml:"escalation"`
	Notify   NotifyConfig   `yaml:"notifications"`
	Archive  ArchiveConfig  `yaml:"archive"`

	Repositories []RepoConfig `yaml:"repositories"`
}

// GitHubConfig holds hosting-API connection settings.
// Token is normally supplied via GITHUB_TOKEN rather than the file.
type GitHubConfig struct {
	BaseURL        string  `yaml:"base_url"` // empty = api.github.com
	Token          string  `yaml:"token"`
	RequestsPerMin float64 `yaml:"requests_per_min"` // per-resource budget
	Burst          int     `yaml:"burst"`
	MaxRetries     int     `yaml:"max_retries"`
}

// PollingConfig tunes the discovery scheduler.
type PollingConfig struct {
	IntervalS       int   `yaml:"polling_interval_s"`
	MaxConcurrent   int   `yaml:"max_concurrent_repositories"`
	MaxPRsPerRepo   int   `yaml:"max_prs_per_repository"`
	CycleDeadlineS  int   `yaml:"cycle_deadline_s"`
	BatchSize       int   `yaml:"batch_size"`
	CheckFanout     int   `yaml:"check_fanout"` // concurrent check-run fetches per repo
	ConditionalReqs *bool `yaml:"use_conditional_requests"`
}

// CacheConfig tunes the hosting-API response cache.
type CacheConfig struct {
	TTLS     int   `yaml:"cache_ttl_s"`
	MaxBytes int64 `yaml:"max_bytes"`
}

// AnalyzerConfig tunes the failure analyzer.
type AnalyzerConfig struct {
	Model             string   `yaml:"model"`
	FallbackModel     string   `yaml:"fallback_model"`
	AutoFixConfidence float64  `yaml:"auto_fix_confidence"`
	AutoFixCategories []string `yaml:"auto_fix_categories"`
	MaxLogBytes       int      `yaml:"max_log_bytes"`
}

// FixerConfig tunes the automated fixer.
type FixerConfig struct {
	EditorURL      string `yaml:"editor_url"`
	MaxFixAttempts int    `yaml:"max_fix_attempts"`
	PhaseTimeoutS  int    `yaml:"phase_timeout_s"`
}

// ReviewerConfig tunes the multi-reviewer orchestrator.
type ReviewerConfig struct {
	TimeoutS   int              `yaml:"reviewer_timeout_s"`
	MaxRetries int              `yaml:"reviewer_max_retries"`
	Reviewers  []ReviewerSpec   `yaml:"reviewers"`
	Thresholds ReviewThresholds `yaml:"thresholds"`
}

// ReviewerSpec declares one reviewer in the panel.
type ReviewerSpec struct {
	Type     string  `yaml:"type"` // e.g. "code_quality", "security", "performance"
	Weight   float64 `yaml:"weight"`
	Security bool    `yaml:"security"` // carries veto power
}

// ReviewThresholds are the weighted-score cutoffs for the aggregate decision.
type ReviewThresholds struct {
	Approve float64 `yaml:"approve"`
	Comment float64 `yaml:"comment"`
}

// SkipConfig filters PRs and checks out of the pipeline.
type SkipConfig struct {
	PRLabels   []string `yaml:"pr_labels"`
	CheckNames []string `yaml:"check_names"` // glob patterns
	Authors    []string `yaml:"authors"`
}

// EscalateConfig holds the thresholds that force human review.
type EscalateConfig struct {
	ConsecutiveFailures int     `yaml:"consecutive_failures"`
	TimeInStateS        int     `yaml:"time_in_state_s"`
	CostPerPR           float64 `yaml:"cost_per_pr"`
}

// NotifyConfig configures the Slack notification transport.
type NotifyConfig struct {
	SlackToken   string `yaml:"slack_token"` // normally SLACK_TOKEN
	SlackChannel string `yaml:"slack_channel"`
}

// ArchiveConfig configures the S3/MinIO failure-log archive.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// RepoConfig declares one repository in the roster.
type RepoConfig struct {
	Owner    string `yaml:"owner"`
	Name     string `yaml:"name"`
	Priority string `yaml:"priority"`  // critical|high|normal|low
	PollCron string `yaml:"poll_cron"` // overrides polling_interval_s
}

// DefaultConfig returns the stock daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		GitHub: GitHubConfig{
			RequestsPerMin: 80,
			Burst:          10,
			MaxRetries:     3,
		},
		Polling: PollingConfig{
			IntervalS:      300,
			MaxConcurrent:  10,
			MaxPRsPerRepo:  1000,
			CycleDeadlineS: 300,
			BatchSize:      100,
			CheckFanout:    10,
		},
		Cache: CacheConfig{
			TTLS:     300,
			MaxBytes: 64 << 20,
		},
		Analyzer: AnalyzerConfig{
			Model:             "claude-sonnet-4-5",
			AutoFixConfidence: 0.80,
			AutoFixCategories: []string{"lint", "formatting", "test", "dependency"},
			MaxLogBytes:       256 << 10,
		},
		Fixer: FixerConfig{
			MaxFixAttempts: 3,
			PhaseTimeoutS:  600,
		},
		Reviewer: ReviewerConfig{
			TimeoutS:   30,
			MaxRetries: 3,
			Thresholds: ReviewThresholds{Approve: 0.75, Comment: 0.50},
		},
		Escalate: EscalateConfig{
			ConsecutiveFailures: 5,
			TimeInStateS:        7200,
			CostPerPR:           10,
		},
	}
}

// Load parses a prwarden.yaml file over the defaults and validates it.
// If path is empty, returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		applyEnv(cfg)
		return cfg, cfg.validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: PRWARDEN_CONFIG env var > ./prwarden.yaml > "" (defaults only).
func ResolvePath() string {
	if p := os.Getenv("PRWARDEN_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("prwarden.yaml"); err == nil {
		return "prwarden.yaml"
	}
	return ""
}

// applyEnv overlays secrets and endpoints from the environment. Env always
// wins over the file so secrets stay out of yaml.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		cfg.Notify.SlackToken = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Analyzer.Model == "" {
		cfg.Analyzer.Model = "claude-sonnet-4-5"
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (c *Config) validate() error {
	p := &c.Polling
	if p.IntervalS <= 0 {
		return fmt.Errorf("polling_interval_s must be positive, got %d", p.IntervalS)
	}
	if p.MaxConcurrent < 5 || p.MaxConcurrent > 50 {
		return fmt.Errorf("max_concurrent_repositories must be in [5,50], got %d", p.MaxConcurrent)
	}
	if p.MaxPRsPerRepo <= 0 || p.BatchSize <= 0 || p.CycleDeadlineS <= 0 {
		return fmt.Errorf("polling caps must be positive")
	}
	if c.Analyzer.AutoFixConfidence < 0 || c.Analyzer.AutoFixConfidence > 1 {
		return fmt.Errorf("auto_fix_confidence must be in [0,1], got %g", c.Analyzer.AutoFixConfidence)
	}
	if c.Fixer.MaxFixAttempts <= 0 {
		return fmt.Errorf("max_fix_attempts must be positive, got %d", c.Fixer.MaxFixAttempts)
	}
	if c.Reviewer.Thresholds.Approve < c.Reviewer.Thresholds.Comment {
		return fmt.Errorf("reviewer approve threshold %g below comment threshold %g",
			c.Reviewer.Thresholds.Approve, c.Reviewer.Thresholds.Comment)
	}
	seen := map[string]bool{}
	for i, r := range c.Repositories {
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("repositories[%d]: owner and name are required", i)
		}
		full := r.Owner + "/" + r.Name
		if seen[full] {
			return fmt.Errorf("repositories[%d]: duplicate entry %s", i, full)
		}
		seen[full] = true
		if r.PollCron != "" {
			if _, err := cronParser.Parse(r.PollCron); err != nil {
				return fmt.Errorf("repositories[%d]: poll_cron %q: %w", i, r.PollCron, err)
			}
		}
	}
	return nil
}

// PollingInterval returns the inter-cycle lower bound as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.Polling.IntervalS) * time.Second
}

// CycleDeadline returns the per-cycle wall-clock budget as a duration.
func (c *Config) CycleDeadline() time.Duration {
	return time.Duration(c.Polling.CycleDeadlineS) * time.Second
}

// CacheTTL returns the response-cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLS) * time.Second
}

// UseConditionalRequests reports whether conditional requests are enabled
// (default true).
func (c *Config) UseConditionalRequests() bool {
	if c.Polling.ConditionalReqs == nil {
		return true
	}
	return *c.Polling.ConditionalReqs
}

// Store hands out immutable configuration snapshots and accepts reloads.
type Store struct {
	cur atomic.Pointer[Config]
}

// NewStore wraps an initial configuration.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.cur.Store(cfg)
	return s
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only.
func (s *Store) Snapshot() *Config {
	return s.cur.Load()
}

// Reload re-reads the config file and swaps in the new snapshot.
// In-flight cycles keep the snapshot they started with.
func (s *Store) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	s.cur.Store(cfg)
	return nil
}
