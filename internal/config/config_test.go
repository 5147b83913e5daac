package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prwarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Polling.IntervalS)
	assert.Equal(t, 10, cfg.Polling.MaxConcurrent)
	assert.Equal(t, 1000, cfg.Polling.MaxPRsPerRepo)
	assert.Equal(t, 100, cfg.Polling.BatchSize)
	assert.Equal(t, 0.80, cfg.Analyzer.AutoFixConfidence)
	assert.Equal(t, 3, cfg.Fixer.MaxFixAttempts)
	assert.Equal(t, 30, cfg.Reviewer.TimeoutS)
	assert.Equal(t, 3, cfg.Reviewer.MaxRetries)
	assert.True(t, cfg.UseConditionalRequests())
	assert.Equal(t, 5*time.Minute, cfg.PollingInterval())
	assert.Equal(t, 5*time.Minute, cfg.CycleDeadline())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
polling:
  polling_interval_s: 60
  max_concurrent_repositories: 20
  use_conditional_requests: false
escalation:
  consecutive_failures: 3
repositories:
  - owner: acme
    name: widgets
    priority: high
  - owner: acme
    name: gadgets
    poll_cron: "*/5 * * * *"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Polling.IntervalS)
	assert.Equal(t, 20, cfg.Polling.MaxConcurrent)
	assert.False(t, cfg.UseConditionalRequests())
	assert.Equal(t, 3, cfg.Escalate.ConsecutiveFailures)
	require.Len(t, cfg.Repositories, 2)
	assert.Equal(t, "high", cfg.Repositories[0].Priority)
	// Unset sections keep defaults.
	assert.Equal(t, 1000, cfg.Polling.MaxPRsPerRepo)
	assert.Equal(t, 0.80, cfg.Analyzer.AutoFixConfidence)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"concurrency too low": `
polling:
  max_concurrent_repositories: 2
`,
		"concurrency too high": `
polling:
  max_concurrent_repositories: 100
`,
		"confidence out of range": `
analyzer:
  auto_fix_confidence: 1.5
`,
		"missing repo owner": `
repositories:
  - name: widgets
`,
		"duplicate repo": `
repositories:
  - owner: acme
    name: widgets
  - owner: acme
    name: widgets
`,
		"bad cron": `
repositories:
  - owner: acme
    name: widgets
    poll_cron: "not a cron"
`,
		"inverted thresholds": `
reviewer:
  thresholds:
    approve: 0.4
    comment: 0.6
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("GITHUB_TOKEN", "env-token")

	path := writeConfig(t, `
database_url: postgres://file/db
github:
  token: file-token
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "env-token", cfg.GitHub.Token)
}

func TestResolvePath_EnvWins(t *testing.T) {
	t.Setenv("PRWARDEN_CONFIG", "/etc/prwarden.yaml")
	assert.Equal(t, "/etc/prwarden.yaml", ResolvePath())
}

func TestStore_SnapshotAndReload(t *testing.T) {
	first, err := Load("")
	require.NoError(t, err)
	store := NewStore(first)
	assert.Same(t, first, store.Snapshot())

	path := writeConfig(t, `
polling:
  polling_interval_s: 30
`)
	require.NoError(t, store.Reload(path))
	assert.Equal(t, 30, store.Snapshot().Polling.IntervalS)

	// A failed reload keeps the previous snapshot.
	prev := store.Snapshot()
	assert.Error(t, store.Reload("/does/not/exist.yaml"))
	assert.Same(t, prev, store.Snapshot())
}
