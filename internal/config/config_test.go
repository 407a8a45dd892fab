package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/daemon/internal/queue"
	"github.com/taskforge/daemon/internal/worker"
)

const sampleYAML = `
daemon:
  maxConcurrent: 6
  port: 9090
  host: 127.0.0.1
defaults:
  checkInterval: 60000
  taskTimeout: 300000
rateLimit:
  initialBackoffMs: 500
  maxBackoffMs: 60000
  multiplier: 1.5
  jitterFraction: 0.1
  maxRetries: 6
scheduling:
  algorithm: weighted-fair
  dynamicPriorityEnabled: true
  resourceQuotaEnabled: false
  pollIntervalMs: 15000
  maxQueueDepth: 500
logging:
  level: debug
projects:
  - id: acme-widgets
    owner: acme
    repo: widgets
    pollingIntervalMs: 30000
    labels: ["bug", "help-wanted"]
    processComments: true
    basePriority: 60
    shareWeight: 2.0
    resourceQuota:
      maxConcurrent: 3
      cpu: 500m
      memory: 1Gi
    scheduling:
      minThroughput: 1.5
      maxLatency: 120000
      taskTimeoutMs: 600000
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesYAMLOntoDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 6, cfg.Daemon.MaxConcurrent)
	require.Equal(t, 9090, cfg.Daemon.Port)
	require.Equal(t, "weighted-fair", cfg.Scheduling.Algorithm)
	require.False(t, cfg.Scheduling.ResourceQuotaEnabled)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Projects, 1)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Daemon.MaxConcurrent, cfg.Daemon.MaxConcurrent)
}

func TestLoadAppliesEnvOverlayOverYAML(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("TASKFORGE_DAEMON_PORT", "7777")
	t.Setenv("TASKFORGE_GITHUB_TOKEN", "ghp_test_token")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7777, cfg.Daemon.Port)
	require.Equal(t, "ghp_test_token", cfg.GitHubToken)
	require.Equal(t, 6, cfg.Daemon.MaxConcurrent, "fields without an env override keep the YAML value")
}

func TestLogLevelMapsRecognizedStrings(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "warn"
	require.Equal(t, "WARN", cfg.LogLevel().String())

	cfg.Logging.Level = "nonsense"
	require.Equal(t, "INFO", cfg.LogLevel().String())
}

func TestTasksConvertsProjectEntriesWithUnitConversion(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	projects := cfg.Tasks()
	require.Len(t, projects, 1)
	p := projects[0]
	require.Equal(t, "acme-widgets", p.ID)
	require.Equal(t, "acme", p.Owner)
	require.Equal(t, 30*1000*1000*1000, int(p.PollInterval))
	require.NotNil(t, p.ResourceQuota)
	require.Equal(t, 3, p.ResourceQuota.MaxConcurrent)
	require.NotNil(t, p.SchedulingTargets)
	require.Equal(t, 600*1000*1000*1000, int(p.SchedulingTargets.TaskTimeout))
}

func TestTasksFallsBackToDefaultCheckIntervalWhenProjectOmitsOne(t *testing.T) {
	cfg := Default()
	cfg.Defaults.CheckIntervalMs = 45000
	cfg.Projects = []Project{{ID: "p1", Owner: "acme", Repo: "widgets"}}

	projects := cfg.Tasks()
	require.Equal(t, 45*1000*1000*1000, int(projects[0].PollInterval))
}

func TestQueueConfigRejectsUnknownAlgorithm(t *testing.T) {
	cfg := Default()
	cfg.Scheduling.Algorithm = "made-up-algorithm"
	require.Equal(t, queue.AlgorithmPriority, cfg.QueueConfig().Algorithm)
}

func TestQueueConfigPassesThroughKnownAlgorithm(t *testing.T) {
	cfg := Default()
	cfg.Scheduling.Algorithm = string(queue.AlgorithmDeadlineAware)
	require.Equal(t, queue.AlgorithmDeadlineAware, cfg.QueueConfig().Algorithm)
}

func TestRateLimitConfigConvertsMillisecondsToDuration(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.InitialBackoffMs = 2000
	rl := cfg.RateLimitConfig()
	require.Equal(t, 2000*1000*1000, int(rl.InitialBackoff))
}

func TestShutdownGraceDefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.Daemon.ShutdownGraceMs = 0
	require.Equal(t, 30*1000*1000*1000, int(cfg.ShutdownGrace()))
}

func TestAuditFieldsOverlayFromEnv(t *testing.T) {
	t.Setenv("TASKFORGE_AUDIT_POSTGRES_DSN", "postgres://example/db")
	t.Setenv("TASKFORGE_AUDIT_REDIS_ADDR", "localhost:6379")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://example/db", cfg.Audit.PostgresDSN)
	require.Equal(t, "localhost:6379", cfg.Audit.RedisAddr)
}

func TestWorkerConfigOverridesOnlyNonZeroFields(t *testing.T) {
	cfg := Default()
	cfg.Daemon.MaxConcurrent = 0
	wc := cfg.WorkerConfig()
	require.Equal(t, worker.DefaultConfig().MaxConcurrent, wc.MaxConcurrent, "zero daemon.maxConcurrent must not clobber worker.DefaultConfig's value")
}
