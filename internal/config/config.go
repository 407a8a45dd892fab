// Package config loads the daemon's configuration tree (spec.md §6): a
// YAML file holding the full settings tree, overlaid with environment
// variables for secrets and per-deployment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/taskforge/daemon/internal/queue"
	"github.com/taskforge/daemon/internal/ratelimit"
	"github.com/taskforge/daemon/internal/scheduler"
	"github.com/taskforge/daemon/internal/task"
	"github.com/taskforge/daemon/internal/worker"
)

// Daemon holds the process-wide server settings.
type Daemon struct {
	MaxConcurrent   int    `yaml:"maxConcurrent" env:"TASKFORGE_DAEMON_MAX_CONCURRENT"`
	Port            int    `yaml:"port" env:"TASKFORGE_DAEMON_PORT"`
	Host            string `yaml:"host" env:"TASKFORGE_DAEMON_HOST"`
	StateDir        string `yaml:"stateDir" env:"TASKFORGE_STATE_DIR"`
	ShutdownGraceMs int    `yaml:"shutdownGraceMs" env:"TASKFORGE_SHUTDOWN_GRACE_MS"`
}

// Defaults holds the fallback values applied when a project doesn't
// override them.
type Defaults struct {
	CheckIntervalMs int `yaml:"checkInterval" env:"TASKFORGE_DEFAULT_CHECK_INTERVAL_MS"`
	TaskTimeoutMs   int `yaml:"taskTimeout" env:"TASKFORGE_DEFAULT_TASK_TIMEOUT_MS"`
}

// RateLimit mirrors internal/ratelimit.Config's tunables.
type RateLimit struct {
	InitialBackoffMs int     `yaml:"initialBackoffMs" env:"TASKFORGE_RATELIMIT_INITIAL_BACKOFF_MS"`
	MaxBackoffMs     int     `yaml:"maxBackoffMs" env:"TASKFORGE_RATELIMIT_MAX_BACKOFF_MS"`
	Multiplier       float64 `yaml:"multiplier" env:"TASKFORGE_RATELIMIT_MULTIPLIER"`
	JitterFraction   float64 `yaml:"jitterFraction" env:"TASKFORGE_RATELIMIT_JITTER_FRACTION"`
	MaxRetries       int     `yaml:"maxRetries" env:"TASKFORGE_RATELIMIT_MAX_RETRIES"`
}

// Scheduling mirrors internal/queue.Config's tunables plus the
// maintenance-tick interval that drives AdjustDynamicPriorities and
// ReplenishFairShare.
type Scheduling struct {
	Algorithm              string `yaml:"algorithm" env:"TASKFORGE_SCHEDULING_ALGORITHM"`
	DynamicPriorityEnabled bool   `yaml:"dynamicPriorityEnabled" env:"TASKFORGE_SCHEDULING_DYNAMIC_PRIORITY"`
	ResourceQuotaEnabled   bool   `yaml:"resourceQuotaEnabled" env:"TASKFORGE_SCHEDULING_RESOURCE_QUOTA"`
	PollIntervalMs         int    `yaml:"pollIntervalMs" env:"TASKFORGE_SCHEDULING_POLL_INTERVAL_MS"`
	MaxQueueDepth          int    `yaml:"maxQueueDepth" env:"TASKFORGE_SCHEDULING_MAX_QUEUE_DEPTH"`
}

// Logging holds the slog level selection.
type Logging struct {
	Level string `yaml:"level" env:"TASKFORGE_LOG_LEVEL"`
}

// Audit configures the optional best-effort Postgres/Redis mirrors. An
// empty PostgresDSN/RedisAddr disables that backend.
type Audit struct {
	PostgresDSN   string `yaml:"postgresDsn" env:"TASKFORGE_AUDIT_POSTGRES_DSN"`
	RedisAddr     string `yaml:"redisAddr" env:"TASKFORGE_AUDIT_REDIS_ADDR"`
	RedisPassword string `yaml:"-" env:"TASKFORGE_AUDIT_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb" env:"TASKFORGE_AUDIT_REDIS_DB"`
	RedisChannel  string `yaml:"redisChannel" env:"TASKFORGE_AUDIT_REDIS_CHANNEL"`
}

// ResourceQuota mirrors task.ResourceQuota's YAML shape.
type ResourceQuota struct {
	MaxConcurrent int    `yaml:"maxConcurrent"`
	CPU           string `yaml:"cpu"`
	Memory        string `yaml:"memory"`
}

// ProjectScheduling mirrors task.SchedulingTargets's YAML shape.
type ProjectScheduling struct {
	DeadlineMs      *int    `yaml:"deadline"`
	MinThroughput   float64 `yaml:"minThroughput"`
	MaxLatencyMs    int     `yaml:"maxLatency"`
	TaskTimeoutMs   int     `yaml:"taskTimeoutMs"`
}

// Project is one entry of the `projects` list.
type Project struct {
	ID                  string             `yaml:"id"`
	Owner               string             `yaml:"owner"`
	Repo                string             `yaml:"repo"`
	PollingIntervalMs   int                `yaml:"pollingIntervalMs"`
	Labels              []string           `yaml:"labels"`
	ExcludeLabels       []string           `yaml:"excludeLabels"`
	ProcessComments     bool               `yaml:"processComments"`
	ProcessPullRequests bool               `yaml:"processPullRequests"`
	BasePriority        int                `yaml:"basePriority"`
	ShareWeight         float64            `yaml:"shareWeight"`
	ResourceQuota       *ResourceQuota     `yaml:"resourceQuota"`
	Scheduling          *ProjectScheduling `yaml:"scheduling"`
}

// Config is the full configuration tree (spec.md §6).
type Config struct {
	Daemon     Daemon     `yaml:"daemon"`
	Defaults   Defaults   `yaml:"defaults"`
	RateLimit  RateLimit  `yaml:"rateLimit"`
	Scheduling Scheduling `yaml:"scheduling"`
	Logging    Logging    `yaml:"logging"`
	Audit      Audit      `yaml:"audit"`
	Projects   []Project  `yaml:"projects"`

	// GitHubToken authenticates against the upstream tracker. It is never
	// read from the YAML file (secrets stay in the environment only).
	GitHubToken string `yaml:"-" env:"TASKFORGE_GITHUB_TOKEN"`

	// AIToolBinary/AIToolArgs select the AI-tool child invoked per task.
	AIToolBinary string   `yaml:"aiToolBinary" env:"TASKFORGE_AI_TOOL_BINARY"`
	AIToolArgs   []string `yaml:"aiToolArgs"`
}

// Default returns the configuration applied when no file is present, or
// as the base that a file's values are merged onto.
func Default() Config {
	return Config{
		Daemon: Daemon{MaxConcurrent: 4, Port: 8080, Host: "0.0.0.0", StateDir: "./data", ShutdownGraceMs: 30000},
		Defaults: Defaults{
			CheckIntervalMs: int(time.Minute / time.Millisecond),
			TaskTimeoutMs:   int(10 * time.Minute / time.Millisecond),
		},
		RateLimit: RateLimit{
			InitialBackoffMs: 1000,
			MaxBackoffMs:     int(5 * time.Minute / time.Millisecond),
			Multiplier:       2.0,
			JitterFraction:   0.2,
			MaxRetries:       5,
		},
		Scheduling: Scheduling{
			Algorithm:              string(queue.AlgorithmPriority),
			DynamicPriorityEnabled: true,
			ResourceQuotaEnabled:   true,
			PollIntervalMs:         int(30 * time.Second / time.Millisecond),
			MaxQueueDepth:          1000,
		},
		Logging:      Logging{Level: "info"},
		AIToolBinary: "ai-tool",
		AIToolArgs:   []string{"--print"},
	}
}

// Load reads the YAML file at path (if it exists) onto the defaults, then
// overlays environment variables via caarlos0/env struct tags.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no file is not an error; env vars and defaults still apply
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env overlay: %w", err)
	}

	return &cfg, nil
}

// LogLevel parses the logging.level string into a slog.Level, defaulting
// to Info on an unrecognized value.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Tasks builds the domain Project records the Queue Core and Poller
// operate on, from the configuration tree's project list.
func (c *Config) Tasks() []*task.Project {
	projects := make([]*task.Project, 0, len(c.Projects))
	for _, p := range c.Projects {
		dp := &task.Project{
			ID:                  p.ID,
			Owner:               p.Owner,
			Repo:                p.Repo,
			Labels:              p.Labels,
			ExcludeLabels:       p.ExcludeLabels,
			ProcessComments:     p.ProcessComments,
			ProcessPullRequests: p.ProcessPullRequests,
			BasePriority:        p.BasePriority,
			ShareWeight:         p.ShareWeight,
		}
		interval := msToDuration(p.PollingIntervalMs)
		if interval <= 0 {
			interval = msToDuration(c.Defaults.CheckIntervalMs)
		}
		dp.PollInterval = interval
		dp.PollIntervalMin = interval
		dp.PollIntervalMax = interval * 10

		if p.ResourceQuota != nil {
			dp.ResourceQuota = &task.ResourceQuota{
				MaxConcurrent: p.ResourceQuota.MaxConcurrent,
				CPUShare:      p.ResourceQuota.CPU,
				MemoryShare:   p.ResourceQuota.Memory,
			}
		}
		if p.Scheduling != nil {
			targets := &task.SchedulingTargets{
				MinThroughput: p.Scheduling.MinThroughput,
				MaxLatency:    msToDuration(p.Scheduling.MaxLatencyMs),
			}
			if p.Scheduling.TaskTimeoutMs > 0 {
				targets.TaskTimeout = msToDuration(p.Scheduling.TaskTimeoutMs)
			} else {
				targets.TaskTimeout = msToDuration(c.Defaults.TaskTimeoutMs)
			}
			if p.Scheduling.DeadlineMs != nil {
				d := msToDuration(*p.Scheduling.DeadlineMs)
				targets.DeadlineDefault = &d
			}
			dp.SchedulingTargets = targets
		}
		projects = append(projects, dp)
	}
	return projects
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// QueueConfig builds internal/queue.Config from the scheduling block.
func (c *Config) QueueConfig() queue.Config {
	algo := queue.Algorithm(c.Scheduling.Algorithm)
	switch algo {
	case queue.AlgorithmPriority, queue.AlgorithmWeightedFair, queue.AlgorithmDeadlineAware, queue.AlgorithmResourceAware:
	default:
		algo = queue.AlgorithmPriority
	}
	return queue.Config{
		Algorithm:              algo,
		MaxQueueDepth:          c.Scheduling.MaxQueueDepth,
		DynamicPriorityEnabled: c.Scheduling.DynamicPriorityEnabled,
		ResourceQuotaEnabled:   c.Scheduling.ResourceQuotaEnabled,
	}
}

// RateLimitConfig builds internal/ratelimit.Config from the rateLimit block.
func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		InitialBackoff: msToDuration(c.RateLimit.InitialBackoffMs),
		MaxBackoff:     msToDuration(c.RateLimit.MaxBackoffMs),
		Multiplier:     c.RateLimit.Multiplier,
		JitterFraction: c.RateLimit.JitterFraction,
		MaxRetries:     c.RateLimit.MaxRetries,
	}
}

// WorkerConfig builds internal/worker.Config from the daemon/defaults blocks.
func (c *Config) WorkerConfig() worker.Config {
	cfg := worker.DefaultConfig()
	if c.Daemon.MaxConcurrent > 0 {
		cfg.MaxConcurrent = c.Daemon.MaxConcurrent
	}
	if c.Defaults.TaskTimeoutMs > 0 {
		cfg.DefaultTimeout = msToDuration(c.Defaults.TaskTimeoutMs)
	}
	if c.AIToolBinary != "" {
		cfg.AIToolBinary = c.AIToolBinary
	}
	if len(c.AIToolArgs) > 0 {
		cfg.AIToolArgs = c.AIToolArgs
	}
	return cfg
}

// PollerConfig builds internal/scheduler.Config. The daemon-wide fields
// that don't vary per project (bot account, PR staleness) have no YAML
// key yet and use scheduler.DefaultConfig's values.
func (c *Config) PollerConfig() scheduler.Config {
	return scheduler.DefaultConfig()
}

// ShutdownGrace is how long the Supervisor waits for in-flight workers
// to finish before a shutdown proceeds regardless.
func (c *Config) ShutdownGrace() time.Duration {
	if c.Daemon.ShutdownGraceMs <= 0 {
		return 30 * time.Second
	}
	return msToDuration(c.Daemon.ShutdownGraceMs)
}

// MaintenanceInterval is how often the Supervisor should call
// queue.Core.AdjustDynamicPriorities and ReplenishFairShare.
func (c *Config) MaintenanceInterval() time.Duration {
	if c.Scheduling.PollIntervalMs <= 0 {
		return 30 * time.Second
	}
	return msToDuration(c.Scheduling.PollIntervalMs)
}
