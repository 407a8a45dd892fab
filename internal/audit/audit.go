// Package audit provides the optional, best-effort archival mirrors for
// completed tasks (spec §4.7's Postgres/Redis mirroring): a Postgres sink
// that upserts every terminal result into a table keyed by task ID, and a Redis
// publisher that broadcasts the same event on a pub/sub channel for any
// external dashboard subscribed to it. Neither is load-bearing: a mirror
// failure is logged and otherwise ignored, since the on-disk State Store
// remains the system of record.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/taskforge/daemon/internal/task"
)

// Event is the flattened record mirrored to both backends.
type Event struct {
	TaskID      string      `json:"taskId"`
	ProjectID   string      `json:"projectId"`
	IssueNumber int         `json:"issueNumber"`
	Kind        task.Kind   `json:"kind"`
	Status      task.Status `json:"status"`
	Attempts    int         `json:"attempts"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
	CompletedAt time.Time   `json:"completedAt"`
}

func eventFrom(t *task.Task) Event {
	ev := Event{
		TaskID:      t.ID,
		ProjectID:   t.ProjectID,
		IssueNumber: t.IssueNumber,
		Kind:        t.Kind,
		Status:      t.Status,
		Attempts:    t.Attempts,
	}
	if t.Result != nil {
		ev.Success = t.Result.Success
		ev.CompletedAt = t.Result.CompletedAt
	}
	if t.Error != "" {
		ev.Error = t.Error
	}
	return ev
}

// Sink is anything that can durably record a terminal task event.
type Sink interface {
	Record(ctx context.Context, t *task.Task) error
	Close()
}

// PostgresSink upserts one row per terminal task into the `task_results`
// archive table, keyed on task_id: recording the same task again
// overwrites its status, attempts, success, error and completed_at. Schema management is out of scope here; the table is
// assumed to already exist (spec's Non-goals exclude a migration runner).
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresSink opens a connection pool against connString and verifies
// it with a ping.
func NewPostgresSink(ctx context.Context, connString string, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("audit: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return &PostgresSink{pool: pool, logger: logger}, nil
}

func (s *PostgresSink) Record(ctx context.Context, t *task.Task) error {
	ev := eventFrom(t)
	const query = `
		INSERT INTO task_results (task_id, project_id, issue_number, kind, status, attempts, success, error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			success = EXCLUDED.success,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at
	`
	_, err := s.pool.Exec(ctx, query,
		ev.TaskID, ev.ProjectID, ev.IssueNumber, string(ev.Kind), string(ev.Status),
		ev.Attempts, ev.Success, ev.Error, ev.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}

// RedisMirror publishes every terminal task event on a pub/sub channel,
// for live dashboards outside the daemon's own WebSocket hub.
type RedisMirror struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisMirror connects to a Redis instance and verifies it with a ping.
func NewRedisMirror(ctx context.Context, addr, password string, db int, channel string, logger *slog.Logger) (*RedisMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("audit: redis ping: %w", err)
	}
	if channel == "" {
		channel = "taskforge:results"
	}
	return &RedisMirror{client: client, channel: channel, logger: logger}, nil
}

func (m *RedisMirror) Record(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(eventFrom(t))
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, data).Err(); err != nil {
		return fmt.Errorf("audit: publish: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() {
	_ = m.client.Close()
}

// MultiSink fans a single Record call out to every configured backend,
// logging (never propagating) individual failures: a mirror outage must
// never fail the task whose result it's mirroring.
type MultiSink struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMultiSink combines zero or more sinks. A nil entry is skipped, so
// callers can pass the result of an optional connection attempt directly.
func NewMultiSink(logger *slog.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = slog.Default()
	}
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered, logger: logger}
}

func (m *MultiSink) Record(ctx context.Context, t *task.Task) {
	for _, s := range m.sinks {
		if err := s.Record(ctx, t); err != nil {
			m.logger.Warn("audit mirror failed", "task", t.ID, "error", err)
		}
	}
}

func (m *MultiSink) Close() {
	for _, s := range m.sinks {
		s.Close()
	}
}
