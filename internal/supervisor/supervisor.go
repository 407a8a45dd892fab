// Package supervisor implements the Supervisor (spec §4.8): process-lock
// startup/shutdown sequencing, wiring every other component together, and
// serving the daemon's /metrics, /healthz, and event-stream endpoints.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskforge/daemon/internal/audit"
	"github.com/taskforge/daemon/internal/config"
	"github.com/taskforge/daemon/internal/eventstream"
	"github.com/taskforge/daemon/internal/githubclient"
	"github.com/taskforge/daemon/internal/issuelock"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/queue"
	"github.com/taskforge/daemon/internal/ratelimit"
	"github.com/taskforge/daemon/internal/resulthandler"
	"github.com/taskforge/daemon/internal/scheduler"
	"github.com/taskforge/daemon/internal/statestore"
	"github.com/taskforge/daemon/internal/task"
	"github.com/taskforge/daemon/internal/worker"
)

// ErrAlreadyRunning is returned by Run when another instance already holds
// the process lock. Per spec §6's exit codes, this is exit 0, not an error
// condition worth alarming on.
var ErrAlreadyRunning = errors.New("supervisor: another instance holds the process lock")

// upstreamBurstPerMinute smooths the token-tracker API's instantaneous call
// rate. GitHub's default hourly quota is 5000 calls for an authenticated
// token; spread evenly that's roughly 83/minute.
const upstreamBurstPerMinute = 83

// Supervisor owns every long-lived component and drives the daemon's
// startup and shutdown sequences.
type Supervisor struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	store    *statestore.Store
	locks    *issuelock.Manager
	limiter  *ratelimit.Limiter
	core     *queue.Core
	gh       *githubclient.Client
	registry *ProjectRegistry
	handler  *resulthandler.Handler
	hub      *eventstream.Hub
	pool     *worker.Pool
	auditSinks []audit.Sink

	pollers map[string]*scheduler.Poller

	httpSrv *http.Server

	draining atomic.Bool
}

// New wires every component from cfg. It performs the I/O each component's
// own constructor requires (opening the state-store directory, dialing the
// optional audit backends) but does not yet acquire the process lock,
// restore tasks, or start anything — call Run for that.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := statestore.New(cfg.Daemon.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: state store: %w", err)
	}

	locks := issuelock.New(store.LocksDir(), logger)
	limiter := ratelimit.New(cfg.RateLimitConfig(), upstreamBurstPerMinute)
	core := queue.NewCore(cfg.QueueConfig())
	registry := NewProjectRegistry()
	hub := eventstream.NewHub(logger)

	gh, err := githubclient.New(githubclient.Config{Token: cfg.GitHubToken})
	if err != nil {
		return nil, fmt.Errorf("supervisor: github client: %w", err)
	}

	auditSinks := buildAuditSinks(cfg, logger)
	multiAudit := audit.NewMultiSink(logger, auditSinks...)

	handler := resulthandler.New(resulthandler.DefaultConfig(), store, gh, core, registry, multiAudit, logger)

	pool := worker.NewPool(cfg.WorkerConfig(), core, store, locks, limiter, &eventPublishingSink{inner: handler, hub: hub}, registry, logger)

	return &Supervisor{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		store:      store,
		locks:      locks,
		limiter:    limiter,
		core:       core,
		gh:         gh,
		registry:   registry,
		handler:    handler,
		hub:        hub,
		pool:       pool,
		auditSinks: auditSinks,
		pollers:    make(map[string]*scheduler.Poller),
	}, nil
}

// buildAuditSinks constructs the optional Postgres/Redis mirrors. Either or
// both may be absent; a connection failure is logged and that backend is
// skipped rather than failing startup, since audit mirroring is best-effort.
func buildAuditSinks(cfg *config.Config, logger *slog.Logger) []audit.Sink {
	var sinks []audit.Sink
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Audit.PostgresDSN != "" {
		pg, err := audit.NewPostgresSink(ctx, cfg.Audit.PostgresDSN, logger)
		if err != nil {
			logger.Warn("audit: postgres sink unavailable, continuing without it", "error", err)
		} else {
			sinks = append(sinks, pg)
		}
	}
	if cfg.Audit.RedisAddr != "" {
		rd, err := audit.NewRedisMirror(ctx, cfg.Audit.RedisAddr, cfg.Audit.RedisPassword, cfg.Audit.RedisDB, cfg.Audit.RedisChannel, logger)
		if err != nil {
			logger.Warn("audit: redis mirror unavailable, continuing without it", "error", err)
		} else {
			sinks = append(sinks, rd)
		}
	}
	return sinks
}

// eventPublishingSink adapts a resulthandler.Handler into worker.ResultSink
// while also publishing the task's terminal transition to the event
// stream, so the Worker Executor has one sink to report to instead of two.
type eventPublishingSink struct {
	inner *resulthandler.Handler
	hub   *eventstream.Hub
}

func (s *eventPublishingSink) Handle(ctx context.Context, t *task.Task) error {
	err := s.inner.Handle(ctx, t)
	eventstream.TaskTransition(s.hub, t)
	return err
}

// Run executes the full startup sequence, serves until ctx is cancelled or
// a termination signal arrives, then executes the shutdown sequence. Its
// return value is the process exit code per spec §6: 0 for a clean
// shutdown or ErrAlreadyRunning, 1 otherwise.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	acquired, err := s.store.AcquireProcessLock()
	if err != nil {
		return 1, fmt.Errorf("supervisor: acquire process lock: %w", err)
	}
	if !acquired {
		s.logger.Info("another instance already holds the process lock, exiting cleanly")
		return 0, ErrAlreadyRunning
	}
	defer s.releaseProcessLock()

	if err := s.startup(ctx); err != nil {
		return 1, fmt.Errorf("supervisor: startup: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case <-runCtx.Done():
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	}

	s.shutdown()
	return 0, nil
}

// startup implements spec §4.8's startup sequence, minus process-lock
// acquisition (handled by the caller, Run, since a failed acquisition
// short-circuits before any of this runs).
func (s *Supervisor) startup(ctx context.Context) error {
	for _, p := range s.cfg.Tasks() {
		s.registry.Upsert(p)
		s.core.RegisterProject(p)
	}

	if err := s.restorePendingTasks(); err != nil {
		return err
	}
	if err := worker.RecoverRunningTasks(s.store, s.logger); err != nil {
		s.logger.Warn("running-task sweep reported an error", "error", err)
	}

	for _, p := range s.registry.All() {
		s.startPoller(ctx, p)
	}

	s.pool.Start(ctx)

	go s.hub.Run(ctx)
	go s.serveHTTP()
	go s.maintenanceLoop(ctx)
	if s.configPath != "" {
		go s.watchConfig(ctx)
	}

	s.logger.Info("supervisor startup complete",
		"projects", len(s.registry.All()),
		"workerSlots", s.cfg.WorkerConfig().MaxConcurrent,
	)
	return nil
}

// restorePendingTasks re-enqueues whatever pending-tasks.json holds from a
// previous run. A task whose project is no longer registered is dropped
// and logged rather than silently discarded into a nil-project panic.
func (s *Supervisor) restorePendingTasks() error {
	pending, err := s.store.LoadPendingTasks()
	if err != nil {
		return fmt.Errorf("restore pending tasks: %w", err)
	}
	restored := 0
	for _, t := range pending {
		if _, ok := s.registry.Project(t.ProjectID); !ok {
			s.logger.Warn("dropping pending task for unregistered project", "task", t.ID, "project", t.ProjectID)
			continue
		}
		if err := s.core.Enqueue(t); err != nil {
			s.logger.Warn("failed to restore pending task", "task", t.ID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info("restored pending tasks from previous run", "count", restored)
	}
	return nil
}

func (s *Supervisor) startPoller(ctx context.Context, p *task.Project) {
	poller := scheduler.NewPoller(p, s.gh, s.core, s.store, s.limiter, s.cfg.PollerConfig(), s.logger)
	s.pollers[p.ID] = poller
	poller.Start(ctx)
}

// shutdown implements spec §4.8's shutdown sequence and spec §5's
// invariant that already-started children run to completion.
func (s *Supervisor) shutdown() {
	s.draining.Store(true)
	s.logger.Info("shutdown: draining")

	for id, poller := range s.pollers {
		poller.Stop()
		s.logger.Debug("stopped poller", "project", id)
	}

	grace := s.cfg.ShutdownGrace()
	s.logger.Info("shutdown: waiting for in-flight workers", "grace", grace)
	if finished := s.pool.StopWithGrace(grace); !finished {
		s.logger.Warn("shutdown: grace period elapsed with workers still running; proceeding anyway")
	}

	remaining := s.core.Drain()
	if err := s.store.SavePendingTasks(remaining); err != nil {
		s.logger.Error("shutdown: failed to persist remaining queued tasks", "error", err)
	} else {
		s.logger.Info("shutdown: persisted remaining queued tasks", "count", len(remaining))
	}

	if reclaimed, err := s.locks.Sweep(); err != nil {
		s.logger.Warn("shutdown: issue-lock sweep failed", "error", err)
	} else if reclaimed > 0 {
		s.logger.Info("shutdown: released stale issue locks", "count", reclaimed)
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown: admin HTTP server shutdown error", "error", err)
		}
	}

	for _, sink := range s.auditSinks {
		sink.Close()
	}

	s.logger.Info("shutdown: complete")
}

func (s *Supervisor) releaseProcessLock() {
	if err := s.store.ReleaseProcessLock(); err != nil {
		s.logger.Warn("failed to release process lock", "error", err)
	}
}

// serveHTTP mounts /metrics, /healthz, and the event-stream WebSocket
// endpoint, and serves them until the server is shut down from shutdown().
func (s *Supervisor) serveHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.hub.ServeHTTP)

	addr := fmt.Sprintf("%s:%d", s.cfg.Daemon.Host, s.cfg.Daemon.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("admin HTTP surface listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("admin HTTP server failed", "error", err)
	}
}

func (s *Supervisor) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// maintenanceLoop periodically recomputes dynamic priorities and
// replenishes weighted-fair tokens (spec §4.4), and publishes the current
// queue snapshot to the Prometheus metrics. Nothing is sent to the event
// stream from here.
func (s *Supervisor) maintenanceLoop(ctx context.Context) {
	interval := s.cfg.MaintenanceInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cfg.Scheduling.DynamicPriorityEnabled {
				s.core.AdjustDynamicPriorities()
			}
			s.core.ReplenishFairShare()
			s.publishMetrics()
		}
	}
}

func (s *Supervisor) publishMetrics() {
	m := s.core.Metrics()
	observability.JainFairnessIndex.Set(m.JainFairnessIndex)
	observability.WorkerSlotsTotal.Set(float64(s.cfg.WorkerConfig().MaxConcurrent))
	for id, pm := range m.PerProject {
		observability.QueueDepth.WithLabelValues(id).Set(float64(pm.RunningCount))
		observability.DynamicPriority.WithLabelValues(id).Set(float64(pm.DynamicPriority))
	}
}

// watchConfig implements the config hot-reload supplement: on a write to
// configPath, it re-reads the file and applies project diffs: added and
// updated projects go to the registry and the Queue Core; a removed
// project has its poller stopped and is dropped from the registry, while
// the Queue Core keeps its project state. This converges the file-driven
// path with whatever an admin-API-driven update would do.
func (s *Supervisor) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config hot-reload disabled: failed to start watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.configPath); err != nil {
		s.logger.Warn("config hot-reload disabled: failed to watch file", "path", s.configPath, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reloadConfig(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (s *Supervisor) reloadConfig(ctx context.Context) {
	newCfg, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Warn("config reload failed, keeping previous configuration", "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, p := range newCfg.Tasks() {
		seen[p.ID] = true
		if _, existed := s.registry.Project(p.ID); !existed {
			s.logger.Info("config reload: registering new project", "project", p.ID)
			s.registry.Upsert(p)
			s.core.RegisterProject(p)
			s.startPoller(ctx, p)
			continue
		}
		s.registry.Upsert(p)
		s.core.RegisterProject(p)
		s.logger.Info("config reload: updated project", "project", p.ID)
	}

	for _, existing := range s.registry.All() {
		if seen[existing.ID] {
			continue
		}
		s.logger.Info("config reload: unregistering removed project", "project", existing.ID)
		if poller, ok := s.pollers[existing.ID]; ok {
			poller.Stop()
			delete(s.pollers, existing.ID)
		}
		s.registry.Remove(existing.ID)
	}

	s.cfg = newCfg
}
