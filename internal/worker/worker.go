// Package worker implements the Worker Executor (spec §4.6): a fixed pool
// of concurrent slots, each pulling a task from the Queue Core, acquiring
// its IssueLock, running the external AI-tool child process, and handing
// the result to a ResultSink.
//
// Per the child-process redesign, there is no generated wrapper script:
// the worker execs the AI-tool binary directly and writes the pid/status/
// result files itself, so a crashed daemon can still recover an in-flight
// task's outcome across a restart the same way the original wrapper
// protocol intended.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/taskforge/daemon/internal/issuelock"
	"github.com/taskforge/daemon/internal/queue"
	"github.com/taskforge/daemon/internal/ratelimit"
	"github.com/taskforge/daemon/internal/statestore"
	"github.com/taskforge/daemon/internal/task"
)

// Config holds the worker-pool-wide tunables from spec §6's `daemon` and
// `defaults` configuration blocks.
type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	StallTimeout   time.Duration
	LockTTL        time.Duration
	AIToolBinary   string
	AIToolArgs     []string
	PollIdleWait   time.Duration

	// MaxAttempts bounds retries of a task-execution failure (non-zero
	// exit, timeout, stall). A deadline-exceeded failure is never retried
	// regardless of this value (spec §5).
	MaxAttempts int
	// RetryPriorityBoost is added to a retried task's BasePriority each
	// time it's requeued after a task-execution failure (spec §7).
	RetryPriorityBoost int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      4,
		DefaultTimeout:     10 * time.Minute,
		StallTimeout:       5 * time.Minute,
		LockTTL:            15 * time.Minute,
		AIToolBinary:       "ai-tool",
		AIToolArgs:         []string{"--print"},
		PollIdleWait:       2 * time.Second,
		MaxAttempts:        3,
		RetryPriorityBoost: 5,
	}
}

// ResultSink receives a completed or failed task for the Result Handler to
// persist and act on.
type ResultSink interface {
	Handle(ctx context.Context, t *task.Task) error
}

// ProjectLookup resolves a project by ID so a worker slot can overlay its
// environment and working directory.
type ProjectLookup interface {
	Project(id string) (*task.Project, bool)
}

// Pool owns N concurrent worker slots pulling from a Queue Core.
type Pool struct {
	cfg     Config
	core    *queue.Core
	store   *statestore.Store
	locks   *issuelock.Manager
	limiter *ratelimit.Limiter
	sink    ResultSink
	lookup  ProjectLookup
	logger  *slog.Logger

	workerID string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool constructs a worker pool. Call Start to launch its slots.
func NewPool(cfg Config, core *queue.Core, store *statestore.Store, locks *issuelock.Manager, limiter *ratelimit.Limiter, sink ResultSink, lookup ProjectLookup, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollIdleWait <= 0 {
		cfg.PollIdleWait = 2 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		core:     core,
		store:    store,
		locks:    locks,
		limiter:  limiter,
		sink:     sink,
		lookup:   lookup,
		logger:   logger,
		workerID: fmt.Sprintf("worker-%d", os.Getpid()),
	}
}

// Start launches cfg.MaxConcurrent slot goroutines. Each runs until ctx is
// cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		p.wg.Add(1)
		go p.slotLoop(ctx, i)
	}
}

// Stop cancels every slot's admission loop and waits for in-flight
// executions to return. It does not interrupt a child process already
// started by execute: that child's context is independent of ctx, so it
// runs to completion or its own timeout regardless of Stop being called.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// StopWithGrace cancels admission like Stop, but only waits up to grace
// for in-flight slots to return. It reports whether every slot finished
// within that window. A slot that's still running an AI-tool child when
// grace elapses is left running (per spec §5, shutdown never interrupts
// an already-started child); the Supervisor proceeds with the rest of
// its shutdown sequence regardless.
func (p *Pool) StopWithGrace(grace time.Duration) bool {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (p *Pool) slotLoop(ctx context.Context, slotIndex int) {
	defer p.wg.Done()
	logger := p.logger.With("slot", slotIndex)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, ok := p.core.NextTask("")
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollIdleWait):
				continue
			}
		}

		p.run(ctx, t, logger)
	}
}

// run drives one task through assigned -> running -> completed/failed,
// acquiring its IssueLock first and releasing it unconditionally on exit.
func (p *Pool) run(ctx context.Context, t *task.Task, logger *slog.Logger) {
	now := time.Now()
	t.Transition(task.StatusAssigned, "dispatched from queue", now)

	project, ok := p.lookup.Project(t.ProjectID)
	if !ok {
		t.Transition(task.StatusFailed, "unknown project", time.Now())
		t.Error = fmt.Sprintf("project %q not registered", t.ProjectID)
		p.finish(ctx, t, logger, false)
		return
	}

	ref := statestore.IssueRef{ProjectID: t.ProjectID, IssueNumber: t.IssueNumber}
	holder := issuelock.Holder{PID: os.Getpid(), WorkerID: p.workerID, TaskID: t.ID, SessionID: issuelock.NewSessionID()}
	acquired, err := p.locks.AcquireLock(ref, holder, p.cfg.LockTTL)
	if err != nil {
		logger.Error("issue lock acquisition errored", "task", t.ID, "error", err)
		t.Transition(task.StatusFailed, fmt.Sprintf("lock error: %v", err), time.Now())
		p.finish(ctx, t, logger, false)
		return
	}
	if !acquired {
		logger.Debug("issue already locked, requeuing", "task", t.ID, "issue", ref.String())
		t.Transition(task.StatusQueued, "issue locked by another worker", time.Now())
		if err := p.core.Requeue(t); err != nil {
			logger.Warn("requeue after lock contention failed", "task", t.ID, "error", err)
		}
		return
	}
	defer func() {
		if err := p.locks.ReleaseLock(ref, os.Getpid()); err != nil {
			logger.Warn("releasing issue lock failed", "task", t.ID, "error", err)
		}
	}()

	t.Attempts++
	t.Transition(task.StatusRunning, "executing AI-tool child", time.Now())

	result, runErr := p.execute(ctx, project, t, logger)

	if result.Stalled {
		t.Transition(task.StatusStalled, result.Error, time.Now())
	}

	switch {
	case runErr != nil:
		t.Error = runErr.Error()
		t.Transition(task.StatusFailed, runErr.Error(), time.Now())
		p.finish(ctx, t, logger, false)
	case result.RateLimited:
		if result.ResetTime != nil {
			p.limiter.SetAIToolCooldown(*result.ResetTime)
		}
		t.Result = &result
		t.Transition(task.StatusRetrying, "ai-tool rate limited", time.Now())
		backoffRes := p.limiter.BackoffFor(t.ID)
		if !backoffRes.ShouldRetry {
			t.Transition(task.StatusFailed, "exhausted retries after rate limiting", time.Now())
			p.finish(ctx, t, logger, false)
			return
		}
		go p.delayedRequeue(t, time.Duration(backoffRes.DelayMs)*time.Millisecond, logger)
	case result.Success:
		t.Result = &result
		p.limiter.ResetBackoff(t.ID)
		t.Transition(task.StatusCompleted, "ai-tool exited 0", time.Now())
		p.finish(ctx, t, logger, true)
	default:
		t.Result = &result
		t.Error = result.Error
		if !result.DeadlineExceeded && t.Attempts < p.cfg.MaxAttempts {
			t.BasePriority += p.cfg.RetryPriorityBoost
			t.Transition(task.StatusRetrying, fmt.Sprintf("ai-tool exited %d, retrying", result.ExitCode), time.Now())
			if err := p.core.Requeue(t); err != nil {
				logger.Warn("retry requeue after task-execution failure failed", "task", t.ID, "error", err)
			}
			return
		}
		reason := fmt.Sprintf("ai-tool exited %d", result.ExitCode)
		if result.DeadlineExceeded {
			reason = "task deadline exceeded"
		}
		t.Transition(task.StatusFailed, reason, time.Now())
		p.finish(ctx, t, logger, false)
	}
}

func (p *Pool) delayedRequeue(t *task.Task, delay time.Duration, logger *slog.Logger) {
	time.Sleep(delay)
	t.Transition(task.StatusAssigned, "retry after backoff", time.Now())
	if err := p.core.Requeue(t); err != nil {
		logger.Warn("retry requeue failed", "task", t.ID, "error", err)
	}
}

func (p *Pool) finish(ctx context.Context, t *task.Task, logger *slog.Logger, success bool) {
	if err := p.core.Complete(t, success); err != nil {
		logger.Warn("marking task complete in queue core failed", "task", t.ID, "error", err)
	}
	if p.sink != nil {
		if err := p.sink.Handle(ctx, t); err != nil {
			logger.Error("result handler failed", "task", t.ID, "error", err)
		}
	}
}

// execute spawns the AI-tool child for t, writing the pid/status/result
// file triad to the store's scratch directory as it goes, and returns the
// parsed result envelope.
func (p *Pool) execute(ctx context.Context, project *task.Project, t *task.Task, logger *slog.Logger) (task.Result, error) {
	timeout := p.cfg.DefaultTimeout
	if project.SchedulingTargets != nil && project.SchedulingTargets.TaskTimeout > 0 {
		timeout = project.SchedulingTargets.TaskTimeout
	}
	deadlineBound := false
	if t.Deadline != nil {
		if until := time.Until(*t.Deadline); until < timeout {
			timeout = until
			deadlineBound = true
		}
	}

	// Deliberately not derived from ctx: a supervisor shutdown cancels ctx
	// to stop new admissions, but an already-started child keeps running
	// until it exits or this timeout fires.
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	prompt := buildPrompt(t)
	args := append([]string{}, p.cfg.AIToolArgs...)
	cmd := exec.CommandContext(runCtx, p.cfg.AIToolBinary, args...)
	cmd.Dir = projectWorkDir(p.store.Dir(), project.ID)
	if err := os.MkdirAll(cmd.Dir, 0o755); err != nil {
		return task.Result{}, fmt.Errorf("execute: work dir: %w", err)
	}
	cmd.Env = overlayEnv(os.Environ(), project, t)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr strings.Builder
	activity := newActivityTracker()
	cmd.Stdout = io.MultiWriter(&stdout, activity)
	cmd.Stderr = io.MultiWriter(&stderr, activity)

	if err := cmd.Start(); err != nil {
		return task.Result{}, fmt.Errorf("execute: start: %w", err)
	}

	pidPath, statusPath, resultPath := scratchPaths(p.store.Dir(), t.ID)
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", cmd.Process.Pid)), 0o644); err != nil {
		logger.Warn("writing pid file failed", "task", t.ID, "error", err)
	}
	writeStatus(statusPath, "running")
	if err := p.store.AddRunningTask(t.ID, statestore.RunningTaskRecord{
		TaskID: t.ID, ProjectID: project.ID, IssueNumber: t.IssueNumber,
		ChildPID: cmd.Process.Pid, ChildStartedAt: time.Now(), WorkerID: p.workerID,
	}); err != nil {
		logger.Warn("recording running-task record failed", "task", t.ID, "error", err)
	}

	// stalled latches once the watchdog below fires. It's read only
	// after cmd.Wait() returns, by which point the watchdog goroutine has
	// either exited on its own or is about to after observing doneCh closed.
	var stalled atomic.Bool
	doneCh := make(chan struct{})
	if p.cfg.StallTimeout > 0 {
		go p.watchStall(runCtx, cancel, activity, p.cfg.StallTimeout, doneCh, &stalled)
	}

	waitErr := cmd.Wait()
	close(doneCh)
	completedAt := time.Now()
	if err := p.store.RemoveRunningTask(t.ID); err != nil {
		logger.Warn("clearing running-task record failed", "task", t.ID, "error", err)
	}

	result := task.Result{
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		CompletedAt: completedAt,
	}

	if waitErr != nil {
		result.ExitCode = exitCodeOf(waitErr)
		result.Success = false
		result.Error = waitErr.Error()
		if stalled.Load() {
			result.Stalled = true
			result.Error = fmt.Sprintf("no output for %s, treated as stalled: %v", p.cfg.StallTimeout, waitErr)
		} else if runCtx.Err() != nil {
			if deadlineBound {
				result.DeadlineExceeded = true
				result.Error = fmt.Sprintf("task deadline %s exceeded: %v", t.Deadline.Format(time.RFC3339), waitErr)
			} else {
				result.Error = fmt.Sprintf("timed out after %s: %v", timeout, waitErr)
			}
		}
	} else {
		result.ExitCode = 0
		result.Success = true
	}

	if reset, ok := p.limiter.ParseRemoteError(result.Stderr); ok {
		result.RateLimited = true
		result.Success = false
		result.ResetTime = &reset
	}

	writeStatus(statusPath, string(statusFor(result)))
	writeResultFile(resultPath, result, logger)
	_ = os.Remove(pidPath)

	return result, nil
}

// activityTracker is an io.Writer that records the time of its last Write,
// standing in for spec §4.6's "no status update" stall signal: the AI-tool
// child has no heartbeat of its own, but its stdout/stderr going silent is
// the only observable proxy this daemon has for it having wedged.
type activityTracker struct {
	mu   sync.Mutex
	last time.Time
}

func newActivityTracker() *activityTracker {
	return &activityTracker{last: time.Now()}
}

func (a *activityTracker) Write(p []byte) (int, error) {
	a.mu.Lock()
	a.last = time.Now()
	a.mu.Unlock()
	return len(p), nil
}

func (a *activityTracker) idleFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.last)
}

// watchStall polls activity and cancels the run context the first time the
// child has gone quiet for longer than stallTimeout, latching stalled so
// execute can distinguish a stall from an ordinary timeout once cmd.Wait
// returns. It exits as soon as either doneCh closes (the child already
// exited) or it fires the cancel itself.
func (p *Pool) watchStall(runCtx context.Context, cancel context.CancelFunc, activity *activityTracker, stallTimeout time.Duration, doneCh <-chan struct{}, stalled *atomic.Bool) {
	interval := stallTimeout / 10
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-doneCh:
			return
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if activity.idleFor() >= stallTimeout {
				stalled.Store(true)
				cancel()
				return
			}
		}
	}
}

func statusFor(r task.Result) task.Status {
	switch {
	case r.RateLimited:
		return task.StatusRetrying
	case r.Success:
		return task.StatusCompleted
	default:
		return task.StatusFailed
	}
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return ws.ExitStatus()
		}
		return 1
	}
	return 1
}

func writeStatus(path, status string) {
	_ = os.WriteFile(path, []byte(status), 0o644)
}

func writeResultFile(path string, r task.Result, logger *slog.Logger) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		logger.Warn("marshalling result file failed", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Warn("writing result file failed", "path", path, "error", err)
	}
}

func scratchPaths(storeDir, taskID string) (pid, status, result string) {
	dir := filepath.Join(storeDir, "scratch")
	_ = os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, "task-"+taskID+".pid"),
		filepath.Join(dir, "task-"+taskID+".status"),
		filepath.Join(dir, "task-"+taskID+".result")
}

func projectWorkDir(storeDir, projectID string) string {
	return filepath.Join(storeDir, "workdirs", projectID)
}

// overlayEnv layers the project's identity and the task's issue reference
// on top of the daemon's own environment, so the AI-tool child can address
// the right repository without the prompt needing to spell it out.
func overlayEnv(base []string, project *task.Project, t *task.Task) []string {
	env := append([]string{}, base...)
	env = append(env,
		"TASKFORGE_PROJECT_ID="+project.ID,
		"TASKFORGE_OWNER="+project.Owner,
		"TASKFORGE_REPO="+project.Repo,
		fmt.Sprintf("TASKFORGE_ISSUE_NUMBER=%d", t.IssueNumber),
		"TASKFORGE_TASK_ID="+t.ID,
	)
	return env
}

// buildPrompt renders the task's payload into the text fed to the AI tool
// on stdin.
func buildPrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\nkind: %s\nissue: #%d\n\n", t.ID, t.Kind, t.IssueNumber)
	switch p := t.Payload.(type) {
	case task.IssuePayload:
		fmt.Fprintf(&b, "title: %s\n\n%s\n", p.Title, p.Body)
	case task.CommentPayload:
		fmt.Fprintf(&b, "comment by %s:\n%s\n", p.Author, p.Body)
	case task.PRPayload:
		fmt.Fprintf(&b, "pull request: %s (head %s)\n\n%s\n", p.Title, p.HeadSHA, p.Body)
	case task.CustomPayload:
		data, _ := json.Marshal(p.Data)
		b.Write(data)
	}
	return b.String()
}

// RecoverRunningTasks runs the startup crash-recovery sweep over the
// records left in a previous process's running-task registry. A record
// whose child PID is still alive is kept and logged as adopted; the child
// is not watched further. Every other record is removed, after logging
// whether a parseable result file exists for it. No result file is handed
// to a ResultSink, and no task is marked failed or re-enqueued here.
func RecoverRunningTasks(store *statestore.Store, logger *slog.Logger) error {
	records, err := store.LoadRunningTasks()
	if err != nil {
		return fmt.Errorf("recoverRunningTasks: %w", err)
	}

	for id, rec := range records {
		_, _, resultPath := scratchPaths(store.Dir(), id)
		if processAlive(rec.ChildPID) {
			logger.Info("adopting still-running child across restart", "task", id, "pid", rec.ChildPID)
			continue
		}

		if data, err := os.ReadFile(resultPath); err == nil {
			var r task.Result
			if err := json.Unmarshal(data, &r); err == nil {
				logger.Info("recovered completed result for orphaned task", "task", id, "success", r.Success)
				if err := store.RemoveRunningTask(id); err != nil {
					logger.Warn("removing recovered running-task record failed", "task", id, "error", err)
				}
				continue
			}
		}

		logger.Warn("no live child and no result file; marking task interrupted", "task", id)
		if err := store.RemoveRunningTask(id); err != nil {
			logger.Warn("removing interrupted running-task record failed", "task", id, "error", err)
		}
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
