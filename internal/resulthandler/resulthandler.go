// Package resulthandler implements the Result Handler (spec §4.7):
// persisting a completed task's result envelope as received, posting
// the outcome back to the upstream tracker, dispatching the result's
// declared follow-up actions, and mirroring the event to the optional
// audit sinks.
package resulthandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskforge/daemon/internal/githubclient"
	"github.com/taskforge/daemon/internal/queue"
	"github.com/taskforge/daemon/internal/statestore"
	"github.com/taskforge/daemon/internal/task"
)

// Config holds the Result Handler's tunables from spec §6.
type Config struct {
	MaxOutputBytes     int64
	PostMaxRetries     uint64
	PostInitialBackoff time.Duration
	PostMaxBackoff     time.Duration
	ProcessingLabel    string
	CompletedLabel     string
}

func DefaultConfig() Config {
	return Config{
		MaxOutputBytes:     1 << 20, // ~1 MiB
		PostMaxRetries:     4,
		PostInitialBackoff: time.Second,
		PostMaxBackoff:     time.Minute,
		ProcessingLabel:    "processing",
		CompletedLabel:     "completed",
	}
}

// UpstreamPoster is the subset of githubclient.Client the Result Handler
// uses to report back outcomes. Declared here (rather than depending on
// the concrete type) so tests can substitute a fake tracker.
type UpstreamPoster interface {
	AddLabels(ctx context.Context, owner, repo string, issueNumber int, labels []string) (githubclient.RateLimitInfo, error)
	RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) (githubclient.RateLimitInfo, error)
	CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) (githubclient.RateLimitInfo, error)
	CreatePRReview(ctx context.Context, owner, repo string, prNumber int, body string, event githubclient.ReviewEvent) (githubclient.RateLimitInfo, error)
}

// ProjectLookup resolves a project by ID.
type ProjectLookup interface {
	Project(id string) (*task.Project, bool)
}

// AuditSink receives a best-effort mirror of every terminal task; a
// failure here is logged, never returned to the caller.
type AuditSink interface {
	Record(ctx context.Context, t *task.Task)
}

// Counters tracks per-project and per-kind completion tallies for
// /metrics and the dashboard event stream.
type Counters struct {
	mu         sync.Mutex
	byProject  map[string]int
	byKind     map[task.Kind]int
	successes  int
	failures   int
}

func newCounters() *Counters {
	return &Counters{byProject: make(map[string]int), byKind: make(map[task.Kind]int)}
}

func (c *Counters) record(t *task.Task, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byProject[t.ProjectID]++
	c.byKind[t.Kind]++
	if success {
		c.successes++
	} else {
		c.failures++
	}
}

// Snapshot returns a point-in-time copy of the counters.
func (c *Counters) Snapshot() (byProject map[string]int, byKind map[task.Kind]int, successes, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byProject = make(map[string]int, len(c.byProject))
	for k, v := range c.byProject {
		byProject[k] = v
	}
	byKind = make(map[task.Kind]int, len(c.byKind))
	for k, v := range c.byKind {
		byKind[k] = v
	}
	return byProject, byKind, c.successes, c.failures
}

// Handler implements worker.ResultSink: it is the terminal destination for
// every task the Worker Executor finishes.
type Handler struct {
	cfg      Config
	store    *statestore.Store
	gh       UpstreamPoster
	core     *queue.Core
	lookup   ProjectLookup
	audit    AuditSink
	logger   *slog.Logger
	Counters *Counters
}

// New constructs a Handler. gh and audit may be nil (no upstream posting /
// no mirroring, respectively); core may be nil if create-task follow-ups
// are not expected to be dispatched.
func New(cfg Config, store *statestore.Store, gh UpstreamPoster, core *queue.Core, lookup ProjectLookup, audit AuditSink, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, store: store, gh: gh, core: core, lookup: lookup, audit: audit, logger: logger, Counters: newCounters()}
}

// Handle persists and reacts to one finished task. It never
// returns an error that should re-fail the task itself (spec §4.7: a
// failed upstream post is logged, not propagated) — the returned error
// only signals that local persistence failed, which the Supervisor may
// want to surface.
func (h *Handler) Handle(ctx context.Context, t *task.Task) error {
	logger := h.logger.With("task", t.ID)

	if err := h.persist(t); err != nil {
		logger.Error("persisting result failed", "error", err)
		return err
	}

	success := t.Result != nil && t.Result.Success
	h.Counters.record(t, success)

	if t.Status.Terminal() {
		ref := statestore.IssueRef{ProjectID: t.ProjectID, IssueNumber: t.IssueNumber}
		if err := h.store.MarkIssueProcessed(ref); err != nil {
			logger.Warn("marking issue processed failed", "error", err)
		}
	}

	if h.gh != nil && t.Result != nil {
		h.postUpstream(ctx, t, logger)
	}

	if t.Result != nil {
		h.dispatchFollowUps(ctx, t, logger)
	}

	if h.audit != nil {
		h.audit.Record(ctx, t)
	}

	return nil
}

// persist writes the task and its result envelope to
// results/{success,error}/<taskId>.json, moving oversized stdout/stderr to
// a side file alongside it. The envelope is not validated: a missing task
// ID, or a failed result with no error message, is written as it is.
func (h *Handler) persist(t *task.Task) error {
	bucket := "error"
	if t.Result != nil && t.Result.Success {
		bucket = "success"
	}

	rec := *t
	if t.Result != nil {
		result := *t.Result
		if sideData := oversizedPayload(result, h.cfg.MaxOutputBytes); sideData != nil {
			sidePath := filepath.Join(h.store.ResultsDir(bucket), t.ID+".output.json")
			if err := os.WriteFile(sidePath, sideData, 0o644); err != nil {
				return fmt.Errorf("persist: side file: %w", err)
			}
			result.Stdout = fmt.Sprintf("[output exceeded %d bytes; see %s]", h.cfg.MaxOutputBytes, filepath.Base(sidePath))
			result.Stderr = ""
		}
		rec.Result = &result
	}

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}
	path := filepath.Join(h.store.ResultsDir(bucket), t.ID+".json")
	return h.store.AtomicWrite(path, data)
}

// oversizedPayload returns the JSON-encoded {stdout, stderr} pair to write
// to a side file when the combined output exceeds max, or nil otherwise.
func oversizedPayload(r task.Result, max int64) []byte {
	if max <= 0 {
		max = 1 << 20
	}
	if int64(len(r.Stdout)+len(r.Stderr)) <= max {
		return nil
	}
	data, err := json.MarshalIndent(struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}{r.Stdout, r.Stderr}, "", "  ")
	if err != nil {
		return nil
	}
	return data
}

func (h *Handler) postUpstream(ctx context.Context, t *task.Task, logger *slog.Logger) {
	project, ok := h.lookup.Project(t.ProjectID)
	if !ok {
		logger.Warn("postUpstream: unknown project, skipping")
		return
	}

	switch t.Kind {
	case task.KindIssue, task.KindComment:
		h.postIssueComment(ctx, project, t, logger)
	case task.KindPRReview:
		h.postPRReview(ctx, project, t, logger)
	}
}

func (h *Handler) postIssueComment(ctx context.Context, project *task.Project, t *task.Task, logger *slog.Logger) {
	body := formatCommentBody(t)
	err := h.retry(ctx, func() error {
		_, err := h.gh.CreateComment(ctx, project.Owner, project.Repo, t.IssueNumber, body)
		return err
	})
	if err != nil {
		logger.Warn("posting result comment failed after retries", "error", err)
	}

	if h.cfg.ProcessingLabel == "" && h.cfg.CompletedLabel == "" {
		return
	}
	err = h.retry(ctx, func() error {
		if h.cfg.ProcessingLabel != "" {
			if _, err := h.gh.RemoveLabel(ctx, project.Owner, project.Repo, t.IssueNumber, h.cfg.ProcessingLabel); err != nil {
				return err
			}
		}
		if h.cfg.CompletedLabel != "" {
			if _, err := h.gh.AddLabels(ctx, project.Owner, project.Repo, t.IssueNumber, []string{h.cfg.CompletedLabel}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("toggling completion labels failed after retries", "error", err)
	}
}

func (h *Handler) postPRReview(ctx context.Context, project *task.Project, t *task.Task, logger *slog.Logger) {
	event := reviewEventFor(t.Result)
	body := formatCommentBody(t)
	err := h.retry(ctx, func() error {
		_, err := h.gh.CreatePRReview(ctx, project.Owner, project.Repo, t.IssueNumber, body, event)
		return err
	})
	if err != nil {
		logger.Warn("posting pull request review failed after retries", "error", err)
	}
}

// reviewEventFor derives the PR review verdict from the result (spec
// §4.7): APPROVE only on an explicit approval signal, REQUEST_CHANGES when
// must-fix items are listed, COMMENT otherwise.
func reviewEventFor(r *task.Result) githubclient.ReviewEvent {
	if r == nil {
		return githubclient.ReviewComment
	}
	if len(r.MustFixItems) > 0 {
		return githubclient.ReviewRequestChanges
	}
	if r.Success && r.Approved {
		return githubclient.ReviewApprove
	}
	return githubclient.ReviewComment
}

func formatCommentBody(t *task.Task) string {
	if t.Result == nil {
		return fmt.Sprintf("Task %s finished with no result.", t.ID)
	}
	if t.Result.Success {
		return t.Result.Stdout
	}
	if t.Result.Error != "" {
		return fmt.Sprintf("Task failed: %s", t.Result.Error)
	}
	return fmt.Sprintf("Task failed (exit code %d).\n\n```\n%s\n```", t.Result.ExitCode, t.Result.Stderr)
}

// retry wraps fn in an exponential-backoff-with-jitter retry loop, bounded
// by cfg.PostMaxRetries, returning the last error if every attempt fails.
func (h *Handler) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.PostInitialBackoff
	b.MaxInterval = h.cfg.PostMaxBackoff
	bounded := backoff.WithContext(backoff.WithMaxRetries(b, h.cfg.PostMaxRetries), ctx)
	return backoff.Retry(fn, bounded)
}

// dispatchFollowUps dispatches the bounded set of typed follow-up actions
// a result may declare (spec §4.7). Unknown types are logged and ignored.
func (h *Handler) dispatchFollowUps(ctx context.Context, t *task.Task, logger *slog.Logger) {
	for _, action := range t.Result.FollowUpActions {
		switch action.Type {
		case "create-task":
			h.dispatchCreateTask(t, action, logger)
		case "update-issue":
			h.dispatchUpdateIssue(ctx, t, action, logger)
		case "notify":
			logger.Info("follow-up notification", "task", t.ID, "data", action.Data)
		default:
			logger.Warn("unknown follow-up action type, ignoring", "type", action.Type)
		}
	}
}

func (h *Handler) dispatchCreateTask(t *task.Task, action task.FollowUpAction, logger *slog.Logger) {
	if h.core == nil {
		logger.Warn("create-task follow-up ignored: no queue core wired")
		return
	}
	issueNumber := t.IssueNumber
	if n, ok := action.Data["issueNumber"].(float64); ok {
		issueNumber = int(n)
	}
	priority := t.BasePriority
	if p, ok := action.Data["priority"].(float64); ok {
		priority = int(p)
	}
	now := time.Now()
	newTask := &task.Task{
		ID:           task.NewID(t.ProjectID, issueNumber, now.UnixNano()),
		ProjectID:    t.ProjectID,
		IssueNumber:  issueNumber,
		Kind:         task.KindCustom,
		BasePriority: priority,
		Status:       task.StatusQueued,
		EnqueuedAt:   now,
		Payload:      task.CustomPayload{Data: action.Data},
	}
	if err := h.core.Enqueue(newTask); err != nil {
		logger.Warn("create-task follow-up enqueue failed", "error", err)
	}
}

func (h *Handler) dispatchUpdateIssue(ctx context.Context, t *task.Task, action task.FollowUpAction, logger *slog.Logger) {
	if h.gh == nil {
		logger.Warn("update-issue follow-up ignored: no upstream poster wired")
		return
	}
	project, ok := h.lookup.Project(t.ProjectID)
	if !ok {
		logger.Warn("update-issue follow-up ignored: unknown project")
		return
	}
	if body, ok := action.Data["comment"].(string); ok && body != "" {
		if err := h.retry(ctx, func() error {
			_, err := h.gh.CreateComment(ctx, project.Owner, project.Repo, t.IssueNumber, body)
			return err
		}); err != nil {
			logger.Warn("update-issue comment failed after retries", "error", err)
		}
	}
	if label, ok := action.Data["addLabel"].(string); ok && label != "" {
		if err := h.retry(ctx, func() error {
			_, err := h.gh.AddLabels(ctx, project.Owner, project.Repo, t.IssueNumber, []string{label})
			return err
		}); err != nil {
			logger.Warn("update-issue label failed after retries", "error", err)
		}
	}
}
