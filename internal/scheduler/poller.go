// Package scheduler implements the per-project discovery pollers that
// feed the Queue Core (spec §4.1): one Poller per registered project,
// each on its own adaptive ticker, translating upstream issues/comments/
// pull requests into Tasks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/daemon/internal/githubclient"
	"github.com/taskforge/daemon/internal/queue"
	"github.com/taskforge/daemon/internal/ratelimit"
	"github.com/taskforge/daemon/internal/statestore"
	"github.com/taskforge/daemon/internal/task"
)

// Config holds poller-wide tunables not carried on the per-project
// task.Project record.
type Config struct {
	BotAccount        string        // comments authored by this login are never actionable
	MaxPullRequestAge time.Duration // 0 disables staleness filtering
}

func DefaultConfig() Config {
	return Config{MaxPullRequestAge: 30 * 24 * time.Hour}
}

// TrackerClient is the subset of githubclient.Client a Poller needs.
// Declaring it here (rather than depending on the concrete type) lets
// tests substitute a fake upstream tracker.
type TrackerClient interface {
	ListOpenIssues(ctx context.Context, owner, repo string, labels []string) ([]githubclient.Issue, githubclient.RateLimitInfo, error)
	ListIssueCommentsSince(ctx context.Context, owner, repo string, issueNumber int, since time.Time) ([]githubclient.Comment, githubclient.RateLimitInfo, error)
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]githubclient.PullRequest, githubclient.RateLimitInfo, error)
}

// Poller discovers work for a single project and admits it into the
// Queue Core. It owns its own goroutine and adaptive poll interval,
// backing off toward the project's PollIntervalMax on discovery errors
// and recovering toward PollIntervalMin on success.
type Poller struct {
	project *task.Project
	gh      TrackerClient
	core    *queue.Core
	store   *statestore.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	cfg     Config

	mu           sync.Mutex
	interval     time.Duration
	lastPollTime time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller constructs a Poller for project. The caller must call Start
// to begin polling.
func NewPoller(project *task.Project, gh TrackerClient, core *queue.Core, store *statestore.Store, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	interval := project.PollInterval
	if interval <= 0 {
		interval = project.PollIntervalMin
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		project:      project,
		gh:           gh,
		core:         core,
		store:        store,
		limiter:      limiter,
		logger:       logger.With("project", project.ID),
		cfg:          cfg,
		interval:     interval,
		lastPollTime: time.Now().Add(-interval),
	}
}

// Start begins the polling loop in a new goroutine. Cancelling ctx, or
// calling Stop, ends the loop; in-flight enqueue work still completes
// (spec §4.5 Cancellation semantics apply to the worker side, not
// discovery).
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop cancels the poller's loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	timer := time.NewTimer(p.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if p.project.Disabled {
				timer.Reset(p.currentInterval())
				continue
			}
			if err := p.pollOnce(ctx); err != nil {
				p.onError(err)
			} else {
				p.onSuccess()
			}
			timer.Reset(p.currentInterval())
		}
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) onError(err error) {
	p.logger.Warn("discovery poll failed", "error", err)
	p.project.ErrorCount++

	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.interval * 2
	max := p.project.PollIntervalMax
	if max <= 0 {
		max = 10 * time.Minute
	}
	if next > max {
		next = max
	}
	p.interval = next
}

func (p *Poller) onSuccess() {
	p.project.ErrorCount = 0
	p.mu.Lock()
	defer p.mu.Unlock()
	min := p.project.PollIntervalMin
	if min <= 0 {
		min = p.project.PollInterval
	}
	if min > 0 && p.interval != min {
		// Recover one step at a time rather than snapping back
		// instantly, so a single lucky poll doesn't erase backoff state
		// accrued from a flapping upstream.
		recovered := p.interval / 2
		if recovered < min {
			recovered = min
		}
		p.interval = recovered
	}
}

// pollOnce runs one discovery cycle: issues, optionally their comments,
// and optionally open pull requests.
func (p *Poller) pollOnce(ctx context.Context) error {
	since := p.getLastPollTime()
	now := time.Now()

	if res := p.limiter.Check(1); res.Limited {
		p.logger.Debug("skipping poll, rate limited", "detail", res.String())
		return nil
	}

	issues, rl, err := p.gh.ListOpenIssues(ctx, p.project.Owner, p.project.Repo, p.project.Labels)
	if err != nil {
		return err
	}
	p.limiter.RefreshUpstream(rl.Remaining, rl.Reset)

	for _, issue := range issues {
		if hasExcludedLabel(issue.Labels, p.project.ExcludeLabels) {
			continue
		}
		p.admitIssue(issue, now)

		if p.project.ProcessComments {
			if res := p.limiter.Check(1); res.Limited {
				continue
			}
			comments, rl, err := p.gh.ListIssueCommentsSince(ctx, p.project.Owner, p.project.Repo, issue.Number, since)
			if err != nil {
				p.logger.Warn("listing comments failed", "issue", issue.Number, "error", err)
				continue
			}
			p.limiter.RefreshUpstream(rl.Remaining, rl.Reset)
			for _, c := range comments {
				if isActionableComment(c.Body, c.Author, p.cfg.BotAccount) {
					p.admitComment(issue.Number, c, now)
				}
			}
		}
	}

	if p.project.ProcessPullRequests {
		if res := p.limiter.Check(1); res.Limited {
			p.setLastPollTime(now)
			return nil
		}
		prs, rl, err := p.gh.ListOpenPullRequests(ctx, p.project.Owner, p.project.Repo)
		if err != nil {
			return err
		}
		p.limiter.RefreshUpstream(rl.Remaining, rl.Reset)
		for _, pr := range prs {
			if !isEligiblePullRequest(pr, now, p.cfg.MaxPullRequestAge) {
				continue
			}
			p.admitPullRequest(pr, now)
		}
	}

	p.setLastPollTime(now)
	return nil
}

func (p *Poller) getLastPollTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPollTime
}

func (p *Poller) setLastPollTime(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPollTime = t
}

func (p *Poller) admitIssue(issue githubclient.Issue, now time.Time) {
	ref := statestore.IssueRef{ProjectID: p.project.ID, IssueNumber: issue.Number}
	if processed, err := p.store.IsIssueProcessed(ref); err != nil {
		p.logger.Warn("checking processed-set failed", "issue", issue.Number, "error", err)
	} else if processed {
		return
	}
	if p.core.Contains(task.Key{ProjectID: p.project.ID, IssueNumber: issue.Number}) {
		return
	}

	t := &task.Task{
		ID:           task.NewID(p.project.ID, issue.Number, now.Unix()),
		ProjectID:    p.project.ID,
		IssueNumber:  issue.Number,
		Kind:         task.KindIssue,
		BasePriority: clampPriority(labelBasedPriority(issue.Labels, p.project.BasePriority) + ageBoost(issue.UpdatedAt, now)),
		Status:       task.StatusQueued,
		EnqueuedAt:   now,
		Payload: task.IssuePayload{
			Number: issue.Number,
			Title:  issue.Title,
			Body:   issue.Body,
			Labels: issue.Labels,
			Author: issue.Author,
		},
	}
	p.setDeadline(t, now)

	if err := p.core.Enqueue(t); err != nil {
		p.logger.Debug("issue not admitted", "issue", issue.Number, "error", err)
	}
}

// admitComment enqueues a reply-triggered task. Unlike admitIssue, it does
// not consult the processed-issue set: a comment on an already-processed
// issue is still a fresh trigger, since that set only dedups the original
// issue-discovery task.
func (p *Poller) admitComment(issueNumber int, c githubclient.Comment, now time.Time) {
	if p.core.Contains(task.Key{ProjectID: p.project.ID, IssueNumber: issueNumber}) {
		return
	}

	t := &task.Task{
		ID:           task.NewID(p.project.ID, issueNumber, now.UnixNano()),
		ProjectID:    p.project.ID,
		IssueNumber:  issueNumber,
		Kind:         task.KindComment,
		BasePriority: p.project.BasePriority,
		Status:       task.StatusQueued,
		EnqueuedAt:   now,
		Payload: task.CommentPayload{
			IssueNumber: issueNumber,
			CommentID:   c.ID,
			Body:        c.Body,
			Author:      c.Author,
		},
	}
	p.setDeadline(t, now)

	if err := p.core.Enqueue(t); err != nil {
		p.logger.Debug("comment task not admitted", "issue", issueNumber, "error", err)
	}
}

func (p *Poller) admitPullRequest(pr githubclient.PullRequest, now time.Time) {
	ref := statestore.IssueRef{ProjectID: p.project.ID, IssueNumber: pr.Number}
	if processed, err := p.store.IsIssueProcessed(ref); err == nil && processed {
		return
	}
	if p.core.Contains(task.Key{ProjectID: p.project.ID, IssueNumber: pr.Number}) {
		return
	}

	t := &task.Task{
		ID:           task.NewID(p.project.ID, pr.Number, now.Unix()),
		ProjectID:    p.project.ID,
		IssueNumber:  pr.Number,
		Kind:         task.KindPRReview,
		BasePriority: p.project.BasePriority,
		Status:       task.StatusQueued,
		EnqueuedAt:   now,
		Payload: task.PRPayload{
			Number:  pr.Number,
			Title:   pr.Title,
			Body:    pr.Body,
			Draft:   pr.Draft,
			HeadSHA: pr.HeadSHA,
		},
	}
	p.setDeadline(t, now)

	if err := p.core.Enqueue(t); err != nil {
		p.logger.Debug("pull request task not admitted", "pr", pr.Number, "error", err)
	}
}

// setDeadline extracts an explicit "deadline: YYYY-MM-DD" line from the
// task's own payload body (spec §4.5), and falls back to the project's
// configured DeadlineDefault offset from now when the body carries none.
// An explicit body deadline always wins: it reflects upstream intent for
// this specific item, where DeadlineDefault is just a project-wide
// fallback.
func (p *Poller) setDeadline(t *task.Task, now time.Time) {
	if d, ok := deadlineFromBody(payloadBody(t.Payload)); ok {
		t.Deadline = &d
		return
	}
	st := p.project.SchedulingTargets
	if st == nil || st.DeadlineDefault == nil {
		return
	}
	d := now.Add(*st.DeadlineDefault)
	t.Deadline = &d
}

func payloadBody(p task.Payload) string {
	switch v := p.(type) {
	case task.IssuePayload:
		return v.Body
	case task.CommentPayload:
		return v.Body
	case task.PRPayload:
		return v.Body
	default:
		return ""
	}
}

func clampPriority(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
