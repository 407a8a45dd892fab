package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/daemon/internal/githubclient"
	"github.com/taskforge/daemon/internal/queue"
	"github.com/taskforge/daemon/internal/ratelimit"
	"github.com/taskforge/daemon/internal/statestore"
	"github.com/taskforge/daemon/internal/task"
)

type fakeTracker struct {
	issues   []githubclient.Issue
	comments map[int][]githubclient.Comment
	prs      []githubclient.PullRequest
	err      error
}

func (f *fakeTracker) ListOpenIssues(ctx context.Context, owner, repo string, labels []string) ([]githubclient.Issue, githubclient.RateLimitInfo, error) {
	if f.err != nil {
		return nil, githubclient.RateLimitInfo{}, f.err
	}
	return f.issues, githubclient.RateLimitInfo{Remaining: 100, Reset: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTracker) ListIssueCommentsSince(ctx context.Context, owner, repo string, issueNumber int, since time.Time) ([]githubclient.Comment, githubclient.RateLimitInfo, error) {
	return f.comments[issueNumber], githubclient.RateLimitInfo{Remaining: 100, Reset: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTracker) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]githubclient.PullRequest, githubclient.RateLimitInfo, error) {
	return f.prs, githubclient.RateLimitInfo{Remaining: 100, Reset: time.Now().Add(time.Hour)}, nil
}

func TestPollOnceAdmitsNewIssues(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50}
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(project)
	store, err := statestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), 60)

	tracker := &fakeTracker{issues: []githubclient.Issue{
		{Number: 1, Title: "bug", Labels: []string{"priority:high"}, UpdatedAt: time.Now()},
	}}
	p := NewPoller(project, tracker, core, store, limiter, DefaultConfig(), nil)

	require.NoError(t, p.pollOnce(context.Background()))
	require.Equal(t, 1, core.Len())

	tk, ok := core.NextTask("")
	require.True(t, ok)
	require.Equal(t, task.KindIssue, tk.Kind)
	require.Equal(t, 75, tk.BasePriority, "priority:high label must map to its configured score")
}

func TestPollOnceSkipsExcludedLabels(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50, ExcludeLabels: []string{"wontfix"}}
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(project)
	store, err := statestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), 60)

	tracker := &fakeTracker{issues: []githubclient.Issue{
		{Number: 1, Title: "bug", Labels: []string{"wontfix"}, UpdatedAt: time.Now()},
	}}
	p := NewPoller(project, tracker, core, store, limiter, DefaultConfig(), nil)

	require.NoError(t, p.pollOnce(context.Background()))
	require.Equal(t, 0, core.Len())
}

func TestPollOnceSkipsAlreadyProcessedIssues(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50}
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(project)
	store, err := statestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkIssueProcessed(statestore.IssueRef{ProjectID: "p1", IssueNumber: 1}))
	limiter := ratelimit.New(ratelimit.DefaultConfig(), 60)

	tracker := &fakeTracker{issues: []githubclient.Issue{
		{Number: 1, Title: "bug", UpdatedAt: time.Now()},
	}}
	p := NewPoller(project, tracker, core, store, limiter, DefaultConfig(), nil)

	require.NoError(t, p.pollOnce(context.Background()))
	require.Equal(t, 0, core.Len())
}

func TestPollOnceAdmitsActionableComments(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50, ProcessComments: true}
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(project)
	store, err := statestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), 60)

	tracker := &fakeTracker{
		issues: []githubclient.Issue{{Number: 1, UpdatedAt: time.Now()}},
		comments: map[int][]githubclient.Comment{
			1: {
				{ID: 10, Body: "just chatting", Author: "human"},
				{ID: 11, Body: "/retry please", Author: "human"},
			},
		},
	}
	// The issue itself is already processed, so no issue task is queued
	// for #1 and the comment is the only trigger for it (one active task
	// per issue).
	require.NoError(t, store.MarkIssueProcessed(statestore.IssueRef{ProjectID: "p1", IssueNumber: 1}))
	p := NewPoller(project, tracker, core, store, limiter, DefaultConfig(), nil)

	require.NoError(t, p.pollOnce(context.Background()))

	var sawComment bool
	for {
		tk, ok := core.NextTask("")
		if !ok {
			break
		}
		if tk.Kind == task.KindComment {
			sawComment = true
		}
	}
	require.True(t, sawComment, "a /retry comment must be admitted as a comment task")
}

func TestPollOnceSkipsDraftPullRequests(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50, ProcessPullRequests: true}
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(project)
	store, err := statestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), 60)

	tracker := &fakeTracker{prs: []githubclient.PullRequest{
		{Number: 5, Draft: true, UpdatedAt: time.Now()},
		{Number: 6, Draft: false, UpdatedAt: time.Now()},
	}}
	p := NewPoller(project, tracker, core, store, limiter, DefaultConfig(), nil)

	require.NoError(t, p.pollOnce(context.Background()))
	require.Equal(t, 1, core.Len())
	tk, ok := core.NextTask("")
	require.True(t, ok)
	require.Equal(t, 6, tk.IssueNumber)
}

func TestOnErrorBacksOffTowardMax(t *testing.T) {
	project := &task.Project{
		ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50,
		PollIntervalMin: time.Second, PollIntervalMax: 4 * time.Second, PollInterval: time.Second,
	}
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(project)
	store, err := statestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), 60)
	p := NewPoller(project, &fakeTracker{}, core, store, limiter, DefaultConfig(), nil)

	boom := errors.New("boom")
	p.onError(boom)
	require.Equal(t, 2*time.Second, p.currentInterval())
	p.onError(boom)
	require.Equal(t, 4*time.Second, p.currentInterval(), "backoff must cap at PollIntervalMax")
	p.onError(boom)
	require.Equal(t, 4*time.Second, p.currentInterval())
}

func TestLabelBasedPriorityFallsBackToProjectDefault(t *testing.T) {
	require.Equal(t, 75, labelBasedPriority([]string{"bug", "priority:high"}, 50))
	require.Equal(t, 50, labelBasedPriority([]string{"bug"}, 50))
}

func TestIsActionableCommentIgnoresBotAuthor(t *testing.T) {
	require.True(t, isActionableComment("/retry", "human", "bot-account"))
	require.False(t, isActionableComment("/retry", "bot-account", "bot-account"))
	require.False(t, isActionableComment("no trigger here", "human", "bot-account"))
}

func TestIsActionableCommentMatchesNaturalLanguageKeywordsAndMentions(t *testing.T) {
	require.True(t, isActionableComment("could you please take a look", "human", "bot-account"))
	require.True(t, isActionableComment("please fix this", "human", "bot-account"))
	require.True(t, isActionableComment("can you implement the retry path", "human", "bot-account"))
	require.True(t, isActionableComment("hey @bot-account can you take this one", "human", "bot-account"))
	require.False(t, isActionableComment("just chatting, nothing actionable", "human", "bot-account"))
}

func TestDeadlineFromBody(t *testing.T) {
	d, ok := deadlineFromBody("needs to land soon.\ndeadline: 2026-08-01\nthanks")
	require.True(t, ok)
	require.Equal(t, 2026, d.Year())
	require.Equal(t, time.Month(8), d.Month())
	require.Equal(t, 1, d.Day())

	_, ok = deadlineFromBody("no deadline mentioned here")
	require.False(t, ok)
}

func TestAgeBoostSchedule(t *testing.T) {
	now := time.Now()
	require.Equal(t, 0, ageBoost(now, now))
	require.Equal(t, 10, ageBoost(now.Add(-8*24*time.Hour), now))
	require.Equal(t, 20, ageBoost(now.Add(-15*24*time.Hour), now))
}

func TestSetDeadlinePrefersBodyOverDefault(t *testing.T) {
	defaultOffset := time.Hour
	project := &task.Project{
		ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50,
		SchedulingTargets: &task.SchedulingTargets{DeadlineDefault: &defaultOffset},
	}
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(project)
	store, err := statestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), 60)

	tracker := &fakeTracker{issues: []githubclient.Issue{
		{Number: 1, Body: "deadline: 2026-08-01", UpdatedAt: time.Now()},
	}}
	p := NewPoller(project, tracker, core, store, limiter, DefaultConfig(), nil)

	require.NoError(t, p.pollOnce(context.Background()))
	tk, ok := core.NextTask("")
	require.True(t, ok)
	require.NotNil(t, tk.Deadline)
	require.Equal(t, 2026, tk.Deadline.Year())
	require.Equal(t, time.Month(8), tk.Deadline.Month())
}
