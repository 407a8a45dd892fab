package resulthandler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/daemon/internal/githubclient"
	"github.com/taskforge/daemon/internal/queue"
	"github.com/taskforge/daemon/internal/statestore"
	"github.com/taskforge/daemon/internal/task"
)

type fakePoster struct {
	comments []string
	reviews  []githubclient.ReviewEvent
	added    []string
	removed  []string
	failN    int // number of leading calls to fail, for retry tests
	calls    int
}

var errUpstreamUnavailable = errors.New("upstream temporarily unavailable")

func (f *fakePoster) maybeFail() error {
	f.calls++
	if f.calls <= f.failN {
		return errUpstreamUnavailable
	}
	return nil
}

func (f *fakePoster) AddLabels(ctx context.Context, owner, repo string, issueNumber int, labels []string) (githubclient.RateLimitInfo, error) {
	if err := f.maybeFail(); err != nil {
		return githubclient.RateLimitInfo{}, err
	}
	f.added = append(f.added, labels...)
	return githubclient.RateLimitInfo{}, nil
}

func (f *fakePoster) RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) (githubclient.RateLimitInfo, error) {
	f.removed = append(f.removed, label)
	return githubclient.RateLimitInfo{}, nil
}

func (f *fakePoster) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) (githubclient.RateLimitInfo, error) {
	if err := f.maybeFail(); err != nil {
		return githubclient.RateLimitInfo{}, err
	}
	f.comments = append(f.comments, body)
	return githubclient.RateLimitInfo{}, nil
}

func (f *fakePoster) CreatePRReview(ctx context.Context, owner, repo string, prNumber int, body string, event githubclient.ReviewEvent) (githubclient.RateLimitInfo, error) {
	f.reviews = append(f.reviews, event)
	return githubclient.RateLimitInfo{}, nil
}

type fakeLookup struct {
	projects map[string]*task.Project
}

func (f fakeLookup) Project(id string) (*task.Project, bool) {
	p, ok := f.projects[id]
	return p, ok
}

type fakeAudit struct {
	recorded []*task.Task
}

func (f *fakeAudit) Record(ctx context.Context, t *task.Task) {
	f.recorded = append(f.recorded, t)
}

func newTestHandler(t *testing.T, gh UpstreamPoster, core *queue.Core, lookup ProjectLookup, audit AuditSink) (*Handler, *statestore.Store) {
	t.Helper()
	store, err := statestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.PostInitialBackoff = time.Millisecond
	cfg.PostMaxBackoff = 5 * time.Millisecond
	h := New(cfg, store, gh, core, lookup, audit, nil)
	return h, store
}

func mkCompletedTask(id, projectID string, issueNumber int, kind task.Kind) *task.Task {
	now := time.Now()
	tk := &task.Task{
		ID: id, ProjectID: projectID, IssueNumber: issueNumber, Kind: kind,
		Status: task.StatusCompleted, Attempts: 1, EnqueuedAt: now,
		Result: &task.Result{Success: true, Stdout: "all good", CompletedAt: now},
	}
	return tk
}

func TestHandlePersistsSuccessResultUnderSuccessBucket(t *testing.T) {
	h, store := newTestHandler(t, nil, nil, fakeLookup{}, nil)
	tk := mkCompletedTask("p1-1-1", "p1", 1, task.KindIssue)

	require.NoError(t, h.Handle(context.Background(), tk))

	data, err := os.ReadFile(filepath.Join(store.ResultsDir("success"), "p1-1-1.json"))
	require.NoError(t, err)
	var rec task.Task
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, "p1-1-1", rec.ID)
}

func TestHandlePersistsFailureResultUnderErrorBucket(t *testing.T) {
	h, store := newTestHandler(t, nil, nil, fakeLookup{}, nil)
	tk := mkCompletedTask("p1-2-1", "p1", 2, task.KindIssue)
	tk.Status = task.StatusFailed
	tk.Result.Success = false
	tk.Result.Error = "exit 1"

	require.NoError(t, h.Handle(context.Background(), tk))

	_, err := os.Stat(filepath.Join(store.ResultsDir("error"), "p1-2-1.json"))
	require.NoError(t, err)
}

func TestHandleMovesOversizedOutputToSideFile(t *testing.T) {
	h, store := newTestHandler(t, nil, nil, fakeLookup{}, nil)
	tk := mkCompletedTask("p1-3-1", "p1", 3, task.KindIssue)
	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = 'x'
	}
	tk.Result.Stdout = string(big)
	h.cfg.MaxOutputBytes = 1 << 20

	require.NoError(t, h.Handle(context.Background(), tk))

	sidePath := filepath.Join(store.ResultsDir("success"), "p1-3-1.output.json")
	_, err := os.Stat(sidePath)
	require.NoError(t, err, "oversized output must be offloaded to a side file")

	data, err := os.ReadFile(filepath.Join(store.ResultsDir("success"), "p1-3-1.json"))
	require.NoError(t, err)
	var rec task.Task
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Contains(t, rec.Result.Stdout, "exceeded")
}

func TestHandleMarksIssueProcessedOnTerminalStatus(t *testing.T) {
	h, store := newTestHandler(t, nil, nil, fakeLookup{}, nil)
	tk := mkCompletedTask("p1-4-1", "p1", 4, task.KindIssue)

	require.NoError(t, h.Handle(context.Background(), tk))

	processed, err := store.IsIssueProcessed(statestore.IssueRef{ProjectID: "p1", IssueNumber: 4})
	require.NoError(t, err)
	require.True(t, processed)
}

func TestHandlePostsCommentAndTogglesLabelsForIssueKind(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets"}
	gh := &fakePoster{}
	h, _ := newTestHandler(t, gh, nil, fakeLookup{projects: map[string]*task.Project{"p1": project}}, nil)
	tk := mkCompletedTask("p1-5-1", "p1", 5, task.KindIssue)

	require.NoError(t, h.Handle(context.Background(), tk))

	require.Len(t, gh.comments, 1)
	require.Contains(t, gh.comments[0], "all good")
	require.Contains(t, gh.added, "completed")
	require.Contains(t, gh.removed, "processing")
}

func TestHandleRetriesUpstreamPostOnTransientFailure(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets"}
	gh := &fakePoster{failN: 2}
	h, _ := newTestHandler(t, gh, nil, fakeLookup{projects: map[string]*task.Project{"p1": project}}, nil)
	tk := mkCompletedTask("p1-6-1", "p1", 6, task.KindIssue)

	require.NoError(t, h.Handle(context.Background(), tk))
	require.Len(t, gh.comments, 1, "comment should eventually post after transient failures")
}

func TestHandleDerivesApproveReviewEventFromResult(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets"}
	gh := &fakePoster{}
	h, _ := newTestHandler(t, gh, nil, fakeLookup{projects: map[string]*task.Project{"p1": project}}, nil)
	tk := mkCompletedTask("p1-7-1", "p1", 7, task.KindPRReview)
	tk.Result.Approved = true

	require.NoError(t, h.Handle(context.Background(), tk))

	require.Equal(t, []githubclient.ReviewEvent{githubclient.ReviewApprove}, gh.reviews)
}

func TestHandleDerivesRequestChangesReviewEventWhenMustFixItemsPresent(t *testing.T) {
	project := &task.Project{ID: "p1", Owner: "acme", Repo: "widgets"}
	gh := &fakePoster{}
	h, _ := newTestHandler(t, gh, nil, fakeLookup{projects: map[string]*task.Project{"p1": project}}, nil)
	tk := mkCompletedTask("p1-8-1", "p1", 8, task.KindPRReview)
	tk.Result.Approved = true
	tk.Result.MustFixItems = []string{"fix the race in worker.go"}

	require.NoError(t, h.Handle(context.Background(), tk))

	require.Equal(t, []githubclient.ReviewEvent{githubclient.ReviewRequestChanges}, gh.reviews)
}

func TestHandleDispatchesCreateTaskFollowUp(t *testing.T) {
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(&task.Project{ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50})
	h, _ := newTestHandler(t, nil, core, fakeLookup{}, nil)
	tk := mkCompletedTask("p1-9-1", "p1", 9, task.KindIssue)
	tk.Result.FollowUpActions = []task.FollowUpAction{
		{Type: "create-task", Data: map[string]any{"issueNumber": float64(10)}},
	}

	require.NoError(t, h.Handle(context.Background(), tk))
	require.Equal(t, 1, core.Len(), "create-task follow-up should enqueue a new task")
}

func TestHandleIgnoresUnknownFollowUpActionType(t *testing.T) {
	core := queue.NewCore(queue.DefaultConfig())
	core.RegisterProject(&task.Project{ID: "p1", Owner: "acme", Repo: "widgets", BasePriority: 50})
	h, _ := newTestHandler(t, nil, core, fakeLookup{}, nil)
	tk := mkCompletedTask("p1-10-1", "p1", 10, task.KindIssue)
	tk.Result.FollowUpActions = []task.FollowUpAction{{Type: "self-destruct", Data: nil}}

	require.NoError(t, h.Handle(context.Background(), tk))
	require.Equal(t, 0, core.Len())
}

func TestHandleMirrorsToAuditSink(t *testing.T) {
	audit := &fakeAudit{}
	h, _ := newTestHandler(t, nil, nil, fakeLookup{}, audit)
	tk := mkCompletedTask("p1-11-1", "p1", 11, task.KindIssue)

	require.NoError(t, h.Handle(context.Background(), tk))
	require.Len(t, audit.recorded, 1)
}

func TestCountersTrackSuccessAndFailureByProjectAndKind(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil, fakeLookup{}, nil)
	ok := mkCompletedTask("p1-12-1", "p1", 12, task.KindIssue)
	failing := mkCompletedTask("p1-13-1", "p1", 13, task.KindComment)
	failing.Result.Success = false

	require.NoError(t, h.Handle(context.Background(), ok))
	require.NoError(t, h.Handle(context.Background(), failing))

	byProject, byKind, successes, failures := h.Counters.Snapshot()
	require.Equal(t, 2, byProject["p1"])
	require.Equal(t, 1, byKind[task.KindIssue])
	require.Equal(t, 1, byKind[task.KindComment])
	require.Equal(t, 1, successes)
	require.Equal(t, 1, failures)
}
