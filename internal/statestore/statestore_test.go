package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/daemon/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)
	return s
}

func TestAcquireProcessLockSingleInstance(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.AcquireProcessLock()
	require.NoError(t, err)
	require.True(t, ok)

	// A second store pointed at the same directory must not acquire while
	// our PID (the test process) is alive.
	s2, err := New(s.Dir(), nil)
	require.NoError(t, err)
	ok2, err := s2.AcquireProcessLock()
	require.NoError(t, err)
	require.False(t, ok2)

	require.NoError(t, s.ReleaseProcessLock())
	_, err = os.Stat(filepath.Join(s.Dir(), processLockFile))
	require.True(t, os.IsNotExist(err))
}

func TestAcquireProcessLockReclaimsStale(t *testing.T) {
	s := newTestStore(t)

	stale := processLockRecord{PID: 999999999, StartedAt: time.Now(), Host: "ghost"}
	data, err := json.MarshalIndent(stale, "", "  ")
	require.NoError(t, err)
	require.NoError(t, s.AtomicWrite(filepath.Join(s.Dir(), processLockFile), data))

	ok, err := s.AcquireProcessLock()
	require.NoError(t, err)
	require.True(t, ok, "a lock from a dead PID must be reclaimable")
}

func TestRunningTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := RunningTaskRecord{TaskID: "p-1-100", ProjectID: "p", IssueNumber: 1, ChildPID: 42, WorkerID: "w0"}
	require.NoError(t, s.AddRunningTask(rec.TaskID, rec))

	loaded, err := s.LoadRunningTasks()
	require.NoError(t, err)
	require.Equal(t, rec, loaded[rec.TaskID])

	require.NoError(t, s.RemoveRunningTask(rec.TaskID))
	loaded, err = s.LoadRunningTasks()
	require.NoError(t, err)
	require.NotContains(t, loaded, rec.TaskID)
}

func TestLoadRunningTasksSalvagesCorruptEntries(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.Dir(), runningTasksFile)
	bad := `{"good-1": {"taskId":"good-1","projectId":"p","issueNumber":1,"childPid":1}, "bad-1": {not json}}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	loaded, err := s.LoadRunningTasks()
	require.NoError(t, err)
	require.Contains(t, loaded, "good-1")
	require.NotContains(t, loaded, "bad-1")
}

func TestPendingTasksRoundTripAndSalvage(t *testing.T) {
	s := newTestStore(t)

	t1 := &task.Task{ID: "p-1-1", ProjectID: "p", IssueNumber: 1, Status: task.StatusQueued}
	t2 := &task.Task{ID: "p-2-1", ProjectID: "p", IssueNumber: 2, Status: task.StatusQueued}
	require.NoError(t, s.SavePendingTasks([]*task.Task{t1, t2}))

	loaded, err := s.LoadPendingTasks()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Corrupt the file with one bad record among two good ones.
	path := filepath.Join(s.Dir(), pendingTasksFile)
	corrupt := `[{"id":"p-1-1","projectId":"p","issueNumber":1,"status":"queued"}, {not json}, {"id":"p-2-1","projectId":"p","issueNumber":2,"status":"queued"}]`
	require.NoError(t, os.WriteFile(path, []byte(corrupt), 0o644))

	loaded, err = s.LoadPendingTasks()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
}

func TestProcessedIssueSetCacheOverDisk(t *testing.T) {
	s := newTestStore(t)
	ref := IssueRef{ProjectID: "p", IssueNumber: 7}

	ok, err := s.IsIssueProcessed(ref)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkIssueProcessed(ref))

	ok, err = s.IsIssueProcessed(ref)
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh Store over the same directory re-reads from disk.
	s2, err := New(s.Dir(), nil)
	require.NoError(t, err)
	ok, err = s2.IsIssueProcessed(ref)
	require.NoError(t, err)
	require.True(t, ok)
}
