// Package statestore provides durable, atomic, file-backed persistence for
// the daemon: the process lock, the running-task registry, the pending-task
// queue snapshot, and the processed-issue set.
//
// Every write goes through AtomicWrite: write-to-temp + fsync + rename, so a
// crash mid-write leaves either the old or the new file intact, never a
// truncated one. Concurrent writers from this process are serialized by an
// in-process mutex; cross-process writers collide on the process lock.
package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/taskforge/daemon/internal/task"
)

const (
	processLockFile    = "process.lock"
	runningTasksFile   = "running-tasks.json"
	pendingTasksFile   = "pending-tasks.json"
	processedIssueFile = "processed-issues.json"
)

// IssueRef identifies one upstream issue, comment thread, or PR within a
// project.
type IssueRef struct {
	ProjectID   string `json:"projectId"`
	IssueNumber int    `json:"issueNumber"`
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s#%d", r.ProjectID, r.IssueNumber)
}

// RunningTaskRecord is created when the Worker Executor spawns a child and
// destroyed on completion or on recovery if the PID is no longer alive.
type RunningTaskRecord struct {
	TaskID         string    `json:"taskId"`
	ProjectID      string    `json:"projectId"`
	IssueNumber    int       `json:"issueNumber"`
	ChildPID       int       `json:"childPid"`
	ChildStartedAt time.Time `json:"childStartedAt"`
	WorkerID       string    `json:"workerId"`
}

type processLockRecord struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Host      string    `json:"host"`
}

// Store is the on-disk state store rooted at a single directory.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger

	processedMu     sync.Mutex
	processedCache  map[string]struct{}
	processedLoaded bool

	ownsProcessLock bool
}

// New creates a Store rooted at dir, creating the directory layout from
// spec §6 if it does not already exist.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{"", "locks", "results/success", "results/error", "results/archive", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("statestore: create %s: %w", sub, err)
		}
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// LocksDir returns the directory holding per-issue lock files.
func (s *Store) LocksDir() string { return filepath.Join(s.dir, "locks") }

// ResultsDir returns the directory holding a given result outcome bucket
// ("success", "error", or "archive").
func (s *Store) ResultsDir(bucket string) string { return filepath.Join(s.dir, "results", bucket) }

// AtomicWrite performs a write-to-temp + fsync + rename into path.
func (s *Store) AtomicWrite(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicWrite: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicWrite: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicWrite: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicWrite: fsync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicWrite: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomicWrite: rename %s: %w", path, err)
	}
	return nil
}

// processAlive reports whether pid refers to a live process. On Unix,
// sending signal 0 performs existence/permission checks without side effects.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// AcquireProcessLock is the sole mechanism preventing double-startup (P1).
// It succeeds iff no lock file exists, or the existing file's PID is not
// alive (stale lock reclaimed).
func (s *Store) AcquireProcessLock() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, processLockFile)
	if data, err := os.ReadFile(path); err == nil {
		var existing processLockRecord
		if jsonErr := json.Unmarshal(data, &existing); jsonErr == nil {
			if processAlive(existing.PID) {
				return false, nil
			}
			s.logger.Warn("reclaiming stale process lock", "pid", existing.PID, "host", existing.Host)
		}
	}

	host, _ := os.Hostname()
	rec := processLockRecord{PID: os.Getpid(), StartedAt: time.Now(), Host: host}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("acquireProcessLock: marshal: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return false, err
	}
	s.ownsProcessLock = true
	return true, nil
}

// ReleaseProcessLock removes the lock file if this process owns it.
func (s *Store) ReleaseProcessLock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ownsProcessLock {
		return nil
	}
	path := filepath.Join(s.dir, processLockFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releaseProcessLock: %w", err)
	}
	s.ownsProcessLock = false
	return nil
}

// LoadRunningTasks reads the running-task registry. A corrupt file is
// salvaged entry-by-entry rather than discarded wholesale.
func (s *Store) LoadRunningTasks() (map[string]RunningTaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, runningTasksFile)
	return loadJSONMapSalvage[RunningTaskRecord](path, s.logger)
}

// SaveRunningTasks overwrites the running-task registry.
func (s *Store) SaveRunningTasks(records map[string]RunningTaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("saveRunningTasks: marshal: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, runningTasksFile), data)
}

// AddRunningTask inserts or overwrites one running-task record.
func (s *Store) AddRunningTask(id string, rec RunningTaskRecord) error {
	s.mu.Lock()
	path := filepath.Join(s.dir, runningTasksFile)
	records, err := loadJSONMapSalvage[RunningTaskRecord](path, s.logger)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	records[id] = rec
	data, err := json.MarshalIndent(records, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("addRunningTask: marshal: %w", err)
	}
	return s.AtomicWrite(path, data)
}

// RemoveRunningTask deletes one running-task record, if present.
func (s *Store) RemoveRunningTask(id string) error {
	s.mu.Lock()
	path := filepath.Join(s.dir, runningTasksFile)
	records, err := loadJSONMapSalvage[RunningTaskRecord](path, s.logger)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(records, id)
	data, err := json.MarshalIndent(records, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("removeRunningTask: marshal: %w", err)
	}
	return s.AtomicWrite(path, data)
}

// LoadPendingTasks reads the persisted pending-task queue snapshot,
// ignoring unparseable individual records (spec §7 State-corruption policy).
func (s *Store) LoadPendingTasks() ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, pendingTasksFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loadPendingTasks: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("pending-tasks.json is corrupt; starting with empty queue", "error", err)
		return nil, nil
	}

	tasks := make([]*task.Task, 0, len(raw))
	for i, r := range raw {
		var t task.Task
		if err := json.Unmarshal(r, &t); err != nil {
			s.logger.Warn("discarding unparseable pending task record", "index", i, "error", err)
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// SavePendingTasks overwrites the pending-task queue snapshot.
func (s *Store) SavePendingTasks(tasks []*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("savePendingTasks: marshal: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, pendingTasksFile), data)
}

// IsIssueProcessed reports whether ref was already reviewed in the current
// observation window. The in-memory set is a cache over the on-disk set,
// invalidated on restart (spec §9 Open Question a).
func (s *Store) IsIssueProcessed(ref IssueRef) (bool, error) {
	if err := s.ensureProcessedLoaded(); err != nil {
		return false, err
	}
	s.processedMu.Lock()
	defer s.processedMu.Unlock()
	_, ok := s.processedCache[ref.String()]
	return ok, nil
}

// MarkIssueProcessed records ref as handled, both in the cache and on disk.
func (s *Store) MarkIssueProcessed(ref IssueRef) error {
	if err := s.ensureProcessedLoaded(); err != nil {
		return err
	}
	s.processedMu.Lock()
	s.processedCache[ref.String()] = struct{}{}
	entries := make([]string, 0, len(s.processedCache))
	for k := range s.processedCache {
		entries = append(entries, k)
	}
	s.processedMu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("markIssueProcessed: marshal: %w", err)
	}
	return s.AtomicWrite(filepath.Join(s.dir, processedIssueFile), data)
}

func (s *Store) ensureProcessedLoaded() error {
	s.processedMu.Lock()
	defer s.processedMu.Unlock()
	if s.processedLoaded {
		return nil
	}
	s.processedCache = make(map[string]struct{})

	path := filepath.Join(s.dir, processedIssueFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.processedLoaded = true
			return nil
		}
		return fmt.Errorf("ensureProcessedLoaded: %w", err)
	}

	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("processed-issues.json is corrupt; starting with empty set", "error", err)
		s.processedLoaded = true
		return nil
	}
	for _, e := range entries {
		s.processedCache[e] = struct{}{}
	}
	s.processedLoaded = true
	return nil
}

// loadJSONMapSalvage reads a JSON object file into a map, salvaging
// individually-parseable entries when the overall document or a value is
// corrupt rather than discarding the whole file.
func loadJSONMapSalvage[T any](path string, logger *slog.Logger) (map[string]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]T), nil
		}
		return nil, fmt.Errorf("loadJSONMapSalvage: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("state file is corrupt; starting empty", "path", path, "error", err)
		return make(map[string]T), nil
	}

	out := make(map[string]T, len(raw))
	for k, v := range raw {
		var val T
		if err := json.Unmarshal(v, &val); err != nil {
			logger.Warn("discarding unparseable record", "path", path, "key", k, "error", err)
			continue
		}
		out[k] = val
	}
	return out, nil
}
