// Package issuelock implements the per-issue mutual-exclusion lock
// described in spec §4.3: one file per (projectId, issueNumber), holding
// {lockedAt, holder{pid, workerId, taskId, sessionId}, ttl}. A lock is
// valid iff its holder PID is alive and now - lockedAt < ttl.
//
// This is the second of the three dedup layers (queue-membership check ->
// issue-lock -> processed-set): it prevents concurrent execution across
// worker goroutines and across daemon processes sharing the same store
// directory.
package issuelock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/daemon/internal/statestore"
)

// Holder identifies who holds a lock.
type Holder struct {
	PID       int    `json:"pid"`
	WorkerID  string `json:"workerId"`
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId,omitempty"` // optional, never required for correctness (spec §9b)
}

// Lock is the on-disk representation of one held IssueLock.
type Lock struct {
	LockedAt time.Time     `json:"lockedAt"`
	TTL      time.Duration `json:"ttl"`
	Holder   Holder        `json:"holder"`
}

// Expired reports whether the lock should be treated as free: its holder
// PID is not alive, or its TTL has elapsed.
func (l Lock) Expired(now time.Time) bool {
	if now.Sub(l.LockedAt) >= l.TTL {
		return true
	}
	return !processAlive(l.Holder.PID)
}

// Manager grants at-most-one-holder locks backed by files under dir.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// New creates a Manager rooted at dir (typically Store.LocksDir()).
func New(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, logger: logger}
}

func (m *Manager) path(ref statestore.IssueRef) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%d.lock", ref.ProjectID, ref.IssueNumber))
}

// NewSessionID generates an opaque session identifier for a lock holder.
func NewSessionID() string {
	return uuid.NewString()
}

// AcquireLock atomically creates the lock file for ref, unless a live,
// unexpired lock already exists. Returns true on success.
func (m *Manager) AcquireLock(ref statestore.IssueRef, holder Holder, ttl time.Duration) (bool, error) {
	path := m.path(ref)

	if existing, err := m.readLock(path); err == nil {
		if !existing.Expired(time.Now()) {
			return false, nil
		}
		m.logger.Warn("reclaiming expired issue lock", "issue", ref.String(), "holder_pid", existing.Holder.PID)
		// O_EXCL below would otherwise fail against the stale file; removing
		// it first accepts a narrow TOCTOU race with a concurrent reclaimer,
		// which is fine since this is a single-host advisory lock, not a
		// distributed one, and the loser just returns false below.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("acquireLock: removing stale lock: %w", err)
		}
	}

	lock := Lock{LockedAt: time.Now(), TTL: ttl, Holder: holder}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return false, fmt.Errorf("acquireLock: marshal: %w", err)
	}

	// O_EXCL gives atomic create-if-absent semantics on a single host;
	// combined with the expired-lock reclaim above (which first removes
	// the stale file) this guarantees at most one winner.
	if err := m.createExclusive(path, data); err != nil {
		if os.IsExist(err) {
			// Lost the race to another acquirer between our read and
			// write; whoever created the file first holds the lock.
			return false, nil
		}
		return false, fmt.Errorf("acquireLock: %w", err)
	}
	return true, nil
}

func (m *Manager) createExclusive(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// ReleaseLock removes the lock file iff it is currently held by pid.
func (m *Manager) ReleaseLock(ref statestore.IssueRef, pid int) error {
	path := m.path(ref)
	lock, err := m.readLock(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("releaseLock: %w", err)
	}
	if lock.Holder.PID != pid {
		return fmt.Errorf("releaseLock: held by pid %d, not %d", lock.Holder.PID, pid)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releaseLock: %w", err)
	}
	return nil
}

// CheckLock returns the current holder, or nil if the issue is unlocked
// (including when the on-disk lock has expired).
func (m *Manager) CheckLock(ref statestore.IssueRef) (*Lock, error) {
	lock, err := m.readLock(m.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkLock: %w", err)
	}
	if lock.Expired(time.Now()) {
		return nil, nil
	}
	return &lock, nil
}

func (m *Manager) readLock(path string) (Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lock{}, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return Lock{}, fmt.Errorf("readLock: corrupt lock file %s: %w", path, err)
	}
	return lock, nil
}

// Sweep removes expired lock files under dir. Intended to run
// periodically so stale locks from SIGKILLed workers don't linger beyond
// their TTL window (spec P4).
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("sweep: %w", err)
	}

	reclaimed := 0
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		lock, err := m.readLock(path)
		if err != nil {
			m.logger.Warn("sweep: skipping unreadable lock file", "path", path, "error", err)
			continue
		}
		if lock.Expired(now) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("sweep: failed to remove expired lock", "path", path, "error", err)
				continue
			}
			reclaimed++
		}
	}
	return reclaimed, nil
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
