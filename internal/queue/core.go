// Package queue implements the Queue Core (spec §4.4): task admission,
// dedup-by-(projectId,issueNumber), and retrieval under one of four
// scheduling algorithms, with per-project resource-quota admission and
// dynamic priority adjustment.
package queue

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/taskforge/daemon/internal/task"
)

type item struct {
	task  *task.Task
	index int
}

// heapView adapts Core's backing slice to container/heap. Its Less
// implementation depends on the algorithm currently configured on c, so
// comparisons always reflect live state (dynamic priority, fair-share
// tokens) rather than a value frozen at insertion time.
type heapView struct{ c *Core }

func (h heapView) Len() int { return len(h.c.items) }

func (h heapView) Less(i, j int) bool {
	return h.c.less(h.c.items[i], h.c.items[j])
}

func (h heapView) Swap(i, j int) {
	h.c.items[i], h.c.items[j] = h.c.items[j], h.c.items[i]
	h.c.items[i].index = i
	h.c.items[j].index = j
}

func (h heapView) Push(x any) {
	it := x.(*item)
	it.index = len(h.c.items)
	h.c.items = append(h.c.items, it)
}

func (h heapView) Pop() any {
	old := h.c.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.c.items = old[:n-1]
	return it
}

// Core is the Queue Core. One Core serves every project registered with
// the daemon; queue-membership doubles as dedup layer 1 of 3 (spec §4.3).
type Core struct {
	mu    sync.Mutex
	cfg   Config
	items []*item

	byKey   map[task.Key]*item // queued tasks, keyed by (projectId, issueNumber)
	running map[string]*item   // dispatched-not-yet-complete tasks, keyed by task ID

	projects map[string]*ProjectState
}

// NewCore constructs an empty Queue Core.
func NewCore(cfg Config) *Core {
	return &Core{
		cfg:      cfg,
		byKey:    make(map[task.Key]*item),
		running:  make(map[string]*item),
		projects: make(map[string]*ProjectState),
	}
}

// RegisterProject makes p known to the scheduler, initializing its
// fair-share and dynamic-priority state. Re-registering an existing
// project's ID refreshes the Project pointer but preserves accrued state.
func (c *Core) RegisterProject(p *task.Project) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.projects[p.ID]; ok {
		ps.Project = p
		return
	}
	c.projects[p.ID] = newProjectState(p)
}

func (c *Core) projectState(projectID string) *ProjectState {
	ps, ok := c.projects[projectID]
	if !ok {
		// A task for an unregistered project; fabricate a minimal state so
		// scheduling math doesn't panic. This should not happen in normal
		// operation since projects are registered at startup (spec §6).
		ps = newProjectState(&task.Project{ID: projectID, BasePriority: 50, ShareWeight: 1})
		c.projects[projectID] = ps
	}
	return ps
}

// Enqueue admits t into the queue, or refuses it with a typed
// EnqueueError. Duplicate (projectId, issueNumber) pairs are rejected
// whether the existing task is queued or already running (spec I2).
func (c *Core) Enqueue(t *task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := t.Key()
	if _, exists := c.byKey[key]; exists {
		return &EnqueueError{Kind: KindDuplicate, Message: fmt.Sprintf("issue %s already queued", key.String())}
	}
	for _, it := range c.running {
		if it.task.Key() == key {
			return &EnqueueError{Kind: KindDuplicate, Message: fmt.Sprintf("issue %s already running", key.String())}
		}
	}
	if c.cfg.MaxQueueDepth > 0 && len(c.items) >= c.cfg.MaxQueueDepth {
		return &EnqueueError{Kind: KindQueueFull, Message: fmt.Sprintf("queue at max depth %d", c.cfg.MaxQueueDepth)}
	}

	ps := c.projectState(t.ProjectID)
	c.computeEffectivePriority(t)
	if c.cfg.Algorithm == AlgorithmWeightedFair {
		t.SchedulingMeta.FairShareWeight = ps.Project.ShareWeight
		t.SchedulingMeta.VirtualStartTime = virtualStartTime(ps.FairShareTokens, t.EffectivePriority)
	}

	it := &item{task: t}
	heap.Push(heapView{c}, it)
	c.byKey[key] = it
	ps.EnqueuedCount++
	return nil
}

func weightOrOne(w float64) float64 {
	if w <= 0 {
		return 1
	}
	return w
}

// minTokens floors a fair-share token balance away from zero so dividing
// by it in virtualStartTime never blows up after a long run of decay.
const minTokens = 0.01

// virtualStartTime implements spec §4.4's weighted-fair dispatch key:
// now/tokens + (100 - effectivePriority), recorded on the task for
// observability. now is wall-clock seconds: fine for the priority term
// to distinguish tasks with the same tokens/weight, but too coarse over a
// single poll's near-simultaneous enqueues to drive primary dispatch
// order on its own, so less() uses it only as a tiebreak (see that
// function's comment).
func virtualStartTime(tokens float64, effectivePriority int) float64 {
	if tokens < minTokens {
		tokens = minTokens
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	return now/tokens + float64(100-effectivePriority)
}

// computeEffectivePriority implements spec §4.4's blend: 60% project
// priority, 40% task priority, plus deadline-proximity and
// under-quota-usage boosts, clamped to [0, 100].
func (c *Core) computeEffectivePriority(t *task.Task) {
	ps := c.projectState(t.ProjectID)
	projP := float64(ps.Project.BasePriority)
	if c.cfg.DynamicPriorityEnabled {
		projP = float64(ps.DynamicPriority)
	}
	taskP := float64(t.BasePriority)
	eff := 0.6*projP + 0.4*taskP

	if t.Deadline != nil {
		until := time.Until(*t.Deadline)
		switch {
		case until <= 24*time.Hour:
			eff += 20
		case until <= 72*time.Hour:
			eff += 10
		}
	}

	if q := ps.Project.ResourceQuota; q != nil && q.MaxConcurrent > 0 && ps.RunningCount < q.MaxConcurrent {
		eff += 5
	}

	t.EffectivePriority = clampInt(int(math.Round(eff)), 0, 100)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Core) less(a, b *item) bool {
	switch c.cfg.Algorithm {
	case AlgorithmWeightedFair:
		psA := c.projectState(a.task.ProjectID)
		psB := c.projectState(b.task.ProjectID)
		ra := psA.FairShareTokens / weightOrOne(psA.Project.ShareWeight)
		rb := psB.FairShareTokens / weightOrOne(psB.Project.ShareWeight)
		if ra != rb {
			// A project that retains more of its fair-share entitlement
			// (as a fraction of its weight) is scheduled first. This
			// live per-project ratio, not each task's VirtualStartTime
			// frozen at enqueue, drives cross-project ordering: a whole
			// poll's worth of same-project tasks enqueue within the same
			// wall-clock instant, so a frozen now/tokens key can't
			// reflect the token decay that happens between their
			// dispatches (see SchedulingMeta.VirtualStartTime's doc).
			return ra > rb
		}
		// Same project, or an exact cross-project ratio tie: break by
		// ascending VirtualStartTime, which folds in effectivePriority
		// via its (100 - effectivePriority) term, so a higher-priority
		// or closer-deadline task within the same project is still
		// dispatched first instead of falling straight to FCFS.
		if a.task.SchedulingMeta.VirtualStartTime != b.task.SchedulingMeta.VirtualStartTime {
			return a.task.SchedulingMeta.VirtualStartTime < b.task.SchedulingMeta.VirtualStartTime
		}
		return a.task.EnqueuedAt.Before(b.task.EnqueuedAt)
	case AlgorithmDeadlineAware:
		ad, bd := a.task.Deadline, b.task.Deadline
		switch {
		case ad == nil && bd == nil:
			return a.task.EffectivePriority > b.task.EffectivePriority
		case ad == nil:
			return false
		case bd == nil:
			return true
		default:
			return ad.Before(*bd)
		}
	default: // AlgorithmPriority, AlgorithmResourceAware
		if a.task.EffectivePriority != b.task.EffectivePriority {
			return a.task.EffectivePriority > b.task.EffectivePriority
		}
		return a.task.EnqueuedAt.Before(b.task.EnqueuedAt)
	}
}

// admitsResource reports whether t's project has spare concurrency
// capacity under its ResourceQuota.MaxConcurrent (spec §4.4 resource-aware
// mode; also honored for any algorithm when ResourceQuotaEnabled).
func (c *Core) admitsResource(t *task.Task) bool {
	ps := c.projectState(t.ProjectID)
	q := ps.Project.ResourceQuota
	if q == nil || q.MaxConcurrent <= 0 {
		return true
	}
	return ps.RunningCount < q.MaxConcurrent
}

// NextTask returns the best eligible queued task and marks it running, or
// (nil, false) if none qualifies. If requestingProjectID is non-empty,
// only tasks for that project are considered (a worker slot bound to a
// single project, per spec §5 Worker Executor).
func (c *Core) NextTask(requestingProjectID string) (*task.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	checkResource := c.cfg.ResourceQuotaEnabled || c.cfg.Algorithm == AlgorithmResourceAware

	var skipped []*item
	defer func() {
		for _, it := range skipped {
			heap.Push(heapView{c}, it)
		}
	}()

	for len(c.items) > 0 {
		it := heap.Pop(heapView{c}).(*item)
		t := it.task

		if requestingProjectID != "" && t.ProjectID != requestingProjectID {
			skipped = append(skipped, it)
			continue
		}
		if checkResource && !c.admitsResource(t) {
			skipped = append(skipped, it)
			continue
		}

		delete(c.byKey, t.Key())
		c.running[t.ID] = it
		c.onDispatch(t)
		return t, true
	}
	return nil, false
}

func (c *Core) onDispatch(t *task.Task) {
	ps := c.projectState(t.ProjectID)
	ps.RunningCount++
	if q := ps.Project.ResourceQuota; q != nil {
		ps.CPUUsed += q.ParsedCPUShare()
		ps.MemUsed += q.ParsedMemoryShare()
	}
	if c.cfg.Algorithm == AlgorithmWeightedFair {
		// spec §4.4: "On dispatch, multiply dispatching project's tokens
		// by 0.9." A fixed decrement clamped at zero collapses to FCFS
		// after a handful of dispatches for any project whose tokens
		// started near its (often small-integer) shareWeight.
		ps.FairShareTokens *= 0.9
	}
}

// Complete retires a dispatched task, recording whether it succeeded and
// freeing its project's resource-quota and running-slot accounting. It is
// an error to complete a task NextTask did not return.
func (c *Core) Complete(t *task.Task, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.running[t.ID]
	if !ok {
		return fmt.Errorf("complete: task %s is not running", t.ID)
	}
	delete(c.running, t.ID)

	ps := c.projectState(t.ProjectID)
	ps.RunningCount--
	if ps.RunningCount < 0 {
		ps.RunningCount = 0
	}
	if q := ps.Project.ResourceQuota; q != nil {
		ps.CPUUsed -= q.ParsedCPUShare()
		ps.MemUsed -= q.ParsedMemoryShare()
		if ps.CPUUsed < 0 {
			ps.CPUUsed = 0
		}
		if ps.MemUsed < 0 {
			ps.MemUsed = 0
		}
	}

	now := time.Now()
	wait := time.Duration(0)
	if t.StartedAt != nil {
		wait = t.StartedAt.Sub(t.EnqueuedAt)
	}
	exec := time.Duration(0)
	if t.StartedAt != nil && t.CompletedAt != nil {
		exec = t.CompletedAt.Sub(*t.StartedAt)
	}
	ps.recentCompletions = append(ps.recentCompletions, completionEvent{
		at: now, waitDuration: wait, execDuration: exec, success: success,
	})
	if success {
		ps.CompletedCount++
	} else {
		ps.FailedCount++
	}

	_ = it
	return nil
}

// Requeue returns a dispatched task to the queue without marking it
// complete, used when a worker must retry a task rather than finish it
// (spec §4.2 retry path). Its priority is recomputed before reinsertion.
func (c *Core) Requeue(t *task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.running[t.ID]
	if !ok {
		return fmt.Errorf("requeue: task %s is not running", t.ID)
	}
	delete(c.running, t.ID)

	ps := c.projectState(t.ProjectID)
	ps.RunningCount--
	if ps.RunningCount < 0 {
		ps.RunningCount = 0
	}

	c.computeEffectivePriority(t)
	if c.cfg.Algorithm == AlgorithmWeightedFair {
		t.SchedulingMeta.VirtualStartTime = virtualStartTime(ps.FairShareTokens, t.EffectivePriority)
	}
	it.task = t
	heap.Push(heapView{c}, it)
	c.byKey[t.Key()] = it
	return nil
}

// Len reports the number of queued (not-yet-dispatched) tasks.
func (c *Core) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Drain empties the queue and returns every still-queued task, for the
// Supervisor to persist to pending-tasks.json at shutdown. Running tasks
// are left untouched; they are tracked separately via running-tasks.json.
func (c *Core) Drain() []*task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := make([]*task.Task, 0, len(c.items))
	for _, it := range c.items {
		tasks = append(tasks, it.task)
	}
	c.items = nil
	c.byKey = make(map[task.Key]*item)
	return tasks
}

// Contains reports whether key is currently queued or running, for
// callers implementing dedup layer 1 before even building a Task (spec
// §4.3).
func (c *Core) Contains(key task.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byKey[key]; ok {
		return true
	}
	for _, it := range c.running {
		if it.task.Key() == key {
			return true
		}
	}
	return false
}

// oldestQueuedWait returns how long the oldest still-queued task for
// projectID has been waiting, or 0 if none is queued.
func (c *Core) oldestQueuedWait(projectID string, now time.Time) time.Duration {
	var oldest time.Time
	found := false
	for _, it := range c.items {
		if it.task.ProjectID != projectID {
			continue
		}
		if !found || it.task.EnqueuedAt.Before(oldest) {
			oldest = it.task.EnqueuedAt
			found = true
		}
	}
	if !found {
		return 0
	}
	return now.Sub(oldest)
}

// AdjustDynamicPriorities implements spec §4.4's dynamic priority
// adjustment: a project's DynamicPriority rises toward 100 when it misses
// its scheduling targets or its oldest queued task has waited over an
// hour, and decays back toward BasePriority otherwise. Intended to be
// called periodically (e.g. once per second) by the supervisor.
func (c *Core) AdjustDynamicPriorities() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.DynamicPriorityEnabled {
		return
	}

	now := time.Now()
	for _, ps := range c.projects {
		triggered := false

		if st := ps.Project.SchedulingTargets; st != nil {
			if st.MinThroughput > 0 && ps.Throughput1h(now) < st.MinThroughput {
				ps.DynamicPriority = clampInt(ps.DynamicPriority+10, 0, 100)
				triggered = true
			}
			if st.MaxLatency > 0 && ps.AvgLatency1h(now) > st.MaxLatency {
				ps.DynamicPriority = clampInt(ps.DynamicPriority+10, 0, 100)
				triggered = true
			}
		}

		if c.oldestQueuedWait(ps.Project.ID, now) > time.Hour {
			ps.DynamicPriority = clampInt(ps.DynamicPriority+5, 0, 100)
			triggered = true
		}

		if !triggered && ps.DynamicPriority != ps.Project.BasePriority {
			if ps.DynamicPriority > ps.Project.BasePriority {
				ps.DynamicPriority--
			} else {
				ps.DynamicPriority++
			}
		}
	}
}

// ReplenishFairShare nudges each project's fair-share token balance 10%
// of the way toward its configured ShareWeight. Intended to be called
// periodically by the supervisor when AlgorithmWeightedFair is active.
func (c *Core) ReplenishFairShare() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ps := range c.projects {
		target := ps.Project.ShareWeight
		if target <= 0 {
			target = 1
		}
		ps.FairShareTokens += 0.1 * (target - ps.FairShareTokens)
	}
}
