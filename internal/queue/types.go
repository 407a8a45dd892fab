package queue

import (
	"fmt"
	"time"

	"github.com/taskforge/daemon/internal/task"
)

// Algorithm selects which scheduling discipline is active. Exactly one is
// active per Core instance (spec §4.4).
type Algorithm string

const (
	AlgorithmPriority      Algorithm = "priority-based"
	AlgorithmWeightedFair  Algorithm = "weighted-fair"
	AlgorithmDeadlineAware Algorithm = "deadline-aware"
	AlgorithmResourceAware Algorithm = "resource-aware"
)

// Config holds the tunables from spec §6's `scheduling` configuration block.
type Config struct {
	Algorithm              Algorithm
	MaxQueueDepth          int
	DynamicPriorityEnabled bool
	ResourceQuotaEnabled   bool
}

func DefaultConfig() Config {
	return Config{
		Algorithm:              AlgorithmPriority,
		MaxQueueDepth:           1000,
		DynamicPriorityEnabled: true,
		ResourceQuotaEnabled:   true,
	}
}

// EnqueueErrorKind is the closed set of reasons Enqueue can refuse a task,
// replacing "throw to signal duplicate/full" with a typed result (Design
// Notes §9).
type EnqueueErrorKind string

const (
	KindQueueFull      EnqueueErrorKind = "QueueFull"
	KindDuplicate      EnqueueErrorKind = "Duplicate"
	KindQuotaExceeded  EnqueueErrorKind = "QuotaExceeded"
)

// EnqueueError is returned by Core.Enqueue on admission failure.
type EnqueueError struct {
	Kind    EnqueueErrorKind
	Message string
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue rejected (%s): %s", e.Kind, e.Message)
}

// completionEvent is one retired task's timing, kept for the rolling
// 1-hour throughput/latency window.
type completionEvent struct {
	at            time.Time
	waitDuration  time.Duration
	execDuration  time.Duration
	success       bool
}

// ProjectState is the Queue Core's per-project scheduling bookkeeping
// (spec §3 SchedulingState, project-scoped fields).
type ProjectState struct {
	Project *task.Project

	FairShareTokens float64
	DynamicPriority int

	RunningCount int
	CPUUsed      float64
	MemUsed      float64

	EnqueuedCount int64
	CompletedCount int64
	FailedCount    int64

	recentCompletions []completionEvent
}

func newProjectState(p *task.Project) *ProjectState {
	tokens := p.ShareWeight
	if tokens <= 0 {
		tokens = 1
	}
	return &ProjectState{
		Project:         p,
		FairShareTokens: tokens,
		DynamicPriority: p.BasePriority,
	}
}

func (ps *ProjectState) pruneOld(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(ps.recentCompletions) && ps.recentCompletions[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		ps.recentCompletions = ps.recentCompletions[i:]
	}
}

// Throughput1h returns the count of tasks completed in the trailing hour.
func (ps *ProjectState) Throughput1h(now time.Time) float64 {
	ps.pruneOld(now)
	return float64(len(ps.recentCompletions))
}

// AvgLatency1h returns the average enqueue-to-start wait in the trailing
// hour.
func (ps *ProjectState) AvgLatency1h(now time.Time) time.Duration {
	ps.pruneOld(now)
	if len(ps.recentCompletions) == 0 {
		return 0
	}
	var sum time.Duration
	for _, e := range ps.recentCompletions {
		sum += e.waitDuration
	}
	return sum / time.Duration(len(ps.recentCompletions))
}

// AvgExecTime1h returns the average execution duration in the trailing hour.
func (ps *ProjectState) AvgExecTime1h(now time.Time) time.Duration {
	ps.pruneOld(now)
	if len(ps.recentCompletions) == 0 {
		return 0
	}
	var sum time.Duration
	for _, e := range ps.recentCompletions {
		sum += e.execDuration
	}
	return sum / time.Duration(len(ps.recentCompletions))
}

// ProjectMetrics is the observable snapshot for one project (spec §4.4
// "Observable metrics").
type ProjectMetrics struct {
	ProjectID      string        `json:"projectId"`
	Enqueued       int64         `json:"enqueued"`
	Completed      int64         `json:"completed"`
	Failed         int64         `json:"failed"`
	AvgExecTime    time.Duration `json:"avgExecTime"`
	AvgWaitTime    time.Duration `json:"avgWaitTime"`
	Throughput1h   float64       `json:"throughput1h"`
	DynamicPriority int          `json:"dynamicPriority"`
	FairShareTokens float64      `json:"fairShareTokens"`
	RunningCount   int           `json:"runningCount"`
}

// Metrics is the process-wide observable snapshot.
type Metrics struct {
	QueueDepth        int                        `json:"queueDepth"`
	RunningCount      int                         `json:"runningCount"`
	PerProject        map[string]ProjectMetrics   `json:"perProject"`
	JainFairnessIndex float64                     `json:"jainFairnessIndex"`
}
