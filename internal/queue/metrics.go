package queue

import "time"

// Metrics returns a point-in-time snapshot of queue depth, per-project
// counters, and the Jain fairness index across projects' trailing-hour
// throughput (spec §4.4 "Observable metrics").
func (c *Core) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	per := make(map[string]ProjectMetrics, len(c.projects))
	throughputs := make([]float64, 0, len(c.projects))

	for id, ps := range c.projects {
		t := ps.Throughput1h(now)
		throughputs = append(throughputs, t)
		per[id] = ProjectMetrics{
			ProjectID:       id,
			Enqueued:        ps.EnqueuedCount,
			Completed:       ps.CompletedCount,
			Failed:          ps.FailedCount,
			AvgExecTime:     ps.AvgExecTime1h(now),
			AvgWaitTime:     ps.AvgLatency1h(now),
			Throughput1h:    t,
			DynamicPriority: ps.DynamicPriority,
			FairShareTokens: ps.FairShareTokens,
			RunningCount:    ps.RunningCount,
		}
	}

	return Metrics{
		QueueDepth:        len(c.items),
		RunningCount:      len(c.running),
		PerProject:        per,
		JainFairnessIndex: jainFairnessIndex(throughputs),
	}
}

// jainFairnessIndex computes Jain's fairness index over x:
// J(x) = (sum x_i)^2 / (n * sum x_i^2). J == 1 means perfectly fair
// allocation across all n entities; it degrades toward 1/n as allocation
// concentrates on one. Returns 1 for n <= 1 (fairness is vacuous).
func jainFairnessIndex(x []float64) float64 {
	n := len(x)
	if n <= 1 {
		return 1
	}
	var sum, sumSq float64
	for _, v := range x {
		sum += v
		sumSq += v * v
	}
	if sumSq == 0 {
		return 1
	}
	return (sum * sum) / (float64(n) * sumSq)
}
