// Package ratelimit provides the combined view of the two upstream limits
// the daemon must respect (spec §4.2): the issue-tracker API's
// remaining/reset counters, and the AI-tool's self-reported cooldown
// window, plus per-task exponential backoff with jitter for retries.
package ratelimit

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// WhichAPI names which upstream limit caused an admission check to fail.
type WhichAPI string

const (
	APIUpstreamTracker WhichAPI = "upstream-tracker"
	APIAITool          WhichAPI = "ai-tool"
)

// Config holds the tunables from spec §6's `rateLimit` configuration block.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64
	MaxRetries     int
}

// DefaultConfig mirrors the teacher's production defaults in spirit:
// conservative burst, bounded backoff, a hard retry ceiling.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		MaxRetries:     5,
	}
}

// CheckResult is the outcome of an admission check.
type CheckResult struct {
	Limited  bool
	WhichAPI WhichAPI
	WaitMs   int64
}

// BackoffResult is the outcome of a per-task backoff computation.
type BackoffResult struct {
	DelayMs     int64
	Attempt     int
	ShouldRetry bool
}

type taskBackoffState struct {
	backoff *backoff.ExponentialBackOff
	attempt int
}

// Limiter is the process-local, in-memory rate limiter. Its counters are
// never shared across daemon instances (spec §5).
type Limiter struct {
	cfg Config

	mu                  sync.Mutex
	upstreamRemaining   int
	upstreamReset       time.Time
	upstreamBucket      *rate.Limiter
	aiToolCooldownUntil time.Time

	taskMu    sync.Mutex
	taskState map[string]*taskBackoffState
}

// New creates a Limiter. burstPerMinute smooths the instantaneous call
// rate against the upstream tracker independently of the remaining/reset
// counters (which are refreshed out-of-band, at least once per minute per
// spec §4.2).
func New(cfg Config, burstPerMinute int) *Limiter {
	if burstPerMinute <= 0 {
		burstPerMinute = 60
	}
	return &Limiter{
		cfg:            cfg,
		upstreamRemaining: burstPerMinute,
		upstreamReset:     time.Now().Add(time.Minute),
		upstreamBucket:    rate.NewLimiter(rate.Limit(float64(burstPerMinute)/60.0), burstPerMinute),
		taskState:         make(map[string]*taskBackoffState),
	}
}

// RefreshUpstream updates the tracked remaining-call budget and its reset
// time, as reported by the most recent upstream response headers.
func (l *Limiter) RefreshUpstream(remaining int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upstreamRemaining = remaining
	l.upstreamReset = reset
}

// SetAIToolCooldown records that the AI tool itself signalled a rate limit
// and should not be invoked again until until.
func (l *Limiter) SetAIToolCooldown(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.aiToolCooldownUntil) {
		l.aiToolCooldownUntil = until
	}
}

// Check reports whether requiredUpstreamCalls may proceed right now. A
// task is admitted only if both the upstream tracker and the AI tool
// allow it (spec §4.2).
func (l *Limiter) Check(requiredUpstreamCalls int) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Before(l.aiToolCooldownUntil) {
		return CheckResult{Limited: true, WhichAPI: APIAITool, WaitMs: l.aiToolCooldownUntil.Sub(now).Milliseconds()}
	}

	if l.upstreamRemaining < requiredUpstreamCalls {
		wait := l.upstreamReset.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return CheckResult{Limited: true, WhichAPI: APIUpstreamTracker, WaitMs: wait.Milliseconds()}
	}

	if requiredUpstreamCalls > 0 {
		if allow, delay := l.reserveBucket(requiredUpstreamCalls); !allow {
			return CheckResult{Limited: true, WhichAPI: APIUpstreamTracker, WaitMs: delay.Milliseconds()}
		}
	}

	return CheckResult{}
}

func (l *Limiter) reserveBucket(n int) (bool, time.Duration) {
	r := l.upstreamBucket.ReserveN(time.Now(), n)
	if !r.OK() {
		return false, 0
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// WaitForReset blocks until whichever of the two limits is currently
// exceeded would next allow a call, or until ctx is cancelled.
func (l *Limiter) WaitForReset(ctx context.Context) error {
	l.mu.Lock()
	var wait time.Duration
	if l.upstreamRemaining <= 0 {
		wait = time.Until(l.upstreamReset)
	}
	if aiWait := time.Until(l.aiToolCooldownUntil); aiWait > wait {
		wait = aiWait
	}
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BackoffFor computes the next retry delay for taskID using an
// exponential-backoff-with-jitter schedule (cenkalti/backoff/v4), keyed
// per task as spec §4.2 requires. ShouldRetry is false once the task has
// exhausted cfg.MaxRetries attempts.
func (l *Limiter) BackoffFor(taskID string) BackoffResult {
	l.taskMu.Lock()
	defer l.taskMu.Unlock()

	st, ok := l.taskState[taskID]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = l.cfg.InitialBackoff
		b.MaxInterval = l.cfg.MaxBackoff
		b.Multiplier = l.cfg.Multiplier
		b.RandomizationFactor = l.cfg.JitterFraction
		b.MaxElapsedTime = 0 // attempts are capped by MaxRetries, not elapsed wall time
		st = &taskBackoffState{backoff: b}
		l.taskState[taskID] = st
	}

	if st.attempt >= l.cfg.MaxRetries {
		return BackoffResult{Attempt: st.attempt, ShouldRetry: false}
	}

	delay := st.backoff.NextBackOff()
	st.attempt++
	return BackoffResult{
		DelayMs:     delay.Milliseconds(),
		Attempt:     st.attempt,
		ShouldRetry: st.attempt < l.cfg.MaxRetries,
	}
}

// ResetBackoff clears a task's backoff state, e.g. after a successful
// completion, so the keyed map doesn't grow unbounded across the daemon's
// lifetime.
func (l *Limiter) ResetBackoff(taskID string) {
	l.taskMu.Lock()
	defer l.taskMu.Unlock()
	delete(l.taskState, taskID)
}

var (
	resetEpochPattern  = regexp.MustCompile(`reset[_\s]*(?:at|=|:)?\s*(\d{10,13})`)
	retryAfterPattern  = regexp.MustCompile(`retry[-_\s]*after[:\s]*(\d+)\s*(s|sec|seconds|m|min|minutes)?`)
	rateLimitedPattern = regexp.MustCompile(`(?i)rate[\s-]?limit`)
)

// ParseRemoteError inspects an AI-tool error message for a rate-limit
// signature and, if found, returns the epoch at which the caller should
// resume. A bare "rate limited" message with no parsable window still
// returns ok=true with a conservative default cooldown.
func (l *Limiter) ParseRemoteError(msg string) (resetEpoch time.Time, ok bool) {
	if m := resetEpochPattern.FindStringSubmatch(msg); m != nil {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			if v > 1_000_000_000_000 { // milliseconds
				return time.UnixMilli(v), true
			}
			return time.Unix(v, 0), true
		}
	}

	if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			unit := time.Second
			switch m[2] {
			case "m", "min", "minutes":
				unit = time.Minute
			}
			return time.Now().Add(time.Duration(n) * unit), true
		}
	}

	if rateLimitedPattern.MatchString(msg) {
		return time.Now().Add(time.Minute), true
	}

	return time.Time{}, false
}

// String renders a CheckResult for structured logging.
func (c CheckResult) String() string {
	if !c.Limited {
		return "not-limited"
	}
	return fmt.Sprintf("limited by %s for %dms", c.WhichAPI, c.WaitMs)
}
