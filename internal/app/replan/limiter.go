package replan

import (
	"sync"
	"time"
)

// Limits bound automatic recovery for one task.
type Limits struct {
	MaxRetries      int
	MaxAlternatives int
	GlobalTimeout   time.Duration
}

// DefaultLimits returns the stock recovery bounds.
func DefaultLimits() Limits {
	return Limits{MaxRetries: 3, MaxAlternatives: 2, GlobalTimeout: 600000 * time.Millisecond}
}

type attempt struct {
	stepID string
	toolID string
}

// RecoveryLimiter owns the recovery counters of a single task. Counters are
// only reachable through its methods.
type RecoveryLimiter struct {
	mu        sync.Mutex
	limits    Limits
	startedAt time.Time
	now       func() time.Time

	consecutive    map[string]int
	alternatives   map[string]struct{}
	attempted      map[attempt]struct{}
	escalated      map[attempt]struct{}
	unknownRetried map[attempt]struct{}
}

// NewRecoveryLimiter creates a limiter for a task created at startedAt.
func NewRecoveryLimiter(limits Limits, startedAt time.Time, now func() time.Time) *RecoveryLimiter {
	if now == nil {
		now = time.Now
	}
	return &RecoveryLimiter{
		limits:         limits,
		startedAt:      startedAt,
		now:            now,
		consecutive:    make(map[string]int),
		alternatives:   make(map[string]struct{}),
		attempted:      make(map[attempt]struct{}),
		escalated:      make(map[attempt]struct{}),
		unknownRetried: make(map[attempt]struct{}),
	}
}

// CanRetry is true while the consecutive failure count of toolID is below
// MaxRetries.
func (l *RecoveryLimiter) CanRetry(toolID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutive[toolID] < l.limits.MaxRetries
}

// RecordFailure counts a consecutive failure of toolID.
func (l *RecoveryLimiter) RecordFailure(toolID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutive[toolID]++
	return l.consecutive[toolID]
}

// RecordSuccess resets the consecutive failure count of toolID.
func (l *RecoveryLimiter) RecordSuccess(toolID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.consecutive, toolID)
}

// ConsecutiveFailures returns the current failure streak of toolID.
func (l *RecoveryLimiter) ConsecutiveFailures(toolID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutive[toolID]
}

// CanUseAlternative is true while fewer than MaxAlternatives distinct
// alternative tools have been tried.
func (l *RecoveryLimiter) CanUseAlternative() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alternatives) < l.limits.MaxAlternatives
}

// RecordAlternative counts toolID as a tried alternative.
func (l *RecoveryLimiter) RecordAlternative(toolID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alternatives[toolID] = struct{}{}
}

// AlternativesUsed returns the number of distinct alternatives tried.
func (l *RecoveryLimiter) AlternativesUsed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alternatives)
}

// GlobalTimeoutExceeded is true once the time since task creation exceeds
// GlobalTimeout.
func (l *RecoveryLimiter) GlobalTimeoutExceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.GlobalTimeout <= 0 {
		return false
	}
	return l.now().Sub(l.startedAt) > l.limits.GlobalTimeout
}

// Deadline returns when the global timeout elapses.
func (l *RecoveryLimiter) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startedAt.Add(l.limits.GlobalTimeout)
}

// RecordAttempt marks toolID as attempted for stepID.
func (l *RecoveryLimiter) RecordAttempt(stepID, toolID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempted[attempt{stepID, toolID}] = struct{}{}
}

// Attempted reports whether toolID was already attempted for stepID.
func (l *RecoveryLimiter) Attempted(stepID, toolID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.attempted[attempt{stepID, toolID}]
	return ok
}

// MarkEscalated records an approval escalation for (stepID, toolID) and
// returns false if one was already recorded.
func (l *RecoveryLimiter) MarkEscalated(stepID, toolID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := attempt{stepID, toolID}
	if _, ok := l.escalated[key]; ok {
		return false
	}
	l.escalated[key] = struct{}{}
	return true
}

// MarkUnknownRetry records the single retry allowed for unclassified
// failures and returns false if it was already used.
func (l *RecoveryLimiter) MarkUnknownRetry(stepID, toolID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := attempt{stepID, toolID}
	if _, ok := l.unknownRetried[key]; ok {
		return false
	}
	l.unknownRetried[key] = struct{}{}
	return true
}

// LimiterState is a read-only snapshot for logging and audit.
type LimiterState struct {
	ConsecutiveFailures map[string]int
	AlternativesUsed    int
	Elapsed             time.Duration
}

// Snapshot returns the current counters.
func (l *RecoveryLimiter) Snapshot() LimiterState {
	l.mu.Lock()
	defer l.mu.Unlock()
	failures := make(map[string]int, len(l.consecutive))
	for k, v := range l.consecutive {
		failures[k] = v
	}
	return LimiterState{
		ConsecutiveFailures: failures,
		AlternativesUsed:    len(l.alternatives),
		Elapsed:             l.now().Sub(l.startedAt),
	}
}
