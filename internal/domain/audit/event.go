// Package audit defines the append-only event stream recording task
// transitions, recovery decisions and approval outcomes.
package audit

import (
	"context"
	"sync"
	"time"
)

// Kind names an audit event.
type Kind string

const (
	KindTaskCreated       Kind = "task.created"
	KindTaskTransition    Kind = "task.transition"
	KindToolFailure       Kind = "recovery.failure"
	KindRecoveryDecision  Kind = "recovery.decision"
	KindApprovalRequested Kind = "approval.requested"
	KindApprovalResolved  Kind = "approval.resolved"
	KindDeliveryFailed    Kind = "delivery.failed"
)

// Event is one audit record.
type Event struct {
	Kind      Kind              `json:"kind"`
	TaskID    string            `json:"task_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	StepID    string            `json:"step_id,omitempty"`
	ToolID    string            `json:"tool_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink consumes audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

type nopSink struct{}

func (nopSink) Append(context.Context, Event) error { return nil }

// NopSink discards every event.
func NopSink() Sink { return nopSink{} }

// OrNop returns sink when non-nil, otherwise a discarding sink.
func OrNop(sink Sink) Sink {
	if sink == nil {
		return nopSink{}
	}
	return sink
}

// MemorySink keeps events in memory; used by tests and the default store driver.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemorySink returns a sink keeping at most limit events (0 = unbounded).
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Append records the event, dropping the oldest once the limit is reached.
func (s *MemorySink) Append(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
	return nil
}

// Events returns a snapshot, optionally filtered to a task.
func (s *MemorySink) Events(taskID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if taskID == "" || e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// Kinds returns the kinds of the recorded events for a task, in order.
func (s *MemorySink) Kinds(taskID string) []Kind {
	events := s.Events(taskID)
	kinds := make([]Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}
