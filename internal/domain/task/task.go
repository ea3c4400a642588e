// Package task defines the task domain model: lifecycle states, the allowed
// transition graph, plan steps and the ports the orchestrator depends on.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a task.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
	StateAborted State = "ABORTED"
)

// IsTerminal reports whether the state is a final state.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateFailed, StateAborted:
		return true
	default:
		return false
	}
}

// IsInFlight reports whether a task in this state occupies its channel.
func (s State) IsInFlight() bool {
	return s == StateRunning || s == StatePaused
}

var allowedTransitions = map[State][]State{
	StatePending: {StateRunning, StateAborted},
	StateRunning: {StatePaused, StateDone, StateFailed, StateAborted},
	StatePaused:  {StateRunning, StateAborted},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s State) CanTransitionTo(next State) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned when a task id is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a state change is not on the graph.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ErrorCode identifies why a task ended unsuccessfully.
type ErrorCode string

const (
	ErrorRecoveryFailed ErrorCode = "RECOVERY_FAILED"
	ErrorAborted        ErrorCode = "ABORTED"
	ErrorInvalidPlan    ErrorCode = "INVALID_PLAN"
	ErrorPlanningFailed ErrorCode = "PLANNING_FAILED"
)

// TaskError is the terminal failure attached to a task. Only UserMessage is
// forwarded to channels.
type TaskError struct {
	Code            ErrorCode `json:"code"`
	UserMessage     string    `json:"user_message"`
	InternalMessage string    `json:"internal_message,omitempty"`
	Stack           string    `json:"stack,omitempty"`
}

func (e *TaskError) Error() string {
	if e.InternalMessage != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.InternalMessage)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.UserMessage)
}

// Task is a unit of work bound to one originating channel session.
type Task struct {
	ID               string     `json:"id"`
	State            State      `json:"state"`
	ChannelSessionID string     `json:"channel_session_id"`
	Message          string     `json:"message"`
	UserID           string     `json:"user_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Error            *TaskError `json:"error,omitempty"`
	Result           string     `json:"result,omitempty"`
	Observers        []string   `json:"observers,omitempty"`
	History          []State    `json:"history,omitempty"`
}

// Clone returns a deep copy safe to hand to callers outside the registry lock.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Error != nil {
		errCopy := *t.Error
		cp.Error = &errCopy
	}
	cp.Observers = append([]string(nil), t.Observers...)
	cp.History = append([]State(nil), t.History...)
	return &cp
}

// ChannelID returns the channel portion of a channel session id
// ("web:alice" -> "web"). Session ids without a separator are channels.
func ChannelID(channelSessionID string) string {
	if idx := strings.IndexByte(channelSessionID, ':'); idx >= 0 {
		return channelSessionID[:idx]
	}
	return channelSessionID
}

// ChannelScheduler is the channel of cron-triggered sessions. The part after
// the separator names the trigger, not a user.
const ChannelScheduler = "cron"

// SessionUser returns the user that owns a channel session id, if any.
// Scheduler sessions and bare channels have no owner.
func SessionUser(channelSessionID string) string {
	idx := strings.IndexByte(channelSessionID, ':')
	if idx < 0 || channelSessionID[:idx] == ChannelScheduler {
		return ""
	}
	return channelSessionID[idx+1:]
}

// TransitionParams holds optional fields for a state change.
type TransitionParams struct {
	Reason string
	Result *string
	Error  *TaskError
}

// TransitionOption customises a state change.
type TransitionOption func(*TransitionParams)

// WithReason records why the state changed.
func WithReason(reason string) TransitionOption {
	return func(p *TransitionParams) { p.Reason = reason }
}

// WithResult sets the result text alongside the transition.
func WithResult(result string) TransitionOption {
	return func(p *TransitionParams) { p.Result = &result }
}

// WithError attaches a TaskError alongside the transition.
func WithError(taskErr *TaskError) TransitionOption {
	return func(p *TransitionParams) { p.Error = taskErr }
}

// ApplyTransitionOptions collects all options into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}
