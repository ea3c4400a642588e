package replan

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/observability"
	"taskplane/internal/shared/logging"
)

// Action is the recovery decision after a failure.
type Action string

const (
	ActionRetry           Action = "RETRY"
	ActionUseAlternative  Action = "USE_ALTERNATIVE"
	ActionRequestApproval Action = "REQUEST_APPROVAL"
	ActionAbort           Action = "ABORT"
)

// RecoveryPlan is returned to the executor. ToolID names the tool to run
// next for RETRY and USE_ALTERNATIVE. Delay is set for backoff retries.
type RecoveryPlan struct {
	Action      Action
	ToolID      string
	Reason      string
	FailureType FailureType
	Delay       time.Duration
}

// TaskContext is the per-task state the replanner decides against.
type TaskContext struct {
	TaskID    string
	SessionID string
	Step      task.Step
	Limiter   *RecoveryLimiter
}

// Config tunes the replanner.
type Config struct {
	Alternatives map[string][]string
	// Available reports whether a tool id is registered.
	Available   func(toolID string) bool
	Planner     task.Planner
	Backoff     Backoff
	LogRecovery bool
}

// Replanner combines the analyzer, selector, path replanner and the task's
// limiter into a RecoveryPlan.
type Replanner struct {
	analyzer FailureAnalyzer
	selector *AlternativeSelector
	path     *PathReplanner
	backoff  Backoff

	logRecovery bool
	sink        audit.Sink
	metrics     *observability.Metrics
	tracer      *observability.TracerProvider
	logger      logging.Logger
}

// Option configures a Replanner.
type Option func(*Replanner)

// WithSink records failures and decisions to an audit sink.
func WithSink(sink audit.Sink) Option {
	return func(r *Replanner) { r.sink = audit.OrNop(sink) }
}

// WithMetrics records decisions.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Replanner) { r.metrics = m }
}

// WithTracer enables decision spans.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(r *Replanner) { r.tracer = tp }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Replanner) { r.logger = logging.OrNop(logger) }
}

// New creates a Replanner.
func New(cfg Config, opts ...Option) *Replanner {
	r := &Replanner{
		selector:    NewAlternativeSelector(cfg.Alternatives, cfg.Available),
		path:        NewPathReplanner(cfg.Planner),
		backoff:     normalizeBackoff(cfg.Backoff),
		logRecovery: cfg.LogRecovery,
		sink:        audit.NopSink(),
		logger:      logging.NewComponentLogger("replan"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the path replanner.
func (r *Replanner) Path() *PathReplanner {
	return r.path
}

// Selector returns the alternative selector.
func (r *Replanner) Selector() *AlternativeSelector {
	return r.selector
}

// Replan classifies failure and returns the recovery plan permitted by the
// task's limiter. The limiter is checked before the current failure is
// recorded.
func (r *Replanner) Replan(ctx context.Context, failure ToolFailure, tc TaskContext) RecoveryPlan {
	if failure.Type == "" {
		failure.Type = r.analyzer.Classify(failure)
	}
	_, span := r.tracer.StartSpan(ctx, observability.SpanReplan,
		append(observability.ToolAttrs(failure.StepID, failure.ToolID),
			attribute.String(observability.AttrFailureType, string(failure.Type)))...)

	plan := r.decide(failure, tc)
	if tc.Limiter != nil {
		tc.Limiter.RecordFailure(failure.ToolID)
		if plan.Action == ActionUseAlternative {
			tc.Limiter.RecordAlternative(plan.ToolID)
		}
	}

	span.SetAttributes(attribute.String(observability.AttrAction, string(plan.Action)))
	observability.EndSpan(span, string(plan.Action), nil)
	r.metrics.RecoveryDecided(string(failure.Type), string(plan.Action))
	r.report(ctx, failure, tc, plan)
	return plan
}

func (r *Replanner) decide(failure ToolFailure, tc TaskContext) RecoveryPlan {
	plan := RecoveryPlan{FailureType: failure.Type}
	limiter := tc.Limiter
	if limiter == nil {
		limiter = NewRecoveryLimiter(Limits{}, time.Now(), nil)
	}
	abort := func(reason string) RecoveryPlan {
		plan.Action = ActionAbort
		plan.ToolID = ""
		plan.Reason = reason
		return plan
	}

	if limiter.GlobalTimeoutExceeded() {
		return abort("global recovery timeout exceeded")
	}

	switch failure.Type {
	case FailureNetwork:
		if alt, ok := r.alternative(failure, limiter); ok {
			plan.Action, plan.ToolID = ActionUseAlternative, alt
			plan.Reason = fmt.Sprintf("%s unreachable, switching to %s", failure.ToolID, alt)
			return plan
		}
		if limiter.CanRetry(failure.ToolID) {
			plan.Action, plan.ToolID = ActionRetry, failure.ToolID
			plan.Reason = "transient network failure"
			return plan
		}
		return abort(fmt.Sprintf("%s failed %d consecutive times", failure.ToolID, limiter.ConsecutiveFailures(failure.ToolID)+1))

	case FailurePermissionDenied:
		if failure.Code == tool.ErrApprovalDenied {
			return abort("approval was not granted")
		}
		if limiter.MarkEscalated(failure.StepID, failure.ToolID) {
			plan.Action, plan.ToolID = ActionRequestApproval, failure.ToolID
			plan.Reason = "permission required"
			return plan
		}
		return abort("permission denied after approval")

	case FailureInvalidInput:
		return abort("invalid input is not retryable")

	case FailureToolNotFound:
		if alt, ok := r.alternative(failure, limiter); ok {
			plan.Action, plan.ToolID = ActionUseAlternative, alt
			plan.Reason = fmt.Sprintf("%s unavailable, switching to %s", failure.ToolID, alt)
			return plan
		}
		return abort(fmt.Sprintf("tool %s not found and no alternative available", failure.ToolID))

	case FailureResourceExhausted:
		if limiter.CanRetry(failure.ToolID) {
			plan.Action, plan.ToolID = ActionRetry, failure.ToolID
			plan.Delay = r.backoff.Delay(limiter.ConsecutiveFailures(failure.ToolID))
			plan.Reason = "resource exhausted, backing off"
			return plan
		}
		return abort(fmt.Sprintf("%s still exhausted after %d retries", failure.ToolID, limiter.ConsecutiveFailures(failure.ToolID)))

	default:
		if limiter.CanRetry(failure.ToolID) && limiter.MarkUnknownRetry(failure.StepID, failure.ToolID) {
			plan.Action, plan.ToolID = ActionRetry, failure.ToolID
			plan.Reason = "unclassified failure, retrying once"
			return plan
		}
		return abort("unclassified failure persisted")
	}
}

func (r *Replanner) alternative(failure ToolFailure, limiter *RecoveryLimiter) (string, bool) {
	if !limiter.CanUseAlternative() {
		return "", false
	}
	return r.selector.SelectBest(failure.StepID, r.selector.FindAlternatives(failure.ToolID), limiter.Attempted)
}

func (r *Replanner) report(ctx context.Context, failure ToolFailure, tc TaskContext, plan RecoveryPlan) {
	logf := r.logger.Debug
	if r.logRecovery {
		logf = r.logger.Info
	}
	logf("task %s step %s: %s on %s -> %s %s (%s)",
		tc.TaskID, failure.StepID, failure.Type, failure.ToolID, plan.Action, plan.ToolID, plan.Reason)

	now := failure.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	events := []audit.Event{
		{
			Kind: audit.KindToolFailure, TaskID: tc.TaskID, SessionID: tc.SessionID,
			StepID: failure.StepID, ToolID: failure.ToolID, Message: failure.Message,
			Fields: map[string]string{
				"failure_type":  string(failure.Type),
				"code":          string(failure.Code),
				"invocation_id": failure.InvocationID,
			},
			Timestamp: now,
		},
		{
			Kind: audit.KindRecoveryDecision, TaskID: tc.TaskID, SessionID: tc.SessionID,
			StepID: failure.StepID, ToolID: failure.ToolID, Message: plan.Reason,
			Fields: map[string]string{
				"action":    string(plan.Action),
				"next_tool": plan.ToolID,
				"delay_ms":  strconv.FormatInt(plan.Delay.Milliseconds(), 10),
			},
			Timestamp: now,
		},
	}
	for _, event := range events {
		if err := r.sink.Append(ctx, event); err != nil {
			r.logger.Warn("task %s: audit append failed: %v", tc.TaskID, err)
		}
	}
}
