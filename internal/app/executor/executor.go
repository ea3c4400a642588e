// Package executor runs one task's plan through the tool runtime, acting on
// the replanner's recovery decisions when a step fails.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"taskplane/internal/app/replan"
	"taskplane/internal/app/toolruntime"
	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/observability"
	"taskplane/internal/shared/logging"
	id "taskplane/internal/shared/utils/id"
)

// AgentID identifies the executor as the caller of tool invocations.
const AgentID = "taskplane-executor"

const maxSummaryChars = 280

// ToolInvoker is the part of the tool runtime the executor needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, req toolruntime.Request) *tool.Invocation
}

// Config tunes recovery.
type Config struct {
	Limits replan.Limits
	// AutoRetry false gates every RETRY and USE_ALTERNATIVE behind a
	// recovery approval.
	AutoRetry bool
}

// Outcome is the executor's verdict for a task. Cancelled is set when the
// task's context was cancelled; State and Error are then unset.
type Outcome struct {
	State     task.State
	Result    string
	Error     *task.TaskError
	Cancelled bool
	Steps     []StepRecord
}

// StepRecord summarises one completed step.
type StepRecord struct {
	StepID       string
	ToolID       string
	InvocationID string
	Attempts     int
	Summary      string
}

// Executor runs task plans. One Executor serves all tasks; per-task state
// lives in Run.
type Executor struct {
	runtime   ToolInvoker
	planner   task.Planner
	replanner *replan.Replanner
	cfg       Config
	tracer    *observability.TracerProvider
	logger    logging.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracer enables task and step spans.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(logger) }
}

// WithClock injects the time source used for limiter deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New creates an Executor.
func New(runtime ToolInvoker, planner task.Planner, replanner *replan.Replanner, cfg Config, opts ...Option) *Executor {
	if replanner == nil {
		replanner = replan.New(replan.Config{Planner: planner})
	}
	e := &Executor{
		runtime:   runtime,
		planner:   planner,
		replanner: replanner,
		cfg:       cfg,
		logger:    logging.NewComponentLogger("executor"),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run plans and executes t. hooks are forwarded to every tool invocation so
// the caller can track approval suspension.
func (e *Executor) Run(ctx context.Context, t *task.Task, hooks toolruntime.Hooks) Outcome {
	ctx = id.WithIDs(ctx, id.IDs{TaskID: t.ID, SessionID: t.ChannelSessionID, UserID: t.UserID})
	ctx, span := e.tracer.StartSpan(ctx, observability.SpanTaskRun)

	out := e.run(ctx, t, hooks)

	status := string(out.State)
	var spanErr error
	if out.Cancelled {
		status = "cancelled"
	} else if out.Error != nil {
		spanErr = out.Error
	}
	observability.EndSpan(span, status, spanErr)
	return out
}

func (e *Executor) run(ctx context.Context, t *task.Task, hooks toolruntime.Hooks) Outcome {
	if e.planner == nil {
		return failed(task.ErrorPlanningFailed, "I could not plan this request.", "no planner configured")
	}
	steps, err := e.planner.Plan(ctx, t)
	if ctx.Err() != nil {
		return Outcome{Cancelled: true}
	}
	if err != nil {
		return failed(task.ErrorPlanningFailed, "I could not plan this request.", err.Error())
	}
	if err := e.planner.ValidatePlan(steps); err != nil {
		return failed(task.ErrorInvalidPlan, "I could not build a valid plan for this request.", err.Error())
	}
	ordered, err := task.TopologicalOrder(steps)
	if err != nil {
		return failed(task.ErrorInvalidPlan, "I could not build a valid plan for this request.", err.Error())
	}

	run := &taskRun{
		exec:    e,
		task:    t,
		hooks:   hooks,
		pending: ordered,
		limiter: replan.NewRecoveryLimiter(e.cfg.Limits, t.CreatedAt, e.now),
	}
	return run.execute(ctx)
}

// taskRun holds the state of one Run call. It is confined to the calling
// goroutine; the limiter is the only piece shared with the replanner.
type taskRun struct {
	exec      *Executor
	task      *task.Task
	hooks     toolruntime.Hooks
	pending   []task.Step
	completed []string
	records   []StepRecord
	limiter   *replan.RecoveryLimiter
}

func (r *taskRun) execute(ctx context.Context) Outcome {
	for len(r.pending) > 0 {
		step := r.pending[0]
		r.pending = r.pending[1:]

		if ctx.Err() != nil {
			return Outcome{Cancelled: true, Steps: r.records}
		}
		if strings.TrimSpace(step.ToolID) == "" {
			r.complete(StepRecord{StepID: step.ID, Summary: step.Description})
			continue
		}
		if out, done := r.runStep(ctx, step); done {
			out.Steps = r.records
			return out
		}
	}
	return Outcome{State: task.StateDone, Result: r.summary(), Steps: r.records}
}

type attemptParams struct {
	toolID          string
	retryCount      int
	parentID        string
	requireApproval bool
	approvalKind    tool.ApprovalKind
	summary         string
}

// runStep drives one step through recovery until it succeeds. It returns
// done=true with a terminal or cancelled outcome when the task must stop.
func (r *taskRun) runStep(ctx context.Context, step task.Step) (Outcome, bool) {
	e := r.exec
	ctx, span := e.tracer.StartSpan(ctx, observability.SpanStepRun, observability.ToolAttrs(step.ID, step.ToolID)...)
	defer span.End()

	cur := attemptParams{toolID: step.ToolID}
	attempts := 0
	for {
		attempts++
		r.limiter.RecordAttempt(step.ID, cur.toolID)
		inv := e.runtime.Invoke(ctx, toolruntime.Request{
			ToolID:             cur.toolID,
			SessionID:          r.task.ChannelSessionID,
			Input:              step.Input,
			AgentID:            AgentID,
			UserID:             r.task.UserID,
			TaskID:             r.task.ID,
			StepID:             step.ID,
			RetryCount:         cur.retryCount,
			ParentInvocationID: cur.parentID,
			RequireApproval:    cur.requireApproval,
			ApprovalKind:       cur.approvalKind,
			ApprovalSummary:    cur.summary,
			Hooks:              r.hooks,
		})
		if ctx.Err() != nil || inv.Status == tool.InvocationCancelled {
			return Outcome{Cancelled: true}, true
		}
		if inv.Status == tool.InvocationSucceeded {
			r.limiter.RecordSuccess(cur.toolID)
			span.SetAttributes(attribute.String(observability.AttrToolID, cur.toolID))
			r.complete(StepRecord{
				StepID:       step.ID,
				ToolID:       cur.toolID,
				InvocationID: inv.ID,
				Attempts:     attempts,
				Summary:      summarizeResult(step, inv.Result),
			})
			return Outcome{}, false
		}

		failure := replan.FailureFromInvocation(inv, e.now())
		if cur.approvalKind == tool.ApprovalKindRecovery && failure.Code == tool.ErrApprovalDenied {
			e.logger.Info("task %s step %s: recovery was not confirmed", r.task.ID, step.ID)
			return r.abort(step, failure, "recovery action was not confirmed"), true
		}

		plan := e.replanner.Replan(ctx, failure, replan.TaskContext{
			TaskID:    r.task.ID,
			SessionID: r.task.ChannelSessionID,
			Step:      step,
			Limiter:   r.limiter,
		})

		next := attemptParams{retryCount: cur.retryCount + 1, parentID: inv.ID}
		switch plan.Action {
		case replan.ActionRetry:
			if err := e.sleep(ctx, plan.Delay); err != nil {
				return Outcome{Cancelled: true}, true
			}
			next.toolID = cur.toolID
			r.gateRecovery(&next, step, plan)

		case replan.ActionUseAlternative:
			path, err := e.replanner.Path().ReplanFrom(ctx, step, r.pending, plan.ToolID, r.completed)
			if err != nil {
				e.logger.Warn("task %s step %s: replanning with %s failed: %v", r.task.ID, step.ID, plan.ToolID, err)
				return r.abort(step, failure, err.Error()), true
			}
			rebound, rest, err := r.reorder(path)
			if err != nil {
				return r.abort(step, failure, err.Error()), true
			}
			step, r.pending = rebound, rest
			next.toolID = rebound.ToolID
			r.gateRecovery(&next, step, plan)

		case replan.ActionRequestApproval:
			next.toolID = cur.toolID
			next.requireApproval = true
			next.approvalKind = tool.ApprovalKindTool

		default:
			return r.abort(step, failure, plan.Reason), true
		}
		cur = next
	}
}

// gateRecovery requires a recovery approval before an automatic action when
// auto retry is disabled.
func (r *taskRun) gateRecovery(next *attemptParams, step task.Step, plan replan.RecoveryPlan) {
	if r.exec.cfg.AutoRetry {
		return
	}
	next.requireApproval = true
	next.approvalKind = tool.ApprovalKindRecovery
	next.summary = fmt.Sprintf("Confirm %s of step %q with %s: %s",
		strings.ToLower(strings.ReplaceAll(string(plan.Action), "_", " ")), step.ID, next.toolID, plan.Reason)
}

// reorder puts a replanned path into dependency order. The rebound step must
// still be the first runnable step.
func (r *taskRun) reorder(path []task.Step) (task.Step, []task.Step, error) {
	if len(path) == 0 {
		return task.Step{}, nil, errors.New("replanned path is empty")
	}
	done := make(map[string]struct{}, len(r.completed))
	for _, stepID := range r.completed {
		done[stepID] = struct{}{}
	}
	pruned := make([]task.Step, len(path))
	byID := make(map[string]task.Step, len(path))
	for i, step := range path {
		byID[step.ID] = step
		cp := step.Clone()
		cp.DependsOn = nil
		for _, dep := range step.DependsOn {
			if _, ok := done[dep]; !ok {
				cp.DependsOn = append(cp.DependsOn, dep)
			}
		}
		pruned[i] = cp
	}
	ordered, err := task.TopologicalOrder(pruned)
	if err != nil {
		return task.Step{}, nil, err
	}
	out := make([]task.Step, len(ordered))
	for i, step := range ordered {
		out[i] = byID[step.ID]
	}
	return out[0], out[1:], nil
}

func (r *taskRun) complete(record StepRecord) {
	r.completed = append(r.completed, record.StepID)
	r.records = append(r.records, record)
}

func (r *taskRun) abort(step task.Step, failure replan.ToolFailure, reason string) Outcome {
	label := step.Description
	if label == "" {
		label = step.ID
	}
	internal := fmt.Sprintf("step %s (%s) failed with %s: %s; recovery aborted: %s",
		step.ID, failure.ToolID, failure.Type, failure.Message, reason)
	r.exec.logger.Warn("task %s: %s", r.task.ID, internal)
	out := failed(task.ErrorRecoveryFailed, fmt.Sprintf("I couldn't finish %q. Please try again later.", label), internal)
	return out
}

func (r *taskRun) summary() string {
	if len(r.records) == 0 {
		return "Nothing to do."
	}
	lines := make([]string, 0, len(r.records)+1)
	lines = append(lines, fmt.Sprintf("Completed %d step(s).", len(r.records)))
	for _, rec := range r.records {
		line := "- " + rec.StepID
		if rec.ToolID != "" {
			line += " [" + rec.ToolID + "]"
		}
		if rec.Summary != "" {
			line += ": " + rec.Summary
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func failed(code task.ErrorCode, userMessage, internal string) Outcome {
	return Outcome{
		State: task.StateFailed,
		Error: &task.TaskError{Code: code, UserMessage: userMessage, InternalMessage: internal},
	}
}

func summarizeResult(step task.Step, result *tool.Result) string {
	if result == nil || result.Data == nil {
		return step.Description
	}
	var text string
	switch data := result.Data.(type) {
	case string:
		text = data
	case map[string]any:
		text = fmt.Sprintf("%v", data)
		for _, key := range []string{"content", "output", "text"} {
			if v, ok := data[key].(string); ok {
				text = v
				break
			}
		}
	case fmt.Stringer:
		text = data.String()
	default:
		text = fmt.Sprintf("%v", data)
	}
	text = strings.Join(strings.Fields(text), " ")
	if runes := []rune(text); len(runes) > maxSummaryChars {
		text = string(runes[:maxSummaryChars]) + "..."
	}
	return text
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
