// Package toolruntime validates and executes registered tools, gating
// execution on human approval when a tool or caller requires it.
package toolruntime

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"taskplane/internal/app/approval"
	"taskplane/internal/domain/tool"
	"taskplane/internal/observability"
	"taskplane/internal/shared/logging"
	id "taskplane/internal/shared/utils/id"
)

// DefaultTimeout bounds a single tool execution when neither the tool nor
// the runtime configures one.
const DefaultTimeout = 60 * time.Second

// ApprovalGate opens approval requests and releases them on cancellation.
// *approval.Manager satisfies it.
type ApprovalGate interface {
	Create(ctx context.Context, params approval.CreateParams) (*tool.ApprovalRequest, *approval.Future, error)
	Cancel(requestID, reason string) bool
}

// Hooks observe approval suspension of an invocation. They are not called
// once the invocation's context has been cancelled.
type Hooks struct {
	OnAwaitingApproval func(inv *tool.Invocation, req *tool.ApprovalRequest)
	OnApprovalResolved func(inv *tool.Invocation, req *tool.ApprovalRequest)
}

// Request describes one invocation.
type Request struct {
	ToolID    string
	SessionID string
	Input     map[string]any
	AgentID   string
	UserID    string
	TaskID    string
	StepID    string

	RetryCount         int
	ParentInvocationID string

	// RequireApproval gates the invocation even when the tool does not.
	RequireApproval bool
	ApprovalKind    tool.ApprovalKind
	ApprovalSummary string

	Hooks Hooks
}

type stepKey struct {
	taskID string
	stepID string
}

// Runtime executes tools and keeps the invocation history.
type Runtime struct {
	registry  *Registry
	approvals ApprovalGate
	timeout   time.Duration
	tracer    *observability.TracerProvider
	metrics   *observability.Metrics
	logger    logging.Logger
	now       func() time.Time

	mu          sync.RWMutex
	invocations map[string]*tool.Invocation
	byStep      map[stepKey][]string
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTimeout sets the default per-invocation timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Runtime) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithTracer enables spans around invocations.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(r *Runtime) { r.tracer = tp }
}

// WithMetrics records invocation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runtime) { r.logger = logging.OrNop(logger) }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a runtime over registry. approvals may be nil when no tool
// requires approval; gated invocations then fail with APPROVAL_DENIED.
func New(registry *Registry, approvals ApprovalGate, opts ...Option) *Runtime {
	if registry == nil {
		registry = NewRegistry()
	}
	r := &Runtime{
		registry:    registry,
		approvals:   approvals,
		timeout:     DefaultTimeout,
		logger:      logging.NewComponentLogger("toolruntime"),
		now:         time.Now,
		invocations: make(map[string]*tool.Invocation),
		byStep:      make(map[stepKey][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the tool registry.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// Invoke runs one tool attempt to completion and returns the final
// invocation record. It blocks while the invocation awaits approval.
// Cancelling ctx releases a pending approval and marks the invocation
// cancelled.
func (r *Runtime) Invoke(ctx context.Context, req Request) *tool.Invocation {
	inv := &tool.Invocation{
		ID:                 id.NewInvocationID(),
		ToolID:             strings.TrimSpace(req.ToolID),
		TaskID:             req.TaskID,
		StepID:             req.StepID,
		SessionID:          req.SessionID,
		AgentID:            req.AgentID,
		UserID:             req.UserID,
		Input:              req.Input,
		Status:             tool.InvocationPending,
		StartedAt:          r.now(),
		RetryCount:         req.RetryCount,
		ParentInvocationID: req.ParentInvocationID,
	}
	r.store(inv)

	ctx = id.WithInvocationID(ctx, inv.ID)
	ctx, span := r.tracer.StartSpan(ctx, observability.SpanToolInvoke, observability.ToolAttrs(req.StepID, inv.ToolID)...)

	final := r.invoke(ctx, req, inv)
	var spanErr error
	if final.Result != nil && final.Result.Error != nil {
		spanErr = final.Result.Error
	}
	observability.EndSpan(span, string(final.Status), spanErr)

	var elapsed time.Duration
	if final.Result != nil {
		elapsed = time.Duration(final.Result.Meta.DurationMS) * time.Millisecond
	}
	r.metrics.ToolInvoked(final.ToolID, string(final.Status), elapsed)
	return final
}

func (r *Runtime) invoke(ctx context.Context, req Request, inv *tool.Invocation) *tool.Invocation {
	t, ok := r.registry.Get(inv.ToolID)
	if !ok {
		return r.finish(inv, tool.Failure(tool.ErrToolNotFound, fmt.Sprintf("tool %q is not registered", inv.ToolID)))
	}
	if err := validateInput(t.Schema, req.Input); err != nil {
		return r.finish(inv, tool.Failure(tool.ErrSchemaValidation, err.Error()))
	}

	approved := false
	if t.RequiresApproval || req.RequireApproval {
		decision, err := r.awaitApproval(ctx, t, req, inv)
		if ctx.Err() != nil {
			return r.cancel(inv)
		}
		if err != nil {
			return r.finish(inv, tool.Failure(tool.ErrApprovalDenied, err.Error()))
		}
		if !decision.Approved() {
			reason := decision.Reason
			if reason == "" {
				reason = string(decision.Status)
			}
			return r.finish(inv, tool.Failure(tool.ErrApprovalDenied,
				fmt.Sprintf("approval %s %s: %s", decision.ID, decision.Status, reason)))
		}
		approved = true
	}

	r.update(inv, func(i *tool.Invocation) { i.Status = tool.InvocationRunning })
	rc := tool.RunContext{
		InvocationID: inv.ID,
		TaskID:       inv.TaskID,
		StepID:       inv.StepID,
		SessionID:    inv.SessionID,
		AgentID:      inv.AgentID,
		UserID:       inv.UserID,
		Approved:     approved,
	}
	started := r.now()
	result, cancelled := r.execute(ctx, t, req.Input, rc)
	if cancelled {
		return r.cancel(inv)
	}
	if result.Meta.DurationMS == 0 {
		result.Meta.DurationMS = r.now().Sub(started).Milliseconds()
	}
	return r.finish(inv, result)
}

func (r *Runtime) awaitApproval(ctx context.Context, t tool.Tool, req Request, inv *tool.Invocation) (*tool.ApprovalRequest, error) {
	if r.approvals == nil {
		return nil, fmt.Errorf("tool %s requires approval but no approval flow is configured", t.ID)
	}
	kind := req.ApprovalKind
	if kind == "" {
		kind = tool.ApprovalKindTool
	}
	summary := req.ApprovalSummary
	if summary == "" {
		summary = buildApprovalSummary(t, req.Input)
	}
	pending, future, err := r.approvals.Create(ctx, approval.CreateParams{
		InvocationID: inv.ID,
		ToolID:       t.ID,
		TaskID:       inv.TaskID,
		SessionID:    inv.SessionID,
		OwnerUserID:  inv.UserID,
		Kind:         kind,
		Summary:      summary,
		Input:        req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("open approval: %w", err)
	}

	r.update(inv, func(i *tool.Invocation) {
		i.Status = tool.InvocationAwaitingApproval
		i.ApprovalID = pending.ID
	})
	if req.Hooks.OnAwaitingApproval != nil {
		req.Hooks.OnAwaitingApproval(r.snapshot(inv), pending)
	}

	decision, err := future.Wait(ctx)
	if err != nil {
		r.approvals.Cancel(pending.ID, "task aborted")
		return nil, err
	}
	if ctx.Err() != nil {
		return decision, ctx.Err()
	}
	if req.Hooks.OnApprovalResolved != nil {
		req.Hooks.OnApprovalResolved(r.snapshot(inv), decision)
	}
	return decision, nil
}

// execute runs the tool under a timeout. The bool result reports that the
// caller's context was cancelled, in which case the tool's result is dropped.
func (r *Runtime) execute(ctx context.Context, t tool.Tool, input map[string]any, rc tool.RunContext) (tool.Result, bool) {
	timeout := r.timeout
	if t.Timeout > 0 {
		timeout = t.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan tool.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool %s panicked: %v, stack: %s", t.ID, p, debug.Stack())
				done <- tool.Failure(tool.ErrPanic, fmt.Sprintf("tool %s panicked: %v", t.ID, p))
			}
		}()
		done <- t.Run(runCtx, input, rc)
	}()

	var result tool.Result
	select {
	case result = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return tool.Result{}, true
		}
		return tool.Failure(tool.ErrTimeout, fmt.Sprintf("tool %s timed out after %s", t.ID, timeout)), false
	}
	if ctx.Err() != nil {
		return tool.Result{}, true
	}
	if !result.OK && result.Error == nil {
		result.Error = &tool.ResultError{Code: tool.ErrExecution, Message: fmt.Sprintf("tool %s failed", t.ID)}
	}
	return result, false
}

func (r *Runtime) finish(inv *tool.Invocation, result tool.Result) *tool.Invocation {
	r.update(inv, func(i *tool.Invocation) {
		ended := r.now()
		i.EndedAt = &ended
		i.Result = &result
		if result.OK {
			i.Status = tool.InvocationSucceeded
		} else {
			i.Status = tool.InvocationFailed
		}
	})
	if !result.OK {
		r.logger.Debug("invocation %s of %s failed: %s", inv.ID, inv.ToolID, result.Error.Error())
	}
	return r.snapshot(inv)
}

func (r *Runtime) cancel(inv *tool.Invocation) *tool.Invocation {
	result := tool.Failure(tool.ErrCancelled, "invocation cancelled")
	r.update(inv, func(i *tool.Invocation) {
		ended := r.now()
		i.EndedAt = &ended
		i.Result = &result
		i.Status = tool.InvocationCancelled
	})
	r.logger.Info("invocation %s of %s cancelled", inv.ID, inv.ToolID)
	return r.snapshot(inv)
}

func (r *Runtime) store(inv *tool.Invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations[inv.ID] = inv
	if inv.StepID != "" {
		key := stepKey{taskID: inv.TaskID, stepID: inv.StepID}
		r.byStep[key] = append(r.byStep[key], inv.ID)
	}
}

func (r *Runtime) update(inv *tool.Invocation, fn func(*tool.Invocation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(inv)
}

func (r *Runtime) snapshot(inv *tool.Invocation) *tool.Invocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return inv.Clone()
}

// Get returns a snapshot of an invocation.
func (r *Runtime) Get(invocationID string) (*tool.Invocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invocations[invocationID]
	if !ok {
		return nil, false
	}
	return inv.Clone(), true
}

// History returns every invocation made for a step, oldest first.
func (r *Runtime) History(taskID, stepID string) []*tool.Invocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byStep[stepKey{taskID: taskID, stepID: stepID}]
	out := make([]*tool.Invocation, 0, len(ids))
	for _, invID := range ids {
		if inv, ok := r.invocations[invID]; ok {
			out = append(out, inv.Clone())
		}
	}
	return out
}

// Chain follows ParentInvocationID links back from invocationID and returns
// the recovery chain, root first.
func (r *Runtime) Chain(invocationID string) []*tool.Invocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chain []*tool.Invocation
	seen := make(map[string]bool)
	for current := invocationID; current != "" && !seen[current]; {
		seen[current] = true
		inv, ok := r.invocations[current]
		if !ok {
			break
		}
		chain = append(chain, inv.Clone())
		current = inv.ParentInvocationID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// ForgetTask drops the invocation history of a task.
func (r *Runtime) ForgetTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ids := range r.byStep {
		if key.taskID != taskID {
			continue
		}
		for _, invID := range ids {
			delete(r.invocations, invID)
		}
		delete(r.byStep, key)
	}
}

func buildApprovalSummary(t tool.Tool, input map[string]any) string {
	parts := []string{fmt.Sprintf("Approval required for %s", t.ID)}
	if t.Description != "" {
		parts = append(parts, t.Description)
	}
	for _, key := range []string{"command", "path", "url"} {
		if val, ok := input[key].(string); ok && strings.TrimSpace(val) != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.TrimSpace(val)))
		}
	}
	return strings.Join(parts, "; ")
}
