// Package orchestrator owns the task lifecycle: the task registry, the
// state machine, per-channel FIFO queues and delivery of terminal results
// to observer channels.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"taskplane/internal/app/executor"
	"taskplane/internal/app/toolruntime"
	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/observability"
	"taskplane/internal/shared/async"
	"taskplane/internal/shared/logging"
	id "taskplane/internal/shared/utils/id"
)

// ErrChannelSaturated is returned by CreateTask when admission control is
// enabled and the channel cannot accept another task.
var ErrChannelSaturated = errors.New("channel saturated")

// ErrSessionOwnerMismatch is returned by CreateTask when an explicit user id
// differs from the user that owns the channel session.
var ErrSessionOwnerMismatch = errors.New("user does not own the channel session")

const (
	defaultRetention        = 1024
	defaultRateLimiters     = 4096
	defaultDeliveryAttempts = 3
	abortedUserMessage      = "The task was cancelled."
)

// Runner executes one task. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, t *task.Task, hooks toolruntime.Hooks) executor.Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t *task.Task, hooks toolruntime.Hooks) executor.Outcome

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, t *task.Task, hooks toolruntime.Hooks) executor.Outcome {
	return f(ctx, t, hooks)
}

// ApprovalReleaser releases pending approval waits of an aborted task.
type ApprovalReleaser interface {
	CancelTask(taskID, reason string) int
}

// HistoryForgetter drops per-task invocation history once a task leaves
// retention.
type HistoryForgetter interface {
	ForgetTask(taskID string)
}

// ApprovalHook observes approval suspension of a task.
type ApprovalHook func(t *task.Task, req *tool.ApprovalRequest)

// Config controls admission, retention and delivery.
type Config struct {
	// MaxQueueDepth caps waiting tasks per channel session; 0 is unbounded.
	MaxQueueDepth int
	// RatePerMinute enables a per-channel token bucket when positive.
	RatePerMinute float64
	Burst         int
	// MaxRateLimiters bounds how many session token buckets are remembered.
	MaxRateLimiters int
	// MaxTerminalTasks bounds how many finished tasks stay in memory.
	MaxTerminalTasks int
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
}

type liveTask struct {
	task   *task.Task
	cancel context.CancelFunc
}

// Orchestrator is safe for concurrent use by channels, the scheduler and the
// HTTP API.
type Orchestrator struct {
	runner    Runner
	approvals ApprovalReleaser
	history   HistoryForgetter
	archive   task.Archive
	sink      audit.Sink
	metrics   *observability.Metrics
	logger    logging.Logger
	now       func() time.Time
	cfg       Config

	mu        sync.Mutex
	live      map[string]*liveTask
	queues    map[string]*channelQueue
	observers map[string]task.Observer
	retained  *lru.Cache[string, *task.Task]
	limiters  *lru.Cache[string, *rate.Limiter]
	closed    bool

	hooksMu       sync.RWMutex
	requestHooks  []ApprovalHook
	resolvedHooks []ApprovalHook
	workers       sync.WaitGroup
	deliveries    sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithApprovals releases approvals of aborted tasks.
func WithApprovals(a ApprovalReleaser) Option {
	return func(o *Orchestrator) { o.approvals = a }
}

// WithHistory forgets invocation history of evicted tasks.
func WithHistory(h HistoryForgetter) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithArchive stores evicted terminal tasks.
func WithArchive(a task.Archive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// WithSink records task events.
func WithSink(sink audit.Sink) Option {
	return func(o *Orchestrator) { o.sink = audit.OrNop(sink) }
}

// WithMetrics records task metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(logger) }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator that runs tasks with runner.
func New(runner Runner, cfg Config, opts ...Option) (*Orchestrator, error) {
	if runner == nil {
		return nil, fmt.Errorf("orchestrator: runner is required")
	}
	if cfg.MaxTerminalTasks <= 0 {
		cfg.MaxTerminalTasks = defaultRetention
	}
	if cfg.DeliveryAttempts <= 0 {
		cfg.DeliveryAttempts = defaultDeliveryAttempts
	}
	if cfg.DeliveryBackoff <= 0 {
		cfg.DeliveryBackoff = 200 * time.Millisecond
	}
	o := &Orchestrator{
		runner:    runner,
		sink:      audit.NopSink(),
		logger:    logging.NewComponentLogger("orchestrator"),
		now:       time.Now,
		cfg:       cfg,
		live:      make(map[string]*liveTask),
		queues:    make(map[string]*channelQueue),
		observers: make(map[string]task.Observer),
	}
	for _, opt := range opts {
		opt(o)
	}
	retained, err := lru.NewWithEvict[string, *task.Task](cfg.MaxTerminalTasks, o.onEvict)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: retention cache: %w", err)
	}
	o.retained = retained
	if cfg.RatePerMinute > 0 {
		if cfg.MaxRateLimiters <= 0 {
			cfg.MaxRateLimiters = defaultRateLimiters
		}
		limiters, err := lru.New[string, *rate.Limiter](cfg.MaxRateLimiters)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: rate limiter cache: %w", err)
		}
		o.limiters = limiters
	}
	return o, nil
}

// CreateOption customises a created task.
type CreateOption func(*task.Task)

// WithUserID sets the task owner. By default the owner is the user part of
// the channel session id; on sessions that carry a user part the two must match.
func WithUserID(userID string) CreateOption {
	return func(t *task.Task) { t.UserID = userID }
}

// WithObservers registers extra observer channels after the origin channel.
func WithObservers(channelIDs ...string) CreateOption {
	return func(t *task.Task) {
		for _, ch := range channelIDs {
			t.Observers = appendUnique(t.Observers, ch)
		}
	}
}

// CreateTask registers a PENDING task and enqueues it on its channel
// session's queue. It returns immediately.
func (o *Orchestrator) CreateTask(ctx context.Context, message, channelSessionID string, opts ...CreateOption) (*task.Task, error) {
	channelSessionID = strings.TrimSpace(channelSessionID)
	if channelSessionID == "" {
		return nil, fmt.Errorf("create task: channel session id required")
	}
	now := o.now()
	t := &task.Task{
		ID:               id.NewTaskID(),
		State:            task.StatePending,
		ChannelSessionID: channelSessionID,
		Message:          message,
		UserID:           task.SessionUser(channelSessionID),
		CreatedAt:        now,
		UpdatedAt:        now,
		Observers:        []string{task.ChannelID(channelSessionID)},
		History:          []task.State{task.StatePending},
	}
	for _, opt := range opts {
		opt(t)
	}
	if owner := task.SessionUser(channelSessionID); owner != "" && t.UserID != owner {
		return nil, fmt.Errorf("create task on %s as %q: %w", channelSessionID, t.UserID, ErrSessionOwnerMismatch)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("create task: orchestrator is shut down")
	}
	q := o.queueLocked(channelSessionID)
	if err := q.admit(o.cfg.MaxQueueDepth, o.limiterFor(channelSessionID)); err != nil {
		if q.idle() {
			delete(o.queues, channelSessionID)
		}
		o.mu.Unlock()
		o.metrics.TaskRejected(rejectReason(err))
		o.logger.Warn("rejected task for %s: %v", channelSessionID, err)
		return nil, err
	}
	o.live[t.ID] = &liveTask{task: t}
	q.push(t.ID)
	depth := q.depth()
	startWorker := q.claimWorker()
	snapshot := t.Clone()
	o.mu.Unlock()

	o.metrics.TaskCreated()
	o.metrics.SetQueueDepth(channelSessionID, depth)
	o.record(ctx, audit.Event{
		Kind:      audit.KindTaskCreated,
		TaskID:    t.ID,
		SessionID: channelSessionID,
		Message:   message,
		Timestamp: now,
	})
	o.logger.Info("task %s created on %s (queue depth %d)", t.ID, channelSessionID, depth)
	if startWorker {
		o.startWorker(q)
	}
	return snapshot, nil
}

// AbortTask moves a non-terminal task to ABORTED, cancels its in-flight
// invocation and releases any approval wait. It returns false when the task
// is already terminal.
func (o *Orchestrator) AbortTask(ctx context.Context, taskID string) (bool, error) {
	o.mu.Lock()
	lt, ok := o.live[taskID]
	if !ok {
		o.mu.Unlock()
		if _, err := o.GetTask(ctx, taskID); err != nil {
			return false, err
		}
		return false, nil
	}
	cancel := lt.cancel
	channelSessionID := lt.task.ChannelSessionID
	o.mu.Unlock()

	aborted, err := o.transition(ctx, taskID, task.StateAborted,
		task.WithReason("aborted by request"),
		task.WithError(&task.TaskError{Code: task.ErrorAborted, UserMessage: abortedUserMessage, InternalMessage: "explicit abort"}))
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) || errors.Is(err, task.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !aborted {
		return false, nil
	}

	if cancel != nil {
		cancel()
	}
	if o.approvals != nil {
		if n := o.approvals.CancelTask(taskID, "task aborted"); n > 0 {
			o.logger.Info("task %s: released %d pending approval(s)", taskID, n)
		}
	}
	o.mu.Lock()
	depth := -1
	if q, ok := o.queues[channelSessionID]; ok && q.remove(taskID) {
		depth = q.depth()
	}
	o.mu.Unlock()
	if depth >= 0 {
		o.metrics.SetQueueDepth(channelSessionID, depth)
	}
	return true, nil
}

// GetTask returns a snapshot of a live, retained or archived task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	o.mu.Lock()
	if lt, ok := o.live[taskID]; ok {
		snapshot := lt.task.Clone()
		o.mu.Unlock()
		return snapshot, nil
	}
	o.mu.Unlock()
	if t, ok := o.retained.Get(taskID); ok {
		return t.Clone(), nil
	}
	if o.archive != nil {
		t, err := o.archive.LoadTask(ctx, taskID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, task.ErrArchiveMiss) {
			return nil, fmt.Errorf("load archived task %s: %w", taskID, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
}

// ListTasks returns snapshots of non-terminal tasks, optionally filtered to
// one channel session, oldest first.
func (o *Orchestrator) ListTasks(channelSessionID string) []*task.Task {
	o.mu.Lock()
	out := make([]*task.Task, 0, len(o.live))
	for _, lt := range o.live {
		if channelSessionID == "" || lt.task.ChannelSessionID == channelSessionID {
			out = append(out, lt.task.Clone())
		}
	}
	o.mu.Unlock()
	sortByCreation(out)
	return out
}

// OnApprovalRequest registers a hook called when a task pauses for approval.
func (o *Orchestrator) OnApprovalRequest(hook ApprovalHook) {
	if hook == nil {
		return
	}
	o.hooksMu.Lock()
	o.requestHooks = append(o.requestHooks, hook)
	o.hooksMu.Unlock()
}

// OnApprovalResolved registers a hook called when a paused task's approval
// resolves.
func (o *Orchestrator) OnApprovalResolved(hook ApprovalHook) {
	if hook == nil {
		return
	}
	o.hooksMu.Lock()
	o.resolvedHooks = append(o.resolvedHooks, hook)
	o.hooksMu.Unlock()
}

// Shutdown stops admission, aborts every live task and waits for workers and
// pending deliveries.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.live))
	for taskID := range o.live {
		ids = append(ids, taskID)
	}
	o.mu.Unlock()

	for _, taskID := range ids {
		if _, err := o.AbortTask(ctx, taskID); err != nil {
			o.logger.Warn("shutdown: abort %s: %v", taskID, err)
		}
	}
	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		o.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition applies a state change under the registry lock. It returns
// false without error when the task was already in the target state.
func (o *Orchestrator) transition(ctx context.Context, taskID string, to task.State, opts ...task.TransitionOption) (bool, error) {
	params := task.ApplyTransitionOptions(opts)

	o.mu.Lock()
	lt, ok := o.live[taskID]
	if !ok {
		o.mu.Unlock()
		return false, fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	t := lt.task
	from := t.State
	if from == to {
		o.mu.Unlock()
		return false, nil
	}
	if !from.CanTransitionTo(to) {
		o.mu.Unlock()
		return false, &task.TransitionError{TaskID: taskID, From: from, To: to}
	}
	now := o.now()
	t.State = to
	t.UpdatedAt = now
	t.History = append(t.History, to)
	if params.Result != nil {
		t.Result = *params.Result
	}
	if params.Error != nil {
		errCopy := *params.Error
		t.Error = &errCopy
	}
	snapshot := t.Clone()
	if to.IsTerminal() {
		delete(o.live, taskID)
		o.retained.Add(taskID, snapshot.Clone())
	}
	o.mu.Unlock()

	fields := map[string]string{"from": string(from), "to": string(to)}
	if snapshot.Error != nil {
		fields["error_code"] = string(snapshot.Error.Code)
	}
	o.record(ctx, audit.Event{
		Kind:      audit.KindTaskTransition,
		TaskID:    taskID,
		SessionID: snapshot.ChannelSessionID,
		Message:   params.Reason,
		Fields:    fields,
		Timestamp: now,
	})
	o.logger.Debug("task %s: %s -> %s %s", taskID, from, to, params.Reason)

	switch {
	case to == task.StateRunning && from == task.StatePending:
		o.metrics.TaskStarted()
	case to.IsTerminal():
		o.metrics.TaskFinished(string(to), now.Sub(snapshot.CreatedAt), from.IsInFlight())
		if snapshot.Error != nil && snapshot.Error.InternalMessage != "" {
			o.logger.Info("task %s finished %s: %s", taskID, to, snapshot.Error.InternalMessage)
		}
		o.deliver(snapshot)
	}
	return true, nil
}

func (o *Orchestrator) runHooks(hooks []ApprovalHook, t *task.Task, req *tool.ApprovalRequest) {
	for _, hook := range hooks {
		func() {
			defer async.Recover(o.logger, "approval-hook")
			hook(t.Clone(), req.Clone())
		}()
	}
}

func (o *Orchestrator) taskHooks(taskID string) toolruntime.Hooks {
	return toolruntime.Hooks{
		OnAwaitingApproval: func(_ *tool.Invocation, req *tool.ApprovalRequest) {
			if _, err := o.transition(context.Background(), taskID, task.StatePaused, task.WithReason("awaiting approval "+req.ID)); err != nil {
				o.logger.Debug("task %s: pause skipped: %v", taskID, err)
				return
			}
			o.notifyApproval(taskID, req, true)
		},
		OnApprovalResolved: func(_ *tool.Invocation, req *tool.ApprovalRequest) {
			if _, err := o.transition(context.Background(), taskID, task.StateRunning, task.WithReason("approval "+req.ID+" "+string(req.Status))); err != nil {
				o.logger.Debug("task %s: resume skipped: %v", taskID, err)
				return
			}
			o.notifyApproval(taskID, req, false)
		},
	}
}

func (o *Orchestrator) notifyApproval(taskID string, req *tool.ApprovalRequest, requested bool) {
	t, err := o.GetTask(context.Background(), taskID)
	if err != nil {
		return
	}
	o.hooksMu.RLock()
	hooks := o.resolvedHooks
	if requested {
		hooks = o.requestHooks
	}
	hooks = append([]ApprovalHook(nil), hooks...)
	o.hooksMu.RUnlock()
	o.runHooks(hooks, t, req)
}

func (o *Orchestrator) record(ctx context.Context, event audit.Event) {
	if err := o.sink.Append(ctx, event); err != nil {
		o.logger.Warn("audit append %s for %s failed: %v", event.Kind, event.TaskID, err)
	}
}

func appendUnique(list []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
