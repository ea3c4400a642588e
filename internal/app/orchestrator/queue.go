package orchestrator

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	"golang.org/x/time/rate"

	"taskplane/internal/domain/task"
	"taskplane/internal/shared/async"
)

// channelQueue is the FIFO of one channel session. At most one worker drains
// it, so at most one of its tasks is in flight. Guarded by Orchestrator.mu.
type channelQueue struct {
	key     string
	pending []string
	running bool
}

type saturationError struct {
	key    string
	reason string
}

func (e *saturationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrChannelSaturated, e.key, e.reason)
}

func (e *saturationError) Unwrap() error { return ErrChannelSaturated }

func rejectReason(err error) string {
	if se, ok := err.(*saturationError); ok {
		return se.reason
	}
	return "other"
}

func (q *channelQueue) admit(maxDepth int, limiter *rate.Limiter) error {
	if maxDepth > 0 && len(q.pending) >= maxDepth {
		return &saturationError{key: q.key, reason: "queue_full"}
	}
	if limiter != nil && !limiter.Allow() {
		return &saturationError{key: q.key, reason: "rate_limited"}
	}
	return nil
}

func (q *channelQueue) push(taskID string) {
	q.pending = append(q.pending, taskID)
}

func (q *channelQueue) pop() (string, bool) {
	if len(q.pending) == 0 {
		return "", false
	}
	taskID := q.pending[0]
	q.pending = q.pending[1:]
	return taskID, true
}

func (q *channelQueue) remove(taskID string) bool {
	for i, queued := range q.pending {
		if queued == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *channelQueue) depth() int {
	return len(q.pending)
}

func (q *channelQueue) idle() bool {
	return !q.running && len(q.pending) == 0
}

// claimWorker marks the queue as drained by a worker and reports whether the
// caller must start one.
func (q *channelQueue) claimWorker() bool {
	if q.running {
		return false
	}
	q.running = true
	return true
}

func (o *Orchestrator) queueLocked(key string) *channelQueue {
	if q, ok := o.queues[key]; ok {
		return q
	}
	q := &channelQueue{key: key}
	o.queues[key] = q
	return q
}

// limiterFor returns the token bucket of a channel session, or nil when rate
// admission is off. Buckets outlive their queues but are bounded by an LRU;
// an evicted session starts again with a full bucket.
func (o *Orchestrator) limiterFor(key string) *rate.Limiter {
	if o.limiters == nil {
		return nil
	}
	if l, ok := o.limiters.Get(key); ok {
		return l
	}
	burst := o.cfg.Burst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(o.cfg.RatePerMinute/60)))
	}
	l := rate.NewLimiter(rate.Limit(o.cfg.RatePerMinute/60), burst)
	o.limiters.Add(key, l)
	return l
}

func (o *Orchestrator) startWorker(q *channelQueue) {
	o.workers.Add(1)
	async.Go(o.logger, "channel-worker:"+q.key, func() {
		defer o.workers.Done()
		for {
			taskID, ctx, cancel, ok := o.next(q)
			if !ok {
				return
			}
			o.execute(ctx, cancel, taskID)
		}
	})
}

// next pops the next live task of q and attaches its cancel function. When
// the queue is empty the worker is released.
func (o *Orchestrator) next(q *channelQueue) (string, context.Context, context.CancelFunc, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		taskID, ok := q.pop()
		if !ok {
			q.running = false
			delete(o.queues, q.key)
			o.metrics.SetQueueDepth(q.key, 0)
			return "", nil, nil, false
		}
		lt, live := o.live[taskID]
		if !live {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		lt.cancel = cancel
		o.metrics.SetQueueDepth(q.key, q.depth())
		return taskID, ctx, cancel, true
	}
}

// execute runs one dequeued task to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, cancel context.CancelFunc, taskID string) {
	defer cancel()
	started, err := o.transition(ctx, taskID, task.StateRunning, task.WithReason("dequeued"))
	if err != nil || !started {
		o.logger.Debug("task %s not started: %v", taskID, err)
		return
	}
	snapshot, err := o.GetTask(ctx, taskID)
	if err != nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("task %s: runner panic: %v", taskID, p)
			o.finish(taskID, task.StateFailed, task.WithError(&task.TaskError{
				Code:            task.ErrorRecoveryFailed,
				UserMessage:     "Something went wrong while running the task.",
				InternalMessage: fmt.Sprintf("runner panic: %v", p),
				Stack:           string(debug.Stack()),
			}))
		}
	}()

	out := o.runner.Run(ctx, snapshot, o.taskHooks(taskID))
	switch {
	case out.Cancelled:
		o.finish(taskID, task.StateAborted, task.WithReason("cancelled"),
			task.WithError(&task.TaskError{Code: task.ErrorAborted, UserMessage: abortedUserMessage, InternalMessage: "execution cancelled"}))
	case out.State == task.StateDone:
		o.finish(taskID, task.StateDone, task.WithReason("plan completed"), task.WithResult(out.Result))
	default:
		taskErr := out.Error
		if taskErr == nil {
			taskErr = &task.TaskError{Code: task.ErrorRecoveryFailed, UserMessage: "The task could not be completed."}
		}
		o.finish(taskID, task.StateFailed, task.WithReason("execution failed"), task.WithError(taskErr))
	}
}

// finish moves a task to a terminal state unless an abort already did. A
// task left PAUSED is resumed first so the path stays on the state graph.
func (o *Orchestrator) finish(taskID string, to task.State, opts ...task.TransitionOption) {
	ctx := context.Background()
	_, err := o.transition(ctx, taskID, to, opts...)
	if err == nil {
		return
	}
	current, getErr := o.GetTask(ctx, taskID)
	if getErr != nil || current.State.IsTerminal() {
		return
	}
	if current.State == task.StatePaused && to != task.StateAborted {
		if _, err := o.transition(ctx, taskID, task.StateRunning, task.WithReason("resumed for completion")); err == nil {
			_, err = o.transition(ctx, taskID, to, opts...)
			if err == nil {
				return
			}
		}
	}
	o.logger.Warn("task %s: could not finish as %s: %v", taskID, to, err)
}
