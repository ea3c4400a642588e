package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplane/internal/app/executor"
	"taskplane/internal/app/toolruntime"
	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/observability"
)

// gatedRunner blocks every task until released and records start order.
type gatedRunner struct {
	mu      sync.Mutex
	started []string
	gates   map[string]chan executor.Outcome
	startCh chan string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gates: make(map[string]chan executor.Outcome), startCh: make(chan string, 16)}
}

func (r *gatedRunner) gate(message string) chan executor.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.gates[message]
	if !ok {
		ch = make(chan executor.Outcome, 1)
		r.gates[message] = ch
	}
	return ch
}

func (r *gatedRunner) Run(ctx context.Context, t *task.Task, _ toolruntime.Hooks) executor.Outcome {
	r.mu.Lock()
	r.started = append(r.started, t.Message)
	r.mu.Unlock()
	r.startCh <- t.Message
	select {
	case out := <-r.gate(t.Message):
		return out
	case <-ctx.Done():
		return executor.Outcome{Cancelled: true}
	}
}

func (r *gatedRunner) release(message string, out executor.Outcome) {
	r.gate(message) <- out
}

func (r *gatedRunner) startedOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// recordingObserver collects responses; the first failures calls fail.
type recordingObserver struct {
	id       string
	mu       sync.Mutex
	failures int
	calls    int
	got      []task.Response
	order    *[]string
	orderMu  *sync.Mutex
}

func (o *recordingObserver) ChannelID() string { return o.id }

func (o *recordingObserver) Deliver(_ context.Context, resp task.Response) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.calls <= o.failures {
		return errors.New("channel offline")
	}
	o.got = append(o.got, resp)
	if o.order != nil {
		o.orderMu.Lock()
		*o.order = append(*o.order, o.id)
		o.orderMu.Unlock()
	}
	return nil
}

func (o *recordingObserver) responses() []task.Response {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]task.Response(nil), o.got...)
}

func waitStart(t *testing.T, r *gatedRunner) string {
	t.Helper()
	select {
	case msg := <-r.startCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a task to start")
		return ""
	}
}

func waitState(t *testing.T, o *Orchestrator, taskID string, want task.State) *task.Task {
	t.Helper()
	var last *task.Task
	require.Eventually(t, func() bool {
		got, err := o.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		last = got
		return got.State == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, want)
	return last
}

func newTestOrchestrator(t *testing.T, runner Runner, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	cfg.DeliveryBackoff = time.Millisecond
	o, err := New(runner, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func TestCreateTaskReturnsPending(t *testing.T) {
	runner := newGatedRunner()
	o := newTestOrchestrator(t, runner, Config{})

	created, err := o.CreateTask(context.Background(), "hello", "web:alice")
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, created.State)
	assert.Equal(t, "alice", created.UserID)
	assert.Equal(t, []string{"web"}, created.Observers)
	assert.NotEmpty(t, created.ID)

	waitStart(t, runner)
	runner.release("hello", executor.Outcome{State: task.StateDone, Result: "hi"})
	done := waitState(t, o, created.ID, task.StateDone)
	assert.Equal(t, "hi", done.Result)
	assert.Equal(t, []task.State{task.StatePending, task.StateRunning, task.StateDone}, done.History)
}

func TestCreateTaskRejectsForeignUserOnOwnedSession(t *testing.T) {
	runner := newGatedRunner()
	o := newTestOrchestrator(t, runner, Config{})
	ctx := context.Background()

	_, err := o.CreateTask(ctx, "delete everything", "web:alice", WithUserID("mallory"))
	require.ErrorIs(t, err, ErrSessionOwnerMismatch)
	assert.Empty(t, o.ListTasks("web:alice"))

	owned, err := o.CreateTask(ctx, "hello", "web:alice", WithUserID("alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", owned.UserID)

	// Sessions without a user part take the explicit user as owner.
	shared, err := o.CreateTask(ctx, "hello", "web", WithUserID("bob"))
	require.NoError(t, err)
	assert.Equal(t, "bob", shared.UserID)

	scheduled, err := o.CreateTask(ctx, "nightly report", task.ChannelScheduler+":nightly")
	require.NoError(t, err)
	assert.Empty(t, scheduled.UserID)
}

func TestPerChannelFIFO(t *testing.T) {
	runner := newGatedRunner()
	o := newTestOrchestrator(t, runner, Config{})
	ctx := context.Background()

	first, err := o.CreateTask(ctx, "first", "c1")
	require.NoError(t, err)
	second, err := o.CreateTask(ctx, "second", "c1")
	require.NoError(t, err)

	assert.Equal(t, "first", waitStart(t, runner))
	select {
	case msg := <-runner.startCh:
		t.Fatalf("%s started while first was in flight", msg)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, task.StatePending, waitState(t, o, second.ID, task.StatePending).State)

	runner.release("first", executor.Outcome{State: task.StateDone})
	waitState(t, o, first.ID, task.StateDone)
	assert.Equal(t, "second", waitStart(t, runner))
	runner.release("second", executor.Outcome{State: task.StateDone})
	waitState(t, o, second.ID, task.StateDone)
	assert.Equal(t, []string{"first", "second"}, runner.startedOrder())
}

func TestChannelsRunInParallel(t *testing.T) {
	runner := newGatedRunner()
	o := newTestOrchestrator(t, runner, Config{})
	ctx := context.Background()

	a, _ := o.CreateTask(ctx, "a", "c1")
	b, _ := o.CreateTask(ctx, "b", "c2")
	started := map[string]bool{waitStart(t, runner): true, waitStart(t, runner): true}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, started)

	runner.release("b", executor.Outcome{State: task.StateDone})
	runner.release("a", executor.Outcome{State: task.StateFailed, Error: &task.TaskError{Code: task.ErrorRecoveryFailed, UserMessage: "nope"}})
	waitState(t, o, b.ID, task.StateDone)
	failed := waitState(t, o, a.ID, task.StateFailed)
	assert.Equal(t, task.ErrorRecoveryFailed, failed.Error.Code)
}

func TestAbortTaskIsIdempotent(t *testing.T) {
	runner := newGatedRunner()
	releaser := &fakeReleaser{}
	o := newTestOrchestrator(t, runner, Config{}, WithApprovals(releaser))
	ctx := context.Background()

	running, _ := o.CreateTask(ctx, "running", "c1")
	queued, _ := o.CreateTask(ctx, "queued", "c1")
	waitStart(t, runner)

	ok, err := o.AbortTask(ctx, running.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = o.AbortTask(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	aborted := waitState(t, o, running.ID, task.StateAborted)
	assert.Equal(t, task.ErrorAborted, aborted.Error.Code)
	assert.Equal(t, []task.State{task.StatePending, task.StateRunning, task.StateAborted}, aborted.History)
	assert.Equal(t, []string{running.ID}, releaser.released())

	assert.Equal(t, "queued", waitStart(t, runner))
	ok, err = o.AbortTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = o.AbortTask(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestAbortPendingTaskNeverRuns(t *testing.T) {
	runner := newGatedRunner()
	o := newTestOrchestrator(t, runner, Config{})
	ctx := context.Background()

	first, _ := o.CreateTask(ctx, "first", "c1")
	pending, _ := o.CreateTask(ctx, "pending", "c1")
	third, _ := o.CreateTask(ctx, "third", "c1")
	waitStart(t, runner)

	ok, err := o.AbortTask(ctx, pending.ID)
	require.NoError(t, err)
	require.True(t, ok)
	got := waitState(t, o, pending.ID, task.StateAborted)
	assert.Equal(t, []task.State{task.StatePending, task.StateAborted}, got.History)

	runner.release("first", executor.Outcome{State: task.StateDone})
	waitState(t, o, first.ID, task.StateDone)
	assert.Equal(t, "third", waitStart(t, runner))
	runner.release("third", executor.Outcome{State: task.StateDone})
	waitState(t, o, third.ID, task.StateDone)
	assert.Equal(t, []string{"first", "third"}, runner.startedOrder())
}

func TestQueueDepthAdmission(t *testing.T) {
	runner := newGatedRunner()
	reg := prometheus.NewRegistry()
	o := newTestOrchestrator(t, runner, Config{MaxQueueDepth: 1}, WithMetrics(observability.MustNewMetrics(reg)))
	ctx := context.Background()

	_, err := o.CreateTask(ctx, "running", "c1")
	require.NoError(t, err)
	waitStart(t, runner)
	_, err = o.CreateTask(ctx, "waiting", "c1")
	require.NoError(t, err)

	_, err = o.CreateTask(ctx, "overflow", "c1")
	require.ErrorIs(t, err, ErrChannelSaturated)
	_, err = o.CreateTask(ctx, "other channel", "c2")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "taskplane_queue_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRateAdmission(t *testing.T) {
	o := newTestOrchestrator(t, newGatedRunner(), Config{RatePerMinute: 1, Burst: 1})
	_, err := o.CreateTask(context.Background(), "one", "c1")
	require.NoError(t, err)
	_, err = o.CreateTask(context.Background(), "two", "c1")
	assert.ErrorIs(t, err, ErrChannelSaturated)
}

func TestRateLimitedQueuesArePrunedWhenIdle(t *testing.T) {
	runner := newGatedRunner()
	o := newTestOrchestrator(t, runner, Config{RatePerMinute: 1, Burst: 1, MaxRateLimiters: 2})
	ctx := context.Background()

	for _, session := range []string{"web:a", "web:b", "web:c"} {
		created, err := o.CreateTask(ctx, "job "+session, session)
		require.NoError(t, err)
		waitStart(t, runner)
		runner.release("job "+session, executor.Outcome{State: task.StateDone})
		waitState(t, o, created.ID, task.StateDone)
	}

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.queues) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, o.limiters.Len())

	// The bucket of a pruned queue is still spent.
	_, err := o.CreateTask(ctx, "again", "web:c")
	assert.ErrorIs(t, err, ErrChannelSaturated)
	o.mu.Lock()
	_, kept := o.queues["web:c"]
	o.mu.Unlock()
	assert.False(t, kept, "a rejected task must not leave an empty queue behind")
}

func TestObserversReceiveResponseInOrder(t *testing.T) {
	runner := newGatedRunner()
	o := newTestOrchestrator(t, runner, Config{})
	var order []string
	var orderMu sync.Mutex
	web := &recordingObserver{id: "web", failures: 2, order: &order, orderMu: &orderMu}
	auditObs := &recordingObserver{id: "audit", order: &order, orderMu: &orderMu}
	require.NoError(t, o.RegisterObserver(web))
	require.NoError(t, o.RegisterObserver(auditObs))

	created, err := o.CreateTask(context.Background(), "report", "web:alice", WithObservers("audit"))
	require.NoError(t, err)
	waitStart(t, runner)
	runner.release("report", executor.Outcome{State: task.StateFailed, Error: &task.TaskError{
		Code: task.ErrorRecoveryFailed, UserMessage: "Could not fetch the page.", InternalMessage: "dial tcp: refused",
	}})

	require.Eventually(t, func() bool { return len(auditObs.responses()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := web.responses()
	require.Len(t, got, 1)
	assert.Equal(t, created.ID, got[0].TaskID)
	assert.Equal(t, task.ResponseFailed, got[0].Status)
	assert.Equal(t, "Could not fetch the page.", got[0].Text)
	assert.Equal(t, "RECOVERY_FAILED", got[0].Metadata["error_code"])
	assert.NotContains(t, got[0].Text, "dial tcp")
	orderMu.Lock()
	assert.Equal(t, []string{"web", "audit"}, order)
	orderMu.Unlock()
}

func TestDeliveryFailureIsAudited(t *testing.T) {
	runner := newGatedRunner()
	sink := audit.NewMemorySink(0)
	o := newTestOrchestrator(t, runner, Config{DeliveryAttempts: 2}, WithSink(sink))
	broken := &recordingObserver{id: "web", failures: 10}
	require.NoError(t, o.RegisterObserver(broken))

	created, _ := o.CreateTask(context.Background(), "x", "web:bob")
	waitStart(t, runner)
	runner.release("x", executor.Outcome{State: task.StateDone})

	require.Eventually(t, func() bool {
		kinds := sink.Kinds(created.ID)
		return len(kinds) > 0 && kinds[len(kinds)-1] == audit.KindDeliveryFailed
	}, 2*time.Second, 5*time.Millisecond)
	broken.mu.Lock()
	assert.Equal(t, 2, broken.calls)
	broken.mu.Unlock()
	assert.Equal(t, []audit.Kind{
		audit.KindTaskCreated, audit.KindTaskTransition, audit.KindTaskTransition, audit.KindDeliveryFailed,
	}, sink.Kinds(created.ID))
}

func TestRetentionArchivesEvictedTasks(t *testing.T) {
	runner := newGatedRunner()
	archive := newMemoryArchive()
	history := &fakeHistory{}
	o := newTestOrchestrator(t, runner, Config{MaxTerminalTasks: 1}, WithArchive(archive), WithHistory(history))
	ctx := context.Background()

	first, _ := o.CreateTask(ctx, "first", "c1")
	waitStart(t, runner)
	runner.release("first", executor.Outcome{State: task.StateDone, Result: "one"})
	waitState(t, o, first.ID, task.StateDone)

	second, _ := o.CreateTask(ctx, "second", "c1")
	waitStart(t, runner)
	runner.release("second", executor.Outcome{State: task.StateDone})
	waitState(t, o, second.ID, task.StateDone)

	require.Eventually(t, func() bool { return archive.has(first.ID) }, 2*time.Second, 5*time.Millisecond)
	got, err := o.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Result)
	assert.Eventually(t, func() bool { return history.forgotten(first.ID) }, time.Second, 5*time.Millisecond)

	_, err = o.GetTask(ctx, "unknown")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestApprovalHooksPauseAndResume(t *testing.T) {
	pausedSeen := make(chan *task.Task, 1)
	resume := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, tk *task.Task, hooks toolruntime.Hooks) executor.Outcome {
		req := &tool.ApprovalRequest{ID: "apr-1", TaskID: tk.ID, Status: tool.ApprovalPending}
		hooks.OnAwaitingApproval(&tool.Invocation{ID: "inv-1"}, req)
		<-resume
		req.Status = tool.ApprovalApproved
		hooks.OnApprovalResolved(&tool.Invocation{ID: "inv-1"}, req)
		return executor.Outcome{State: task.StateDone, Result: "done"}
	})
	o := newTestOrchestrator(t, runner, Config{})
	var resolved []tool.ApprovalStatus
	var mu sync.Mutex
	o.OnApprovalRequest(func(tk *task.Task, _ *tool.ApprovalRequest) { pausedSeen <- tk })
	o.OnApprovalResolved(func(_ *task.Task, req *tool.ApprovalRequest) {
		mu.Lock()
		resolved = append(resolved, req.Status)
		mu.Unlock()
	})

	created, _ := o.CreateTask(context.Background(), "needs approval", "c1")
	select {
	case tk := <-pausedSeen:
		assert.Equal(t, task.StatePaused, tk.State)
	case <-time.After(2 * time.Second):
		t.Fatal("approval hook not called")
	}
	close(resume)
	done := waitState(t, o, created.ID, task.StateDone)
	assert.Equal(t, []task.State{task.StatePending, task.StateRunning, task.StatePaused, task.StateRunning, task.StateDone}, done.History)
	mu.Lock()
	assert.Equal(t, []tool.ApprovalStatus{tool.ApprovalApproved}, resolved)
	mu.Unlock()
}

func TestStatePathsStayOnGraphUnderConcurrentAbort(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, _ *task.Task, _ toolruntime.Hooks) executor.Outcome {
		select {
		case <-ctx.Done():
			return executor.Outcome{Cancelled: true}
		case <-time.After(time.Millisecond):
			return executor.Outcome{State: task.StateDone}
		}
	})
	o := newTestOrchestrator(t, runner, Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		created, err := o.CreateTask(ctx, "job", "c"+string(rune('a'+i%4)))
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	var wg sync.WaitGroup
	for i, taskID := range ids {
		if i%2 == 0 {
			continue
		}
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			_, _ = o.AbortTask(ctx, taskID)
		}(taskID)
	}
	wg.Wait()

	for _, taskID := range ids {
		require.Eventually(t, func() bool {
			got, err := o.GetTask(ctx, taskID)
			return err == nil && got.State.IsTerminal()
		}, 2*time.Second, 5*time.Millisecond)
		got, _ := o.GetTask(ctx, taskID)
		assertValidPath(t, got.History)
	}
}

func assertValidPath(t *testing.T, history []task.State) {
	t.Helper()
	require.NotEmpty(t, history)
	assert.Equal(t, task.StatePending, history[0])
	terminals := 0
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].CanTransitionTo(history[i]), "invalid step %s -> %s in %v", history[i-1], history[i], history)
		if history[i].IsTerminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals, "exactly one terminal state in %v", history)
}
