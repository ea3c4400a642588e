package toolruntime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplane/internal/app/approval"
	"taskplane/internal/domain/tool"
)

func echoTool(id string) tool.Tool {
	return tool.Tool{
		ID: id,
		Schema: tool.Schema{
			Type:       "object",
			Properties: map[string]tool.Property{"text": {Type: "string"}},
			Required:   []string{"text"},
		},
		Run: func(_ context.Context, input map[string]any, rc tool.RunContext) tool.Result {
			return tool.Success(map[string]any{"echo": input["text"], "approved": rc.Approved})
		},
	}
}

func blockingTool(id string, started chan<- struct{}) tool.Tool {
	return tool.Tool{
		ID: id,
		Run: func(ctx context.Context, _ map[string]any, _ tool.RunContext) tool.Result {
			close(started)
			<-ctx.Done()
			return tool.Failure(tool.ErrExecution, ctx.Err().Error())
		},
	}
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
	reqs   chan *tool.ApprovalRequest
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{reqs: make(chan *tool.ApprovalRequest, 4)}
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnAwaitingApproval: func(inv *tool.Invocation, req *tool.ApprovalRequest) {
			h.mu.Lock()
			h.events = append(h.events, "awaiting:"+string(inv.Status))
			h.mu.Unlock()
			h.reqs <- req
		},
		OnApprovalResolved: func(_ *tool.Invocation, req *tool.ApprovalRequest) {
			h.mu.Lock()
			h.events = append(h.events, "resolved:"+string(req.Status))
			h.mu.Unlock()
		},
	}
}

func (h *hookRecorder) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func TestInvokeUnknownTool(t *testing.T) {
	rt := New(NewRegistry(), nil)
	inv := rt.Invoke(context.Background(), Request{ToolID: "missing", SessionID: "c1"})
	assert.Equal(t, tool.InvocationFailed, inv.Status)
	assert.Equal(t, tool.ErrToolNotFound, inv.Result.ErrorCode())
}

func TestInvokeSchemaValidation(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("echo"))
	rt := New(reg, nil)

	inv := rt.Invoke(context.Background(), Request{ToolID: "echo", Input: map[string]any{"text": 12}})
	assert.Equal(t, tool.ErrSchemaValidation, inv.Result.ErrorCode())

	inv = rt.Invoke(context.Background(), Request{ToolID: "echo", Input: map[string]any{}})
	assert.Equal(t, tool.ErrSchemaValidation, inv.Result.ErrorCode())
	assert.Contains(t, inv.Result.ErrorMessage(), "text")
}

func TestInvokeSuccess(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("echo"))
	rt := New(reg, nil)

	inv := rt.Invoke(context.Background(), Request{ToolID: "echo", TaskID: "t1", StepID: "s1", Input: map[string]any{"text": "hi"}})
	require.Equal(t, tool.InvocationSucceeded, inv.Status)
	assert.Equal(t, "hi", inv.Result.Data.(map[string]any)["echo"])
	assert.NotNil(t, inv.EndedAt)
	assert.NotEmpty(t, inv.ID)
}

func TestInvokeRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(tool.Tool{ID: "boom", Run: func(context.Context, map[string]any, tool.RunContext) tool.Result {
		panic("kaboom")
	}})
	rt := New(reg, nil)

	inv := rt.Invoke(context.Background(), Request{ToolID: "boom"})
	assert.Equal(t, tool.ErrPanic, inv.Result.ErrorCode())
	assert.Contains(t, inv.Result.ErrorMessage(), "kaboom")
}

func TestInvokeTimeout(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	slow := blockingTool("slow", started)
	slow.Timeout = 20 * time.Millisecond
	reg.MustRegister(slow)
	rt := New(reg, nil)

	inv := rt.Invoke(context.Background(), Request{ToolID: "slow"})
	assert.Equal(t, tool.InvocationFailed, inv.Status)
	assert.Equal(t, tool.ErrTimeout, inv.Result.ErrorCode())
}

func TestInvokeCancelledWhileRunning(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.MustRegister(blockingTool("slow", started))
	rt := New(reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	inv := rt.Invoke(ctx, Request{ToolID: "slow"})
	assert.Equal(t, tool.InvocationCancelled, inv.Status)
	assert.Equal(t, tool.ErrCancelled, inv.Result.ErrorCode())
}

func TestApprovalGatedToolRunsAfterApproval(t *testing.T) {
	reg := NewRegistry()
	gated := echoTool("shell")
	gated.RequiresApproval = true
	reg.MustRegister(gated)
	approvals := approval.NewManager()
	rt := New(reg, approvals)
	hooks := newHookRecorder()

	done := make(chan *tool.Invocation, 1)
	go func() {
		done <- rt.Invoke(context.Background(), Request{
			ToolID: "shell", SessionID: "web:alice", UserID: "alice", TaskID: "t1",
			Input: map[string]any{"text": "ls"}, Hooks: hooks.hooks(),
		})
	}()

	req := <-hooks.reqs
	assert.Equal(t, req.CreatedAt.Add(300000*time.Millisecond), req.ExpiresAt)
	assert.Equal(t, "alice", req.OwnerUserID)
	pending, ok := rt.Get(req.InvocationID)
	require.True(t, ok)
	assert.Equal(t, tool.InvocationAwaitingApproval, pending.Status)

	_, err := approvals.HandleResponse(context.Background(), req.ID, true, "alice")
	require.NoError(t, err)

	inv := <-done
	require.Equal(t, tool.InvocationSucceeded, inv.Status)
	assert.Equal(t, true, inv.Result.Data.(map[string]any)["approved"])
	assert.Equal(t, req.ID, inv.ApprovalID)
	assert.Equal(t, []string{"awaiting:awaiting-approval", "resolved:approved"}, hooks.snapshot())
}

func TestApprovalExpiryFailsInvocation(t *testing.T) {
	reg := NewRegistry()
	gated := echoTool("shell")
	gated.RequiresApproval = true
	reg.MustRegister(gated)
	rt := New(reg, approval.NewManager(approval.WithTTL(20*time.Millisecond)))

	inv := rt.Invoke(context.Background(), Request{ToolID: "shell", UserID: "alice", Input: map[string]any{"text": "ls"}})
	assert.Equal(t, tool.InvocationFailed, inv.Status)
	assert.Equal(t, tool.ErrApprovalDenied, inv.Result.ErrorCode())
	assert.Contains(t, inv.Result.ErrorMessage(), "expired")
}

func TestRejectedApprovalFailsInvocation(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("echo"))
	approvals := approval.NewManager()
	rt := New(reg, approvals)
	hooks := newHookRecorder()

	done := make(chan *tool.Invocation, 1)
	go func() {
		done <- rt.Invoke(context.Background(), Request{
			ToolID: "echo", Input: map[string]any{"text": "x"}, UserID: "bob",
			RequireApproval: true, ApprovalKind: tool.ApprovalKindRecovery, Hooks: hooks.hooks(),
		})
	}()
	req := <-hooks.reqs
	assert.Equal(t, tool.ApprovalKindRecovery, req.Kind)
	_, err := approvals.HandleResponse(context.Background(), req.ID, false, "bob")
	require.NoError(t, err)

	inv := <-done
	assert.Equal(t, tool.ErrApprovalDenied, inv.Result.ErrorCode())
	assert.True(t, strings.Contains(inv.Result.ErrorMessage(), "rejected"))
}

func TestCancelWhileAwaitingApprovalReleasesRequest(t *testing.T) {
	reg := NewRegistry()
	gated := echoTool("shell")
	gated.RequiresApproval = true
	reg.MustRegister(gated)
	approvals := approval.NewManager()
	rt := New(reg, approvals)
	hooks := newHookRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *tool.Invocation, 1)
	go func() {
		done <- rt.Invoke(ctx, Request{ToolID: "shell", UserID: "alice", Input: map[string]any{"text": "ls"}, Hooks: hooks.hooks()})
	}()
	req := <-hooks.reqs
	cancel()

	inv := <-done
	assert.Equal(t, tool.InvocationCancelled, inv.Status)
	released, ok := approvals.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, tool.ApprovalRejected, released.Status)
	assert.Equal(t, []string{"awaiting:awaiting-approval"}, hooks.snapshot())
}

func TestHistoryAndChain(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("echo"))
	rt := New(reg, nil)

	first := rt.Invoke(context.Background(), Request{ToolID: "echo", TaskID: "t1", StepID: "s1", Input: map[string]any{"text": "a"}})
	second := rt.Invoke(context.Background(), Request{
		ToolID: "echo", TaskID: "t1", StepID: "s1", Input: map[string]any{"text": "b"},
		RetryCount: 1, ParentInvocationID: first.ID,
	})
	third := rt.Invoke(context.Background(), Request{
		ToolID: "echo", TaskID: "t1", StepID: "s1", Input: map[string]any{"text": "c"},
		RetryCount: 2, ParentInvocationID: second.ID,
	})

	history := rt.History("t1", "s1")
	require.Len(t, history, 3)
	chain := rt.Chain(third.ID)
	require.Len(t, chain, 3)
	assert.Equal(t, first.ID, chain[0].ID)
	assert.Equal(t, 2, chain[2].RetryCount)

	rt.ForgetTask("t1")
	assert.Empty(t, rt.History("t1", "s1"))
	_, ok := rt.Get(first.ID)
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool("b")))
	require.NoError(t, reg.Register(echoTool("a")))
	require.ErrorIs(t, reg.Register(echoTool("a")), ErrDuplicateTool)
	require.ErrorIs(t, reg.Register(tool.Tool{ID: "x"}), ErrInvalidTool)
	require.ErrorIs(t, reg.Register(tool.Tool{}), ErrInvalidTool)

	assert.Equal(t, []string{"a", "b"}, reg.List())
	assert.True(t, reg.Unregister("a"))
	assert.False(t, reg.Has("a"))
}
