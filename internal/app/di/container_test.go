package di

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/shared/config"
)

type recordingObserver struct {
	mu        sync.Mutex
	responses []task.Response
}

func (r *recordingObserver) ChannelID() string { return "test" }

func (r *recordingObserver) Deliver(_ context.Context, resp task.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
	return nil
}

func (r *recordingObserver) snapshot() []task.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]task.Response(nil), r.responses...)
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.Store = config.StoreConfig{Driver: "file", Dir: t.TempDir()}
	cfg.Tools.FileRoot = t.TempDir()
	cfg.Tracing.Enabled = false
	return cfg
}

func TestBuildRunsTaskEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Tools.FileRoot, "notes.txt"), []byte("remember the milk"), 0o644))

	c, err := Build(context.Background(), cfg, WithoutLogConfigure())
	require.NoError(t, err)
	defer func() { _ = c.Shutdown(context.Background()) }()
	require.NoError(t, c.Start(context.Background()))

	obs := &recordingObserver{}
	require.NoError(t, c.Orchestrator.RegisterObserver(obs))

	created, err := c.Orchestrator.CreateTask(context.Background(), "read notes.txt", "test:alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(obs.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	resp := obs.snapshot()[0]
	assert.Equal(t, created.ID, resp.TaskID)
	assert.Equal(t, task.ResponseDone, resp.Status)
	assert.Contains(t, resp.Text, "remember the milk")

	got, err := c.Orchestrator.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []task.State{task.StatePending, task.StateRunning, task.StateDone}, got.History)

	reader, ok := c.Store.Sink.(interface {
		Events(ctx context.Context, taskID string) ([]audit.Event, error)
	})
	require.True(t, ok)
	events, err := reader.Events(context.Background(), created.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	n, err := testutil.GatherAndCount(c.Registry, "taskplane_tasks_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBuildFailsOverToAlternativeTool(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recovery.Backoff.Initial = time.Millisecond
	cfg.Tools.Alternatives = map[string][]string{"flaky": {"steady"}}
	cfg.Planner.PlansFile = filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(cfg.Planner.PlansFile, []byte(`
rules:
  - name: lookup
    match: '^lookup$'
    steps:
      - id: lookup
        tool: flaky
`), 0o644))

	flaky := tool.Tool{ID: "flaky", Run: func(context.Context, map[string]any, tool.RunContext) tool.Result {
		return tool.Failure(tool.ErrTransport, "connection reset")
	}}
	steady := tool.Tool{ID: "steady", Run: func(context.Context, map[string]any, tool.RunContext) tool.Result {
		return tool.Success("ok from steady")
	}}

	c, err := Build(context.Background(), cfg, WithoutLogConfigure(), WithTools(flaky, steady))
	require.NoError(t, err)
	defer func() { _ = c.Shutdown(context.Background()) }()

	obs := &recordingObserver{}
	require.NoError(t, c.Orchestrator.RegisterObserver(obs))
	_, err = c.Orchestrator.CreateTask(context.Background(), "lookup", "test:bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(obs.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, task.ResponseDone, obs.snapshot()[0].Status)
	assert.Contains(t, obs.snapshot()[0].Text, "steady")
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approval.TimeoutSeconds = 0
	_, err := Build(context.Background(), cfg, WithoutLogConfigure())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Planner.PlansFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = Build(context.Background(), cfg, WithoutLogConfigure())
	assert.Error(t, err)
}
