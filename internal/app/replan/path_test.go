package replan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplane/internal/domain/task"
)

type stubPlanner struct {
	generated []task.Step
	reject    error
	calls     int
}

func (p *stubPlanner) Plan(context.Context, *task.Task) ([]task.Step, error) { return nil, nil }

func (p *stubPlanner) GenerateRemainingSteps(_ context.Context, failed task.Step, remaining []task.Step, substitute string) ([]task.Step, error) {
	p.calls++
	if p.generated != nil {
		return p.generated, nil
	}
	failed.ToolID = substitute
	return append([]task.Step{failed}, remaining...), nil
}

func (p *stubPlanner) ValidatePlan([]task.Step) error { return p.reject }

func TestReplanFromRebindsFailedStep(t *testing.T) {
	p := NewPathReplanner(nil)
	failed := task.Step{ID: "b", ToolID: "web_fetch", DependsOn: []string{"a"}}
	remaining := []task.Step{
		{ID: "c", ToolID: "file_read", DependsOn: []string{"b"}},
		{ID: "d", DependsOn: []string{"a", "c"}},
	}

	next, err := p.ReplanFrom(context.Background(), failed, remaining, "browser_fetch", []string{"a"})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, "b", next[0].ID)
	assert.Equal(t, "browser_fetch", next[0].ToolID)
	assert.Equal(t, []string{"a"}, next[0].DependsOn, "dependency edges are preserved")
	assert.Equal(t, []string{"c", "d"}, []string{next[1].ID, next[2].ID})
	assert.Equal(t, "web_fetch", failed.ToolID, "input step is not mutated")
}

func TestValidateNewPathRejectsCycle(t *testing.T) {
	p := NewPathReplanner(nil)
	steps := []task.Step{
		{ID: "b", DependsOn: []string{"c"}},
		{ID: "c", DependsOn: []string{"b"}},
	}
	err := p.ValidateNewPath(steps, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrDependencyCycle))
}

func TestValidateNewPathRejectsUnknownDependency(t *testing.T) {
	p := NewPathReplanner(nil)
	err := p.ValidateNewPath([]task.Step{{ID: "b", DependsOn: []string{"ghost"}}}, []string{"a"})
	assert.True(t, errors.Is(err, task.ErrUnknownDependency))
}

func TestReplanFromUsesPlanner(t *testing.T) {
	planner := &stubPlanner{}
	p := NewPathReplanner(planner)
	next, err := p.ReplanFrom(context.Background(), task.Step{ID: "b", ToolID: "x"}, nil, "y", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, planner.calls)
	assert.Equal(t, "y", next[0].ToolID)

	planner.reject = errors.New("nope")
	_, err = p.ReplanFrom(context.Background(), task.Step{ID: "b", ToolID: "x"}, nil, "y", nil)
	assert.ErrorContains(t, err, "planner rejected")
}

func TestReplanFromRejectsCyclicPlannerOutput(t *testing.T) {
	planner := &stubPlanner{generated: []task.Step{
		{ID: "b", ToolID: "y", DependsOn: []string{"c"}},
		{ID: "c", DependsOn: []string{"b"}},
	}}
	_, err := NewPathReplanner(planner).ReplanFrom(context.Background(), task.Step{ID: "b"}, nil, "y", nil)
	assert.True(t, errors.Is(err, task.ErrDependencyCycle))
}

func TestSelectBestSkipsAttemptedAndUnavailable(t *testing.T) {
	s := NewAlternativeSelector(map[string][]string{
		"web_fetch": {"browser_fetch", "cached_fetch", "archive_fetch"},
	}, func(id string) bool { return id != "cached_fetch" })

	alts := s.FindAlternatives("web_fetch")
	require.Len(t, alts, 3)
	assert.Empty(t, s.FindAlternatives("shell_exec"))

	attempted := map[string]bool{"s1/browser_fetch": true}
	best, ok := s.SelectBest("s1", alts, func(step, tool string) bool { return attempted[step+"/"+tool] })
	require.True(t, ok)
	assert.Equal(t, "archive_fetch", best)

	best, ok = s.SelectBest("s2", alts, func(step, tool string) bool { return attempted[step+"/"+tool] })
	require.True(t, ok)
	assert.Equal(t, "browser_fetch", best, "attempts are tracked per step")

	_, ok = s.SelectBest("s1", alts, func(string, string) bool { return true })
	assert.False(t, ok)
}
