package replan

import (
	"context"
	"fmt"

	"taskplane/internal/domain/task"
)

// PathReplanner rebuilds the remaining plan after a tool substitution.
type PathReplanner struct {
	planner task.Planner
}

// NewPathReplanner returns a path replanner. When planner is non-nil its
// GenerateRemainingSteps and ValidatePlan are used.
func NewPathReplanner(planner task.Planner) *PathReplanner {
	return &PathReplanner{planner: planner}
}

// ReplanFrom returns the failed step rebound to substitute followed by the
// unmodified remaining goals in their original order. completed lists the
// step ids already executed, whose dependency edges count as satisfied.
func (p *PathReplanner) ReplanFrom(ctx context.Context, failed task.Step, remaining []task.Step, substitute string, completed []string) ([]task.Step, error) {
	var next []task.Step
	if p != nil && p.planner != nil {
		generated, err := p.planner.GenerateRemainingSteps(ctx, failed, cloneSteps(remaining), substitute)
		if err != nil {
			return nil, fmt.Errorf("generate remaining steps: %w", err)
		}
		next = generated
	} else {
		rebound := failed.Clone()
		rebound.ToolID = substitute
		next = append([]task.Step{rebound}, cloneSteps(remaining)...)
	}
	if err := p.ValidateNewPath(next, completed); err != nil {
		return nil, err
	}
	return next, nil
}

// ValidateNewPath rejects paths that introduce a dependency cycle or depend
// on steps that are neither in the path nor completed.
func (p *PathReplanner) ValidateNewPath(steps []task.Step, completed []string) error {
	done := make(map[string]struct{}, len(completed))
	for _, stepID := range completed {
		done[stepID] = struct{}{}
	}
	pruned := make([]task.Step, len(steps))
	for i, step := range steps {
		cp := step.Clone()
		cp.DependsOn = cp.DependsOn[:0]
		for _, dep := range step.DependsOn {
			if _, ok := done[dep]; ok {
				continue
			}
			cp.DependsOn = append(cp.DependsOn, dep)
		}
		pruned[i] = cp
	}
	if err := task.ValidatePlan(pruned); err != nil {
		return fmt.Errorf("invalid replanned path: %w", err)
	}
	if p != nil && p.planner != nil {
		if err := p.planner.ValidatePlan(pruned); err != nil {
			return fmt.Errorf("planner rejected replanned path: %w", err)
		}
	}
	return nil
}

func cloneSteps(steps []task.Step) []task.Step {
	out := make([]task.Step, len(steps))
	for i, step := range steps {
		out[i] = step.Clone()
	}
	return out
}
