package task

import (
	"errors"
	"fmt"
	"strings"
)

// Step is one planned unit of execution within a task's plan.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description" yaml:"description"`
	ToolID      string         `json:"tool_id,omitempty" yaml:"tool"`
	Input       map[string]any `json:"input,omitempty" yaml:"input"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on"`
}

// Clone returns a copy of the step with its own input map and dependency slice.
func (s Step) Clone() Step {
	cp := s
	if s.Input != nil {
		cp.Input = make(map[string]any, len(s.Input))
		for k, v := range s.Input {
			cp.Input[k] = v
		}
	}
	cp.DependsOn = append([]string(nil), s.DependsOn...)
	return cp
}

var (
	// ErrDuplicateStep is returned when two steps share an id.
	ErrDuplicateStep = errors.New("duplicate step id")
	// ErrUnknownDependency is returned when a step depends on a missing step.
	ErrUnknownDependency = errors.New("unknown step dependency")
	// ErrDependencyCycle is returned when dependency edges do not form a DAG.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// ValidatePlan checks step ids are unique, dependencies resolve and the
// dependency graph is acyclic.
func ValidatePlan(steps []Step) error {
	_, err := TopologicalOrder(steps)
	return err
}

// TopologicalOrder returns the steps ordered so every step follows its
// dependencies. Ties keep the original plan order, so a plan that is already
// sorted comes back unchanged.
func TopologicalOrder(steps []Step) ([]Step, error) {
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		if strings.TrimSpace(step.ID) == "" {
			return nil, fmt.Errorf("step %d: %w: empty id", i, ErrDuplicateStep)
		}
		if _, exists := index[step.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID)
		}
		index[step.ID] = i
	}

	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, step := range steps {
		for _, dep := range step.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: step %s depends on %s", ErrUnknownDependency, step.ID, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ordered := make([]Step, 0, len(steps))
	done := make([]bool, len(steps))
	for len(ordered) < len(steps) {
		next := -1
		for i := range steps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycleMembers(steps, done), ", "))
		}
		done[next] = true
		ordered = append(ordered, steps[next])
		for _, dependent := range dependents[next] {
			indegree[dependent]--
		}
	}
	return ordered, nil
}

func cycleMembers(steps []Step, done []bool) []string {
	var ids []string
	for i, step := range steps {
		if !done[i] {
			ids = append(ids, step.ID)
		}
	}
	return ids
}
