// Package planner produces step plans for tasks from static rules.
package planner

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"taskplane/internal/domain/task"
)

// MessagePlaceholder is replaced with the task message in step templates.
const MessagePlaceholder = "{MESSAGE}"

// MaxSteps bounds a generated plan.
const MaxSteps = 32

// Rule maps messages matching Match onto a step template. Named capture
// groups of Match are available as {name} placeholders, numbered groups as
// {1}, {2} and so on.
type Rule struct {
	Name  string      `yaml:"name"`
	Match string      `yaml:"match"`
	Steps []task.Step `yaml:"steps"`

	re *regexp.Regexp
}

// File is the on-disk rules document.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// StaticPlanner matches the task message against rules in order and expands
// the first matching template. Messages without a match get a single
// tool-less step.
type StaticPlanner struct {
	rules []Rule
}

// DefaultRules covers the built-in tools.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "fetch",
			Match: `(?i)^(?:fetch|get|open)\s+(?P<url>https?://\S+)`,
			Steps: []task.Step{
				{ID: "fetch", Description: "Fetch {url}", ToolID: "web_fetch", Input: map[string]any{"url": "{url}"}},
				{ID: "report", Description: "Report the page content", DependsOn: []string{"fetch"}},
			},
		},
		{
			Name:  "read",
			Match: `(?i)^(?:read|cat|show)\s+(?P<path>\S+)`,
			Steps: []task.Step{
				{ID: "read", Description: "Read {path}", ToolID: "file_read", Input: map[string]any{"path": "{path}"}},
			},
		},
		{
			Name:  "shell",
			Match: `(?i)^(?:run|exec)\s+(?P<command>.+)$`,
			Steps: []task.Step{
				{ID: "exec", Description: "Run {command}", ToolID: "shell_exec", Input: map[string]any{"command": "{command}"}},
			},
		},
	}
}

// New compiles rules.
func New(rules []Rule) (*StaticPlanner, error) {
	compiled := make([]Rule, 0, len(rules))
	for i, rule := range rules {
		if strings.TrimSpace(rule.Match) == "" {
			return nil, fmt.Errorf("rule %d (%s): match is required", i, rule.Name)
		}
		re, err := regexp.Compile(rule.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
		if len(rule.Steps) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no steps", i, rule.Name)
		}
		if err := task.ValidatePlan(rule.Steps); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
		rule.re = re
		compiled = append(compiled, rule)
	}
	return &StaticPlanner{rules: compiled}, nil
}

// Load reads rules from a YAML file. An empty path yields DefaultRules.
func Load(path string) (*StaticPlanner, error) {
	if strings.TrimSpace(path) == "" {
		return New(DefaultRules())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rules document.
func Parse(data []byte) (*StaticPlanner, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}
	return New(file.Rules)
}

// Plan implements task.Planner.
func (p *StaticPlanner) Plan(_ context.Context, t *task.Task) ([]task.Step, error) {
	message := strings.TrimSpace(t.Message)
	for _, rule := range p.rules {
		match := rule.re.FindStringSubmatch(message)
		if match == nil {
			continue
		}
		vars := map[string]string{MessagePlaceholder: message}
		for i, name := range rule.re.SubexpNames() {
			if i == 0 {
				continue
			}
			vars["{"+strconv.Itoa(i)+"}"] = match[i]
			if name != "" {
				vars["{"+name+"}"] = match[i]
			}
		}
		repl := newReplacer(vars)
		steps := make([]task.Step, len(rule.Steps))
		for i, tmpl := range rule.Steps {
			steps[i] = expand(tmpl, repl)
		}
		return steps, nil
	}
	return []task.Step{{ID: "respond", Description: message}}, nil
}

// GenerateRemainingSteps rebinds failed to substituteTool and keeps the
// remaining steps as they are.
func (p *StaticPlanner) GenerateRemainingSteps(_ context.Context, failed task.Step, remaining []task.Step, substituteTool string) ([]task.Step, error) {
	if strings.TrimSpace(substituteTool) == "" {
		return nil, fmt.Errorf("generate remaining steps: substitute tool required")
	}
	rebound := failed.Clone()
	rebound.ToolID = substituteTool
	out := make([]task.Step, 0, len(remaining)+1)
	out = append(out, rebound)
	for _, step := range remaining {
		out = append(out, step.Clone())
	}
	return out, nil
}

// ValidatePlan rejects empty, oversized or cyclic plans.
func (p *StaticPlanner) ValidatePlan(steps []task.Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	if len(steps) > MaxSteps {
		return fmt.Errorf("plan has %d steps, limit is %d", len(steps), MaxSteps)
	}
	return task.ValidatePlan(steps)
}

// newReplacer substitutes every placeholder in a single pass, so captured
// text that itself looks like a placeholder is copied verbatim.
func newReplacer(vars map[string]string) *strings.Replacer {
	keys := make([]string, 0, len(vars))
	for placeholder := range vars {
		keys = append(keys, placeholder)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, placeholder := range keys {
		pairs = append(pairs, placeholder, vars[placeholder])
	}
	return strings.NewReplacer(pairs...)
}

func expand(tmpl task.Step, repl *strings.Replacer) task.Step {
	step := tmpl.Clone()
	step.Description = substitute(step.Description, repl)
	for key, value := range step.Input {
		step.Input[key] = substituteValue(value, repl)
	}
	return step
}

func substituteValue(value any, repl *strings.Replacer) any {
	switch v := value.(type) {
	case string:
		return substitute(v, repl)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = substituteValue(item, repl)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = substituteValue(item, repl)
		}
		return out
	default:
		return value
	}
}

func substitute(s string, repl *strings.Replacer) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return repl.Replace(s)
}
