package id

import (
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyUUIDv4 generates 128-bit random identifiers.
	StrategyUUIDv4 Strategy = iota
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

// ParseStrategy maps a configuration value to a Strategy, defaulting to UUIDv4.
func ParseStrategy(value string) Strategy {
	switch value {
	case "ksuid":
		return StrategyKSUID
	case "uuidv7":
		return StrategyUUIDv7
	default:
		return StrategyUUIDv4
	}
}

var defaultGenerator = &Generator{strategy: StrategyUUIDv4}

// Generator produces identifiers for tasks, invocations and approvals.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// NewTaskID generates a new task identifier.
func NewTaskID() string {
	return defaultGenerator.newIdentifier()
}

// NewInvocationID generates a new tool invocation identifier.
func NewInvocationID() string {
	return defaultGenerator.newIdentifier()
}

// NewApprovalID generates a new approval request identifier.
func NewApprovalID() string {
	return defaultGenerator.newIdentifier()
}

// NewStepID generates an identifier for planner-produced steps.
func NewStepID() string {
	return defaultGenerator.newIdentifier()
}

func (g *Generator) newIdentifier() string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	switch strategy {
	case StrategyKSUID:
		return ksuid.New().String()
	case StrategyUUIDv7:
		if v7, err := uuid.NewV7(); err == nil {
			return v7.String()
		}
	}
	return uuid.NewString()
}
