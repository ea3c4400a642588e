// Package tool defines tools as registry-selected capabilities and the records
// produced when the runtime invokes them.
package tool

import (
	"context"
	"time"
)

// ErrorCode classifies a failed tool result.
type ErrorCode string

const (
	ErrToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	ErrSchemaValidation  ErrorCode = "SCHEMA_VALIDATION_FAILED"
	ErrApprovalDenied    ErrorCode = "APPROVAL_DENIED"
	ErrPermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrTransport         ErrorCode = "TRANSPORT_ERROR"
	ErrResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrExecution         ErrorCode = "EXECUTION_FAILED"
	ErrPanic             ErrorCode = "TOOL_PANIC"
	ErrCancelled         ErrorCode = "CANCELLED"
)

// RunContext identifies the invocation a tool is running for.
type RunContext struct {
	InvocationID string
	TaskID       string
	StepID       string
	SessionID    string
	AgentID      string
	UserID       string
	// Approved is set when a human approved this invocation.
	Approved bool
}

// RunFunc executes a tool capability. Failures are reported through the
// returned Result, not by panicking.
type RunFunc func(ctx context.Context, input map[string]any, rc RunContext) Result

// Tool is one capability registered under a string id.
type Tool struct {
	ID               string
	Description      string
	Schema           Schema
	RequiresApproval bool
	// Timeout overrides the runtime default when positive.
	Timeout time.Duration
	Run     RunFunc
}

// Schema declares a tool's input (JSON Schema object subset).
type Schema struct {
	Type       string              `json:"type" yaml:"type"`
	Properties map[string]Property `json:"properties" yaml:"properties"`
	Required   []string            `json:"required,omitempty" yaml:"required"`
}

// Property declares a single input field.
type Property struct {
	Type        string    `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Enum        []any     `json:"enum,omitempty" yaml:"enum"`
	Items       *Property `json:"items,omitempty" yaml:"items"`
}

// ResultError describes why a tool did not succeed.
type ResultError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ResultError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Meta carries execution metadata for a result.
type Meta struct {
	DurationMS int64    `json:"duration_ms"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
}

// Result is the outcome of one tool run.
type Result struct {
	OK    bool         `json:"ok"`
	Data  any          `json:"data,omitempty"`
	Error *ResultError `json:"error,omitempty"`
	Meta  Meta         `json:"meta"`
}

// Success builds a successful result.
func Success(data any) Result {
	return Result{OK: true, Data: data}
}

// Failure builds a failed result.
func Failure(code ErrorCode, message string) Result {
	return Result{OK: false, Error: &ResultError{Code: code, Message: message}}
}

// ErrorCode returns the failure code, or "" for successful results.
func (r Result) ErrorCode() ErrorCode {
	if r.OK || r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// ErrorMessage returns the failure message, or "" for successful results.
func (r Result) ErrorMessage() string {
	if r.OK || r.Error == nil {
		return ""
	}
	return r.Error.Message
}
