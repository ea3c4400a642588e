// Package replan decides how a task recovers from a failed tool step:
// classify the failure, pick an equivalent tool, rebuild the remaining path
// and enforce per-task recovery limits.
package replan

import (
	"errors"
	"strings"
	"time"

	"taskplane/internal/domain/tool"
	sharederrors "taskplane/internal/shared/errors"
)

// FailureType is the classification assigned to a tool failure.
type FailureType string

const (
	FailureNetwork           FailureType = "NETWORK_FAILURE"
	FailurePermissionDenied  FailureType = "PERMISSION_DENIED"
	FailureInvalidInput      FailureType = "INVALID_INPUT"
	FailureToolNotFound      FailureType = "TOOL_NOT_FOUND"
	FailureResourceExhausted FailureType = "RESOURCE_EXHAUSTED"
	FailureUnknown           FailureType = "UNKNOWN"
)

// ToolFailure describes one failed step attempt.
type ToolFailure struct {
	ToolID       string
	StepID       string
	InvocationID string
	Code         tool.ErrorCode
	Type         FailureType
	Message      string
	Timestamp    time.Time
}

// FailureFromInvocation builds a ToolFailure from a failed invocation.
func FailureFromInvocation(inv *tool.Invocation, at time.Time) ToolFailure {
	f := ToolFailure{
		ToolID:       inv.ToolID,
		StepID:       inv.StepID,
		InvocationID: inv.ID,
		Timestamp:    at,
	}
	if inv.Result != nil {
		f.Code = inv.Result.ErrorCode()
		f.Message = inv.Result.ErrorMessage()
	}
	f.Type = ClassifyFailure(f)
	return f
}

var (
	timeoutMarkers    = []string{"timeout", "timed out", "deadline exceeded"}
	toolMissingMarker = []string{"tool not found", "unknown tool", "not registered", "no such tool"}
	permissionMarkers = []string{"permission denied", "access denied", "approval denied", "forbidden", "unauthorized", "not permitted", "operation not allowed"}
	networkMarkers    = []string{"connection refused", "connection reset", "network", "dns", "no such host", "unreachable", "broken pipe", "eof", "tls handshake"}
	invalidMarkers    = []string{"invalid", "validation", "schema", "malformed", "bad request", "missing required", "expected "}
)

// FailureAnalyzer classifies failures. It holds no state.
type FailureAnalyzer struct{}

// Classify implements the classification rules.
func (FailureAnalyzer) Classify(f ToolFailure) FailureType {
	return ClassifyFailure(f)
}

// ClassifyFailure maps a failure onto a FailureType using its error code
// first and message markers second. It is a pure function of its input.
func ClassifyFailure(f ToolFailure) FailureType {
	switch f.Code {
	case tool.ErrTimeout, tool.ErrTransport:
		return FailureNetwork
	case tool.ErrApprovalDenied, tool.ErrPermissionDenied:
		return FailurePermissionDenied
	case tool.ErrSchemaValidation:
		return FailureInvalidInput
	case tool.ErrToolNotFound:
		return FailureToolNotFound
	case tool.ErrResourceExhausted:
		return FailureResourceExhausted
	}

	msg := strings.ToLower(f.Message)
	switch {
	case msg == "":
		return FailureUnknown
	case sharederrors.ContainsAny(msg, timeoutMarkers):
		return FailureNetwork
	case sharederrors.ContainsAny(msg, toolMissingMarker):
		return FailureToolNotFound
	case sharederrors.ContainsAny(msg, permissionMarkers):
		return FailurePermissionDenied
	}

	err := errors.New(msg)
	switch {
	case sharederrors.IsResourceExhausted(err):
		return FailureResourceExhausted
	case sharederrors.ContainsAny(msg, networkMarkers), sharederrors.IsTransient(err):
		return FailureNetwork
	case sharederrors.ContainsAny(msg, invalidMarkers):
		return FailureInvalidInput
	}
	return FailureUnknown
}
