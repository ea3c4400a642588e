package tool

import (
	"time"
)

// InvocationStatus tracks one tool attempt.
type InvocationStatus string

const (
	InvocationPending          InvocationStatus = "pending"
	InvocationRunning          InvocationStatus = "running"
	InvocationAwaitingApproval InvocationStatus = "awaiting-approval"
	InvocationSucceeded        InvocationStatus = "succeeded"
	InvocationFailed           InvocationStatus = "failed"
	InvocationCancelled        InvocationStatus = "cancelled"
)

// IsFinal reports whether the invocation can no longer change.
func (s InvocationStatus) IsFinal() bool {
	switch s {
	case InvocationSucceeded, InvocationFailed, InvocationCancelled:
		return true
	default:
		return false
	}
}

// Invocation is one attempt to run a tool for a step. RetryCount and
// ParentInvocationID link retries and alternatives to their predecessor.
type Invocation struct {
	ID                 string           `json:"id"`
	ToolID             string           `json:"tool_id"`
	TaskID             string           `json:"task_id,omitempty"`
	StepID             string           `json:"step_id,omitempty"`
	SessionID          string           `json:"session_id"`
	AgentID            string           `json:"agent_id,omitempty"`
	UserID             string           `json:"user_id,omitempty"`
	Input              map[string]any   `json:"input,omitempty"`
	Status             InvocationStatus `json:"status"`
	StartedAt          time.Time        `json:"started_at"`
	EndedAt            *time.Time       `json:"ended_at,omitempty"`
	Result             *Result          `json:"result,omitempty"`
	RetryCount         int              `json:"retry_count"`
	ParentInvocationID string           `json:"parent_invocation_id,omitempty"`
	ApprovalID         string           `json:"approval_id,omitempty"`
}

// Clone returns a copy that does not share the result pointer.
func (i *Invocation) Clone() *Invocation {
	if i == nil {
		return nil
	}
	cp := *i
	if i.Result != nil {
		res := *i.Result
		cp.Result = &res
	}
	if i.EndedAt != nil {
		ended := *i.EndedAt
		cp.EndedAt = &ended
	}
	return &cp
}

// ApprovalKind distinguishes what an approval gates.
type ApprovalKind string

const (
	// ApprovalKindTool gates a tool flagged as requiring approval or a
	// permission escalation.
	ApprovalKindTool ApprovalKind = "tool"
	// ApprovalKindRecovery confirms an automatic recovery action when
	// automatic retry is disabled.
	ApprovalKindRecovery ApprovalKind = "recovery"
)

// ApprovalStatus is the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsResolved reports whether the request has been decided.
func (s ApprovalStatus) IsResolved() bool {
	return s != ApprovalPending && s != ""
}

// ApprovalRequest is a pending human decision gating one invocation.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	InvocationID string         `json:"invocation_id"`
	ToolID       string         `json:"tool_id"`
	TaskID       string         `json:"task_id,omitempty"`
	SessionID    string         `json:"session_id"`
	OwnerUserID  string         `json:"owner_user_id,omitempty"`
	Kind         ApprovalKind   `json:"kind"`
	Summary      string         `json:"summary,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Status       ApprovalStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Clone returns a copy safe to share outside the approval manager.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

// Approved reports whether the request resolved in favour of running.
func (r *ApprovalRequest) Approved() bool {
	return r != nil && r.Status == ApprovalApproved
}
