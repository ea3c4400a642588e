package replan

import (
	"testing"

	"taskplane/internal/domain/tool"
)

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name    string
		failure ToolFailure
		want    FailureType
	}{
		{"timeout code", ToolFailure{Code: tool.ErrTimeout, Message: "whatever"}, FailureNetwork},
		{"transport code", ToolFailure{Code: tool.ErrTransport}, FailureNetwork},
		{"approval denied", ToolFailure{Code: tool.ErrApprovalDenied, Message: "approval x rejected"}, FailurePermissionDenied},
		{"schema", ToolFailure{Code: tool.ErrSchemaValidation, Message: "url: expected string"}, FailureInvalidInput},
		{"unknown tool code", ToolFailure{Code: tool.ErrToolNotFound}, FailureToolNotFound},
		{"quota code", ToolFailure{Code: tool.ErrResourceExhausted}, FailureResourceExhausted},
		{"timeout message", ToolFailure{Code: tool.ErrExecution, Message: "context deadline exceeded"}, FailureNetwork},
		{"timed out message", ToolFailure{Message: "request timed out after 5s"}, FailureNetwork},
		{"unknown tool message", ToolFailure{Message: "unknown tool: web_search"}, FailureToolNotFound},
		{"permission message", ToolFailure{Message: "open /etc/shadow: permission denied"}, FailurePermissionDenied},
		{"rate limit", ToolFailure{Message: "HTTP 429 too many requests"}, FailureResourceExhausted},
		{"connection refused", ToolFailure{Message: "dial tcp 10.0.0.1:443: connection refused"}, FailureNetwork},
		{"server error", ToolFailure{Message: "upstream returned 503"}, FailureNetwork},
		{"invalid", ToolFailure{Message: "invalid selector"}, FailureInvalidInput},
		{"empty", ToolFailure{}, FailureUnknown},
		{"other", ToolFailure{Code: tool.ErrExecution, Message: "exit status 2"}, FailureUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFailure(tc.failure); got != tc.want {
				t.Fatalf("ClassifyFailure(%+v) = %s, want %s", tc.failure, got, tc.want)
			}
		})
	}
}

func TestClassifyFailureIsPure(t *testing.T) {
	f := ToolFailure{ToolID: "web_fetch", Message: "i/o timeout"}
	var analyzer FailureAnalyzer
	for i := 0; i < 5; i++ {
		if got := analyzer.Classify(f); got != FailureNetwork {
			t.Fatalf("iteration %d: got %s", i, got)
		}
	}
}

func TestFailureFromInvocation(t *testing.T) {
	result := tool.Failure(tool.ErrToolNotFound, `tool "x" is not registered`)
	inv := &tool.Invocation{ID: "inv-1", ToolID: "x", StepID: "s1", Result: &result}
	f := FailureFromInvocation(inv, testStart)
	if f.Type != FailureToolNotFound || f.InvocationID != "inv-1" || f.StepID != "s1" {
		t.Fatalf("unexpected failure: %+v", f)
	}
	if !f.Timestamp.Equal(testStart) {
		t.Fatalf("timestamp not carried: %v", f.Timestamp)
	}
}
