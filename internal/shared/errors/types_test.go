package errors

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "explicit transient error", err: NewTransientError(errors.New("test"), "transient"), expected: true},
		{name: "explicit permanent error", err: NewPermanentError(errors.New("test"), "permanent"), expected: false},
		{name: "rate limit 429", err: fmt.Errorf("API error 429: rate limit exceeded"), expected: true},
		{name: "server error 503", err: fmt.Errorf("503 service unavailable"), expected: true},
		{name: "timeout error", err: fmt.Errorf("context deadline exceeded"), expected: true},
		{name: "connection refused", err: fmt.Errorf("dial tcp 127.0.0.1:8080: connect: connection refused"), expected: true},
		{name: "syscall reset", err: syscall.ECONNRESET, expected: true},
		{name: "mock net timeout", err: &mockNetError{timeout: true}, expected: true},
		{name: "not found 404", err: fmt.Errorf("HTTP 404: not found"), expected: false},
		{name: "regular error", err: errors.New("regular error"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.expected {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "explicit permanent error", err: NewPermanentError(errors.New("test"), "permanent"), expected: true},
		{name: "forbidden 403", err: fmt.Errorf("HTTP 403: forbidden"), expected: true},
		{name: "file not found", err: fmt.Errorf("file not found: /path/to/file"), expected: true},
		{name: "rate limit 429", err: fmt.Errorf("HTTP 429: rate limit exceeded"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.expected {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestGetErrorType(t *testing.T) {
	if got := GetErrorType(fmt.Errorf("quota exceeded for project")); got != ErrorTypeExhausted {
		t.Fatalf("expected exhausted, got %v", got)
	}
	if got := GetErrorType(fmt.Errorf("connection reset by peer")); got != ErrorTypeTransient {
		t.Fatalf("expected transient, got %v", got)
	}
	if got := GetErrorType(fmt.Errorf("HTTP 401: unauthorized")); got != ErrorTypePermanent {
		t.Fatalf("expected permanent, got %v", got)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{fmt.Errorf("API error 400: bad request"), 400},
		{fmt.Errorf("HTTP 429: Too Many Requests"), 429},
		{fmt.Errorf("status 500"), 500},
		{fmt.Errorf("generic error"), 0},
		{&TransientError{StatusCode: 502}, 502},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.expected {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.expected)
		}
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(NewPermanentError(errors.New("x"), "Custom")); got != "Custom" {
		t.Fatalf("expected explicit message, got %q", got)
	}
	if got := UserMessage(fmt.Errorf("dial tcp: i/o timeout")); !strings.Contains(got, "timed out") {
		t.Fatalf("unexpected message %q", got)
	}
	if UserMessage(nil) != "" {
		t.Fatal("expected empty message for nil")
	}
}

func TestErrorWrapping(t *testing.T) {
	baseErr := errors.New("base error")
	if !errors.Is(NewTransientError(baseErr, "m"), baseErr) {
		t.Error("TransientError should wrap base error")
	}
	if !errors.Is(NewPermanentError(baseErr, "m"), baseErr) {
		t.Error("PermanentError should wrap base error")
	}
}

type mockNetError struct {
	timeout   bool
	temporary bool
}

func (e *mockNetError) Error() string   { return "mock network error" }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return e.temporary }
