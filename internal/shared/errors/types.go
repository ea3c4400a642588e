package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// ErrorType represents the classification of errors for retry logic.
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
	// ErrorTypeExhausted - retry-able after backing off
	ErrorTypeExhausted
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	RetryAfter int // Seconds to wait before retry (from Retry-After header)
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if statusCode := StatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}
	return isSyscallError(err)
}

// IsPermanent checks if an error is non-retry-able.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}

	if statusCode := StatusCode(err); statusCode > 0 {
		return isPermanentHTTPStatus(statusCode)
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"not found",
		"permission denied",
		"invalid",
		"unauthorized",
		"forbidden",
		"bad request",
	} {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

// IsResourceExhausted reports quota, rate limit and capacity errors.
func IsResourceExhausted(err error) bool {
	if err == nil {
		return false
	}
	if StatusCode(err) == http.StatusTooManyRequests {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM:
			return true
		}
	}
	return ContainsAny(strings.ToLower(err.Error()), resourcePatterns)
}

// GetErrorType classifies an error.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}
	if IsResourceExhausted(err) {
		return ErrorTypeExhausted
	}
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	// Default to permanent to avoid infinite retries
	return ErrorTypePermanent
}

// UserMessage converts technical errors into a concise message suitable for
// end users. Explicit Message fields win over pattern matching.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.Message != "" {
		return transientErr.Message
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.Message != "" {
		return permanentErr.Message
	}

	lowerErr := strings.ToLower(err.Error())
	switch {
	case IsResourceExhausted(err):
		return "A service limit was reached. Please try again later."
	case strings.Contains(lowerErr, "timeout") || strings.Contains(lowerErr, "deadline exceeded"):
		return "The request timed out."
	case isNetworkError(err):
		return "A network problem prevented the request from completing."
	case strings.Contains(lowerErr, "permission denied") || strings.Contains(lowerErr, "forbidden"):
		return "Permission was denied for this action."
	case strings.Contains(lowerErr, "not found"):
		return "A required resource could not be found."
	}
	return "The request could not be completed."
}

var (
	networkPatterns = []string{
		"connection refused",
		"timeout",
		"timed out",
		"deadline exceeded",
		"network",
		"dns",
		"connection reset",
		"broken pipe",
		"no such host",
		"eof",
	}
	resourcePatterns = []string{
		"rate limit",
		"quota",
		"too many requests",
		"resource exhausted",
		"out of memory",
		"no space left",
		"too many open files",
	}
	statusPattern = regexp.MustCompile(`(?i)(?:status|http|error|code)?\s*\b([45]\d\d)\b`)
)

// ContainsAny reports whether s contains any of patterns. Callers pass
// lower-cased input.
func ContainsAny(s string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// IsNetworkError reports connectivity and timeout failures.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return isNetworkError(err) || isSyscallError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary() //nolint:staticcheck
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return ContainsAny(strings.ToLower(err.Error()), networkPatterns)
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusGone,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// StatusCode extracts an HTTP status code from a typed error or from messages
// such as "HTTP 503: ..." or "status 429". It returns 0 when none is present.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.StatusCode > 0 {
		return transientErr.StatusCode
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.StatusCode > 0 {
		return permanentErr.StatusCode
	}
	match := statusPattern.FindStringSubmatch(err.Error())
	if len(match) < 2 {
		return 0
	}
	code, convErr := strconv.Atoi(match[1])
	if convErr != nil || http.StatusText(code) == "" {
		return 0
	}
	return code
}

// NewTransientError creates a new transient error with a user-facing message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a new permanent error with a user-facing message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}
