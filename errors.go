package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrTimeout indicates that a blocking call exceeded its timeout.
	ErrTimeout = errors.New("sandbox: timeout")

	// ErrInvalidArgument indicates an invalid argument was provided.
	ErrInvalidArgument = errors.New("sandbox: invalid argument")

	// ErrSandboxClosed indicates the sandbox has been closed.
	ErrSandboxClosed = errors.New("sandbox: sandbox is closed")

	// ErrNotFound indicates that a resource was not found.
	ErrNotFound = errors.New("sandbox: resource not found")
)

// ConfigError indicates a malformed constructor input, such as a bad
// reconnection token.
type ConfigError struct {
	// Param is the offending parameter.
	Param string

	// Reason describes why the value was rejected.
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// Is reports that a ConfigError matches ErrInvalidArgument.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// TransferError is returned when a file upload or download receives a
// non-success HTTP status. It carries the status text and response
// body for diagnostics.
type TransferError struct {
	// Op is "upload" or "download".
	Op string

	// Path is the remote path involved, if known.
	Path string

	// StatusCode is the HTTP status code.
	StatusCode int

	// Reason is the HTTP status text.
	Reason string

	// Body is the response body.
	Body string
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s file '%s': %s %s", e.Op, e.Path, e.Reason, e.Body)
	}
	return fmt.Sprintf("failed to %s file: %s %s", e.Op, e.Reason, e.Body)
}

// TimeoutError is returned when a blocking call exceeds its timeout.
// It is distinct from TransferError so callers can retry selectively.
type TimeoutError struct {
	// Op is the operation that timed out.
	Op string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s timeout exceeded", e.Op)
	}
	return "timeout exceeded"
}

// Is reports that a TimeoutError matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// newTimeoutError creates a TimeoutError for the given operation.
func newTimeoutError(op string) *TimeoutError {
	return &TimeoutError{Op: op}
}

// SessionError represents a failure returned by the sandbox control
// plane API during session create, refresh or list.
type SessionError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message, usually the response body.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session error status %d, %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("session error status %d, %s", e.StatusCode, e.Message)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *SessionError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// RPCError represents an error response from the sandbox agent's RPC
// endpoint.
type RPCError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message.
	Message string

	// Method is the RPC method that failed.
	Method string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d on %s: %s", e.Code, e.Method, e.Message)
}
