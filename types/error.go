package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Flow and catalog error codes
const (
	ErrFlowInvalid  ErrorCode = "FLOW_INVALID"
	ErrFlowNotFound ErrorCode = "FLOW_NOT_FOUND"
)

// Agent and proxy error codes
const (
	ErrAgentUnknown     ErrorCode = "AGENT_UNKNOWN"
	ErrAgentConflict    ErrorCode = "AGENT_CONFLICT"
	ErrAgentBreakerOpen ErrorCode = "AGENT_BREAKER_OPEN"
	ErrAgentTimeout     ErrorCode = "AGENT_TIMEOUT"
	ErrAgentNetwork     ErrorCode = "AGENT_NETWORK"
	ErrAgentContract    ErrorCode = "AGENT_CONTRACT"
	ErrAgentHTTP        ErrorCode = "AGENT_HTTP"
	ErrSaturated        ErrorCode = "SATURATED"
)

// Orchestration error codes
const (
	ErrExpression        ErrorCode = "EXPRESSION_ERROR"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrDeadlineExceeded  ErrorCode = "DEADLINE_EXCEEDED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrExecutionNotFound ErrorCode = "EXECUTION_NOT_FOUND"
	ErrAlreadyTerminal   ErrorCode = "ALREADY_TERMINAL"
	ErrStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	// Body is a truncated copy of the upstream response body, for
	// diagnosing agent-side failures.
	Body      string `json:"body,omitempty"`
	Retryable bool   `json:"retryable"`
	NodeID    string `json:"node_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the upstream HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithBody attaches a truncated upstream response body.
func (e *Error) WithBody(body string) *Error {
	e.Body = body
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode attaches the node the error originated from.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithAgent attaches the agent the error originated from.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// RetryableHTTPStatus reports whether an upstream HTTP status should be
// retried: 408, 425, 429, and all 5xx.
func RetryableHTTPStatus(status int) bool {
	switch status {
	case 408, 425, 429:
		return true
	}
	return status >= 500
}
