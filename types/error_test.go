package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	err := NewError(ErrAgentTimeout, "agent did not respond")
	assert.Equal(t, "[AGENT_TIMEOUT] agent did not respond", err.Error())

	cause := errors.New("connection reset")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorBuilders(t *testing.T) {
	err := Errorf(ErrAgentHTTP, "agent returned status %d", 503).
		WithHTTPStatus(503).
		WithRetryable(true).
		WithNode("summarize").
		WithAgent("gpt-worker")

	assert.Equal(t, ErrAgentHTTP, err.Code)
	assert.Equal(t, 503, err.HTTPStatus)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "summarize", err.NodeID)
	assert.Equal(t, "gpt-worker", err.AgentID)
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrExpression, GetErrorCode(NewError(ErrExpression, "bad expr")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestRetryableHTTPStatus(t *testing.T) {
	for _, status := range []int{408, 425, 429, 500, 502, 503, 599} {
		assert.True(t, RetryableHTTPStatus(status), "status %d", status)
	}
	for _, status := range []int{200, 201, 400, 401, 403, 404, 409, 422} {
		assert.False(t, RetryableHTTPStatus(status), "status %d", status)
	}
}

func TestExecutionStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		ok       bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionPending, ExecutionCancelled, true},
		{ExecutionPending, ExecutionFailed, true},
		{ExecutionRunning, ExecutionSucceeded, true},
		{ExecutionRunning, ExecutionFailed, true},
		{ExecutionRunning, ExecutionCancelled, true},
		{ExecutionRunning, ExecutionPending, false},
		{ExecutionSucceeded, ExecutionRunning, false},
		{ExecutionFailed, ExecutionCancelled, false},
		{ExecutionCancelled, ExecutionRunning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestNodeStatusTerminal(t *testing.T) {
	require.False(t, NodePending.Terminal())
	require.False(t, NodeRunning.Terminal())
	for _, s := range []NodeStatus{NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled} {
		require.True(t, s.Terminal(), string(s))
	}
}
