package types

import "time"

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition s -> next is legal:
// pending -> running -> {succeeded, failed, cancelled}. Pending may also
// move straight to a terminal state (synchronous rejection or cancel
// before start). Terminals are absorbing.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next.Terminal()
	case ExecutionRunning:
		return next.Terminal()
	}
	return false
}

// NodeStatus is the lifecycle state of a single node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// ExecutionContext is the durable record of one flow run.
type ExecutionContext struct {
	// ExecutionID is a UUID v4 assigned at submission.
	ExecutionID string `json:"execution_id"`
	// FlowID identifies the flow being executed.
	FlowID string `json:"flow_id"`
	// TenantID is the ownership scope of the execution.
	TenantID string `json:"tenant_id"`
	// Status is the current lifecycle state.
	Status ExecutionStatus `json:"status"`
	// InputData is the submission input.
	InputData map[string]any `json:"input_data,omitempty"`
	// OutputData is the aggregated result, set on success.
	OutputData map[string]any `json:"output_data,omitempty"`
	// Error describes the terminal failure, if any.
	Error *Error `json:"error,omitempty"`
	// CreatedAt is when the context was persisted.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the execution left pending.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the execution reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NodeResult records one node attempt series within an execution.
// The primary key is (ExecutionID, NodeID, Iteration).
type NodeResult struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	// Iteration distinguishes loop body re-executions; 0 outside loops.
	Iteration int        `json:"iteration"`
	Status    NodeStatus `json:"status"`
	// Input is the merged input the node was dispatched with.
	Input map[string]any `json:"input,omitempty"`
	// Output is the agent's output, set on success.
	Output map[string]any `json:"output,omitempty"`
	// Error describes the node failure, if any.
	Error *Error `json:"error,omitempty"`
	// Attempts counts dispatch attempts; monotonically increasing.
	Attempts    int        `json:"attempts"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// CostUSD is optional passthrough instrumentation from the agent.
	CostUSD *float64 `json:"cost_usd,omitempty"`
}

// AgentMessage is the durable trace of one edge traversal: the payload
// handed from one node to a successor.
type AgentMessage struct {
	MessageID   string         `json:"message_id"`
	ExecutionID string         `json:"execution_id"`
	FromNode    string         `json:"from_node"`
	ToNode      string         `json:"to_node"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
