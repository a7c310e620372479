package types

import "time"

// NodeType defines the type of a flow node.
type NodeType string

const (
	// NodeAgent invokes a remote agent over HTTP.
	NodeAgent NodeType = "agent"
	// NodeDecision performs conditional branching.
	NodeDecision NodeType = "decision"
	// NodeLoop repeats its body until a condition holds.
	NodeLoop NodeType = "loop"
	// NodeFork emits parallel successors.
	NodeFork NodeType = "fork"
	// NodeJoin waits on multiple sources per its merge strategy.
	NodeJoin NodeType = "join"
	// NodeOutput is a terminal aggregator.
	NodeOutput NodeType = "output"
)

// MergeStrategy defines how a join node resolves its sources.
type MergeStrategy string

const (
	// MergeFirstComplete resolves on the first succeeded source; the
	// remaining sources are cancelled.
	MergeFirstComplete MergeStrategy = "first_complete"
	// MergeAllComplete resolves when all sources are terminal and fails
	// if any source failed.
	MergeAllComplete MergeStrategy = "all_complete"
	// MergeBestBy waits for all sources and picks the succeeded source
	// maximizing the configured expression.
	MergeBestBy MergeStrategy = "best_by"
)

// Node represents a single unit of work within a flow. The populated
// fields depend on Type; Validate in the catalog package enforces the
// per-variant structure.
type Node struct {
	// ID is the node identifier, unique within the flow.
	ID string `json:"id" yaml:"id"`
	// Type is the node variant.
	Type NodeType `json:"type" yaml:"type"`
	// DependsOn lists predecessor node IDs.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// AgentID identifies the agent to invoke (agent nodes).
	AgentID string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	// Config is the opaque per-node configuration forwarded to the agent.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	// Timeout is the per-node dispatch timeout (agent nodes).
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxRetries bounds retry attempts beyond the first (agent nodes).
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	// OnErrorNode receives control when this node fails permanently.
	OnErrorNode string `json:"on_error_node,omitempty" yaml:"on_error_node,omitempty"`

	// Condition is the guard expression (decision nodes).
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Then is the branch taken when Condition is true.
	Then string `json:"then,omitempty" yaml:"then,omitempty"`
	// Else is the branch taken when Condition is false.
	Else string `json:"else,omitempty" yaml:"else,omitempty"`

	// Body lists the loop body node IDs (loop nodes).
	Body []string `json:"body,omitempty" yaml:"body,omitempty"`
	// Until is the loop exit expression, evaluated after each body pass
	// with iteration bound to the number of completed passes.
	Until string `json:"until,omitempty" yaml:"until,omitempty"`
	// MaxIterations bounds loop iterations.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// Branches lists parallel successor node IDs (fork nodes).
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty"`

	// Sources lists the node IDs a join waits on (join nodes).
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	// Strategy is the join merge strategy.
	Strategy MergeStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	// BestBy is the scoring expression, required when Strategy is best_by.
	BestBy string `json:"best_by,omitempty" yaml:"best_by,omitempty"`
}

// FlowDefinition is an immutable, validated flow. Instances are produced
// by the catalog and must not be mutated after load.
type FlowDefinition struct {
	// FlowID is the unique flow identifier.
	FlowID string `json:"flow_id" yaml:"flow_id"`
	// Version is the flow semver.
	Version string `json:"version" yaml:"version"`
	// Name is the human-readable flow name.
	Name string `json:"name" yaml:"name"`
	// Description describes the flow.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// TenantID scopes the flow; empty means system scope.
	TenantID string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	// EntryPoint is the single entry node ID.
	EntryPoint string `json:"entry_point" yaml:"entry_point"`
	// ExitPoints is the non-empty set of exit node IDs.
	ExitPoints []string `json:"exit_points" yaml:"exit_points"`
	// Nodes maps node ID to node.
	Nodes map[string]*Node `json:"nodes" yaml:"nodes"`

	// Layers holds the precomputed topological layers.
	Layers [][]string `json:"-" yaml:"-"`
	// Indegree holds the precomputed per-node dependency count.
	Indegree map[string]int `json:"-" yaml:"-"`
}

// Node returns the node with the given ID.
func (f *FlowDefinition) Node(id string) (*Node, bool) {
	n, ok := f.Nodes[id]
	return n, ok
}

// Successors returns the IDs of nodes that list id in depends_on.
func (f *FlowDefinition) Successors(id string) []string {
	var out []string
	for _, n := range f.Nodes {
		for _, dep := range n.DependsOn {
			if dep == id {
				out = append(out, n.ID)
				break
			}
		}
	}
	return out
}

// IsExitPoint reports whether id is one of the flow's exit points.
func (f *FlowDefinition) IsExitPoint(id string) bool {
	for _, ep := range f.ExitPoints {
		if ep == id {
			return true
		}
	}
	return false
}
