package types

import "time"

// AgentType classifies an agent's role within a flow.
type AgentType string

const (
	AgentTypeInput       AgentType = "input"
	AgentTypeProcessor   AgentType = "processor"
	AgentTypeOutput      AgentType = "output"
	AgentTypeConditional AgentType = "conditional"
)

// HealthState is the advisory liveness state of an agent.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthReady     HealthState = "ready"
	HealthUnhealthy HealthState = "unhealthy"
)

// AgentRecord describes a registered agent endpoint.
type AgentRecord struct {
	// AgentID is the unique agent identifier within its ownership scope.
	AgentID string `json:"agent_id"`
	// Endpoint is the agent base URL; /health and /execute are appended.
	Endpoint string `json:"endpoint"`
	// AuthToken is the bearer token injected on outbound requests.
	AuthToken string `json:"-"`
	// Capabilities lists the capability tags the agent advertises.
	Capabilities []string `json:"capabilities,omitempty"`
	// AgentType classifies the agent.
	AgentType AgentType `json:"agent_type"`
	// Version is the agent-reported version.
	Version string `json:"version,omitempty"`
	// OwnerTenantID scopes the record; empty means system scope,
	// visible to all tenants.
	OwnerTenantID string `json:"owner_tenant_id,omitempty"`
	// Health is the advisory probe state.
	Health HealthState `json:"health"`
	// LastProbeAt is when the agent was last probed.
	LastProbeAt time.Time `json:"last_probe_at,omitempty"`
	// RegisteredAt is when the record was created.
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// SystemScope reports whether the record has no owning tenant.
func (r *AgentRecord) SystemScope() bool {
	return r.OwnerTenantID == ""
}

// HasCapability reports whether the agent advertises the given tag.
func (r *AgentRecord) HasCapability(tag string) bool {
	for _, c := range r.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ExecuteRequest is the body POSTed to an agent's /execute endpoint.
type ExecuteRequest struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Input       map[string]any `json:"input"`
	Config      map[string]any `json:"config,omitempty"`
}

// ExecuteResponse is the body an agent returns from /execute.
type ExecuteResponse struct {
	Status       string         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ExecutionID  string         `json:"execution_id"`
	// CostUSD is optional upstream cost instrumentation.
	CostUSD *float64 `json:"cost_usd,omitempty"`
	// Context carries explicit scratch updates merged into the
	// execution's context variables.
	Context map[string]any `json:"context,omitempty"`
}

// HealthResponse is the body an agent returns from /health.
type HealthResponse struct {
	AgentID      string    `json:"agent_id"`
	Version      string    `json:"version"`
	Capabilities []string  `json:"capabilities"`
	Ready        bool      `json:"ready"`
	AgentType    AgentType `json:"agent_type"`
}
