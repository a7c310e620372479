package catalog

// flowDocument is the top-level YAML structure of a flow definition.
// Unknown fields are rejected at decode time.
type flowDocument struct {
	// FlowID is the unique flow identifier, ^[a-z0-9_-]{1,64}$.
	FlowID string `yaml:"flow_id"`
	// Name is the human-readable flow name.
	Name string `yaml:"name"`
	// Description describes the flow.
	Description string `yaml:"description"`
	// Version is a semver string.
	Version string `yaml:"version"`
	// TenantID scopes the flow; empty means system scope.
	TenantID string `yaml:"tenant_id"`
	// EntryPoint is the entry node id.
	EntryPoint string `yaml:"entry_point"`
	// ExitPoints lists at least one exit node id.
	ExitPoints []string `yaml:"exit_points"`
	// Nodes lists all node definitions.
	Nodes []nodeDocument `yaml:"nodes"`
}

// nodeDocument is one node entry in a flow document.
type nodeDocument struct {
	ID        string   `yaml:"id"`
	Type      string   `yaml:"type"`
	DependsOn []string `yaml:"depends_on"`

	// Agent node fields
	AgentID     string         `yaml:"agent_id"`
	Config      map[string]any `yaml:"config"`
	OnErrorNode string         `yaml:"on_error_node"`

	// Decision node fields
	Condition string `yaml:"condition"`
	Then      string `yaml:"then"`
	Else      string `yaml:"else"`

	// Loop node fields
	Body          []string `yaml:"body"`
	Until         string   `yaml:"until"`
	MaxIterations int      `yaml:"max_iterations"`

	// Fork node fields
	Branches []string `yaml:"branches"`

	// Join node fields
	Sources  []string `yaml:"sources"`
	Strategy string   `yaml:"strategy"`
	BestBy   string   `yaml:"best_by"`
}

// Recognized agent config keys with engine semantics. All other config
// keys are opaque and forwarded to the agent unchanged.
const (
	configKeyTimeout    = "timeout"     // int seconds, 30..600
	configKeyMaxRetries = "max_retries" // int, 0..5
)

// Agent config bounds from the flow document contract.
const (
	minTimeoutSeconds = 30
	maxTimeoutSeconds = 600
	maxRetriesBound   = 5
)
