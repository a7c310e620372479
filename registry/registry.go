package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/types"
)

// Config holds registry configuration.
type Config struct {
	// ProbeInterval is the interval between health sweeps.
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	// ProbeTimeout is the per-probe HTTP timeout.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	// UnhealthyThreshold is the number of consecutive probe failures
	// before an agent is marked unhealthy.
	UnhealthyThreshold int `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
	// EnableSweeper enables the background probe loop.
	EnableSweeper bool `yaml:"enable_sweeper" json:"enable_sweeper"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:      30 * time.Second,
		ProbeTimeout:       5 * time.Second,
		UnhealthyThreshold: 3,
		EnableSweeper:      true,
	}
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	// Capability keeps agents advertising the tag.
	Capability string
	// AgentType keeps agents of the given type.
	AgentType types.AgentType
	// Health keeps agents in the given health state.
	Health types.HealthState
}

// Registry is the in-memory agent registry with a capability index.
// It is read-mostly: lookups take the read lock, registration and
// probe updates the write lock.
type Registry struct {
	mu sync.RWMutex

	// agents maps agent id to record.
	agents map[string]*types.AgentRecord

	// capabilityIndex maps capability tag to the set of agent ids
	// advertising it.
	capabilityIndex map[string]map[string]bool

	config    Config
	publisher events.Publisher
	sweeper   *Sweeper
	logger    *zap.Logger
}

// New creates a registry. The publisher receives agent.probed events;
// pass events.NopPublisher to discard them.
func New(config Config, publisher events.Publisher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	r := &Registry{
		agents:          make(map[string]*types.AgentRecord),
		capabilityIndex: make(map[string]map[string]bool),
		config:          config,
		publisher:       publisher,
		logger:          logger.With(zap.String("component", "agent_registry")),
	}
	// The sweeper also serves on-demand probes, so it exists even when
	// the background loop is disabled.
	r.sweeper = NewSweeper(r, config, logger)
	return r
}

// Start launches the background sweeper, when enabled.
func (r *Registry) Start() {
	if r.config.EnableSweeper {
		r.sweeper.Start()
	}
}

// Close stops the background sweeper.
func (r *Registry) Close() {
	r.sweeper.Stop()
}

// Register stores a record. Re-registering an agent id within the same
// ownership scope returns the existing record unchanged; an id already
// held by a different scope is an AGENT_CONFLICT.
func (r *Registry) Register(record *types.AgentRecord) (*types.AgentRecord, error) {
	if record == nil || record.AgentID == "" {
		return nil, types.NewError(types.ErrAgentUnknown, "agent record requires agent_id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[record.AgentID]; ok {
		if existing.OwnerTenantID == record.OwnerTenantID {
			return copyRecord(existing), nil
		}
		return nil, types.Errorf(types.ErrAgentConflict,
			"agent %q already registered under a different scope", record.AgentID)
	}

	stored := copyRecord(record)
	stored.RegisteredAt = time.Now()
	if stored.Health == "" {
		stored.Health = types.HealthUnknown
	}
	r.agents[stored.AgentID] = stored
	for _, tag := range stored.Capabilities {
		r.indexCapability(tag, stored.AgentID)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", stored.AgentID),
		zap.String("endpoint", stored.Endpoint),
		zap.String("owner_tenant_id", stored.OwnerTenantID),
		zap.Int("capabilities", len(stored.Capabilities)),
	)
	return copyRecord(stored), nil
}

// Lookup returns the record visible to the tenant: its own record or a
// system-scope record. Records owned by other tenants are invisible.
func (r *Registry) Lookup(agentID, tenantID string) (*types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.agents[agentID]
	if !ok || !visibleTo(record, tenantID) {
		return nil, types.Errorf(types.ErrAgentUnknown, "agent %q not found", agentID)
	}
	return copyRecord(record), nil
}

// Deregister removes a record owned by the tenant. System-scope
// records require an empty tenant id. Invisible records report
// AGENT_UNKNOWN to avoid existence leakage.
func (r *Registry) Deregister(agentID, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[agentID]
	if !ok || !visibleTo(record, tenantID) {
		return types.Errorf(types.ErrAgentUnknown, "agent %q not found", agentID)
	}
	if record.OwnerTenantID != tenantID {
		// System record visible to the tenant, but not deletable by it.
		return types.Errorf(types.ErrAgentUnknown, "agent %q not found", agentID)
	}

	delete(r.agents, agentID)
	for _, tag := range record.Capabilities {
		r.unindexCapability(tag, agentID)
	}

	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// List returns the records visible to the tenant matching the filter,
// sorted by agent id.
func (r *Registry) List(tenantID string, filter ListFilter) []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.AgentRecord
	for _, record := range r.agents {
		if !visibleTo(record, tenantID) {
			continue
		}
		if filter.Capability != "" && !record.HasCapability(filter.Capability) {
			continue
		}
		if filter.AgentType != "" && record.AgentType != filter.AgentType {
			continue
		}
		if filter.Health != "" && record.Health != filter.Health {
			continue
		}
		out = append(out, copyRecord(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ProbeAgent probes one visible agent immediately, applying the same
// threshold rules as the background sweep, and returns the updated
// record. Invisible agents report AGENT_UNKNOWN.
func (r *Registry) ProbeAgent(agentID, tenantID string) (*types.AgentRecord, error) {
	record, err := r.Lookup(agentID, tenantID)
	if err != nil {
		return nil, err
	}
	r.sweeper.probe(record)
	return r.Lookup(agentID, tenantID)
}

// FindByCapability returns the visible agents advertising the tag.
func (r *Registry) FindByCapability(tag, tenantID string) []*types.AgentRecord {
	return r.List(tenantID, ListFilter{Capability: tag})
}

// setHealth applies a probe outcome to the record and publishes the
// agent.probed event.
func (r *Registry) setHealth(agentID string, health types.HealthState, detail string) {
	r.mu.Lock()
	record, ok := r.agents[agentID]
	var changed bool
	if ok {
		changed = record.Health != health
		record.Health = health
		record.LastProbeAt = time.Now()
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if changed {
		r.logger.Info("agent health changed",
			zap.String("agent_id", agentID),
			zap.String("health", string(health)),
			zap.String("detail", detail),
		)
	}
	r.publisher.Publish(events.Event{
		Type:    events.AgentProbed,
		AgentID: agentID,
		Data: map[string]any{
			"health": string(health),
			"detail": detail,
		},
	})
}

// refreshMetadata merges probe-reported capabilities and version into
// the record.
func (r *Registry) refreshMetadata(agentID string, health *types.HealthResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[agentID]
	if !ok {
		return
	}
	if health.Version != "" {
		record.Version = health.Version
	}
	if len(health.Capabilities) > 0 {
		for _, tag := range record.Capabilities {
			r.unindexCapability(tag, agentID)
		}
		record.Capabilities = append([]string(nil), health.Capabilities...)
		for _, tag := range record.Capabilities {
			r.indexCapability(tag, agentID)
		}
	}
}

// snapshot returns copies of all records, for the sweeper.
func (r *Registry) snapshot() []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.AgentRecord, 0, len(r.agents))
	for _, record := range r.agents {
		out = append(out, copyRecord(record))
	}
	return out
}

func (r *Registry) indexCapability(tag, agentID string) {
	if r.capabilityIndex[tag] == nil {
		r.capabilityIndex[tag] = make(map[string]bool)
	}
	r.capabilityIndex[tag][agentID] = true
}

func (r *Registry) unindexCapability(tag, agentID string) {
	if set, ok := r.capabilityIndex[tag]; ok {
		delete(set, agentID)
		if len(set) == 0 {
			delete(r.capabilityIndex, tag)
		}
	}
}

// visibleTo reports whether a record is visible to the tenant: own
// records and system-scope records.
func visibleTo(record *types.AgentRecord, tenantID string) bool {
	return record.SystemScope() || record.OwnerTenantID == tenantID
}

func copyRecord(record *types.AgentRecord) *types.AgentRecord {
	cp := *record
	cp.Capabilities = append([]string(nil), record.Capabilities...)
	return &cp
}
