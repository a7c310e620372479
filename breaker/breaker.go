// Package breaker guards outbound agent dispatch with a per-agent
// three-state circuit breaker: closed, open, half-open.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

// State is the breaker state.
type State int

const (
	// StateClosed passes requests through.
	StateClosed State = iota
	// StateOpen fails fast without dispatching.
	StateOpen
	// StateHalfOpen lets a bounded number of probe requests through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before
	// admitting probes.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// HalfOpenMaxProbes is the number of concurrent probe requests
	// admitted while half-open.
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" json:"half_open_max_probes"`
	// SuccessThreshold is the consecutive successes in half-open that
	// close the breaker.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultConfig returns the default breaker configuration: five
// consecutive failures open the breaker for sixty seconds, then a
// single successful probe closes it.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		RecoveryTimeout:   60 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// StateChange describes one breaker transition.
type StateChange struct {
	AgentID   string    `json:"agent_id"`
	OldState  State     `json:"old_state"`
	NewState  State     `json:"new_state"`
	Reason    string    `json:"reason"`
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChangeHandler observes breaker transitions.
type StateChangeHandler func(change StateChange)

// Breaker is the circuit breaker for one agent.
type Breaker struct {
	agentID string
	config  Config
	handler StateChangeHandler
	logger  *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
}

// New creates a closed breaker for one agent.
func New(agentID string, config Config, handler StateChangeHandler, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		agentID: agentID,
		config:  config,
		handler: handler,
		logger:  logger.With(zap.String("component", "breaker"), zap.String("agent_id", agentID)),
	}
}

// Allow reports whether a dispatch may proceed. While open it fails
// fast with AGENT_BREAKER_OPEN until the recovery timeout elapses,
// then admits probes in half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen, "recovery timeout elapsed")
			b.probes = 1
			b.successes = 0
			return nil
		}
		return types.Errorf(types.ErrAgentBreakerOpen,
			"agent %s circuit open after %d consecutive failures, retry in %v",
			b.agentID, b.failures, (b.config.RecoveryTimeout - time.Since(b.lastFailure)).Round(time.Second)).
			WithAgent(b.agentID)

	case StateHalfOpen:
		if b.probes < b.config.HalfOpenMaxProbes {
			b.probes++
			return nil
		}
		return types.Errorf(types.ErrAgentBreakerOpen,
			"agent %s circuit half-open, probe already in flight", b.agentID).
			WithAgent(b.agentID)
	}
	return types.Errorf(types.ErrInternal, "unknown breaker state %d", b.state)
}

// RecordSuccess registers a successful dispatch.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed, "probe succeeded")
			b.failures = 0
			b.successes = 0
			b.probes = 0
		}
	}
}

// RecordFailure registers a failed dispatch. A failure in half-open
// reopens immediately and restarts the recovery timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		b.successes = 0
		b.transitionTo(StateOpen, "probe failed")
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if old != StateClosed {
		b.emit(old, StateClosed, "manual reset")
	}
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(next State, reason string) {
	old := b.state
	b.state = next
	b.logger.Info("breaker state change",
		zap.String("old_state", old.String()),
		zap.String("new_state", next.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)
	b.emit(old, next, reason)
}

// emit must be called with the lock held; the handler runs on its own
// goroutine to avoid re-entrancy deadlocks.
func (b *Breaker) emit(old, next State, reason string) {
	if b.handler == nil {
		return
	}
	change := StateChange{
		AgentID:   b.agentID,
		OldState:  old,
		NewState:  next,
		Reason:    reason,
		Failures:  b.failures,
		Timestamp: time.Now(),
	}
	go b.handler(change)
}

// Registry manages one breaker per agent id.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	handler  StateChangeHandler
	logger   *zap.Logger
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config, handler StateChangeHandler, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
		handler:  handler,
		logger:   logger,
	}
}

// Get returns the agent's breaker, creating it on first use.
func (r *Registry) Get(agentID string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[agentID]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[agentID]; ok {
		return b
	}
	b := New(agentID, r.config, r.handler, r.logger)
	r.breakers[agentID] = b
	return b
}

// States returns the current state of every known breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		states[id] = b.State()
	}
	return states
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
