// Package store persists execution state: execution contexts, node
// results and agent messages.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Postgres: relational storage via GORM for single-writer production
// - Redis: for distributed deployments
package store

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/internal/database"
	"github.com/BaSui01/flowmesh/types"
)

// Type selects the storage backend.
type Type string

const (
	TypeMemory   Type = "memory"
	TypePostgres Type = "postgres"
	TypeRedis    Type = "redis"
)

// Config is the store configuration.
type Config struct {
	// Type is the storage backend type.
	Type Type `yaml:"type" json:"type"`

	// DSN is the relational connection string, used when Type is
	// "postgres".
	DSN string `yaml:"dsn" json:"dsn"`

	// Pool tunes the relational connection pool, used when Type is
	// "postgres".
	Pool database.PoolConfig `yaml:"pool" json:"pool"`

	// Redis holds redis-specific settings, used when Type is "redis".
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig contains redis-specific configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
	// KeyPrefix namespaces all keys written by the store.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Type: TypeMemory,
		Pool: database.DefaultPoolConfig(),
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "flowmesh:",
		},
	}
}

// ExecutionFilter narrows ListExecutions results. Zero values match
// everything.
type ExecutionFilter struct {
	// FlowID keeps executions of one flow.
	FlowID string
	// Status keeps executions in any of the given states.
	Status []types.ExecutionStatus
	// Limit bounds the result size; 0 is unbounded.
	Limit int
	// Offset skips the first n matches.
	Offset int
}

func (f ExecutionFilter) matches(exec *types.ExecutionContext) bool {
	if f.FlowID != "" && exec.FlowID != f.FlowID {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if exec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the persistence port the orchestrator writes through. All
// reads are tenant-scoped: an execution owned by another tenant is
// indistinguishable from a missing one.
type Store interface {
	// CreateExecution persists a new execution context.
	CreateExecution(ctx context.Context, exec *types.ExecutionContext) error

	// GetExecution returns the execution visible to the tenant.
	GetExecution(ctx context.Context, executionID, tenantID string) (*types.ExecutionContext, error)

	// Transition moves the execution to the next status after checking
	// the lifecycle rules, then applies the mutation under the same
	// guard. A terminal execution reports ALREADY_TERMINAL; any other
	// illegal step reports INVALID_TRANSITION. The mutation may set
	// output, error and timestamps; apply may be nil.
	Transition(ctx context.Context, executionID string, to types.ExecutionStatus, apply func(*types.ExecutionContext)) error

	// ListExecutions returns the tenant's executions matching the
	// filter, newest first.
	ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*types.ExecutionContext, error)

	// UpsertNodeResult writes a node result keyed by
	// (execution, node, iteration).
	UpsertNodeResult(ctx context.Context, result *types.NodeResult) error

	// GetNodeResults returns all node results of an execution ordered
	// by start time.
	GetNodeResults(ctx context.Context, executionID string) ([]*types.NodeResult, error)

	// AppendMessage records one edge traversal.
	AppendMessage(ctx context.Context, msg *types.AgentMessage) error

	// GetMessages returns an execution's messages in append order.
	GetMessages(ctx context.Context, executionID string) ([]*types.AgentMessage, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// New creates a store from the configuration.
func New(config Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch config.Type {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypePostgres:
		return NewGormStore(config, logger)
	case TypeRedis:
		return NewRedisStore(config, logger)
	default:
		return nil, types.Errorf(types.ErrStoreUnavailable, "unsupported store type %q", config.Type)
	}
}

// transitionGuard applies the shared lifecycle rules during Transition.
func transitionGuard(exec *types.ExecutionContext, to types.ExecutionStatus) error {
	if exec.Status.Terminal() {
		return types.Errorf(types.ErrAlreadyTerminal,
			"execution %s already %s", exec.ExecutionID, exec.Status)
	}
	if !exec.Status.CanTransitionTo(to) {
		return types.Errorf(types.ErrInvalidTransition,
			"cannot transition execution %s from %s to %s", exec.ExecutionID, exec.Status, to)
	}
	return nil
}

// applyTransition mutates the context for a checked transition,
// stamping the lifecycle timestamps.
func applyTransition(exec *types.ExecutionContext, to types.ExecutionStatus, apply func(*types.ExecutionContext)) {
	now := time.Now()
	exec.Status = to
	if to == types.ExecutionRunning && exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	if to.Terminal() && exec.CompletedAt == nil {
		exec.CompletedAt = &now
	}
	if apply != nil {
		apply(exec)
	}
}

// sortResults orders node results by start time, then node id, then
// iteration.
func sortResults(results []*types.NodeResult) {
	sort.Slice(results, func(i, j int) bool {
		if !results[i].StartedAt.Equal(results[j].StartedAt) {
			return results[i].StartedAt.Before(results[j].StartedAt)
		}
		if results[i].NodeID != results[j].NodeID {
			return results[i].NodeID < results[j].NodeID
		}
		return results[i].Iteration < results[j].Iteration
	})
}

func notFound(executionID string) error {
	return types.Errorf(types.ErrExecutionNotFound, "execution %s not found", executionID)
}
