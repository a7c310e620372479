package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/catalog"
	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/internal/metrics"
	"github.com/BaSui01/flowmesh/proxy"
	"github.com/BaSui01/flowmesh/registry"
	"github.com/BaSui01/flowmesh/store"
	"github.com/BaSui01/flowmesh/types"
)

// Deps are the collaborators the engine schedules against. Catalog,
// Registry, Store and Proxy are required; the rest default to working
// in-process instances when nil.
type Deps struct {
	Catalog  *catalog.Catalog
	Registry *registry.Registry
	Store    store.Store
	Proxy    *proxy.Proxy
	Breakers *breaker.Registry
	Bus      *events.Bus
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Engine runs flow executions.
type Engine struct {
	config Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	running map[string]*coordinator
	tenants map[string]*semaphore.Weighted
	closed  bool

	wg sync.WaitGroup
}

// New creates an engine.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Catalog == nil || deps.Registry == nil || deps.Store == nil || deps.Proxy == nil {
		return nil, types.NewError(types.ErrInternal, "engine requires catalog, registry, store and proxy")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.With(zap.String("component", "engine"))
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.DefaultConfig(), nil, deps.Logger)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector("flowmesh", deps.Logger)
	}
	return &Engine{
		config:  config.withDefaults(),
		deps:    deps,
		logger:  logger,
		tracer:  otel.Tracer("flowmesh/engine"),
		running: make(map[string]*coordinator),
		tenants: make(map[string]*semaphore.Weighted),
	}, nil
}

// SubmitRequest describes one execution to start.
type SubmitRequest struct {
	FlowID   string         `json:"flow_id"`
	TenantID string         `json:"tenant_id"`
	Input    map[string]any `json:"input,omitempty"`
}

// Submit validates the flow reference, persists a pending execution and
// starts its coordinator. It returns immediately with the pending
// context; progress is observable via Status and Subscribe.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*types.ExecutionContext, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, types.NewError(types.ErrInternal, "engine is shut down")
	}
	e.mu.Unlock()

	def, err := e.deps.Catalog.Get(req.FlowID, req.TenantID)
	if err != nil {
		return nil, err
	}

	exec := &types.ExecutionContext{
		ExecutionID: uuid.NewString(),
		FlowID:      def.FlowID,
		TenantID:    req.TenantID,
		Status:      types.ExecutionPending,
		InputData:   req.Input,
		CreatedAt:   time.Now(),
	}
	start := time.Now()
	if err := e.deps.Store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.deps.Metrics.RecordStoreOp("create_execution", time.Since(start))

	c := newCoordinator(e, def, exec)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		c.requestCancel()
		return nil, types.NewError(types.ErrInternal, "engine is shut down")
	}
	e.running[exec.ExecutionID] = c
	e.mu.Unlock()

	e.wg.Add(1)
	go c.run()

	e.logger.Info("execution submitted",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("flow_id", def.FlowID),
		zap.String("tenant_id", req.TenantID),
	)
	out := *exec
	return &out, nil
}

// Status returns the execution context visible to the tenant.
func (e *Engine) Status(ctx context.Context, executionID, tenantID string) (*types.ExecutionContext, error) {
	return e.deps.Store.GetExecution(ctx, executionID, tenantID)
}

// NodeResults returns the per-node records of an execution visible to
// the tenant.
func (e *Engine) NodeResults(ctx context.Context, executionID, tenantID string) ([]*types.NodeResult, error) {
	if _, err := e.deps.Store.GetExecution(ctx, executionID, tenantID); err != nil {
		return nil, err
	}
	return e.deps.Store.GetNodeResults(ctx, executionID)
}

// Messages returns the edge traversal trace of an execution visible to
// the tenant.
func (e *Engine) Messages(ctx context.Context, executionID, tenantID string) ([]*types.AgentMessage, error) {
	if _, err := e.deps.Store.GetExecution(ctx, executionID, tenantID); err != nil {
		return nil, err
	}
	return e.deps.Store.GetMessages(ctx, executionID)
}

// ListExecutions returns the tenant's executions matching the filter.
func (e *Engine) ListExecutions(ctx context.Context, tenantID string, filter store.ExecutionFilter) ([]*types.ExecutionContext, error) {
	return e.deps.Store.ListExecutions(ctx, tenantID, filter)
}

// Cancel requests cancellation of a non-terminal execution. In-flight
// agent dispatches are aborted; queued nodes never start.
func (e *Engine) Cancel(ctx context.Context, executionID, tenantID string) error {
	exec, err := e.deps.Store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return types.Errorf(types.ErrAlreadyTerminal, "execution %s is already %s", executionID, exec.Status)
	}

	e.mu.Lock()
	c := e.running[executionID]
	e.mu.Unlock()

	if c != nil {
		c.requestCancel()
		return nil
	}
	// No live coordinator (engine restarted); settle the record directly.
	return e.deps.Store.Transition(ctx, executionID, types.ExecutionCancelled, nil)
}

// Subscribe streams the events of one execution, or all events when
// executionID is empty. The cancel function releases the subscription.
func (e *Engine) Subscribe(executionID string) (<-chan events.Event, func()) {
	return e.deps.Bus.Subscribe(executionID, 0)
}

// RegisterAgent registers or refreshes an agent record.
func (e *Engine) RegisterAgent(record *types.AgentRecord) (*types.AgentRecord, error) {
	return e.deps.Registry.Register(record)
}

// DeregisterAgent removes an agent registration within the tenant scope.
func (e *Engine) DeregisterAgent(agentID, tenantID string) error {
	return e.deps.Registry.Deregister(agentID, tenantID)
}

// ListAgents returns the agents visible to the tenant.
func (e *Engine) ListAgents(tenantID string, filter registry.ListFilter) []*types.AgentRecord {
	return e.deps.Registry.List(tenantID, filter)
}

// Close stops accepting submissions and waits for running executions.
// When ctx expires first, the remaining executions are cancelled and
// waited for.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	remaining := make([]*coordinator, 0, len(e.running))
	for _, c := range e.running {
		remaining = append(remaining, c)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range remaining {
			c.requestCancel()
		}
		<-done
		return ctx.Err()
	}
}

// tenantSlot returns the per-tenant concurrency semaphore, creating it
// on first use.
func (e *Engine) tenantSlot(tenantID string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.tenants[tenantID]
	if !ok {
		slot = semaphore.NewWeighted(e.config.TenantMaxConcurrent)
		e.tenants[tenantID] = slot
	}
	return slot
}

func (e *Engine) removeCoordinator(executionID string) {
	e.mu.Lock()
	delete(e.running, executionID)
	e.mu.Unlock()
}
