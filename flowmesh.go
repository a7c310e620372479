// Package flowmesh provides a top-level convenience entry point for
// embedding the workflow engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/flowmesh"
//
//	rt, err := flowmesh.New()
//	rt, err := flowmesh.New(flowmesh.WithLogger(logger), flowmesh.WithStoreConfig(storeCfg))
//
// The runtime wires an in-memory store, agent registry, proxy,
// circuit breakers and event bus around the engine with default
// limits. Services that need the full configuration surface should
// assemble the components directly the way cmd/flowmesh does.
package flowmesh

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/catalog"
	"github.com/BaSui01/flowmesh/engine"
	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/internal/metrics"
	"github.com/BaSui01/flowmesh/proxy"
	"github.com/BaSui01/flowmesh/registry"
	"github.com/BaSui01/flowmesh/store"
)

// Runtime bundles an assembled engine with the components a caller
// interacts with directly.
type Runtime struct {
	Engine  *engine.Engine
	Catalog *catalog.Catalog
	Bus     *events.Bus

	store    store.Store
	registry *registry.Registry
}

// Option configures the runtime created by [New].
type Option func(*options)

type options struct {
	logger   *zap.Logger
	store    store.Config
	engine   engine.Config
	proxy    proxy.Config
	breaker  breaker.Config
	registry registry.Config
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStoreConfig selects the persistence backend.
func WithStoreConfig(cfg store.Config) Option {
	return func(o *options) { o.store = cfg }
}

// WithEngineConfig overrides the scheduling limits.
func WithEngineConfig(cfg engine.Config) Option {
	return func(o *options) { o.engine = cfg }
}

// WithProxyConfig overrides the agent dispatch limits.
func WithProxyConfig(cfg proxy.Config) Option {
	return func(o *options) { o.proxy = cfg }
}

// WithBreakerConfig overrides the circuit breaker thresholds.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithRegistryConfig overrides registration TTLs and health probing.
func WithRegistryConfig(cfg registry.Config) Option {
	return func(o *options) { o.registry = cfg }
}

// New assembles a runtime with default limits and an in-memory store.
func New(opts ...Option) (*Runtime, error) {
	o := &options{
		store:    store.DefaultConfig(),
		engine:   engine.DefaultConfig(),
		proxy:    proxy.DefaultConfig(),
		breaker:  breaker.DefaultConfig(),
		registry: registry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	st, err := store.New(o.store, o.logger)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus(o.logger)
	cat := catalog.New(o.logger)
	reg := registry.New(o.registry, bus, o.logger)
	reg.Start()

	eng, err := engine.New(o.engine, engine.Deps{
		Catalog:  cat,
		Registry: reg,
		Store:    st,
		Proxy:    proxy.New(o.proxy, nil, o.logger),
		Breakers: breaker.NewRegistry(o.breaker, nil, o.logger),
		Bus:      bus,
		Metrics:  metrics.NewCollector("flowmesh", o.logger),
		Logger:   o.logger,
	})
	if err != nil {
		reg.Close()
		st.Close()
		return nil, err
	}
	return &Runtime{
		Engine:   eng,
		Catalog:  cat,
		Bus:      bus,
		store:    st,
		registry: reg,
	}, nil
}

// Close drains the engine, then releases the registry and store.
func (rt *Runtime) Close(ctx context.Context) error {
	err := rt.Engine.Close(ctx)
	rt.registry.Close()
	if cerr := rt.store.Close(); err == nil {
		err = cerr
	}
	return err
}
