// Command flowmesh runs the workflow orchestration service: it loads
// the configuration, wires the store, agent registry, proxy, breakers
// and engine together, serves the prometheus endpoint and drains
// gracefully on SIGINT/SIGTERM.
//
// Usage:
//
//	flowmesh                          # defaults, in-memory store
//	flowmesh --config flowmesh.yaml   # explicit config file
//	flowmesh --version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/catalog"
	"github.com/BaSui01/flowmesh/config"
	"github.com/BaSui01/flowmesh/engine"
	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/internal/metrics"
	"github.com/BaSui01/flowmesh/proxy"
	"github.com/BaSui01/flowmesh/registry"
	"github.com/BaSui01/flowmesh/store"
)

// Injected at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	fs := flag.NewFlagSet("flowmesh", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("flowmesh %s (%s)\n", Version, GitCommit)
		return
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmesh: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmesh: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("flowmesh failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting flowmesh",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("store", string(cfg.Store.Type)),
	)

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(logger)
	collector := metrics.NewCollector("flowmesh", logger)

	reg := registry.New(cfg.Registry, bus, logger)
	reg.Start()
	defer reg.Close()

	breakers := breaker.NewRegistry(cfg.Breaker, func(change breaker.StateChange) {
		collector.RecordBreakerTransition(change.AgentID, change.NewState.String())
	}, logger)

	px := proxy.New(cfg.Proxy, func(agentID string, duration time.Duration, outcome string) {
		collector.RecordAgentDispatch(agentID, outcome, duration)
	}, logger)

	cat := catalog.New(logger)
	if cfg.Flows.Dir != "" {
		if err := cat.LoadDir(cfg.Flows.Dir); err != nil {
			return fmt.Errorf("load flows: %w", err)
		}
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Catalog:  cat,
		Registry: reg,
		Store:    st,
		Proxy:    px,
		Breakers: breakers,
		Bus:      bus,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchers := make([]*events.WebhookDispatcher, 0, len(cfg.Webhooks))
	for _, wc := range cfg.Webhooks {
		d := events.NewWebhookDispatcher(wc, bus, logger)
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("start webhook dispatcher %s: %w", wc.URL, err)
		}
		dispatchers = append(dispatchers, d)
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := st.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, "ok")
		})
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics endpoint shutdown", zap.Error(err))
		}
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn("engine drain incomplete", zap.Error(err))
	}
	for _, d := range dispatchers {
		d.Stop()
	}

	logger.Info("flowmesh stopped")
	return nil
}
