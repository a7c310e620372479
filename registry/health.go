package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/internal/tlsutil"
	"github.com/BaSui01/flowmesh/types"
)

// maxHealthBody bounds how much of a health response body is read.
const maxHealthBody = 64 * 1024

// Sweeper probes registered agents on a fixed interval and drives
// their advisory health state. An agent needs UnhealthyThreshold
// consecutive failed probes to turn unhealthy, and a single successful
// probe to turn ready again.
type Sweeper struct {
	registry *Registry
	config   Config
	client   *http.Client
	logger   *zap.Logger

	mu       sync.Mutex
	failures map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSweeper creates a sweeper over the registry.
func NewSweeper(registry *Registry, config Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = DefaultConfig().UnhealthyThreshold
	}
	return &Sweeper{
		registry: registry,
		config:   config,
		client:   tlsutil.SecureHTTPClient(config.ProbeTimeout),
		logger:   logger.With(zap.String("component", "health_sweeper")),
		failures: make(map[string]int),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("health sweeper started",
		zap.Duration("interval", s.config.ProbeInterval),
		zap.Int("unhealthy_threshold", s.config.UnhealthyThreshold),
	)
}

// Stop terminates the probe loop and waits for the in-flight sweep.
func (s *Sweeper) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce()
		case <-s.done:
			return
		}
	}
}

// SweepOnce probes every registered agent once.
func (s *Sweeper) SweepOnce() {
	for _, record := range s.registry.snapshot() {
		s.probe(record)
	}
}

// probe performs one health check and applies the threshold rules.
func (s *Sweeper) probe(record *types.AgentRecord) {
	health, err := s.fetchHealth(record.Endpoint)
	if err != nil || !health.Ready {
		detail := "agent reported not ready"
		if err != nil {
			detail = err.Error()
		}

		s.mu.Lock()
		s.failures[record.AgentID]++
		count := s.failures[record.AgentID]
		s.mu.Unlock()

		if count >= s.config.UnhealthyThreshold {
			s.registry.setHealth(record.AgentID, types.HealthUnhealthy, detail)
		} else {
			// Below the threshold the prior state stands; still publish
			// the probe outcome.
			s.registry.setHealth(record.AgentID, record.Health, detail)
		}
		s.logger.Debug("agent probe failed",
			zap.String("agent_id", record.AgentID),
			zap.Int("consecutive_failures", count),
			zap.String("detail", detail),
		)
		return
	}

	s.mu.Lock()
	delete(s.failures, record.AgentID)
	s.mu.Unlock()

	s.registry.refreshMetadata(record.AgentID, health)
	s.registry.setHealth(record.AgentID, types.HealthReady, "")
}

// fetchHealth GETs the agent's /health endpoint and decodes the body.
func (s *Sweeper) fetchHealth(endpoint string) (*types.HealthResponse, error) {
	url := strings.TrimRight(endpoint, "/") + "/health"
	resp, err := s.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return nil, fmt.Errorf("reading health body: %w", err)
	}
	var health types.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("decoding health body: %w", err)
	}
	return &health, nil
}
