// Package proxy is the outbound HTTP client for agent dispatch. It
// injects bearer credentials, enforces per-node timeouts and response
// size caps, bounds concurrency with a weighted semaphore, and
// translates transport failures into classified errors.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/flowmesh/internal/tlsutil"
	"github.com/BaSui01/flowmesh/types"
)

// maxErrorBodyBytes bounds how much of a failed response body is
// carried on the error.
const maxErrorBodyBytes = 4096

// Config holds proxy limits.
type Config struct {
	// DefaultTimeout applies when a node carries no timeout of its own.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	// MaxResponseBytes caps agent response bodies.
	MaxResponseBytes int64 `yaml:"max_response_bytes" json:"max_response_bytes"`
	// MaxInFlight bounds concurrent outbound requests.
	MaxInFlight int64 `yaml:"max_in_flight" json:"max_in_flight"`
	// MaxQueued bounds callers waiting for an in-flight slot; beyond
	// this the dispatch fails fast with SATURATED.
	MaxQueued int64 `yaml:"max_queued" json:"max_queued"`
}

// DefaultConfig returns the default proxy limits.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   30 * time.Second,
		MaxResponseBytes: 4 << 20,
		MaxInFlight:      256,
		MaxQueued:        1024,
	}
}

// LatencyObserver receives one sample per completed dispatch. outcome
// is "success" or the error code.
type LatencyObserver func(agentID string, duration time.Duration, outcome string)

// Proxy dispatches execute requests to agents.
type Proxy struct {
	config   Config
	client   *http.Client
	sem      *semaphore.Weighted
	queued   atomic.Int64
	observer LatencyObserver
	logger   *zap.Logger
}

// New creates a proxy. The observer may be nil.
func New(config Config, observer LatencyObserver, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = DefaultConfig().MaxResponseBytes
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultConfig().MaxInFlight
	}
	return &Proxy{
		config:   config,
		client:   &http.Client{Transport: tlsutil.SecureTransport()},
		sem:      semaphore.NewWeighted(config.MaxInFlight),
		observer: observer,
		logger:   logger.With(zap.String("component", "agent_proxy")),
	}
}

// Execute POSTs the request to the agent's /execute endpoint. timeout
// overrides the configured default when positive. All returned errors
// are *types.Error with a classified code.
func (p *Proxy) Execute(ctx context.Context, record *types.AgentRecord, req *types.ExecuteRequest, timeout time.Duration) (*types.ExecuteResponse, error) {
	if err := p.acquire(ctx, record.AgentID); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	if timeout <= 0 {
		timeout = p.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.post(callCtx, record, req)
	p.observe(record.AgentID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// acquire admits the caller through the semaphore, failing fast when
// the wait queue is full.
func (p *Proxy) acquire(ctx context.Context, agentID string) error {
	if p.sem.TryAcquire(1) {
		return nil
	}
	if p.queued.Add(1) > p.config.MaxQueued {
		p.queued.Add(-1)
		return types.Errorf(types.ErrSaturated,
			"agent proxy saturated, %d in flight and %d queued",
			p.config.MaxInFlight, p.config.MaxQueued).
			WithRetryable(true).WithAgent(agentID)
	}
	defer p.queued.Add(-1)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return types.NewError(types.ErrCancelled, "dispatch cancelled while queued").
			WithCause(err).WithAgent(agentID)
	}
	return nil
}

func (p *Proxy) post(ctx context.Context, record *types.AgentRecord, execReq *types.ExecuteRequest) (*types.ExecuteResponse, error) {
	body, err := json.Marshal(execReq)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encoding execute request").
			WithCause(err).WithAgent(record.AgentID)
	}

	url := strings.TrimRight(record.Endpoint, "/") + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "building execute request").
			WithCause(err).WithAgent(record.AgentID)
	}
	req.Header.Set("Content-Type", "application/json")
	if record.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+record.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.classifyTransport(ctx, record.AgentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, types.Errorf(types.ErrAgentHTTP, "agent returned status %d", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode).
			WithBody(string(snippet)).
			WithRetryable(types.RetryableHTTPStatus(resp.StatusCode)).
			WithAgent(record.AgentID)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxResponseBytes+1))
	if err != nil {
		return nil, p.classifyTransport(ctx, record.AgentID, err)
	}
	if int64(len(raw)) > p.config.MaxResponseBytes {
		return nil, types.Errorf(types.ErrAgentContract,
			"agent response exceeds %d bytes", p.config.MaxResponseBytes).
			WithAgent(record.AgentID)
	}

	var execResp types.ExecuteResponse
	if err := json.Unmarshal(raw, &execResp); err != nil {
		return nil, types.NewError(types.ErrAgentContract, "agent response is not valid JSON").
			WithCause(err).WithAgent(record.AgentID)
	}

	switch execResp.Status {
	case "success":
		return &execResp, nil
	case "error":
		msg := execResp.ErrorMessage
		if msg == "" {
			msg = "agent reported an unspecified error"
		}
		return nil, types.NewError(types.ErrAgentHTTP, msg).WithAgent(record.AgentID)
	default:
		return nil, types.Errorf(types.ErrAgentContract,
			"agent response status %q is neither success nor error", execResp.Status).
			WithAgent(record.AgentID)
	}
}

// classifyTransport maps transport errors to timeout, cancellation or
// network codes.
func (p *Proxy) classifyTransport(ctx context.Context, agentID string, err error) *types.Error {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return types.NewError(types.ErrCancelled, "dispatch cancelled").
			WithCause(err).WithAgent(agentID)
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return types.NewError(types.ErrAgentTimeout, "agent request timed out").
			WithCause(err).WithRetryable(true).WithAgent(agentID)
	}
	return types.NewError(types.ErrAgentNetwork, "agent request failed").
		WithCause(err).WithRetryable(true).WithAgent(agentID)
}

func (p *Proxy) observe(agentID string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(types.GetErrorCode(err))
	}
	p.logger.Debug("agent dispatch",
		zap.String("agent_id", agentID),
		zap.Duration("duration", duration),
		zap.String("outcome", outcome),
	)
	if p.observer != nil {
		p.observer(agentID, duration, outcome)
	}
}
