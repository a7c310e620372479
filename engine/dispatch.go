package engine

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/types"
)

// dispatch runs the full attempt series of one agent node and reports
// a single completion. It runs on its own goroutine; retries use
// exponential backoff with full jitter, and every attempt passes the
// agent's circuit breaker first.
func (c *coordinator) dispatch(ctx context.Context, item dispatchItem, startedAt time.Time) {
	e := c.engine
	node := item.node

	comp := completion{
		nodeID:    node.ID,
		iteration: item.iteration,
		input:     item.input,
		startedAt: startedAt,
	}

	ctx, span := e.tracer.Start(ctx, "node.dispatch", trace.WithAttributes(
		attribute.String("node_id", node.ID),
		attribute.String("agent_id", node.AgentID),
	))
	defer span.End()

	record, err := e.deps.Registry.Lookup(node.AgentID, c.exec.TenantID)
	if err != nil {
		comp.status = types.NodeFailed
		comp.err = c.asError(err).WithNode(node.ID)
		comp.attempts = 1
		span.SetStatus(codes.Error, comp.err.Message)
		c.sendCompletion(comp)
		return
	}

	req := &types.ExecuteRequest{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      node.ID,
		Input:       item.input,
		Config:      node.Config,
	}
	br := e.deps.Breakers.Get(node.AgentID)

	var lastErr *types.Error
	for attempt := 0; attempt <= node.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(e.config.RetryBaseDelay, e.config.RetryMaxDelay, attempt)
			e.deps.Metrics.RecordRetry(c.flow.FlowID, node.AgentID)
			c.publish(events.Event{Type: events.NodeRetrying, NodeID: node.ID, AgentID: node.AgentID, Data: map[string]any{
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			}})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				comp.attempts = attempt
				c.sendAborted(ctx, comp, span)
				return
			}
		}
		comp.attempts = attempt + 1

		if berr := br.Allow(); berr != nil {
			// Fail fast on this attempt; the backoff still runs, so a
			// recovery window can admit a later attempt.
			lastErr = c.asError(berr).WithNode(node.ID).WithAgent(node.AgentID)
			continue
		}

		resp, err := e.deps.Proxy.Execute(ctx, record, req, node.Timeout)
		if err == nil {
			br.RecordSuccess()
			span.SetStatus(codes.Ok, "")
			comp.status = types.NodeSucceeded
			comp.output = resp.Output
			comp.ctxUpdates = resp.Context
			comp.costUSD = resp.CostUSD
			c.sendCompletion(comp)
			return
		}

		terr := c.asError(err).WithNode(node.ID)
		switch terr.Code {
		case types.ErrCancelled, types.ErrSaturated:
			// Not the agent's fault; leave the breaker alone.
		default:
			br.RecordFailure()
		}
		if ctx.Err() != nil {
			c.sendAborted(ctx, comp, span)
			return
		}
		lastErr = terr
		if !terr.Retryable {
			break
		}
	}

	comp.status = types.NodeFailed
	comp.err = lastErr
	span.SetStatus(codes.Error, lastErr.Message)
	c.sendCompletion(comp)
}

// sendAborted reports a dispatch cut short by its context: a cancelled
// node when the execution (or a first_complete join) cancelled it, a
// deadline failure when the execution ran out of time.
func (c *coordinator) sendAborted(ctx context.Context, comp completion, span trace.Span) {
	if ctx.Err() == context.DeadlineExceeded {
		comp.status = types.NodeFailed
		comp.err = types.NewError(types.ErrDeadlineExceeded, "execution deadline exceeded").WithNode(comp.nodeID)
		span.SetStatus(codes.Error, comp.err.Message)
	} else {
		comp.status = types.NodeCancelled
		span.SetStatus(codes.Error, "cancelled")
	}
	c.sendCompletion(comp)
}

// retryDelay is exponential backoff with full jitter: a uniform draw
// from [0, min(maxDelay, base*2^(attempt-1))].
func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	ceil := base << uint(attempt-1)
	if ceil <= 0 || ceil > maxDelay {
		ceil = maxDelay
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceil)))
}
