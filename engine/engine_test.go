package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/catalog"
	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/internal/metrics"
	"github.com/BaSui01/flowmesh/proxy"
	"github.com/BaSui01/flowmesh/registry"
	"github.com/BaSui01/flowmesh/store"
	"github.com/BaSui01/flowmesh/types"
)

type testEnv struct {
	engine *Engine
	cat    *catalog.Catalog
	store  store.Store
	bus    *events.Bus
}

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.ExecutionDeadline = 5 * time.Second
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.New(store.DefaultConfig(), logger)
	require.NoError(t, err)
	bus := events.NewBus(logger)
	cat := catalog.New(logger)
	reg := registry.New(registry.Config{}, bus, logger)

	e, err := New(cfg, Deps{
		Catalog:  cat,
		Registry: reg,
		Store:    st,
		Proxy:    proxy.New(proxy.DefaultConfig(), nil, logger),
		Breakers: breaker.NewRegistry(breaker.DefaultConfig(), nil, logger),
		Bus:      bus,
		Metrics:  metrics.NewCollector("flowmesh", logger),
		Logger:   logger,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return &testEnv{engine: e, cat: cat, store: st, bus: bus}
}

type agentFunc func(req *types.ExecuteRequest) *types.ExecuteResponse

func newAgentServer(t *testing.T, fn agentFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(fn(&req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func success(output map[string]any) *types.ExecuteResponse {
	return &types.ExecuteResponse{Status: "success", Output: output}
}

func (env *testEnv) registerAgent(t *testing.T, agentID, endpoint string) {
	t.Helper()
	_, err := env.engine.RegisterAgent(&types.AgentRecord{AgentID: agentID, Endpoint: endpoint})
	require.NoError(t, err)
}

func (env *testEnv) registerFlow(t *testing.T, doc string) *types.FlowDefinition {
	t.Helper()
	def, err := catalog.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, env.cat.Register(def))
	return def
}

func (env *testEnv) waitTerminal(t *testing.T, executionID, tenantID string) *types.ExecutionContext {
	t.Helper()
	var out *types.ExecutionContext
	require.Eventually(t, func() bool {
		exec, err := env.engine.Status(context.Background(), executionID, tenantID)
		if err != nil || !exec.Status.Terminal() {
			return false
		}
		out = exec
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return out
}

// resultsByNode keys node results by node id; when a node ran more
// than once the later iteration wins.
func (env *testEnv) resultsByNode(t *testing.T, executionID string) map[string]*types.NodeResult {
	t.Helper()
	results, err := env.engine.NodeResults(context.Background(), executionID, "")
	require.NoError(t, err)
	out := make(map[string]*types.NodeResult, len(results))
	for _, r := range results {
		out[r.NodeID] = r
	}
	return out
}

func dig(t *testing.T, v any, path ...string) any {
	t.Helper()
	cur := v
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		require.True(t, ok, "expected object at %q", p)
		cur, ok = obj[p]
		require.True(t, ok, "missing field %q", p)
	}
	return cur
}

// --- Linear flow ---

const linearDoc = `
flow_id: linear
name: Linear
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: echo
  - id: b
    type: agent
    agent_id: upper
    depends_on: [a]
  - id: out
    type: output
    depends_on: [b]
`

func TestLinearExecution(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	echo := newAgentServer(t, func(req *types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"text": req.Input["input"].(map[string]any)["text"]})
	})
	upper := newAgentServer(t, func(req *types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"text": "HELLO"})
	})
	env.registerAgent(t, "echo", echo.URL)
	env.registerAgent(t, "upper", upper.URL)
	env.registerFlow(t, linearDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{
		FlowID: "linear",
		Input:  map[string]any{"text": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPending, exec.Status)

	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)
	assert.Equal(t, "HELLO", dig(t, final.OutputData, "out", "b", "text"))
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	results := env.resultsByNode(t, exec.ExecutionID)
	for _, id := range []string{"a", "b", "out"} {
		require.Contains(t, results, id)
		assert.Equal(t, types.NodeSucceeded, results[id].Status, id)
	}
	assert.Equal(t, 1, results["a"].Attempts)
	// b was dispatched with the flow input plus a's output.
	assert.Equal(t, "hello", dig(t, results["b"].Input, "a", "text"))

	msgs, err := env.engine.Messages(context.Background(), exec.ExecutionID, "")
	require.NoError(t, err)
	var aToB bool
	for _, m := range msgs {
		if m.FromNode == "a" && m.ToNode == "b" {
			aToB = true
			assert.Equal(t, "hello", m.Payload["text"])
		}
	}
	assert.True(t, aToB, "expected an a->b message")
}

// --- Fork / join ---

const forkJoinDoc = `
flow_id: fanout
name: Fan out
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: seed
  - id: split
    type: fork
    branches: [b, c]
    depends_on: [a]
  - id: b
    type: agent
    agent_id: slow_b
    depends_on: [split]
  - id: c
    type: agent
    agent_id: slow_c
    depends_on: [split]
  - id: merge
    type: join
    sources: [b, c]
    strategy: all_complete
    depends_on: [b, c]
  - id: out
    type: output
    depends_on: [merge]
`

func TestForkJoinRunsBranchesInParallel(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	env.registerAgent(t, "seed", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"ok": true})
	}).URL)
	env.registerAgent(t, "slow_b", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		time.Sleep(150 * time.Millisecond)
		return success(map[string]any{"branch": "b"})
	}).URL)
	env.registerAgent(t, "slow_c", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		time.Sleep(150 * time.Millisecond)
		return success(map[string]any{"branch": "c"})
	}).URL)
	env.registerFlow(t, forkJoinDoc)

	started := time.Now()
	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "fanout"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	elapsed := time.Since(started)

	require.Equal(t, types.ExecutionSucceeded, final.Status)
	// Serial execution would take at least 300ms.
	assert.Less(t, elapsed, 280*time.Millisecond, "branches did not run in parallel")
	assert.Equal(t, "b", dig(t, final.OutputData, "out", "merge", "b", "branch"))
	assert.Equal(t, "c", dig(t, final.OutputData, "out", "merge", "c", "branch"))

	// The join consumed one message per succeeded source.
	msgs, err := env.engine.Messages(context.Background(), exec.ExecutionID, "")
	require.NoError(t, err)
	into := 0
	for _, m := range msgs {
		if m.ToNode == "merge" {
			into++
		}
	}
	assert.Equal(t, 2, into)
}

// --- Decision branching ---

const decisionDoc = `
flow_id: branchy
name: Branchy
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: scorer
  - id: route
    type: decision
    condition: output.a.score > 0.5
    then: b
    else: c
    depends_on: [a]
  - id: b
    type: agent
    agent_id: echo
    depends_on: [route]
  - id: c
    type: agent
    agent_id: echo
    depends_on: [route]
  - id: d
    type: agent
    agent_id: echo
    depends_on: [b, c]
  - id: out
    type: output
    depends_on: [d]
`

func TestDecisionSkipsUnchosenBranch(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	env.registerAgent(t, "scorer", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"score": 0.9})
	}).URL)
	env.registerAgent(t, "echo", newAgentServer(t, func(req *types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"node": req.NodeID})
	}).URL)
	env.registerFlow(t, decisionDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "branchy"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)

	results := env.resultsByNode(t, exec.ExecutionID)
	assert.Equal(t, types.NodeSucceeded, results["b"].Status)
	assert.Equal(t, types.NodeSkipped, results["c"].Status)
	assert.Equal(t, types.NodeSucceeded, results["d"].Status)

	// d converges on both branches but only sees the one that ran.
	assert.Contains(t, results["d"].Input, "b")
	assert.NotContains(t, results["d"].Input, "c")
}

// --- Loops ---

const loopDoc = `
flow_id: looper
name: Looper
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: seed
  - id: repeat
    type: loop
    body: [step]
    until: output.step.count >= 3
    max_iterations: 5
    depends_on: [a]
  - id: step
    type: agent
    agent_id: counter
    depends_on: [repeat]
  - id: out
    type: output
    depends_on: [repeat]
`

func TestLoopRunsUntilConditionHolds(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	var calls atomic.Int64
	env.registerAgent(t, "seed", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"ok": true})
	}).URL)
	env.registerAgent(t, "counter", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"count": calls.Add(1)})
	}).URL)
	env.registerFlow(t, loopDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "looper"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)

	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 3, dig(t, final.OutputData, "out", "repeat", "step", "count"))

	// One result row per iteration, keyed by the iteration counter.
	results, err := env.engine.NodeResults(context.Background(), exec.ExecutionID, "")
	require.NoError(t, err)
	iterations := map[int]bool{}
	for _, r := range results {
		if r.NodeID == "step" {
			require.Equal(t, types.NodeSucceeded, r.Status)
			iterations[r.Iteration] = true
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, iterations)
}

const countdownDoc = `
flow_id: countdown
name: Countdown
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: seed
  - id: repeat
    type: loop
    body: [step]
    until: iteration >= 3
    max_iterations: 10
    depends_on: [a]
  - id: step
    type: agent
    agent_id: counter
    depends_on: [repeat]
  - id: out
    type: output
    depends_on: [repeat]
`

// The iteration bound in the exit expression counts completed body
// passes, so `iteration >= 3` means exactly three passes.
func TestLoopIterationBoundCountsCompletedPasses(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	var calls atomic.Int64
	env.registerAgent(t, "seed", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"ok": true})
	}).URL)
	env.registerAgent(t, "counter", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"count": calls.Add(1)})
	}).URL)
	env.registerFlow(t, countdownDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "countdown"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)

	assert.EqualValues(t, 3, calls.Load())

	results, err := env.engine.NodeResults(context.Background(), exec.ExecutionID, "")
	require.NoError(t, err)
	iterations := map[int]bool{}
	for _, r := range results {
		if r.NodeID == "step" {
			iterations[r.Iteration] = true
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, iterations)
}

// --- Cancellation ---

const slowDoc = `
flow_id: slowpoke
name: Slowpoke
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: sleeper
  - id: out
    type: output
    depends_on: [a]
`

func TestCancelMidNode(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the HTTP/1 server starts its background
		// read; otherwise r.Context() is never cancelled on client
		// disconnect and the httptest server deadlocks on Close.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	env.registerAgent(t, "sleeper", srv.URL)
	env.registerFlow(t, slowDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "slowpoke"})
	require.NoError(t, err)

	// Wait until the node is actually in flight.
	require.Eventually(t, func() bool {
		results := env.resultsByNode(t, exec.ExecutionID)
		r, ok := results["a"]
		return ok && r.Status == types.NodeRunning
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, env.engine.Cancel(context.Background(), exec.ExecutionID, ""))

	final := env.waitTerminal(t, exec.ExecutionID, "")
	assert.Equal(t, types.ExecutionCancelled, final.Status)

	results := env.resultsByNode(t, exec.ExecutionID)
	assert.Equal(t, types.NodeCancelled, results["a"].Status)
	// The downstream output node never started.
	assert.NotContains(t, results, "out")

	// A second cancel is rejected.
	err = env.engine.Cancel(context.Background(), exec.ExecutionID, "")
	assert.Equal(t, types.ErrAlreadyTerminal, types.GetErrorCode(err))
}

// --- Circuit breaker ---

const flakyDoc = `
flow_id: flaky
name: Flaky
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: wobbly
    config:
      max_retries: 4
  - id: out
    type: output
    depends_on: [a]
`

const flakyFastDoc = `
flow_id: flaky_fast
name: Flaky fast
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: wobbly
  - id: out
    type: output
    depends_on: [a]
`

func TestBreakerOpensAndFailsFast(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	env.registerAgent(t, "wobbly", srv.URL)
	env.registerFlow(t, flakyDoc)
	env.registerFlow(t, flakyFastDoc)

	// Five failing attempts open the breaker.
	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "flaky"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.ErrAgentHTTP, final.Error.Code)

	results := env.resultsByNode(t, exec.ExecutionID)
	assert.Equal(t, 5, results["a"].Attempts)

	// The next execution is rejected without touching the agent.
	started := time.Now()
	exec2, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "flaky_fast"})
	require.NoError(t, err)
	final2 := env.waitTerminal(t, exec2.ExecutionID, "")
	require.Equal(t, types.ExecutionFailed, final2.Status)
	require.NotNil(t, final2.Error)
	assert.Equal(t, types.ErrAgentBreakerOpen, final2.Error.Code)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

// --- Retries ---

const retryDoc = `
flow_id: retrier
name: Retrier
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: recovering
    config:
      max_retries: 3
  - id: out
    type: output
    depends_on: [a]
`

func TestRetriesTransientFailures(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(success(map[string]any{"ok": true}))
	}))
	t.Cleanup(srv.Close)
	env.registerAgent(t, "recovering", srv.URL)
	env.registerFlow(t, retryDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "retrier"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)

	results := env.resultsByNode(t, exec.ExecutionID)
	assert.Equal(t, 3, results["a"].Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

// --- Error handler ---

const handlerDoc = `
flow_id: rescued
name: Rescued
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: broken
    on_error_node: rescue
  - id: rescue
    type: agent
    agent_id: rescuer
  - id: b
    type: agent
    agent_id: echo
    depends_on: [a]
  - id: out
    type: output
    depends_on: [b]
`

func TestOnErrorHandlerStandsIn(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(broken.Close)
	env.registerAgent(t, "broken", broken.URL)
	env.registerAgent(t, "rescuer", newAgentServer(t, func(req *types.ExecuteRequest) *types.ExecuteResponse {
		// The handler sees the failure details in its input.
		if _, ok := req.Input["error"]; !ok {
			return &types.ExecuteResponse{Status: "error", ErrorMessage: "no error details"}
		}
		return success(map[string]any{"recovered": true})
	}).URL)
	env.registerAgent(t, "echo", newAgentServer(t, func(req *types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"node": req.NodeID})
	}).URL)
	env.registerFlow(t, handlerDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "rescued"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)

	results := env.resultsByNode(t, exec.ExecutionID)
	assert.Equal(t, types.NodeFailed, results["a"].Status)
	assert.Equal(t, types.NodeSucceeded, results["rescue"].Status)
	// b consumed the handler's output in a's slot.
	assert.Equal(t, true, dig(t, results["b"].Input, "a", "recovered"))
}

const relayedHandlerDoc = `
flow_id: relayed
name: Relayed
version: 1.0.0
entry_point: x
exit_points: [out]
nodes:
  - id: x
    type: agent
    agent_id: feeder
  - id: a
    type: agent
    agent_id: broken
    on_error_node: rescue
    depends_on: [x]
  - id: rescue
    type: agent
    agent_id: rescuer
  - id: out
    type: output
    depends_on: [a]
`

// Rebuilding the failed node's input for its handler must not record
// the already-traversed predecessor edges a second time.
func TestHandlerKeepsOneMessagePerEdge(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(broken.Close)
	env.registerAgent(t, "broken", broken.URL)
	env.registerAgent(t, "feeder", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"fed": true})
	}).URL)
	env.registerAgent(t, "rescuer", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"recovered": true})
	}).URL)
	env.registerFlow(t, relayedHandlerDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "relayed"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)

	msgs, err := env.engine.Messages(context.Background(), exec.ExecutionID, "")
	require.NoError(t, err)
	edges := map[string]int{}
	for _, m := range msgs {
		edges[m.FromNode+"->"+m.ToNode]++
	}
	assert.Equal(t, 1, edges["x->a"])
	assert.Equal(t, 1, edges["a->rescue"])
}

// --- Join strategies ---

const firstCompleteDoc = `
flow_id: race
name: Race
version: 1.0.0
entry_point: split
exit_points: [out]
nodes:
  - id: split
    type: fork
    branches: [b, c]
  - id: b
    type: agent
    agent_id: fast
    depends_on: [split]
  - id: c
    type: agent
    agent_id: stuck
    depends_on: [split]
  - id: merge
    type: join
    sources: [b, c]
    strategy: first_complete
    depends_on: [b, c]
  - id: out
    type: output
    depends_on: [merge]
`

func TestFirstCompleteJoinCancelsLosers(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	env.registerAgent(t, "fast", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"winner": "b"})
	}).URL)
	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the HTTP/1 server starts its background
		// read; otherwise r.Context() is never cancelled on client
		// disconnect and the httptest server deadlocks on Close.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(stuck.Close)
	env.registerAgent(t, "stuck", stuck.URL)
	env.registerFlow(t, firstCompleteDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "race"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)

	assert.Equal(t, "b", dig(t, final.OutputData, "out", "merge", "winner"))
	results := env.resultsByNode(t, exec.ExecutionID)
	assert.Equal(t, types.NodeCancelled, results["c"].Status)
}

const bestByDoc = `
flow_id: contest
name: Contest
version: 1.0.0
entry_point: split
exit_points: [out]
nodes:
  - id: split
    type: fork
    branches: [b, c]
  - id: b
    type: agent
    agent_id: low
    depends_on: [split]
  - id: c
    type: agent
    agent_id: high
    depends_on: [split]
  - id: merge
    type: join
    sources: [b, c]
    strategy: best_by
    best_by: output.merge.score
    depends_on: [b, c]
  - id: out
    type: output
    depends_on: [merge]
`

func TestBestByJoinPicksHighestScore(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	env.registerAgent(t, "low", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"score": 0.4, "from": "b"})
	}).URL)
	env.registerAgent(t, "high", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"score": 0.9, "from": "c"})
	}).URL)
	env.registerFlow(t, bestByDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "contest"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)
	assert.Equal(t, "c", dig(t, final.OutputData, "out", "merge", "from"))
}

// --- Failure propagation ---

func TestUnknownAgentFailsExecution(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())
	env.registerFlow(t, slowDoc) // references the unregistered "sleeper"

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "slowpoke"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.ErrAgentUnknown, final.Error.Code)
}

func TestExecutionDeadline(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ExecutionDeadline = 100 * time.Millisecond
	env := newTestEngine(t, cfg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the HTTP/1 server starts its background
		// read; otherwise r.Context() is never cancelled on client
		// disconnect and the httptest server deadlocks on Close.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	env.registerAgent(t, "sleeper", srv.URL)
	env.registerFlow(t, slowDoc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "slowpoke"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.ErrDeadlineExceeded, final.Error.Code)

	results := env.resultsByNode(t, exec.ExecutionID)
	assert.Equal(t, types.NodeFailed, results["a"].Status)
}

// --- Tenancy ---

func TestTenantIsolation(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	env.registerAgent(t, "echo", newAgentServer(t, func(req *types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"ok": true})
	}).URL)
	doc := `
flow_id: scoped
name: Scoped
version: 1.0.0
tenant_id: acme
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: echo
  - id: out
    type: output
    depends_on: [a]
`
	env.registerFlow(t, doc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "scoped", TenantID: "acme"})
	require.NoError(t, err)
	env.waitTerminal(t, exec.ExecutionID, "acme")

	// Another tenant cannot see or cancel the execution; existence is
	// not revealed.
	_, err = env.engine.Status(context.Background(), exec.ExecutionID, "rival")
	assert.Equal(t, types.ErrExecutionNotFound, types.GetErrorCode(err))
	err = env.engine.Cancel(context.Background(), exec.ExecutionID, "rival")
	assert.Equal(t, types.ErrExecutionNotFound, types.GetErrorCode(err))

	// The rival tenant cannot submit against the scoped flow either.
	_, err = env.engine.Submit(context.Background(), SubmitRequest{FlowID: "scoped", TenantID: "rival"})
	assert.Equal(t, types.ErrFlowNotFound, types.GetErrorCode(err))
}

func TestTenantConcurrencyCap(t *testing.T) {
	cfg := testEngineConfig()
	cfg.TenantMaxConcurrent = 1
	env := newTestEngine(t, cfg)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		json.NewEncoder(w).Encode(success(map[string]any{"ok": true}))
	}))
	t.Cleanup(srv.Close)
	env.registerAgent(t, "sleeper", srv.URL)
	env.registerFlow(t, slowDoc)

	first, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "slowpoke"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		exec, err := env.engine.Status(context.Background(), first.ExecutionID, "")
		return err == nil && exec.Status == types.ExecutionRunning
	}, 3*time.Second, 5*time.Millisecond)

	second, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "slowpoke"})
	require.NoError(t, err)

	// The second execution holds in pending while the slot is taken.
	time.Sleep(100 * time.Millisecond)
	exec, err := env.engine.Status(context.Background(), second.ExecutionID, "")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPending, exec.Status)

	close(release)
	assert.Equal(t, types.ExecutionSucceeded, env.waitTerminal(t, first.ExecutionID, "").Status)
	assert.Equal(t, types.ExecutionSucceeded, env.waitTerminal(t, second.ExecutionID, "").Status)
}

// --- Events ---

func TestSubscribeStreamsLifecycle(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	env.registerAgent(t, "echo", newAgentServer(t, func(req *types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"ok": true})
	}).URL)
	doc := `
flow_id: chatty
name: Chatty
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: echo
  - id: out
    type: output
    depends_on: [a]
`
	env.registerFlow(t, doc)

	ch, cancel := env.engine.Subscribe("")
	defer cancel()

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "chatty"})
	require.NoError(t, err)

	seen := map[events.Type]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[events.ExecutionSucceeded] {
		select {
		case ev := <-ch:
			if ev.ExecutionID == exec.ExecutionID {
				seen[ev.Type] = true
			}
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.True(t, seen[events.ExecutionStarted])
	assert.True(t, seen[events.NodeStarted])
	assert.True(t, seen[events.NodeSucceeded])
}

// --- Context propagation ---

func TestAgentContextUpdatesFlowDownstream(t *testing.T) {
	env := newTestEngine(t, testEngineConfig())

	env.registerAgent(t, "setter", newAgentServer(t, func(*types.ExecuteRequest) *types.ExecuteResponse {
		return &types.ExecuteResponse{
			Status:  "success",
			Output:  map[string]any{"ok": true},
			Context: map[string]any{"mode": "fast"},
		}
	}).URL)
	env.registerAgent(t, "reader", newAgentServer(t, func(req *types.ExecuteRequest) *types.ExecuteResponse {
		return success(map[string]any{"saw": req.Input["context"]})
	}).URL)
	doc := `
flow_id: ctxflow
name: Ctx flow
version: 1.0.0
entry_point: a
exit_points: [out]
nodes:
  - id: a
    type: agent
    agent_id: setter
  - id: b
    type: agent
    agent_id: reader
    depends_on: [a]
  - id: out
    type: output
    depends_on: [b]
`
	env.registerFlow(t, doc)

	exec, err := env.engine.Submit(context.Background(), SubmitRequest{FlowID: "ctxflow"})
	require.NoError(t, err)
	final := env.waitTerminal(t, exec.ExecutionID, "")
	require.Equal(t, types.ExecutionSucceeded, final.Status)
	assert.Equal(t, "fast", dig(t, final.OutputData, "out", "b", "saw", "mode"))
}
