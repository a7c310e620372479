package engine

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/expr"
	"github.com/BaSui01/flowmesh/types"
)

// completion is the report a dispatch goroutine sends back to its
// coordinator. status is one of succeeded, failed, cancelled.
type completion struct {
	nodeID     string
	iteration  int
	status     types.NodeStatus
	output     map[string]any
	ctxUpdates map[string]any
	err        *types.Error
	input      map[string]any
	attempts   int
	costUSD    *float64
	startedAt  time.Time
}

// dispatchItem is one agent dispatch waiting for a parallelism slot.
type dispatchItem struct {
	node      *types.Node
	input     map[string]any
	iteration int
	inLoop    bool
}

// loopState tracks one running loop node across iterations.
type loopState struct {
	node          *types.Node
	iteration     int
	startedAt     time.Time
	entryInput    map[string]any
	iterOutputs   map[string]map[string]any
	bodyRemaining map[string]int
	bodyPending   int
	failing       bool
}

// coordinator owns one execution. All fields below the completions
// channel are touched only from the run goroutine.
type coordinator struct {
	engine *Engine
	flow   *types.FlowDefinition
	exec   *types.ExecutionContext
	logger *zap.Logger

	ctx             context.Context
	cancelFn        context.CancelFunc
	cancelRequested atomic.Bool

	completions chan completion
	closed      chan struct{}

	status      map[string]types.NodeStatus
	remaining   map[string]int
	outputs     map[string]map[string]any
	nodeErrs    map[string]*types.Error
	ctxVars     map[string]any
	succs       map[string][]string
	loopOf      map[string]string
	joinsOf     map[string][]string
	handlerSet  map[string]bool
	handlerFor  map[string]string
	loops       map[string]*loopState
	nodeCancels map[string]context.CancelFunc

	queue    []dispatchItem
	inFlight int

	done        bool
	finalStatus types.ExecutionStatus
}

func newCoordinator(e *Engine, def *types.FlowDefinition, exec *types.ExecutionContext) *coordinator {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.ExecutionDeadline)

	c := &coordinator{
		engine:      e,
		flow:        def,
		exec:        exec,
		logger:      e.logger.With(zap.String("execution_id", exec.ExecutionID), zap.String("flow_id", def.FlowID)),
		ctx:         ctx,
		cancelFn:    cancel,
		completions: make(chan completion, len(def.Nodes)+8),
		closed:      make(chan struct{}),
		status:      make(map[string]types.NodeStatus, len(def.Nodes)),
		remaining:   make(map[string]int, len(def.Nodes)),
		outputs:     make(map[string]map[string]any),
		nodeErrs:    make(map[string]*types.Error),
		ctxVars:     make(map[string]any),
		succs:       make(map[string][]string, len(def.Nodes)),
		loopOf:      make(map[string]string),
		joinsOf:     make(map[string][]string),
		handlerSet:  make(map[string]bool),
		handlerFor:  make(map[string]string),
		loops:       make(map[string]*loopState),
		nodeCancels: make(map[string]context.CancelFunc),
	}

	for id, n := range def.Nodes {
		c.status[id] = types.NodePending
		c.remaining[id] = def.Indegree[id]
		for _, dep := range n.DependsOn {
			c.succs[dep] = append(c.succs[dep], id)
		}
		switch n.Type {
		case types.NodeLoop:
			for _, b := range n.Body {
				c.loopOf[b] = id
			}
		case types.NodeJoin:
			for _, s := range n.Sources {
				c.joinsOf[s] = append(c.joinsOf[s], id)
			}
		}
		if n.OnErrorNode != "" {
			c.handlerSet[n.OnErrorNode] = true
		}
	}
	for id := range c.succs {
		sort.Strings(c.succs[id])
	}
	return c
}

// requestCancel marks the execution as externally cancelled and aborts
// its context.
func (c *coordinator) requestCancel() {
	c.cancelRequested.Store(true)
	c.cancelFn()
}

func (c *coordinator) run() {
	defer c.engine.wg.Done()
	defer c.engine.removeCoordinator(c.exec.ExecutionID)
	defer c.cancelFn()

	slot := c.engine.tenantSlot(c.exec.TenantID)
	if err := slot.Acquire(c.ctx, 1); err != nil {
		if c.cancelRequested.Load() {
			c.finalize(types.ExecutionCancelled, nil,
				types.NewError(types.ErrCancelled, "execution cancelled before start"))
		} else {
			c.finalize(types.ExecutionFailed, nil,
				types.NewError(types.ErrDeadlineExceeded, "execution deadline exceeded while queued"))
		}
		return
	}
	defer slot.Release(1)

	started := time.Now()
	if err := c.transition(types.ExecutionRunning, nil); err != nil {
		c.logger.Error("execution could not start", zap.Error(err))
		return
	}

	spanCtx, span := c.engine.tracer.Start(c.ctx, "flow.execute", trace.WithAttributes(
		attribute.String("flow_id", c.flow.FlowID),
		attribute.String("execution_id", c.exec.ExecutionID),
	))
	c.ctx = spanCtx
	defer span.End()

	c.engine.deps.Metrics.ExecutionStarted(c.exec.TenantID)
	defer c.engine.deps.Metrics.ExecutionFinished(c.exec.TenantID)
	c.publish(events.Event{Type: events.ExecutionStarted})

	c.activate(c.flow.EntryPoint)
	c.maybeFinish()

	for !c.done {
		select {
		case comp := <-c.completions:
			// An external cancel settles the execution even when a
			// completion is already waiting.
			if c.cancelRequested.Load() {
				c.onContextDone()
				continue
			}
			c.handleCompletion(comp)
		case <-c.ctx.Done():
			c.onContextDone()
		}
	}

	c.engine.deps.Metrics.RecordExecution(c.flow.FlowID, string(c.finalStatus), time.Since(started))
}

// onContextDone distinguishes an external cancel from the execution
// deadline.
func (c *coordinator) onContextDone() {
	if c.cancelRequested.Load() {
		c.finalize(types.ExecutionCancelled, nil,
			types.NewError(types.ErrCancelled, "execution cancelled"))
		return
	}
	c.finalize(types.ExecutionFailed, nil,
		types.Errorf(types.ErrDeadlineExceeded, "execution exceeded %s deadline", c.engine.config.ExecutionDeadline))
}

// --- Activation ---

// activate runs once all dependencies of a node are terminal. Join
// nodes resolve through checkJoin instead, handler nodes only through
// launchHandler.
func (c *coordinator) activate(id string) {
	node := c.flow.Nodes[id]
	if node == nil || c.status[id] != types.NodePending {
		return
	}
	if len(node.DependsOn) > 0 && c.allSkipped(node.DependsOn) {
		c.skipNode(node, "all predecessors skipped")
		return
	}
	for _, p := range node.DependsOn {
		if c.status[p] == types.NodeCancelled {
			c.skipNode(node, "predecessor cancelled")
			return
		}
	}

	switch node.Type {
	case types.NodeAgent:
		c.enqueueAgent(node, c.consumeInputs(node), 0, false)
	case types.NodeDecision:
		c.completeDecision(node)
	case types.NodeFork:
		c.completePassthrough(node, nil)
	case types.NodeOutput:
		c.completePassthrough(node, nil)
	case types.NodeLoop:
		c.startLoop(node)
	case types.NodeJoin:
		// resolved by checkJoin
	}
}

// onNodeTerminal propagates a settled node to joins and successors.
func (c *coordinator) onNodeTerminal(id string) {
	if c.done {
		return
	}
	for _, j := range c.joinsOf[id] {
		c.checkJoin(c.flow.Nodes[j])
	}
	for _, succ := range c.succs[id] {
		if c.loopOf[succ] != "" || c.handlerSet[succ] {
			continue
		}
		sn := c.flow.Nodes[succ]
		if sn.Type == types.NodeJoin {
			continue
		}
		c.remaining[succ]--
		if c.remaining[succ] <= 0 && c.status[succ] == types.NodePending {
			c.activate(succ)
		}
	}
}

func (c *coordinator) allSkipped(ids []string) bool {
	for _, id := range ids {
		if c.status[id] != types.NodeSkipped {
			return false
		}
	}
	return true
}

// mergedInputs builds the merged dispatch input: the execution input,
// the context variables and the succeeded predecessors' outputs keyed
// by node id. It records nothing.
func (c *coordinator) mergedInputs(node *types.Node) map[string]any {
	in := map[string]any{"input": c.exec.InputData}
	if len(c.ctxVars) > 0 {
		ctxCopy := make(map[string]any, len(c.ctxVars))
		for k, v := range c.ctxVars {
			ctxCopy[k] = v
		}
		in["context"] = ctxCopy
	}
	for _, p := range node.DependsOn {
		if c.status[p] != types.NodeSucceeded {
			continue
		}
		out := c.outputs[p]
		if out == nil {
			out = map[string]any{}
		}
		in[p] = out
	}
	return in
}

// consumeInputs is mergedInputs plus exactly one edge traversal
// message per succeeded predecessor; callers that re-read a node's
// inputs after the edges were already consumed use mergedInputs.
func (c *coordinator) consumeInputs(node *types.Node) map[string]any {
	in := c.mergedInputs(node)
	for _, p := range node.DependsOn {
		if c.status[p] != types.NodeSucceeded {
			continue
		}
		if out, ok := in[p].(map[string]any); ok {
			c.appendMessage(p, node.ID, out)
		}
	}
	return in
}

// passthrough is the output of a control node: its succeeded
// predecessors' outputs keyed by node id.
func (c *coordinator) passthrough(node *types.Node) map[string]any {
	out := make(map[string]any)
	for _, p := range node.DependsOn {
		if c.status[p] == types.NodeSucceeded {
			out[p] = c.outputs[p]
		}
	}
	return out
}

// --- Control nodes ---

func (c *coordinator) completeDecision(node *types.Node) {
	started := time.Now()
	input := c.consumeInputs(node)

	ok, err := expr.EvaluateBool(node.Condition, c.exprEnv())
	if err != nil {
		c.failNode(node, c.asError(err).WithNode(node.ID), &types.NodeResult{Input: input, StartedAt: started})
		return
	}
	chosen, other := node.Then, node.Else
	if !ok {
		chosen, other = node.Else, node.Then
	}
	if other != "" && c.status[other] == types.NodePending {
		c.skipNode(c.flow.Nodes[other], "branch not chosen")
	}
	c.completeControl(node, input, c.passthrough(node), started, map[string]any{
		"condition_result": ok,
		"chosen":           chosen,
	})
}

// completePassthrough settles an instantaneous control node (fork,
// output) whose output is its predecessors' outputs.
func (c *coordinator) completePassthrough(node *types.Node, data map[string]any) {
	started := time.Now()
	input := c.consumeInputs(node)
	c.completeControl(node, input, c.passthrough(node), started, data)
}

func (c *coordinator) completeControl(node *types.Node, input, output map[string]any, started time.Time, data map[string]any) {
	now := time.Now()
	c.status[node.ID] = types.NodeSucceeded
	c.outputs[node.ID] = output
	c.upsert(&types.NodeResult{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      node.ID,
		Status:      types.NodeSucceeded,
		Input:       input,
		Output:      output,
		StartedAt:   started,
		CompletedAt: &now,
	})
	c.publish(events.Event{Type: events.NodeStarted, NodeID: node.ID})
	c.publish(events.Event{Type: events.NodeSucceeded, NodeID: node.ID, Data: data})
	c.engine.deps.Metrics.RecordNode(c.flow.FlowID, string(node.Type), string(types.NodeSucceeded), now.Sub(started))
	c.onNodeTerminal(node.ID)
}

func (c *coordinator) skipNode(node *types.Node, reason string) {
	now := time.Now()
	c.status[node.ID] = types.NodeSkipped
	c.upsert(&types.NodeResult{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      node.ID,
		Status:      types.NodeSkipped,
		StartedAt:   now,
		CompletedAt: &now,
	})
	c.publish(events.Event{Type: events.NodeSkipped, NodeID: node.ID, Data: map[string]any{"reason": reason}})
	c.engine.deps.Metrics.RecordNode(c.flow.FlowID, string(node.Type), string(types.NodeSkipped), 0)
	c.onNodeTerminal(node.ID)
}

// --- Failure handling ---

// failNode settles a node as failed, then routes the failure: the
// node's error handler if it has one, containment when every successor
// is a join, otherwise the whole execution fails.
func (c *coordinator) failNode(node *types.Node, err *types.Error, row *types.NodeResult) {
	now := time.Now()
	c.status[node.ID] = types.NodeFailed
	c.nodeErrs[node.ID] = err

	if row == nil {
		row = &types.NodeResult{StartedAt: now}
	}
	row.ExecutionID = c.exec.ExecutionID
	row.NodeID = node.ID
	row.Status = types.NodeFailed
	row.Error = err
	row.CompletedAt = &now
	c.upsert(row)

	c.publish(events.Event{Type: events.NodeFailed, NodeID: node.ID, AgentID: node.AgentID, Data: map[string]any{
		"code":  string(err.Code),
		"error": err.Error(),
	}})
	c.engine.deps.Metrics.RecordNode(c.flow.FlowID, string(node.Type), string(types.NodeFailed), now.Sub(row.StartedAt))

	if orig, isHandler := c.handlerFor[node.ID]; isHandler {
		// The handler itself failed; the original failure stands.
		c.finalize(types.ExecutionFailed, nil, c.nodeErrs[orig])
		return
	}
	if node.OnErrorNode != "" {
		c.launchHandler(node)
		return
	}
	if c.absorbedByJoins(node.ID) {
		c.onNodeTerminal(node.ID)
		return
	}
	c.finalize(types.ExecutionFailed, nil, err)
}

// absorbedByJoins reports whether every successor of the node is a
// join, leaving the join strategy to decide whether the failure is
// survivable.
func (c *coordinator) absorbedByJoins(id string) bool {
	succs := c.succs[id]
	if len(succs) == 0 {
		return false
	}
	for _, s := range succs {
		if c.flow.Nodes[s].Type != types.NodeJoin {
			return false
		}
	}
	return true
}

// launchHandler dispatches the failed node's error handler. On handler
// success the handler's output stands in for the failed node.
func (c *coordinator) launchHandler(node *types.Node) {
	handler := c.flow.Nodes[node.OnErrorNode]
	if handler == nil || handler.Type != types.NodeAgent || c.status[handler.ID] != types.NodePending {
		c.finalize(types.ExecutionFailed, nil, c.nodeErrs[node.ID])
		return
	}
	c.handlerFor[handler.ID] = node.ID

	// The failed node's edges were consumed when it was first
	// dispatched; rebuilding its input must not record them again.
	failure := c.nodeErrs[node.ID]
	input := c.mergedInputs(node)
	input["error"] = map[string]any{
		"code":    string(failure.Code),
		"message": failure.Message,
		"node_id": node.ID,
	}
	c.appendMessage(node.ID, handler.ID, map[string]any{"error": failure.Error()})
	c.enqueueAgent(handler, input, 0, false)
}

// --- Agent dispatch queue ---

func (c *coordinator) enqueueAgent(node *types.Node, input map[string]any, iteration int, inLoop bool) {
	c.queue = append(c.queue, dispatchItem{node: node, input: input, iteration: iteration, inLoop: inLoop})
	c.pumpQueue()
}

// pumpQueue launches queued dispatches up to the parallelism cap, in
// FIFO order.
func (c *coordinator) pumpQueue() {
	for !c.done && c.inFlight < c.engine.config.MaxParallelNodes && len(c.queue) > 0 {
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.launch(item)
	}
}

func (c *coordinator) launch(item dispatchItem) {
	id := item.node.ID
	started := time.Now()
	c.status[id] = types.NodeRunning
	c.inFlight++

	c.upsert(&types.NodeResult{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      id,
		Iteration:   item.iteration,
		Status:      types.NodeRunning,
		Input:       item.input,
		StartedAt:   started,
	})
	c.publish(events.Event{Type: events.NodeStarted, NodeID: id, AgentID: item.node.AgentID,
		Data: map[string]any{"iteration": item.iteration}})

	nodeCtx, cancel := context.WithCancel(c.ctx)
	c.nodeCancels[id] = cancel
	go c.dispatch(nodeCtx, item, started)
}

// --- Completion handling ---

func (c *coordinator) handleCompletion(comp completion) {
	if c.done {
		return
	}
	if cancel, ok := c.nodeCancels[comp.nodeID]; ok {
		cancel()
		delete(c.nodeCancels, comp.nodeID)
	}
	c.inFlight--
	c.pumpQueue()

	for k, v := range comp.ctxUpdates {
		c.ctxVars[k] = v
	}

	if loopID := c.loopOf[comp.nodeID]; loopID != "" {
		c.handleBodyCompletion(loopID, comp)
		c.maybeFinish()
		return
	}

	node := c.flow.Nodes[comp.nodeID]
	switch comp.status {
	case types.NodeSucceeded:
		c.completeAgent(node, comp)
	case types.NodeCancelled:
		now := time.Now()
		c.status[node.ID] = types.NodeCancelled
		c.upsert(&types.NodeResult{
			ExecutionID: c.exec.ExecutionID,
			NodeID:      node.ID,
			Iteration:   comp.iteration,
			Status:      types.NodeCancelled,
			Input:       comp.input,
			Attempts:    comp.attempts,
			StartedAt:   comp.startedAt,
			CompletedAt: &now,
		})
		c.engine.deps.Metrics.RecordNode(c.flow.FlowID, string(node.Type), string(types.NodeCancelled), now.Sub(comp.startedAt))
		c.onNodeTerminal(node.ID)
	default:
		c.failNode(node, comp.err, &types.NodeResult{
			Iteration: comp.iteration,
			Input:     comp.input,
			Attempts:  comp.attempts,
			StartedAt: comp.startedAt,
		})
	}
	c.maybeFinish()
}

func (c *coordinator) completeAgent(node *types.Node, comp completion) {
	now := time.Now()
	c.status[node.ID] = types.NodeSucceeded
	c.outputs[node.ID] = comp.output
	c.upsert(&types.NodeResult{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      node.ID,
		Iteration:   comp.iteration,
		Status:      types.NodeSucceeded,
		Input:       comp.input,
		Output:      comp.output,
		Attempts:    comp.attempts,
		StartedAt:   comp.startedAt,
		CompletedAt: &now,
		CostUSD:     comp.costUSD,
	})
	c.publish(events.Event{Type: events.NodeSucceeded, NodeID: node.ID, AgentID: node.AgentID,
		Data: map[string]any{"attempts": comp.attempts}})
	c.engine.deps.Metrics.RecordNode(c.flow.FlowID, string(node.Type), string(types.NodeSucceeded), now.Sub(comp.startedAt))

	if orig, ok := c.handlerFor[node.ID]; ok {
		// Handler output stands in for the failed node's output.
		c.outputs[orig] = comp.output
		c.status[orig] = types.NodeSucceeded
		c.onNodeTerminal(orig)
	}
	c.onNodeTerminal(node.ID)
}

// --- Joins ---

func (c *coordinator) checkJoin(node *types.Node) {
	if c.done || c.status[node.ID] != types.NodePending {
		return
	}

	switch node.Strategy {
	case types.MergeFirstComplete:
		for _, s := range node.Sources {
			if c.status[s] == types.NodeSucceeded {
				c.resolveJoin(node, []string{s}, c.outputs[s])
				c.settleLosers(node, s)
				return
			}
		}
		if c.sourcesTerminal(node) {
			c.joinFail(node, c.firstSourceError(node))
		}

	case types.MergeAllComplete:
		if !c.sourcesTerminal(node) {
			return
		}
		if err := c.firstSourceError(node); err != nil {
			c.joinFail(node, err)
			return
		}
		succeeded := c.succeededSources(node)
		if len(succeeded) == 0 {
			c.joinFail(node, types.Errorf(types.ErrInternal, "join %q has no succeeded source", node.ID).WithNode(node.ID))
			return
		}
		output := make(map[string]any, len(succeeded))
		for _, s := range succeeded {
			output[s] = c.outputs[s]
		}
		c.resolveJoin(node, succeeded, output)

	case types.MergeBestBy:
		if !c.sourcesTerminal(node) {
			return
		}
		succeeded := c.succeededSources(node)
		if len(succeeded) == 0 {
			c.joinFail(node, types.Errorf(types.ErrInternal, "join %q has no succeeded source", node.ID).WithNode(node.ID))
			return
		}
		winner, err := c.pickBest(node, succeeded)
		if err != nil {
			c.joinFail(node, c.asError(err).WithNode(node.ID))
			return
		}
		c.resolveJoin(node, []string{winner}, c.outputs[winner])
	}
}

func (c *coordinator) sourcesTerminal(node *types.Node) bool {
	for _, s := range node.Sources {
		if !c.status[s].Terminal() {
			return false
		}
	}
	return true
}

func (c *coordinator) succeededSources(node *types.Node) []string {
	var out []string
	for _, s := range node.Sources {
		if c.status[s] == types.NodeSucceeded {
			out = append(out, s)
		}
	}
	return out
}

func (c *coordinator) firstSourceError(node *types.Node) *types.Error {
	for _, s := range node.Sources {
		if c.status[s] == types.NodeFailed {
			return c.nodeErrs[s]
		}
	}
	return nil
}

// pickBest evaluates the scoring expression once per candidate, with
// the join's own output slot bound to that candidate's output. Ties go
// to the earliest source in declaration order.
func (c *coordinator) pickBest(node *types.Node, candidates []string) (string, error) {
	winner := ""
	best := 0.0
	for _, cand := range candidates {
		outs := make(map[string]map[string]any, len(c.outputs)+1)
		for k, v := range c.outputs {
			outs[k] = v
		}
		outs[node.ID] = c.outputs[cand]
		score, err := expr.EvaluateNumber(node.BestBy, &expr.Env{
			Input:   c.exec.InputData,
			Outputs: outs,
			Context: c.ctxVars,
		})
		if err != nil {
			return "", err
		}
		if winner == "" || score > best {
			winner, best = cand, score
		}
	}
	return winner, nil
}

func (c *coordinator) resolveJoin(node *types.Node, consumed []string, output map[string]any) {
	started := time.Now()
	input := make(map[string]any, len(consumed))
	for _, s := range consumed {
		input[s] = c.outputs[s]
		c.appendMessage(s, node.ID, c.outputs[s])
	}
	c.publish(events.Event{Type: events.NodeStarted, NodeID: node.ID})
	c.completeControlJoin(node, input, output, started)
}

func (c *coordinator) completeControlJoin(node *types.Node, input, output map[string]any, started time.Time) {
	now := time.Now()
	c.status[node.ID] = types.NodeSucceeded
	c.outputs[node.ID] = output
	c.upsert(&types.NodeResult{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      node.ID,
		Status:      types.NodeSucceeded,
		Input:       input,
		Output:      output,
		StartedAt:   started,
		CompletedAt: &now,
	})
	c.publish(events.Event{Type: events.NodeSucceeded, NodeID: node.ID,
		Data: map[string]any{"strategy": string(node.Strategy)}})
	c.engine.deps.Metrics.RecordNode(c.flow.FlowID, string(node.Type), string(types.NodeSucceeded), now.Sub(started))
	c.onNodeTerminal(node.ID)
}

// settleLosers aborts the sources a first_complete join no longer
// waits on.
func (c *coordinator) settleLosers(node *types.Node, winner string) {
	for _, s := range node.Sources {
		if s == winner {
			continue
		}
		switch c.status[s] {
		case types.NodeRunning:
			if cancel, ok := c.nodeCancels[s]; ok {
				cancel()
			}
		case types.NodePending:
			c.dropQueued(s)
			c.skipNode(c.flow.Nodes[s], "join already resolved")
		}
	}
}

// dropQueued removes a not-yet-launched dispatch from the FIFO queue.
func (c *coordinator) dropQueued(id string) {
	for i, item := range c.queue {
		if item.node.ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *coordinator) joinFail(node *types.Node, err *types.Error) {
	if err == nil {
		err = types.Errorf(types.ErrInternal, "join %q failed", node.ID).WithNode(node.ID)
	}
	c.failNode(node, err, nil)
}

// --- Loops ---

func (c *coordinator) startLoop(node *types.Node) {
	started := time.Now()
	input := c.consumeInputs(node)

	ls := &loopState{
		node:       node,
		startedAt:  started,
		entryInput: c.passthrough(node),
	}
	c.loops[node.ID] = ls
	c.status[node.ID] = types.NodeRunning
	c.upsert(&types.NodeResult{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      node.ID,
		Status:      types.NodeRunning,
		Input:       input,
		StartedAt:   started,
	})
	c.publish(events.Event{Type: events.NodeStarted, NodeID: node.ID})
	c.runLoopBody(ls)
}

// runLoopBody schedules one iteration of the loop body.
func (c *coordinator) runLoopBody(ls *loopState) {
	ls.iterOutputs = make(map[string]map[string]any, len(ls.node.Body))
	ls.bodyRemaining = make(map[string]int, len(ls.node.Body))
	ls.bodyPending = len(ls.node.Body)

	for _, b := range ls.node.Body {
		n := c.flow.Nodes[b]
		deps := 0
		for _, d := range n.DependsOn {
			if c.loopOf[d] == ls.node.ID {
				deps++
			}
		}
		ls.bodyRemaining[b] = deps
		c.status[b] = types.NodePending
	}
	for _, b := range ls.node.Body {
		if ls.bodyRemaining[b] == 0 {
			c.activateBodyNode(ls, b)
		}
	}
}

func (c *coordinator) activateBodyNode(ls *loopState, id string) {
	n := c.flow.Nodes[id]
	in := map[string]any{
		"input":     c.exec.InputData,
		"iteration": ls.iteration,
	}
	for _, d := range n.DependsOn {
		if d == ls.node.ID {
			in[d] = ls.entryInput
			c.appendMessage(d, id, ls.entryInput)
			continue
		}
		if c.loopOf[d] == ls.node.ID {
			if out, ok := ls.iterOutputs[d]; ok {
				in[d] = out
				c.appendMessage(d, id, out)
			}
		}
	}
	c.enqueueAgent(n, in, ls.iteration, true)
}

func (c *coordinator) handleBodyCompletion(loopID string, comp completion) {
	ls := c.loops[loopID]
	node := c.flow.Nodes[comp.nodeID]
	now := time.Now()

	row := &types.NodeResult{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      comp.nodeID,
		Iteration:   comp.iteration,
		Status:      comp.status,
		Input:       comp.input,
		Output:      comp.output,
		Error:       comp.err,
		Attempts:    comp.attempts,
		StartedAt:   comp.startedAt,
		CompletedAt: &now,
		CostUSD:     comp.costUSD,
	}
	c.upsert(row)
	c.status[comp.nodeID] = comp.status
	c.engine.deps.Metrics.RecordNode(c.flow.FlowID, string(node.Type), string(comp.status), now.Sub(comp.startedAt))

	if ls == nil || ls.failing {
		return
	}

	switch comp.status {
	case types.NodeSucceeded:
		c.publish(events.Event{Type: events.NodeSucceeded, NodeID: comp.nodeID, AgentID: node.AgentID,
			Data: map[string]any{"iteration": comp.iteration}})
		ls.iterOutputs[comp.nodeID] = comp.output
		c.outputs[comp.nodeID] = comp.output
		for _, succ := range c.succs[comp.nodeID] {
			if c.loopOf[succ] != loopID {
				continue
			}
			ls.bodyRemaining[succ]--
			if ls.bodyRemaining[succ] == 0 {
				c.activateBodyNode(ls, succ)
			}
		}
		ls.bodyPending--
		if ls.bodyPending == 0 {
			c.finishIteration(ls)
		}
	case types.NodeCancelled:
		// Execution is being torn down; nothing to schedule.
	default:
		c.publish(events.Event{Type: events.NodeFailed, NodeID: comp.nodeID, AgentID: node.AgentID, Data: map[string]any{
			"code":      string(comp.err.Code),
			"error":     comp.err.Error(),
			"iteration": comp.iteration,
		}})
		c.failLoop(ls, comp.err)
	}
}

// finishIteration runs after a full body pass: the iteration counter is
// bumped to the number of completed passes first, then the exit
// expression sees the bumped value.
func (c *coordinator) finishIteration(ls *loopState) {
	ls.iteration++
	env := c.exprEnv()
	env.Iteration = ls.iteration
	env.HasIteration = true

	stop, err := expr.EvaluateBool(ls.node.Until, env)
	if err != nil {
		c.failLoop(ls, c.asError(err).WithNode(ls.node.ID))
		return
	}
	if stop || ls.iteration >= ls.node.MaxIterations {
		c.finishLoop(ls, stop)
		return
	}
	c.runLoopBody(ls)
}

func (c *coordinator) finishLoop(ls *loopState, conditionMet bool) {
	delete(c.loops, ls.node.ID)
	output := make(map[string]any, len(ls.iterOutputs))
	for b, out := range ls.iterOutputs {
		output[b] = out
	}

	now := time.Now()
	c.status[ls.node.ID] = types.NodeSucceeded
	c.outputs[ls.node.ID] = output
	c.upsert(&types.NodeResult{
		ExecutionID: c.exec.ExecutionID,
		NodeID:      ls.node.ID,
		Status:      types.NodeSucceeded,
		Output:      output,
		StartedAt:   ls.startedAt,
		CompletedAt: &now,
	})
	c.publish(events.Event{Type: events.NodeSucceeded, NodeID: ls.node.ID, Data: map[string]any{
		"iterations":    ls.iteration,
		"condition_met": conditionMet,
	}})
	c.engine.deps.Metrics.RecordNode(c.flow.FlowID, string(ls.node.Type), string(types.NodeSucceeded), now.Sub(ls.startedAt))
	c.onNodeTerminal(ls.node.ID)
}

func (c *coordinator) failLoop(ls *loopState, err *types.Error) {
	ls.failing = true
	delete(c.loops, ls.node.ID)
	for _, b := range ls.node.Body {
		if c.status[b] == types.NodeRunning {
			if cancel, ok := c.nodeCancels[b]; ok {
				cancel()
			}
		}
	}
	c.failNode(ls.node, err, &types.NodeResult{StartedAt: ls.startedAt})
}

// --- Finish ---

// maybeFinish settles the execution once every exit point is terminal.
func (c *coordinator) maybeFinish() {
	if c.done {
		return
	}
	for _, ep := range c.flow.ExitPoints {
		if !c.status[ep].Terminal() {
			return
		}
	}
	output := make(map[string]any)
	anySucceeded := false
	for _, ep := range c.flow.ExitPoints {
		switch c.status[ep] {
		case types.NodeSucceeded:
			anySucceeded = true
			output[ep] = c.outputs[ep]
		case types.NodeFailed:
			c.finalize(types.ExecutionFailed, nil, c.nodeErrs[ep])
			return
		}
	}
	if !anySucceeded {
		c.finalize(types.ExecutionFailed, nil,
			types.NewError(types.ErrInternal, "no exit point produced output"))
		return
	}
	c.finalize(types.ExecutionSucceeded, output, nil)
}

// finalize drives the execution to its terminal state exactly once.
func (c *coordinator) finalize(status types.ExecutionStatus, output map[string]any, execErr *types.Error) {
	if c.done {
		return
	}
	c.done = true
	c.finalStatus = status
	close(c.closed)

	// Settle still-running node rows; queued dispatches are dropped.
	deadline := execErr != nil && execErr.Code == types.ErrDeadlineExceeded
	for id, st := range c.status {
		if st != types.NodeRunning {
			continue
		}
		now := time.Now()
		row := &types.NodeResult{
			ExecutionID: c.exec.ExecutionID,
			NodeID:      id,
			Status:      types.NodeCancelled,
			StartedAt:   now,
			CompletedAt: &now,
		}
		if deadline {
			row.Status = types.NodeFailed
			row.Error = types.NewError(types.ErrDeadlineExceeded, "execution deadline exceeded").WithNode(id)
		}
		c.status[id] = row.Status
		c.upsert(row)
	}
	c.cancelFn()

	err := c.transition(status, func(exec *types.ExecutionContext) {
		exec.OutputData = output
		exec.Error = execErr
	})
	if err != nil {
		c.logger.Error("terminal transition failed", zap.String("status", string(status)), zap.Error(err))
	}

	ev := events.Event{Type: executionEventType(status)}
	if execErr != nil {
		ev.Data = map[string]any{"code": string(execErr.Code), "error": execErr.Error()}
	}
	c.publish(ev)

	c.logger.Info("execution finished",
		zap.String("status", string(status)),
		zap.Error(errOrNil(execErr)),
	)
}

func executionEventType(status types.ExecutionStatus) events.Type {
	switch status {
	case types.ExecutionSucceeded:
		return events.ExecutionSucceeded
	case types.ExecutionCancelled:
		return events.ExecutionCancelled
	default:
		return events.ExecutionFailed
	}
}

func errOrNil(err *types.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// --- Plumbing ---

func (c *coordinator) exprEnv() *expr.Env {
	return &expr.Env{
		Input:   c.exec.InputData,
		Outputs: c.outputs,
		Context: c.ctxVars,
	}
}

func (c *coordinator) asError(err error) *types.Error {
	if typed, ok := err.(*types.Error); ok {
		return typed
	}
	return types.NewError(types.ErrInternal, "unexpected error").WithCause(err)
}

func (c *coordinator) publish(ev events.Event) {
	ev.ExecutionID = c.exec.ExecutionID
	ev.FlowID = c.flow.FlowID
	ev.TenantID = c.exec.TenantID
	c.engine.deps.Bus.Publish(ev)
}

func (c *coordinator) upsert(row *types.NodeResult) {
	start := time.Now()
	if err := c.engine.deps.Store.UpsertNodeResult(context.Background(), row); err != nil {
		c.logger.Error("node result write failed", zap.String("node_id", row.NodeID), zap.Error(err))
	}
	c.engine.deps.Metrics.RecordStoreOp("upsert_node_result", time.Since(start))
}

func (c *coordinator) appendMessage(from, to string, payload map[string]any) {
	msg := &types.AgentMessage{
		MessageID:   uuid.NewString(),
		ExecutionID: c.exec.ExecutionID,
		FromNode:    from,
		ToNode:      to,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
	if err := c.engine.deps.Store.AppendMessage(context.Background(), msg); err != nil {
		c.logger.Error("message write failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
}

func (c *coordinator) transition(to types.ExecutionStatus, apply func(*types.ExecutionContext)) error {
	start := time.Now()
	err := c.engine.deps.Store.Transition(context.Background(), c.exec.ExecutionID, to, apply)
	c.engine.deps.Metrics.RecordStoreOp("transition", time.Since(start))
	return err
}

// sendCompletion hands a dispatch result to the run loop, giving up
// once the execution is finalized.
func (c *coordinator) sendCompletion(comp completion) {
	select {
	case c.completions <- comp:
	case <-c.closed:
	}
}
