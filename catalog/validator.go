package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/flowmesh/types"
)

var (
	flowIDPattern  = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+([\-+].+)?$`)
)

// validator accumulates structural errors over one flow definition.
type validator struct {
	def *types.FlowDefinition
	// forward is the full control adjacency: dependency edges plus
	// decision branches, loop bodies, fork branches, join sources, and
	// error-handler edges.
	forward map[string][]string
	errs    []error
}

func newValidator(def *types.FlowDefinition) *validator {
	return &validator{def: def, forward: controlAdjacency(def)}
}

// validate runs all structural checks and returns a single FLOW_INVALID
// error naming every violation, or nil.
func (v *validator) validate() error {
	v.checkHeader()
	v.checkReferences()
	for _, n := range v.def.Nodes {
		v.checkNode(n)
	}
	v.checkReachability()
	v.checkLoopIsolation()
	v.checkForkJoins()
	v.checkDecisionConvergence()

	if len(v.errs) == 0 {
		return nil
	}
	msgs := make([]string, len(v.errs))
	for i, e := range v.errs {
		msgs[i] = e.Error()
	}
	return types.Errorf(types.ErrFlowInvalid, "%s", strings.Join(msgs, "; "))
}

func (v *validator) errorf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) checkHeader() {
	def := v.def
	if !flowIDPattern.MatchString(def.FlowID) {
		v.errorf("flow_id %q does not match ^[a-z0-9_-]{1,64}$", def.FlowID)
	}
	if def.Name == "" {
		v.errorf("name is required")
	}
	if def.Version == "" {
		v.errorf("version is required")
	} else if !versionPattern.MatchString(def.Version) {
		v.errorf("version %q is not semver", def.Version)
	}
	if def.EntryPoint == "" {
		v.errorf("entry_point is required")
	}
	if len(def.ExitPoints) == 0 {
		v.errorf("exit_points must name at least one node")
	}
	if len(def.Nodes) == 0 {
		v.errorf("nodes must have at least one node")
	}
}

// checkReferences verifies every node id mentioned anywhere resolves.
func (v *validator) checkReferences() {
	def := v.def

	exists := func(id string) bool {
		_, ok := def.Nodes[id]
		return ok
	}

	if def.EntryPoint != "" && !exists(def.EntryPoint) {
		v.errorf("entry_point %q does not exist", def.EntryPoint)
	}
	for _, ep := range def.ExitPoints {
		if !exists(ep) {
			v.errorf("exit point %q does not exist", ep)
		}
	}

	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			if !exists(dep) {
				v.errorf("node %s: depends_on %q does not exist", n.ID, dep)
			}
		}
		if n.OnErrorNode != "" && !exists(n.OnErrorNode) {
			v.errorf("node %s: on_error_node %q does not exist", n.ID, n.OnErrorNode)
		}
		for _, id := range n.Body {
			if !exists(id) {
				v.errorf("node %s: body node %q does not exist", n.ID, id)
			}
		}
		for _, id := range n.Branches {
			if !exists(id) {
				v.errorf("node %s: branch %q does not exist", n.ID, id)
			}
		}
		for _, id := range n.Sources {
			if !exists(id) {
				v.errorf("node %s: source %q does not exist", n.ID, id)
			}
		}
		if n.Then != "" && !exists(n.Then) {
			v.errorf("node %s: then node %q does not exist", n.ID, n.Then)
		}
		if n.Else != "" && !exists(n.Else) {
			v.errorf("node %s: else node %q does not exist", n.ID, n.Else)
		}
	}
}

// checkNode enforces the per-variant structure.
func (v *validator) checkNode(n *types.Node) {
	switch n.Type {
	case types.NodeAgent:
		if n.AgentID == "" {
			v.errorf("node %s: agent node requires agent_id", n.ID)
		}

	case types.NodeDecision:
		if n.Condition == "" {
			v.errorf("node %s: decision node requires condition", n.ID)
		}
		if n.Then == "" || n.Else == "" {
			v.errorf("node %s: decision node requires then and else", n.ID)
		}

	case types.NodeLoop:
		if len(n.Body) == 0 {
			v.errorf("node %s: loop node requires a non-empty body", n.ID)
		}
		if n.Until == "" {
			v.errorf("node %s: loop node requires until", n.ID)
		}
		if n.MaxIterations <= 0 {
			v.errorf("node %s: loop node requires positive max_iterations", n.ID)
		}

	case types.NodeFork:
		if len(n.Branches) < 2 {
			v.errorf("node %s: fork node requires at least 2 branches", n.ID)
		}

	case types.NodeJoin:
		if len(n.Sources) == 0 {
			v.errorf("node %s: join node requires sources", n.ID)
		}
		switch n.Strategy {
		case types.MergeFirstComplete, types.MergeAllComplete:
			if n.BestBy != "" {
				v.errorf("node %s: best_by is only valid with strategy best_by", n.ID)
			}
		case types.MergeBestBy:
			if n.BestBy == "" {
				v.errorf("node %s: strategy best_by requires best_by expression", n.ID)
			}
		default:
			v.errorf("node %s: invalid join strategy %q", n.ID, n.Strategy)
		}

	case types.NodeOutput:
		if len(n.DependsOn) == 0 {
			v.errorf("node %s: output node requires depends_on", n.ID)
		}

	default:
		v.errorf("node %s: invalid type %q", n.ID, n.Type)
	}

	if n.ID == v.def.EntryPoint && len(n.DependsOn) > 0 {
		v.errorf("entry point %s must have no dependencies", n.ID)
	}
}

// checkReachability verifies every node and every exit point is
// reachable from the entry over the full control adjacency.
func (v *validator) checkReachability() {
	def := v.def
	if _, ok := def.Nodes[def.EntryPoint]; !ok {
		return
	}

	reached := v.reachableFrom(def.EntryPoint)
	for _, ep := range def.ExitPoints {
		if _, ok := def.Nodes[ep]; ok && !reached[ep] {
			v.errorf("exit point %q is not reachable from entry", ep)
		}
	}
	for id := range def.Nodes {
		if !reached[id] {
			v.errorf("node %q is not reachable from entry", id)
		}
	}
}

// checkLoopIsolation verifies a loop body is entered only through its
// loop node: body nodes are agent nodes, may depend only on the loop
// node or on other body nodes, and nothing outside the loop may target
// them.
func (v *validator) checkLoopIsolation() {
	for _, loop := range v.def.Nodes {
		if loop.Type != types.NodeLoop {
			continue
		}
		body := make(map[string]bool, len(loop.Body))
		for _, id := range loop.Body {
			body[id] = true
		}
		for _, id := range loop.Body {
			n, ok := v.def.Nodes[id]
			if !ok {
				continue
			}
			if n.Type != types.NodeAgent {
				v.errorf("loop %s: body node %q must be an agent node", loop.ID, id)
			}
			for _, dep := range n.DependsOn {
				if dep != loop.ID && !body[dep] {
					v.errorf("loop %s: body node %q depends on %q outside the loop", loop.ID, id, dep)
				}
			}
		}
		for _, other := range v.def.Nodes {
			if other.ID == loop.ID || body[other.ID] {
				continue
			}
			for _, target := range append(append([]string{other.Then, other.Else}, other.Branches...), other.Body...) {
				if target != "" && body[target] {
					v.errorf("loop %s: body node %q targeted by %q outside the loop", loop.ID, target, other.ID)
				}
			}
		}
	}
}

// checkForkJoins verifies every fork has a matching join: a join node
// reachable from every branch.
func (v *validator) checkForkJoins() {
	for _, fork := range v.def.Nodes {
		if fork.Type != types.NodeFork {
			continue
		}
		if len(fork.Branches) < 2 {
			continue
		}

		common := v.reachableOrSelf(fork.Branches[0])
		for _, branch := range fork.Branches[1:] {
			next := v.reachableOrSelf(branch)
			for id := range common {
				if !next[id] {
					delete(common, id)
				}
			}
		}

		matched := false
		for id := range common {
			if n, ok := v.def.Nodes[id]; ok && n.Type == types.NodeJoin {
				matched = true
				break
			}
		}
		if !matched {
			v.errorf("fork %s has no matching join reachable from all branches", fork.ID)
		}
	}
}

// checkDecisionConvergence verifies decision branches converge at a
// common successor or each terminate at an exit point.
func (v *validator) checkDecisionConvergence() {
	for _, dec := range v.def.Nodes {
		if dec.Type != types.NodeDecision || dec.Then == "" || dec.Else == "" {
			continue
		}
		thenReach := v.reachableOrSelf(dec.Then)
		elseReach := v.reachableOrSelf(dec.Else)

		converged := false
		for id := range thenReach {
			if elseReach[id] {
				converged = true
				break
			}
		}
		if converged {
			continue
		}

		if v.reachesExit(thenReach) && v.reachesExit(elseReach) {
			continue
		}
		v.errorf("decision %s: branches %q and %q neither converge nor reach exits", dec.ID, dec.Then, dec.Else)
	}
}

func (v *validator) reachesExit(set map[string]bool) bool {
	for _, ep := range v.def.ExitPoints {
		if set[ep] {
			return true
		}
	}
	return false
}

// reachableFrom returns the set of nodes reachable from start,
// including start itself.
func (v *validator) reachableFrom(start string) map[string]bool {
	reached := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		stack = append(stack, v.forward[id]...)
	}
	return reached
}

func (v *validator) reachableOrSelf(start string) map[string]bool {
	return v.reachableFrom(start)
}

// controlAdjacency builds the forward edge map used for reachability:
// dependency edges plus every control-flow edge.
func controlAdjacency(def *types.FlowDefinition) map[string][]string {
	forward := make(map[string][]string, len(def.Nodes))
	add := func(from, to string) {
		if from == "" || to == "" {
			return
		}
		forward[from] = append(forward[from], to)
	}

	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			add(dep, n.ID)
		}
		add(n.ID, n.Then)
		add(n.ID, n.Else)
		add(n.ID, n.OnErrorNode)
		for _, id := range n.Body {
			add(n.ID, id)
		}
		for _, id := range n.Branches {
			add(n.ID, id)
		}
		for _, src := range n.Sources {
			add(src, n.ID)
		}
	}
	return forward
}
