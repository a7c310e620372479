package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowmesh/types"
)

// Parse parses a YAML flow document and returns the validated,
// immutable flow definition. Validation failures return a FLOW_INVALID
// error listing every problem found.
func Parse(data []byte) (*types.FlowDefinition, error) {
	var doc flowDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, types.NewError(types.ErrFlowInvalid, "empty flow document")
		}
		return nil, types.NewError(types.ErrFlowInvalid, "malformed flow document").WithCause(err)
	}

	def, err := buildDefinition(&doc)
	if err != nil {
		return nil, err
	}

	v := newValidator(def)
	if err := v.validate(); err != nil {
		return nil, err
	}

	// Topological layers double as the acyclicity proof: layering fails
	// on any cycle.
	layers, indegree, err := topoLayers(def)
	if err != nil {
		return nil, err
	}
	def.Layers = layers
	def.Indegree = indegree

	return def, nil
}

// ParseFile reads and parses a flow document from disk.
func ParseFile(path string) (*types.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow document: %w", err)
	}
	return Parse(data)
}

// Serialize renders a definition back into its canonical YAML document
// form: nodes sorted by id, engine defaults omitted. Parsing the result
// yields an equivalent definition.
func Serialize(def *types.FlowDefinition) ([]byte, error) {
	doc := flowDocument{
		FlowID:      def.FlowID,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		TenantID:    def.TenantID,
		EntryPoint:  def.EntryPoint,
		ExitPoints:  append([]string(nil), def.ExitPoints...),
	}

	ids := make([]string, 0, len(def.Nodes))
	for id := range def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := def.Nodes[id]
		doc.Nodes = append(doc.Nodes, nodeDocument{
			ID:            n.ID,
			Type:          string(n.Type),
			DependsOn:     n.DependsOn,
			AgentID:       n.AgentID,
			Config:        n.Config,
			OnErrorNode:   n.OnErrorNode,
			Condition:     n.Condition,
			Then:          n.Then,
			Else:          n.Else,
			Body:          n.Body,
			Until:         n.Until,
			MaxIterations: n.MaxIterations,
			Branches:      n.Branches,
			Sources:       n.Sources,
			Strategy:      string(n.Strategy),
			BestBy:        n.BestBy,
		})
	}

	return yaml.Marshal(&doc)
}

// buildDefinition maps the raw document onto the typed model.
func buildDefinition(doc *flowDocument) (*types.FlowDefinition, error) {
	def := &types.FlowDefinition{
		FlowID:      doc.FlowID,
		Version:     doc.Version,
		Name:        doc.Name,
		Description: doc.Description,
		TenantID:    doc.TenantID,
		EntryPoint:  doc.EntryPoint,
		ExitPoints:  append([]string(nil), doc.ExitPoints...),
		Nodes:       make(map[string]*types.Node, len(doc.Nodes)),
	}

	for i := range doc.Nodes {
		nd := &doc.Nodes[i]
		node := &types.Node{
			ID:            nd.ID,
			Type:          types.NodeType(nd.Type),
			DependsOn:     append([]string(nil), nd.DependsOn...),
			AgentID:       nd.AgentID,
			Config:        nd.Config,
			OnErrorNode:   nd.OnErrorNode,
			Condition:     nd.Condition,
			Then:          nd.Then,
			Else:          nd.Else,
			Body:          append([]string(nil), nd.Body...),
			Until:         nd.Until,
			MaxIterations: nd.MaxIterations,
			Branches:      append([]string(nil), nd.Branches...),
			Sources:       append([]string(nil), nd.Sources...),
			Strategy:      types.MergeStrategy(nd.Strategy),
			BestBy:        nd.BestBy,
		}

		if node.Type == types.NodeAgent {
			timeout, retries, err := agentDispatchConfig(nd)
			if err != nil {
				return nil, err
			}
			node.Timeout = timeout
			node.MaxRetries = retries
		}

		if _, dup := def.Nodes[node.ID]; dup {
			return nil, types.Errorf(types.ErrFlowInvalid, "duplicate node id %q", node.ID)
		}
		def.Nodes[node.ID] = node
	}

	return def, nil
}

// agentDispatchConfig extracts the engine-recognized timeout and retry
// settings from an agent node's config block and range-checks them.
func agentDispatchConfig(nd *nodeDocument) (time.Duration, int, error) {
	var timeout time.Duration
	var retries int

	if raw, ok := nd.Config[configKeyTimeout]; ok {
		secs, ok := asInt(raw)
		if !ok {
			return 0, 0, types.Errorf(types.ErrFlowInvalid, "node %s: timeout must be an integer", nd.ID)
		}
		if secs < minTimeoutSeconds || secs > maxTimeoutSeconds {
			return 0, 0, types.Errorf(types.ErrFlowInvalid,
				"node %s: timeout %ds outside [%d, %d]", nd.ID, secs, minTimeoutSeconds, maxTimeoutSeconds)
		}
		timeout = time.Duration(secs) * time.Second
	}

	if raw, ok := nd.Config[configKeyMaxRetries]; ok {
		n, ok := asInt(raw)
		if !ok {
			return 0, 0, types.Errorf(types.ErrFlowInvalid, "node %s: max_retries must be an integer", nd.ID)
		}
		if n < 0 || n > maxRetriesBound {
			return 0, 0, types.Errorf(types.ErrFlowInvalid,
				"node %s: max_retries %d outside [0, %d]", nd.ID, n, maxRetriesBound)
		}
		retries = n
	}

	return timeout, retries, nil
}

// asInt normalizes the numeric types the YAML decoder may produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// topoLayers computes Kahn topological layers over the dependency
// edges and returns the per-node indegree. A non-empty remainder after
// layering is a dependency cycle.
func topoLayers(def *types.FlowDefinition) ([][]string, map[string]int, error) {
	indegree := make(map[string]int, len(def.Nodes))
	successors := make(map[string][]string, len(def.Nodes))
	for id, n := range def.Nodes {
		indegree[id] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			successors[dep] = append(successors[dep], id)
		}
	}

	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}

	var layers [][]string
	placed := 0
	for placed < len(def.Nodes) {
		var layer []string
		for id, d := range remaining {
			if d == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			for id := range remaining {
				return nil, nil, types.Errorf(types.ErrFlowInvalid, "cycle at %q", id)
			}
		}
		for _, id := range layer {
			delete(remaining, id)
			for _, succ := range successors[id] {
				if _, ok := remaining[succ]; ok {
					remaining[succ]--
				}
			}
		}
		layers = append(layers, layer)
		placed += len(layer)
	}

	return layers, indegree, nil
}
