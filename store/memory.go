package store

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/flowmesh/types"
)

// MemoryStore is an in-memory Store for development and tests. All
// methods copy on the way in and out so callers never share state with
// the store.
type MemoryStore struct {
	mu sync.RWMutex

	executions map[string]*types.ExecutionContext
	// results maps execution id to results keyed by (node, iteration).
	results map[string]map[resultKey]*types.NodeResult
	// messages maps execution id to messages in append order.
	messages map[string][]*types.AgentMessage
}

type resultKey struct {
	nodeID    string
	iteration int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*types.ExecutionContext),
		results:    make(map[string]map[resultKey]*types.NodeResult),
		messages:   make(map[string][]*types.AgentMessage),
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *types.ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ExecutionID]; ok {
		return types.Errorf(types.ErrInternal, "execution %s already exists", exec.ExecutionID)
	}
	s.executions[exec.ExecutionID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, executionID, tenantID string) (*types.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok || exec.TenantID != tenantID {
		return nil, notFound(executionID)
	}
	return copyExecution(exec), nil
}

func (s *MemoryStore) Transition(_ context.Context, executionID string, to types.ExecutionStatus, apply func(*types.ExecutionContext)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return notFound(executionID)
	}
	if err := transitionGuard(exec, to); err != nil {
		return err
	}
	applyTransition(exec, to, apply)
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, tenantID string, filter ExecutionFilter) ([]*types.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ExecutionContext
	for _, exec := range s.executions {
		if exec.TenantID != tenantID || !filter.matches(exec) {
			continue
		}
		out = append(out, copyExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter), nil
}

func (s *MemoryStore) UpsertNodeResult(_ context.Context, result *types.NodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.results[result.ExecutionID]
	if !ok {
		byKey = make(map[resultKey]*types.NodeResult)
		s.results[result.ExecutionID] = byKey
	}
	byKey[resultKey{result.NodeID, result.Iteration}] = copyResult(result)
	return nil
}

func (s *MemoryStore) GetNodeResults(_ context.Context, executionID string) ([]*types.NodeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.NodeResult
	for _, result := range s.results[executionID] {
		out = append(out, copyResult(result))
	}
	sortResults(out)
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *types.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *msg
	cp.Payload = copyMap(msg.Payload)
	s.messages[msg.ExecutionID] = append(s.messages[msg.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) GetMessages(_ context.Context, executionID string) ([]*types.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[executionID]
	out := make([]*types.AgentMessage, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		cp.Payload = copyMap(msg.Payload)
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func paginate(execs []*types.ExecutionContext, filter ExecutionFilter) []*types.ExecutionContext {
	if filter.Offset > 0 {
		if filter.Offset >= len(execs) {
			return nil
		}
		execs = execs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(execs) {
		execs = execs[:filter.Limit]
	}
	return execs
}

func copyExecution(exec *types.ExecutionContext) *types.ExecutionContext {
	cp := *exec
	cp.InputData = copyMap(exec.InputData)
	cp.OutputData = copyMap(exec.OutputData)
	return &cp
}

func copyResult(result *types.NodeResult) *types.NodeResult {
	cp := *result
	cp.Input = copyMap(result.Input)
	cp.Output = copyMap(result.Output)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

var _ Store = (*MemoryStore)(nil)
