package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/flowmesh/types"
)

// backends returns one fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	gormStore, err := NewGormStoreWithDB(db, nil)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisStore := NewRedisStoreWithClient(client, "test:", nil)

	return map[string]Store{
		"memory":   NewMemoryStore(),
		"postgres": gormStore,
		"redis":    redisStore,
	}
}

func newExecution(tenantID string) *types.ExecutionContext {
	return &types.ExecutionContext{
		ExecutionID: uuid.New().String(),
		FlowID:      "research_pipeline",
		TenantID:    tenantID,
		Status:      types.ExecutionPending,
		InputData:   map[string]any{"topic": "quantum error correction"},
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			exec := newExecution("acme")
			require.NoError(t, s.CreateExecution(ctx, exec))

			got, err := s.GetExecution(ctx, exec.ExecutionID, "acme")
			require.NoError(t, err)
			assert.Equal(t, exec.ExecutionID, got.ExecutionID)
			assert.Equal(t, types.ExecutionPending, got.Status)
			assert.Equal(t, "quantum error correction", got.InputData["topic"])

			// Another tenant cannot tell this execution from a missing one.
			_, err = s.GetExecution(ctx, exec.ExecutionID, "globex")
			assert.Equal(t, types.ErrExecutionNotFound, types.GetErrorCode(err))

			_, err = s.GetExecution(ctx, "missing", "acme")
			assert.Equal(t, types.ErrExecutionNotFound, types.GetErrorCode(err))
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			exec := newExecution("acme")
			require.NoError(t, s.CreateExecution(ctx, exec))

			require.NoError(t, s.Transition(ctx, exec.ExecutionID, types.ExecutionRunning, nil))
			got, err := s.GetExecution(ctx, exec.ExecutionID, "acme")
			require.NoError(t, err)
			assert.Equal(t, types.ExecutionRunning, got.Status)
			require.NotNil(t, got.StartedAt)

			require.NoError(t, s.Transition(ctx, exec.ExecutionID, types.ExecutionSucceeded, func(e *types.ExecutionContext) {
				e.OutputData = map[string]any{"report": "done"}
			}))
			got, err = s.GetExecution(ctx, exec.ExecutionID, "acme")
			require.NoError(t, err)
			assert.Equal(t, types.ExecutionSucceeded, got.Status)
			assert.Equal(t, "done", got.OutputData["report"])
			require.NotNil(t, got.CompletedAt)

			// Terminal states absorb all further transitions.
			err = s.Transition(ctx, exec.ExecutionID, types.ExecutionCancelled, nil)
			assert.Equal(t, types.ErrAlreadyTerminal, types.GetErrorCode(err))

			err = s.Transition(ctx, "missing", types.ExecutionRunning, nil)
			assert.Equal(t, types.ErrExecutionNotFound, types.GetErrorCode(err))
		})
	}
}

func TestTransitionRecordsFailure(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			exec := newExecution("acme")
			require.NoError(t, s.CreateExecution(ctx, exec))
			require.NoError(t, s.Transition(ctx, exec.ExecutionID, types.ExecutionRunning, nil))

			nodeErr := types.NewError(types.ErrAgentTimeout, "agent deadline exceeded").
				WithNode("fetch").WithAgent("crawler")
			require.NoError(t, s.Transition(ctx, exec.ExecutionID, types.ExecutionFailed, func(e *types.ExecutionContext) {
				e.Error = nodeErr
			}))

			got, err := s.GetExecution(ctx, exec.ExecutionID, "acme")
			require.NoError(t, err)
			require.NotNil(t, got.Error)
			assert.Equal(t, types.ErrAgentTimeout, got.Error.Code)
			assert.Equal(t, "fetch", got.Error.NodeID)
		})
	}
}

func TestListExecutions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Millisecond)
			var ids []string
			for i := 0; i < 5; i++ {
				exec := newExecution("acme")
				exec.CreatedAt = base.Add(time.Duration(i) * time.Second)
				if i%2 == 1 {
					exec.FlowID = "other_flow"
				}
				require.NoError(t, s.CreateExecution(ctx, exec))
				ids = append(ids, exec.ExecutionID)
			}
			foreign := newExecution("globex")
			require.NoError(t, s.CreateExecution(ctx, foreign))

			all, err := s.ListExecutions(ctx, "acme", ExecutionFilter{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			// Newest first.
			assert.Equal(t, ids[4], all[0].ExecutionID)
			assert.Equal(t, ids[0], all[4].ExecutionID)

			byFlow, err := s.ListExecutions(ctx, "acme", ExecutionFilter{FlowID: "research_pipeline"})
			require.NoError(t, err)
			assert.Len(t, byFlow, 3)

			require.NoError(t, s.Transition(ctx, ids[0], types.ExecutionRunning, nil))
			running, err := s.ListExecutions(ctx, "acme", ExecutionFilter{
				Status: []types.ExecutionStatus{types.ExecutionRunning},
			})
			require.NoError(t, err)
			require.Len(t, running, 1)
			assert.Equal(t, ids[0], running[0].ExecutionID)

			page, err := s.ListExecutions(ctx, "acme", ExecutionFilter{Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, ids[3], page[0].ExecutionID)
		})
	}
}

func TestNodeResults(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			execID := uuid.New().String()
			base := time.Now().UTC().Truncate(time.Millisecond)

			first := &types.NodeResult{
				ExecutionID: execID,
				NodeID:      "fetch",
				Status:      types.NodeRunning,
				Attempts:    1,
				StartedAt:   base,
			}
			require.NoError(t, s.UpsertNodeResult(ctx, first))

			// Same key overwrites; a loop iteration is a new row.
			cost := 0.0042
			done := base.Add(time.Second)
			first.Status = types.NodeSucceeded
			first.Output = map[string]any{"pages": float64(3)}
			first.CompletedAt = &done
			first.CostUSD = &cost
			require.NoError(t, s.UpsertNodeResult(ctx, first))

			require.NoError(t, s.UpsertNodeResult(ctx, &types.NodeResult{
				ExecutionID: execID,
				NodeID:      "refine",
				Iteration:   1,
				Status:      types.NodeSucceeded,
				Attempts:    2,
				StartedAt:   base.Add(2 * time.Second),
			}))

			results, err := s.GetNodeResults(ctx, execID)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, "fetch", results[0].NodeID)
			assert.Equal(t, types.NodeSucceeded, results[0].Status)
			assert.Equal(t, float64(3), results[0].Output["pages"])
			require.NotNil(t, results[0].CostUSD)
			assert.InDelta(t, 0.0042, *results[0].CostUSD, 1e-9)
			assert.Equal(t, 1, results[1].Iteration)

			empty, err := s.GetNodeResults(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestMessagesAppendOrder(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			execID := uuid.New().String()
			for i := 0; i < 3; i++ {
				require.NoError(t, s.AppendMessage(ctx, &types.AgentMessage{
					MessageID:   uuid.New().String(),
					ExecutionID: execID,
					FromNode:    fmt.Sprintf("n%d", i),
					ToNode:      fmt.Sprintf("n%d", i+1),
					Payload:     map[string]any{"hop": float64(i)},
					CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
				}))
			}

			msgs, err := s.GetMessages(ctx, execID)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			for i, msg := range msgs {
				assert.Equal(t, fmt.Sprintf("n%d", i), msg.FromNode)
				assert.Equal(t, float64(i), msg.Payload["hop"])
			}
		})
	}
}

func TestFactory(t *testing.T) {
	s, err := New(Config{Type: TypeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(Config{Type: "etcd"}, nil)
	assert.Equal(t, types.ErrStoreUnavailable, types.GetErrorCode(err))
}
