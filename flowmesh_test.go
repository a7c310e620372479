package flowmesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowmesh/catalog"
	"github.com/BaSui01/flowmesh/engine"
	"github.com/BaSui01/flowmesh/types"
)

const greetDoc = `
flow_id: greet
name: Greet
version: 1.0.0
entry_point: hello
exit_points: [out]
nodes:
  - id: hello
    type: agent
    agent_id: greeter
  - id: out
    type: output
    depends_on: [hello]
`

func TestRuntimeRunsFlowEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&types.ExecuteResponse{
			Status: "success",
			Output: map[string]any{"greeting": "hi"},
		})
	}))
	t.Cleanup(srv.Close)

	cfg := engine.DefaultConfig()
	cfg.ExecutionDeadline = 5 * time.Second
	rt, err := New(WithEngineConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(ctx)
	})

	_, err = rt.Engine.RegisterAgent(&types.AgentRecord{AgentID: "greeter", Endpoint: srv.URL})
	require.NoError(t, err)

	def, err := catalog.Parse([]byte(greetDoc))
	require.NoError(t, err)
	require.NoError(t, rt.Catalog.Register(def))

	exec, err := rt.Engine.Submit(context.Background(), engine.SubmitRequest{FlowID: "greet"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := rt.Engine.Status(context.Background(), exec.ExecutionID, "")
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	got, err := rt.Engine.Status(context.Background(), exec.ExecutionID, "")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionSucceeded, got.Status)
	assert.Equal(t, "hi", got.OutputData["out"].(map[string]any)["hello"].(map[string]any)["greeting"])
}

func TestRuntimeCloseIsGraceful(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rt.Close(ctx))
}
