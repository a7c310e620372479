package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowmesh/events"
	"github.com/BaSui01/flowmesh/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnableSweeper = false
	return New(cfg, nil, nil)
}

func record(agentID, tenantID string, caps ...string) *types.AgentRecord {
	return &types.AgentRecord{
		AgentID:       agentID,
		Endpoint:      "http://agents.local/" + agentID,
		OwnerTenantID: tenantID,
		Capabilities:  caps,
		AgentType:     types.AgentTypeProcessor,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)

	stored, err := r.Register(record("summarizer", "acme", "summarize"))
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnknown, stored.Health)
	assert.False(t, stored.RegisteredAt.IsZero())

	got, err := r.Lookup("summarizer", "acme")
	require.NoError(t, err)
	assert.Equal(t, "summarizer", got.AgentID)
	assert.Equal(t, "acme", got.OwnerTenantID)
}

func TestRegisterSameScopeIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.Register(record("summarizer", "acme"))
	require.NoError(t, err)

	again := record("summarizer", "acme")
	again.Endpoint = "http://elsewhere.local"
	second, err := r.Register(again)
	require.NoError(t, err)

	// The original record stands.
	assert.Equal(t, first.Endpoint, second.Endpoint)
}

func TestRegisterCrossScopeConflict(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(record("summarizer", "acme"))
	require.NoError(t, err)

	_, err = r.Register(record("summarizer", "globex"))
	assert.Equal(t, types.ErrAgentConflict, types.GetErrorCode(err))

	_, err = r.Register(record("summarizer", ""))
	assert.Equal(t, types.ErrAgentConflict, types.GetErrorCode(err))
}

func TestLookupSystemFallback(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(record("shared", ""))
	require.NoError(t, err)
	_, err = r.Register(record("private", "acme"))
	require.NoError(t, err)

	// Any tenant sees the system record.
	got, err := r.Lookup("shared", "globex")
	require.NoError(t, err)
	assert.True(t, got.SystemScope())

	// Foreign tenant records are indistinguishable from missing ones.
	_, err = r.Lookup("private", "globex")
	assert.Equal(t, types.ErrAgentUnknown, types.GetErrorCode(err))

	_, err = r.Lookup("nope", "acme")
	assert.Equal(t, types.ErrAgentUnknown, types.GetErrorCode(err))
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(record("summarizer", "acme", "summarize"))
	require.NoError(t, err)

	// A tenant cannot remove a system record it can see.
	_, err = r.Register(record("shared", ""))
	require.NoError(t, err)
	err = r.Deregister("shared", "acme")
	assert.Equal(t, types.ErrAgentUnknown, types.GetErrorCode(err))

	require.NoError(t, r.Deregister("summarizer", "acme"))
	_, err = r.Lookup("summarizer", "acme")
	assert.Equal(t, types.ErrAgentUnknown, types.GetErrorCode(err))
	assert.Empty(t, r.FindByCapability("summarize", "acme"))
}

func TestListFilters(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(record("a-sum", "acme", "summarize"))
	require.NoError(t, err)
	_, err = r.Register(record("b-ext", "acme", "extract"))
	require.NoError(t, err)
	_, err = r.Register(record("c-shared", "", "summarize"))
	require.NoError(t, err)
	_, err = r.Register(record("d-foreign", "globex", "summarize"))
	require.NoError(t, err)

	all := r.List("acme", ListFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "a-sum", all[0].AgentID)
	assert.Equal(t, "b-ext", all[1].AgentID)
	assert.Equal(t, "c-shared", all[2].AgentID)

	sums := r.List("acme", ListFilter{Capability: "summarize"})
	require.Len(t, sums, 2)
	assert.Equal(t, "a-sum", sums[0].AgentID)
	assert.Equal(t, "c-shared", sums[1].AgentID)
}

func TestSweeperHealthTransitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(types.HealthResponse{
			AgentID:      "summarizer",
			Version:      "1.2.0",
			Capabilities: []string{"summarize", "translate"},
			Ready:        true,
		})
	}))
	defer srv.Close()

	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe("", 32)
	defer cancel()

	cfg := DefaultConfig()
	cfg.EnableSweeper = false
	cfg.UnhealthyThreshold = 3
	r := New(cfg, bus, nil)
	sweeper := NewSweeper(r, cfg, nil)

	rec := record("summarizer", "acme", "summarize")
	rec.Endpoint = srv.URL
	_, err := r.Register(rec)
	require.NoError(t, err)

	sweeper.SweepOnce()
	got, err := r.Lookup("summarizer", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.HealthReady, got.Health)
	assert.Equal(t, "1.2.0", got.Version)
	assert.True(t, got.HasCapability("translate"))
	assert.False(t, got.LastProbeAt.IsZero())

	ev := <-ch
	assert.Equal(t, events.AgentProbed, ev.Type)
	assert.Equal(t, "ready", ev.Data["health"])

	// Two failures keep the agent ready; the third flips it.
	healthy.Store(false)
	sweeper.SweepOnce()
	sweeper.SweepOnce()
	got, _ = r.Lookup("summarizer", "acme")
	assert.Equal(t, types.HealthReady, got.Health)

	sweeper.SweepOnce()
	got, _ = r.Lookup("summarizer", "acme")
	assert.Equal(t, types.HealthUnhealthy, got.Health)

	// A single success recovers.
	healthy.Store(true)
	sweeper.SweepOnce()
	got, _ = r.Lookup("summarizer", "acme")
	assert.Equal(t, types.HealthReady, got.Health)
}

func TestProbeAgentOnDemand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(types.HealthResponse{AgentID: "summarizer", Ready: true})
	}))
	defer srv.Close()

	r := newTestRegistry(t)
	rec := record("summarizer", "acme")
	rec.Endpoint = srv.URL
	_, err := r.Register(rec)
	require.NoError(t, err)

	got, err := r.ProbeAgent("summarizer", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.HealthReady, got.Health)
	assert.False(t, got.LastProbeAt.IsZero())

	// Invisible and unknown agents look identical.
	_, err = r.ProbeAgent("summarizer", "rival")
	assert.Equal(t, types.ErrAgentUnknown, types.GetErrorCode(err))
	_, err = r.ProbeAgent("nope", "acme")
	assert.Equal(t, types.ErrAgentUnknown, types.GetErrorCode(err))
}

func TestSweeperUnreachableEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableSweeper = false
	cfg.UnhealthyThreshold = 1
	r := New(cfg, nil, nil)
	sweeper := NewSweeper(r, cfg, nil)

	rec := record("ghost", "acme")
	rec.Endpoint = "http://127.0.0.1:1"
	_, err := r.Register(rec)
	require.NoError(t, err)

	sweeper.SweepOnce()
	got, err := r.Lookup("ghost", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnhealthy, got.Health)
}
