package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowmesh/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RecoveryTimeout = 50 * time.Millisecond
	return cfg
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New("crawler", testConfig(), nil, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentBreakerOpen, types.GetErrorCode(err))
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := New("crawler", testConfig(), nil, nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	// The success in between means the threshold was never reached.
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("crawler", testConfig(), nil, nil)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	// First request after the timeout is the probe.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// A second request while the probe is in flight is rejected.
	err := b.Allow()
	assert.Equal(t, types.ErrAgentBreakerOpen, types.GetErrorCode(err))

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	require.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("crawler", testConfig(), nil, nil)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	err := b.Allow()
	assert.Equal(t, types.ErrAgentBreakerOpen, types.GetErrorCode(err))
}

func TestBreakerStateChangeHandler(t *testing.T) {
	var mu sync.Mutex
	var changes []StateChange
	handler := func(change StateChange) {
		mu.Lock()
		changes = append(changes, change)
		mu.Unlock()
	}

	b := New("crawler", testConfig(), handler, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "crawler", changes[0].AgentID)
	assert.Equal(t, StateClosed, changes[0].OldState)
	assert.Equal(t, StateOpen, changes[0].NewState)
	assert.Equal(t, 5, changes[0].Failures)
}

func TestRegistryPerAgentIsolation(t *testing.T) {
	r := NewRegistry(testConfig(), nil, nil)

	for i := 0; i < 5; i++ {
		r.Get("crawler").RecordFailure()
	}

	assert.Equal(t, StateOpen, r.Get("crawler").State())
	assert.Equal(t, StateClosed, r.Get("summarizer").State())
	assert.NoError(t, r.Get("summarizer").Allow())

	states := r.States()
	assert.Equal(t, StateOpen, states["crawler"])
	assert.Equal(t, StateClosed, states["summarizer"])

	r.ResetAll()
	assert.Equal(t, StateClosed, r.Get("crawler").State())
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(testConfig(), nil, nil)
	assert.Same(t, r.Get("crawler"), r.Get("crawler"))
}
