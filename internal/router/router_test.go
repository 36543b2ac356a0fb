package router

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
	"github.com/vyrodovalexey/rpcgw/internal/config"
)

func testConfig(backends ...config.BackendConfig) *config.RouterConfig {
	cfg := config.DefaultConfig()
	cfg.RedisURL = "memory://"
	cfg.Backends = backends
	return cfg
}

func be(label string, weight uint32) config.BackendConfig {
	return config.BackendConfig{Label: label, URL: "http://" + label + ".example", Weight: weight}
}

func newState(t *testing.T, cfg *config.RouterConfig, health *backend.HealthState) *State {
	t.Helper()
	s, err := NewState(cfg, health)
	require.NoError(t, err)
	return s
}

func TestNewState(t *testing.T) {
	t.Parallel()

	cfg := testConfig(be("a", 1), be("b", 2))
	cfg.MethodRoutes = map[string]string{"getSlot": "b"}

	s := newState(t, cfg, nil)

	assert.Equal(t, []string{"a", "b"}, s.Labels())
	assert.Len(t, s.Backends(), 2)
	assert.Equal(t, cfg.HealthCheck, s.HealthCheck())
	assert.Equal(t, cfg.Proxy, s.Proxy())
	assert.Equal(t, 2, s.Health().Len())
	assert.Equal(t, 2, s.HealthyCount())

	label, ok := s.RouteFor("getSlot")
	assert.True(t, ok)
	assert.Equal(t, "b", label)
	_, ok = s.RouteFor("getBalance")
	assert.False(t, ok)

	b, ok := s.Backend("b")
	require.True(t, ok)
	assert.Equal(t, uint32(2), b.Weight)
}

func TestNewState_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewState(nil, nil)
	assert.Error(t, err)

	_, err = NewState(testConfig(be("a", 1), be("a", 1)), nil)
	assert.ErrorContains(t, err, "duplicate")

	cfg := testConfig(be("a", 1))
	cfg.MethodRoutes = map[string]string{"getSlot": "nope"}
	_, err = NewState(cfg, nil)
	assert.ErrorContains(t, err, "unknown backend label")

	_, err = NewState(testConfig(config.BackendConfig{Label: "x", URL: "not a url", Weight: 1}), nil)
	assert.Error(t, err)
}

func TestNewState_CarriesHealthAcrossReload(t *testing.T) {
	t.Parallel()

	health := backend.NewHealthState()
	first := newState(t, testConfig(be("a", 1), be("b", 1)), health)

	b, _ := first.Backend("b")
	health.Publish(b, backend.HealthStatus{Healthy: false, ConsecutiveFailures: 3})

	second := newState(t, testConfig(be("b", 1), be("c", 1)), health)

	nb, _ := second.Backend("b")
	nc, _ := second.Backend("c")
	assert.False(t, nb.IsHealthy(), "surviving label keeps its verdict")
	assert.True(t, nc.IsHealthy(), "new label starts healthy")
	assert.Same(t, health, second.Health())

	status, ok := health.Status("b")
	require.True(t, ok)
	assert.Equal(t, uint32(3), status.ConsecutiveFailures)
}

func TestState_SyncHealthAfterLatePublish(t *testing.T) {
	t.Parallel()

	health := backend.NewHealthState()
	first := newState(t, testConfig(be("a", 1), be("b", 1)), health)
	second := newState(t, testConfig(be("a", 1), be("b", 1)), health)

	// A cycle still holding the first snapshot publishes after the second was built.
	a, _ := first.Backend("a")
	health.Publish(a, backend.HealthStatus{Healthy: false, ConsecutiveFailures: 3})

	stale, _ := second.Backend("a")
	require.True(t, stale.IsHealthy())

	second.SyncHealth()

	assert.False(t, stale.IsHealthy())
	assert.Equal(t, 1, second.HealthyCount())
	_, err := Select(second, "")
	require.NoError(t, err)
}

func TestSelect_NeverReturnsUnhealthy(t *testing.T) {
	t.Parallel()

	s := newState(t, testConfig(be("a", 1), be("b", 5), be("c", 1)), nil)
	bb, _ := s.Backend("b")
	bb.SetHealthy(false)

	for i := 0; i < 500; i++ {
		got, err := Select(s, "getBalance")
		require.NoError(t, err)
		assert.NotEqual(t, "b", got.Label)
	}
}

func TestSelect_AllUnhealthy(t *testing.T) {
	t.Parallel()

	s := newState(t, testConfig(be("a", 1), be("b", 1)), nil)
	for _, b := range s.Backends() {
		b.SetHealthy(false)
	}

	got, err := Select(s, "getBalance")

	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHealthyBackend))

	var selErr *SelectionError
	require.True(t, errors.As(err, &selErr))
	assert.Equal(t, DefaultRoute, selErr.Route)
	assert.Equal(t, "no healthy backend available", err.Error())
}

func TestSelect_MethodOverride(t *testing.T) {
	t.Parallel()

	cfg := testConfig(be("small", 1), be("big", 100))
	cfg.MethodRoutes = map[string]string{"getSlot": "small"}
	s := newState(t, cfg, nil)

	for i := 0; i < 200; i++ {
		got, err := Select(s, "getSlot")
		require.NoError(t, err)
		assert.Equal(t, "small", got.Label)
	}
}

func TestSelect_MethodOverrideUnhealthyDoesNotFallBack(t *testing.T) {
	t.Parallel()

	cfg := testConfig(be("pinned", 1), be("other", 1))
	cfg.MethodRoutes = map[string]string{"getSlot": "pinned"}
	s := newState(t, cfg, nil)
	pinned, _ := s.Backend("pinned")
	pinned.SetHealthy(false)

	_, err := Select(s, "getSlot")

	require.ErrorIs(t, err, ErrNoHealthyBackend)
	assert.Contains(t, err.Error(), `pinned to "pinned"`)

	got, err := Select(s, "getBalance")
	require.NoError(t, err)
	assert.Equal(t, "other", got.Label)
}

func TestSelect_WeightedFairness(t *testing.T) {
	t.Parallel()

	s := newState(t, testConfig(be("light", 1), be("heavy", 2)), nil)

	const draws = 30000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		got, err := Select(s, "")
		require.NoError(t, err)
		counts[got.Label]++
	}

	ratio := float64(counts["heavy"]) / float64(counts["light"])
	assert.InDelta(t, 2.0, ratio, 0.2, "counts=%v", counts)
}

func TestHolder_SwapKeepsOldSnapshotForInFlightReaders(t *testing.T) {
	t.Parallel()

	health := backend.NewHealthState()
	old := newState(t, testConfig(be("old", 1)), health)
	holder := NewHolder(old)

	// A request loads its snapshot before the reload lands.
	inFlight := holder.Load()

	next := newState(t, testConfig(be("new", 1)), health)
	prev := holder.Swap(next)
	assert.Same(t, old, prev)

	got, err := Select(inFlight, "getSlot")
	require.NoError(t, err)
	assert.Equal(t, "old", got.Label)

	got, err = Select(holder.Load(), "getSlot")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Label)
}

func TestHolder_ConcurrentLoadAndSwap(t *testing.T) {
	t.Parallel()

	health := backend.NewHealthState()
	holder := NewHolder(newState(t, testConfig(be("a", 1)), health))
	alt := newState(t, testConfig(be("b", 1)), health)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := holder.Load()
				got, err := Select(s, "")
				if assert.NoError(t, err) {
					_, ok := s.Backend(got.Label)
					assert.True(t, ok, "selection comes from the loaded snapshot")
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				holder.Swap(alt)
			}
		}()
	}
	wg.Wait()
}
