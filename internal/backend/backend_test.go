package backend

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/rpcgw/internal/config"
)

func newTestBackend(t *testing.T, label string) *Backend {
	t.Helper()
	b, err := New(config.BackendConfig{Label: label, URL: "http://" + label + ".example:8899/", Weight: 1})
	require.NoError(t, err)
	return b
}

func TestNew(t *testing.T) {
	t.Parallel()

	b, err := New(config.BackendConfig{Label: "primary", URL: "https://node.example/rpc/", Weight: 3})
	require.NoError(t, err)

	assert.Equal(t, "primary", b.Label)
	assert.Equal(t, "https://node.example/rpc", b.URL)
	assert.Equal(t, uint32(3), b.Weight)
	assert.True(t, b.IsHealthy(), "fresh backend starts healthy")
	assert.Equal(t, "node.example", b.Target().Host)
	assert.Equal(t, "primary", b.String())
}

func TestNew_InvalidURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"://bad", "node.example", ""} {
		_, err := New(config.BackendConfig{Label: "x", URL: raw, Weight: 1})
		assert.Error(t, err, raw)
	}
}

func TestBackend_TargetIsCopy(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, "a")
	u := b.Target()
	u.Host = "mutated"

	assert.Equal(t, "a.example:8899", b.Target().Host)
}

func TestBackend_SetHealthy(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, "a")
	b.SetHealthy(false)
	assert.False(t, b.IsHealthy())
	b.SetHealthy(true)
	assert.True(t, b.IsHealthy())
}

func TestHealthState_FreshLabelsDefaultHealthy(t *testing.T) {
	t.Parallel()

	s := NewHealthState("a", "b")

	status, ok := s.Status("a")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Nil(t, status.LastCheckTime)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Zero(t, status.ConsecutiveSuccesses)
	assert.Equal(t, 2, s.Len())

	_, ok = s.Status("missing")
	assert.False(t, ok)
}

func TestHealthState_UpdateUpserts(t *testing.T) {
	t.Parallel()

	s := NewHealthState()
	s.Update("added-by-reload", HealthStatus{Healthy: false, ConsecutiveFailures: 3, LastError: "timeout"})

	status, ok := s.Status("added-by-reload")
	require.True(t, ok)
	assert.False(t, status.Healthy)
	assert.Equal(t, "timeout", status.LastError)
}

func TestHealthState_AllReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewHealthState("a")
	all := s.All()
	all["a"] = HealthStatus{Healthy: false}
	all["b"] = HealthStatus{}

	status, _ := s.Status("a")
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, s.Len())
}

func TestHealthState_PublishSetsFlag(t *testing.T) {
	t.Parallel()

	s := NewHealthState("a")
	b := newTestBackend(t, "a")

	s.Publish(b, HealthStatus{Healthy: false, ConsecutiveFailures: 3})
	assert.False(t, b.IsHealthy())
	status, _ := s.Status("a")
	assert.False(t, status.Healthy)

	s.Publish(b, HealthStatus{Healthy: true, ConsecutiveSuccesses: 2})
	assert.True(t, b.IsHealthy())
}

func TestHealthState_EnsureAndRetain(t *testing.T) {
	t.Parallel()

	s := NewHealthState("a", "b")
	s.Update("a", HealthStatus{Healthy: false, ConsecutiveFailures: 4})

	assert.False(t, s.Ensure("a").Healthy, "existing record is kept")
	assert.True(t, s.Ensure("c").Healthy)

	removed := s.Retain([]string{"a", "c"})
	assert.Equal(t, []string{"b"}, removed)
	assert.Equal(t, 2, s.Len())
}

func TestHealthStatus_JSON(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(DefaultHealthStatus().Checked(now))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"healthy": true,
		"last_check_time": "2024-05-01T12:00:00Z",
		"consecutive_failures": 0,
		"consecutive_successes": 0
	}`, string(raw))
}

func TestHealthState_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewHealthState("a")
	b := newTestBackend(t, "a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Publish(b, HealthStatus{Healthy: i%2 == 0})
		}(i)
		go func() {
			defer wg.Done()
			_ = s.All()
			_ = b.IsHealthy()
		}()
	}
	wg.Wait()

	status, _ := s.Status("a")
	assert.Equal(t, status.Healthy, b.IsHealthy())
}

func TestConnectionPool(t *testing.T) {
	t.Parallel()

	pool := NewConnectionPool(DefaultPoolConfig())
	require.NotNil(t, pool.Client())
	assert.True(t, pool.transport.DisableCompression)
	assert.NotNil(t, pool.Client().CheckRedirect)
	pool.CloseIdleConnections()

	probe := NewConnectionPool(ProbePoolConfig())
	assert.False(t, probe.transport.DisableCompression)
	assert.Equal(t, 2, probe.transport.MaxIdleConnsPerHost)
}
