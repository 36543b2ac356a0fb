package router

import (
	"fmt"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
	"github.com/vyrodovalexey/rpcgw/internal/config"
)

// State is an immutable routing snapshot. Only the backends' health flags
// and the shared HealthState change after construction, and both are safe
// for concurrent use.
type State struct {
	backends     []*backend.Backend
	byLabel      map[string]*backend.Backend
	methodRoutes map[string]string
	healthCheck  config.HealthCheckConfig
	proxy        config.ProxyConfig
	health       *backend.HealthState
}

// NewState builds a snapshot from a validated configuration. Backends whose
// label already has a record in health start with that record's verdict
// rather than the optimistic default, so a reload does not resurrect a
// backend the health loop has marked down.
func NewState(cfg *config.RouterConfig, health *backend.HealthState) (*State, error) {
	if cfg == nil {
		return nil, fmt.Errorf("router: nil configuration")
	}
	if health == nil {
		health = backend.NewHealthState()
	}

	s := &State{
		backends:     make([]*backend.Backend, 0, len(cfg.Backends)),
		byLabel:      make(map[string]*backend.Backend, len(cfg.Backends)),
		methodRoutes: make(map[string]string, len(cfg.MethodRoutes)),
		healthCheck:  cfg.HealthCheck,
		proxy:        cfg.Proxy,
		health:       health,
	}

	for _, bc := range cfg.Backends {
		if _, dup := s.byLabel[bc.Label]; dup {
			return nil, fmt.Errorf("router: duplicate backend label %q", bc.Label)
		}
		b, err := backend.New(bc)
		if err != nil {
			return nil, err
		}
		b.SetHealthy(health.Ensure(bc.Label).Healthy)
		s.backends = append(s.backends, b)
		s.byLabel[b.Label] = b
	}

	for method, label := range cfg.MethodRoutes {
		if _, ok := s.byLabel[label]; !ok {
			return nil, fmt.Errorf("router: method %q routes to unknown backend label %q", method, label)
		}
		s.methodRoutes[method] = label
	}

	return s, nil
}

// Backends returns the backends in configuration order. The slice is
// shared and must not be modified.
func (s *State) Backends() []*backend.Backend {
	return s.backends
}

// Backend returns the backend with the given label.
func (s *State) Backend(label string) (*backend.Backend, bool) {
	b, ok := s.byLabel[label]
	return b, ok
}

// Labels returns the backend labels in configuration order.
func (s *State) Labels() []string {
	labels := make([]string, len(s.backends))
	for i, b := range s.backends {
		labels[i] = b.Label
	}
	return labels
}

// RouteFor returns the label a method is pinned to, if any.
func (s *State) RouteFor(method string) (string, bool) {
	label, ok := s.methodRoutes[method]
	return label, ok
}

// HealthCheck returns the probe configuration of this snapshot.
func (s *State) HealthCheck() config.HealthCheckConfig {
	return s.healthCheck
}

// Proxy returns the forwarding limits of this snapshot.
func (s *State) Proxy() config.ProxyConfig {
	return s.proxy
}

// Health returns the HealthState shared by every snapshot.
func (s *State) Health() *backend.HealthState {
	return s.health
}

// SyncHealth sets every backend's flag from its record in the shared
// HealthState. A snapshot built while a health cycle was still publishing
// to its predecessor may otherwise hold a stale verdict.
func (s *State) SyncHealth() {
	for _, b := range s.backends {
		b.SetHealthy(s.health.Ensure(b.Label).Healthy)
	}
}

// HealthyCount returns how many backends currently have their flag set.
func (s *State) HealthyCount() int {
	n := 0
	for _, b := range s.backends {
		if b.IsHealthy() {
			n++
		}
	}
	return n
}
