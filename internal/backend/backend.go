package backend

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/vyrodovalexey/rpcgw/internal/config"
)

// Backend is one upstream JSON-RPC node. Label, URL and Weight never change
// after construction; the health flag is the only mutable field and is read
// lock-free on every request.
type Backend struct {
	Label  string
	URL    string
	Weight uint32

	target  *url.URL
	healthy atomic.Bool
}

// New creates a backend from its configuration. Backends start healthy so
// a fresh deployment serves traffic before the first probe cycle completes.
func New(cfg config.BackendConfig) (*Backend, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("backend %q: invalid url: %w", cfg.Label, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("backend %q: url %q must be absolute", cfg.Label, cfg.URL)
	}

	b := &Backend{
		Label:  cfg.Label,
		URL:    strings.TrimRight(cfg.URL, "/"),
		Weight: cfg.Weight,
		target: target,
	}
	b.healthy.Store(true)
	return b, nil
}

// IsHealthy reports the current health flag.
func (b *Backend) IsHealthy() bool {
	return b.healthy.Load()
}

// SetHealthy overwrites the health flag. Outside of tests only HealthState
// and reload carry-over call it.
func (b *Backend) SetHealthy(healthy bool) {
	b.healthy.Store(healthy)
}

// Target returns a copy of the parsed base URL.
func (b *Backend) Target() *url.URL {
	u := *b.target
	return &u
}

// String returns the label.
func (b *Backend) String() string {
	return b.Label
}
