package router

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
)

// DefaultRoute names the candidate set used when a method has no override.
const DefaultRoute = "default"

// ErrNoHealthyBackend is returned when every candidate backend is down.
var ErrNoHealthyBackend = errors.New("no healthy backend available")

// SelectionError reports which route had no healthy candidate.
type SelectionError struct {
	Method string
	Route  string
}

// Error implements the error interface.
func (e *SelectionError) Error() string {
	if e.Route == DefaultRoute {
		return ErrNoHealthyBackend.Error()
	}
	return fmt.Sprintf("%s for method %q (pinned to %q)", ErrNoHealthyBackend, e.Method, e.Route)
}

// Unwrap returns ErrNoHealthyBackend.
func (e *SelectionError) Unwrap() error {
	return ErrNoHealthyBackend
}

// Select picks a backend for method from the snapshot. A method_routes
// override restricts the candidates to the pinned backend. Only backends
// whose health flag is set are eligible; among them the choice is random
// with probability proportional to weight.
func Select(s *State, method string) (*backend.Backend, error) {
	route := DefaultRoute
	candidates := s.backends
	if label, ok := s.RouteFor(method); ok {
		route = label
		candidates = nil
		if b, found := s.byLabel[label]; found {
			candidates = []*backend.Backend{b}
		}
	}

	healthy := make([]*backend.Backend, 0, len(candidates))
	var totalWeight uint64
	for _, b := range candidates {
		if b.IsHealthy() {
			healthy = append(healthy, b)
			totalWeight += uint64(b.Weight)
		}
	}

	if len(healthy) == 0 || totalWeight == 0 {
		return nil, &SelectionError{Method: method, Route: route}
	}
	if len(healthy) == 1 {
		return healthy[0], nil
	}

	r := secureRandomUint64(totalWeight)
	for _, b := range healthy {
		w := uint64(b.Weight)
		if r < w {
			return b, nil
		}
		r -= w
	}

	return healthy[len(healthy)-1], nil
}

// secureRandomUint64 returns a cryptographically secure random value in [0, n).
func secureRandomUint64(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b[:]) % n
}
