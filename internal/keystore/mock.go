package keystore

import (
	"context"
	"errors"
	"sync"
)

// MockStore is a KeyStore for tests. Every call is counted, whatever its
// outcome.
type MockStore struct {
	keys        map[string]KeyInfo
	inactive    map[string]bool
	rateLimited map[string]bool
	errs        map[string]error
	calls       map[string]int
	mu          sync.Mutex
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		keys:        make(map[string]KeyInfo),
		inactive:    make(map[string]bool),
		rateLimited: make(map[string]bool),
		errs:        make(map[string]error),
		calls:       make(map[string]int),
	}
}

// AddKey registers an active key.
func (m *MockStore) AddKey(apiKey, owner string, rateLimit uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[apiKey] = KeyInfo{Owner: owner, RateLimit: rateLimit}
}

// SetInactive deactivates a key.
func (m *MockStore) SetInactive(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inactive[apiKey] = true
}

// SetRateLimited makes every validation of the key fail with
// ErrRateLimitExceeded.
func (m *MockStore) SetRateLimited(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited[apiKey] = true
}

// SetError makes every validation of the key fail with a store error
// carrying message.
func (m *MockStore) SetError(apiKey, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[apiKey] = &StoreError{Op: "validate", Err: errors.New(message)}
}

// CallCount returns how many times ValidateKey was called for the key.
func (m *MockStore) CallCount(apiKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[apiKey]
}

// ValidateKey implements KeyStore.
func (m *MockStore) ValidateKey(_ context.Context, apiKey string) (*KeyInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[apiKey]++

	if err, ok := m.errs[apiKey]; ok {
		return nil, err
	}
	if m.rateLimited[apiKey] {
		return nil, ErrRateLimitExceeded
	}
	info, ok := m.keys[apiKey]
	if !ok || m.inactive[apiKey] {
		return nil, nil
	}
	return &info, nil
}

// Ping implements Store.
func (m *MockStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *MockStore) Close() error { return nil }
