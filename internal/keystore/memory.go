package keystore

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/rpcgw/internal/config"
)

type memoryKey struct {
	info    KeyInfo
	active  bool
	limiter *rate.Limiter
}

// MemoryStore implements KeyStore from a static key list. Each key gets a
// token bucket refilled at rate_limit per window with a burst of rate_limit.
type MemoryStore struct {
	keys   map[string]*memoryKey
	window time.Duration
	mu     sync.RWMutex
}

// NewMemoryStore creates a store holding keys.
func NewMemoryStore(keys []config.APIKeyConfig, window time.Duration) *MemoryStore {
	if window <= 0 {
		window = time.Second
	}
	s := &MemoryStore{
		keys:   make(map[string]*memoryKey, len(keys)),
		window: window,
	}
	for _, k := range keys {
		s.AddKey(k.Key, k.Owner, k.RateLimit)
	}
	return s
}

// AddKey adds or replaces an active key.
func (s *MemoryStore) AddKey(apiKey, owner string, rateLimit uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[apiKey] = &memoryKey{
		info:    KeyInfo{Owner: owner, RateLimit: rateLimit},
		active:  true,
		limiter: s.newLimiter(rateLimit),
	}
}

// SetActive activates or deactivates a key. It reports whether the key exists.
func (s *MemoryStore) SetActive(apiKey string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[apiKey]
	if ok {
		k.active = active
	}
	return ok
}

func (s *MemoryStore) newLimiter(rateLimit uint64) *rate.Limiter {
	if rateLimit == 0 {
		return nil
	}
	burst := math.MaxInt32
	if rateLimit < uint64(burst) {
		burst = int(rateLimit)
	}
	every := rate.Limit(float64(rateLimit) / s.window.Seconds())
	return rate.NewLimiter(every, burst)
}

// ValidateKey implements KeyStore.
func (s *MemoryStore) ValidateKey(ctx context.Context, apiKey string) (*KeyInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "validate", Err: err}
	}

	s.mu.RLock()
	k, ok := s.keys[apiKey]
	s.mu.RUnlock()

	if !ok || !k.active {
		return nil, nil
	}
	if k.limiter != nil && !k.limiter.Allow() {
		return nil, ErrRateLimitExceeded
	}

	info := k.info
	return &info, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
