package keystore

import (
	"context"
	"errors"
	"fmt"
)

// ErrRateLimitExceeded is returned when a valid key has used up its window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// KeyInfo describes a valid API key.
type KeyInfo struct {
	Owner     string `json:"owner"`
	RateLimit uint64 `json:"rate_limit"`
}

// StoreError wraps a failure of the backing store.
type StoreError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("keystore %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// KeyStore validates API keys and enforces their rate limits.
//
// ValidateKey returns:
//   - (info, nil) for an active key within its limit
//   - (nil, nil) for an unknown or deactivated key
//   - ErrRateLimitExceeded when the key is over its limit
//   - a *StoreError when the store could not be consulted
type KeyStore interface {
	ValidateKey(ctx context.Context, key string) (*KeyInfo, error)
}

// Store is a KeyStore with a lifecycle, as returned by New.
type Store interface {
	KeyStore
	Ping(ctx context.Context) error
	Close() error
}
