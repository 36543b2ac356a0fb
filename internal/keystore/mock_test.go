package keystore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ValidKey(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	store.AddKey("valid-key", "owner1", 100)

	info, err := store.ValidateKey(context.Background(), "valid-key")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "owner1", info.Owner)
	assert.Equal(t, uint64(100), info.RateLimit)
}

func TestMockStore_UnknownKey(t *testing.T) {
	t.Parallel()

	info, err := NewMockStore().ValidateKey(context.Background(), "invalid-key")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestMockStore_InactiveKey(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	store.AddKey("inactive-key", "owner2", 100)
	store.SetInactive("inactive-key")

	info, err := store.ValidateKey(context.Background(), "inactive-key")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestMockStore_RateLimited(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	store.AddKey("limited-key", "owner3", 10)
	store.SetRateLimited("limited-key")

	info, err := store.ValidateKey(context.Background(), "limited-key")
	assert.Nil(t, info)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, "rate limit exceeded", err.Error())
}

func TestMockStore_CallCount(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	store.AddKey("count-key", "owner", 100)
	store.SetRateLimited("limited")

	for i := 0; i < 3; i++ {
		_, err := store.ValidateKey(context.Background(), "count-key")
		require.NoError(t, err)
	}
	_, _ = store.ValidateKey(context.Background(), "limited")
	_, _ = store.ValidateKey(context.Background(), "missing")

	assert.Equal(t, 3, store.CallCount("count-key"))
	assert.Equal(t, 1, store.CallCount("limited"))
	assert.Equal(t, 1, store.CallCount("missing"))
	assert.Zero(t, store.CallCount("never"))
}

func TestMockStore_CustomError(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	store.AddKey("err-key", "owner", 100)
	store.SetError("err-key", "Redis connection failed")

	_, err := store.ValidateKey(context.Background(), "err-key")
	require.Error(t, err)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "Redis connection failed", storeErr.Err.Error())
	assert.False(t, errors.Is(err, ErrRateLimitExceeded))
}
