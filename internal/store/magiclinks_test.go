// ABOUTME: Tests for magic link persistence
// ABOUTME: Covers single consumption, expiry, and concurrent redemption

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMagicLinkStore_ConsumeOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateMagicLink(ctx, &MagicLink{
		ID:        "link-1",
		Email:     "User@Example.com",
		ExpiresAt: now.Add(15 * time.Minute),
	}))

	link, err := store.ConsumeMagicLink(ctx, "link-1", now)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", link.Email)
	require.NotNil(t, link.ConsumedAt)

	_, err = store.ConsumeMagicLink(ctx, "link-1", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMagicLinkStore_Expired(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateMagicLink(ctx, &MagicLink{
		ID:        "link-expired",
		Email:     "user@example.com",
		ExpiresAt: now.Add(-time.Second),
	}))

	_, err := store.ConsumeMagicLink(ctx, "link-expired", now)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ConsumeMagicLink(ctx, "unknown", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMagicLinkStore_ConcurrentConsume(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateMagicLink(ctx, &MagicLink{
		ID:        "link-race",
		Email:     "user@example.com",
		ExpiresAt: now.Add(time.Hour),
	}))

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeMagicLink(ctx, "link-race", now); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestMagicLinkStore_Get(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := store.GetMagicLink(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.CreateMagicLink(ctx, &MagicLink{
		ID:        "link-get",
		Email:     "user@example.com",
		ExpiresAt: now.Add(15 * time.Minute),
	}))

	link, err := store.GetMagicLink(ctx, "link-get")
	require.NoError(t, err)
	assert.Nil(t, link.ConsumedAt)
	assert.True(t, link.ExpiresAt.Equal(now.Add(15*time.Minute)))

	_, err = store.ConsumeMagicLink(ctx, "link-get", now)
	require.NoError(t, err)

	link, err = store.GetMagicLink(ctx, "link-get")
	require.NoError(t, err)
	assert.NotNil(t, link.ConsumedAt)
}
