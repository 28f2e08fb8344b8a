package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/clock"
	"stockpulse/internal/config"
)

func TestMemoryClaim(t *testing.T) {
	c := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore(c)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "acme/evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.Claim(ctx, "acme/evt-1", time.Minute)
	assert.False(t, ok, "second claim within ttl is rejected")

	c.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep())

	ok, _ = s.Claim(ctx, "acme/evt-1", time.Minute)
	assert.True(t, ok, "claim is released after ttl")
}

func TestMemoryRelease(t *testing.T) {
	s := NewMemoryStore(clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	ok, err := s.Claim(ctx, "acme/evt-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Release(ctx, "acme/evt-1"))
	require.NoError(t, s.Release(ctx, "acme/unknown"))

	ok, err = s.Claim(ctx, "acme/evt-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "released key can be claimed again")
}

// Set REDIS_TEST_ADDR to run against a live server.
func TestRedisClaim(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx := context.Background()
	s, err := NewRedisStore(ctx, config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer s.Close()

	key := "test/" + uuid.NewString()
	ok, err := s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, key))
	ok, err = s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
