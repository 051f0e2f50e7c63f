package service

import (
	"context"
	"testing"
	"time"

	"leadflow/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBackend(t *testing.T) (*miniredis.Miniredis, *redisclient.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestWorkerLimiterEnforcesCap(t *testing.T) {
	_, client := newRedisBackend(t)
	limiter := NewWorkerLimiter(client, time.Minute, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "s-1"), "call %d should pass", i+1)
	}
	assert.False(t, limiter.Allow(ctx, "s-1"))

	// Other keys have their own window.
	assert.True(t, limiter.Allow(ctx, "s-2"))
}

func TestWorkerLimiterWindowExpiry(t *testing.T) {
	mr, client := newRedisBackend(t)
	limiter := NewWorkerLimiter(client, time.Minute, 1, 0)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "s-1"))
	assert.False(t, limiter.Allow(ctx, "s-1"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, limiter.Allow(ctx, "s-1"))
}

func TestWorkerLimiterFallsBackWhenRedisDown(t *testing.T) {
	mr, client := newRedisBackend(t)
	limiter := NewWorkerLimiter(client, time.Minute, 2, 0)
	ctx := context.Background()

	mr.Close()

	// The in-process window still enforces the cap.
	assert.True(t, limiter.Allow(ctx, "s-1"))
	assert.True(t, limiter.Allow(ctx, "s-1"))
	assert.False(t, limiter.Allow(ctx, "s-1"))
}

func TestWorkerLimiterFallbackCapacityFailsOpen(t *testing.T) {
	limiter := NewWorkerLimiter(nil, time.Minute, 1, 2)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "a"))
	assert.True(t, limiter.Allow(ctx, "b"))
	// Map full of live windows: a new key is allowed through.
	assert.True(t, limiter.Allow(ctx, "c"))
	// Existing keys are still limited.
	assert.False(t, limiter.Allow(ctx, "a"))
}

func TestWorkerLimiterDisabled(t *testing.T) {
	limiter := NewWorkerLimiter(nil, time.Minute, 0, 0)

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow(context.Background(), "s-1"))
	}
}
