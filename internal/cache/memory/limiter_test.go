package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := range 3 {
		ok, err := l.Allow(ctx, "bets:0xaa", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := l.Allow(ctx, "bets:0xaa", 3, time.Second)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "bets:0xbb", 3, time.Second)
	assert.True(t, ok, "keys are independent")

	now = now.Add(400 * time.Millisecond)
	ok, _ = l.Allow(ctx, "bets:0xaa", 3, time.Second)
	assert.True(t, ok, "one token refills every third of a second")
}

func TestLimiter_DisabledLimit(t *testing.T) {
	l := NewLimiter()
	for range 100 {
		ok, err := l.Allow(context.Background(), "k", 0, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLimiter_SweepsIdleKeys(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "old", 1, time.Second)
	now = now.Add(2 * idleAfter)
	_, _ = l.Allow(context.Background(), "new", 1, time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "old")
	assert.Contains(t, l.buckets, "new")
}
