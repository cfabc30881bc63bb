package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "odds:g1-1", joinKey("", "odds", "g1-1"))
	assert.Equal(t, "pitch:lock:settle:g1-1", joinKey("pitch", "lock", "settle:g1-1"))
	assert.Equal(t, "pitch", joinKey("pitch"))
}

func TestDecodeOdds(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	prices, ts, err := decodeOdds("g1-1", map[string]string{
		"prices": "[0.6,0.4]",
		"ts":     "1777636800000000000",
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.6, 0.4}, prices)
	assert.True(t, at.Equal(ts))

	_, _, err = decodeOdds("g1-2", map[string]string{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = decodeOdds("g1-3", map[string]string{"prices": "nope", "ts": "1"})
	assert.Error(t, err)
}

func TestStreamPayload(t *testing.T) {
	data, ok := streamPayload(map[string]any{"payload": "x"})
	require.True(t, ok)
	assert.Equal(t, []byte("x"), data)

	_, ok = streamPayload(map[string]any{"other": 1})
	assert.False(t, ok)
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
}
