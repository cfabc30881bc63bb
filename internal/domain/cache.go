package domain

import (
	"context"
	"time"
)

// OddsCache keeps the latest per-outcome prices of each market.
type OddsCache interface {
	SetOdds(ctx context.Context, marketID string, prices []float64, ts time.Time) error
	GetOdds(ctx context.Context, marketID string) ([]float64, time.Time, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus mirrors realtime events to followers and keeps a replay stream.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
