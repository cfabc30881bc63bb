package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// OddsCache implements domain.OddsCache with one hash per market at
// "odds:{marketID}" holding the JSON price vector and a Unix-nano timestamp.
// Entries expire after ttl so resolved markets age out.
type OddsCache struct {
	c   *Client
	ttl time.Duration
}

func NewOddsCache(c *Client, ttl time.Duration) *OddsCache {
	return &OddsCache{c: c, ttl: ttl}
}

func (oc *OddsCache) SetOdds(ctx context.Context, marketID string, prices []float64, ts time.Time) error {
	raw, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("redis: encode odds %s: %w", marketID, err)
	}
	key := oc.c.key("odds", marketID)
	pipe := oc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"prices": string(raw),
		"ts":     strconv.FormatInt(ts.UnixNano(), 10),
	})
	if oc.ttl > 0 {
		pipe.Expire(ctx, key, oc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set odds %s: %w", marketID, err)
	}
	return nil
}

// GetOdds returns domain.ErrNotFound when the market has no cached odds.
func (oc *OddsCache) GetOdds(ctx context.Context, marketID string) ([]float64, time.Time, error) {
	vals, err := oc.c.rdb.HGetAll(ctx, oc.c.key("odds", marketID)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get odds %s: %w", marketID, err)
	}
	return decodeOdds(marketID, vals)
}

func decodeOdds(marketID string, vals map[string]string) ([]float64, time.Time, error) {
	raw, ok := vals["prices"]
	if !ok {
		return nil, time.Time{}, &domain.NotFoundError{Entity: "odds", ID: marketID}
	}
	var prices []float64
	if err := json.Unmarshal([]byte(raw), &prices); err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse odds %s: %w", marketID, err)
	}
	nano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse odds ts %s: %w", marketID, err)
	}
	return prices, time.Unix(0, nano).UTC(), nil
}

var _ domain.OddsCache = (*OddsCache)(nil)
