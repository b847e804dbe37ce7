package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsCache keeps line stats in Redis for a short TTL. Stats feed
// dashboards, so a slightly stale aggregate is acceptable.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatsCache constructs the cache.
func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	return &StatsCache{client: client, ttl: ttl}
}

func statsKey(tenantID, lineID int64) string {
	return fmt.Sprintf("fiducia:stats:%d:%d", tenantID, lineID)
}

// Get returns the cached stats and whether they were present.
func (c *StatsCache) Get(ctx context.Context, tenantID, lineID int64) (LineStats, bool) {
	if c == nil || c.client == nil {
		return LineStats{}, false
	}
	raw, err := c.client.Get(ctx, statsKey(tenantID, lineID)).Bytes()
	if err != nil {
		return LineStats{}, false
	}
	var stats LineStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return LineStats{}, false
	}
	return stats, true
}

// Set stores the stats, best effort.
func (c *StatsCache) Set(ctx context.Context, tenantID, lineID int64, stats LineStats) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	c.client.Set(ctx, statsKey(tenantID, lineID), raw, c.ttl)
}
