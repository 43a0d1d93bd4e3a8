// Package cache is the read-side cache for assembled day timelines. The
// worker invalidates eagerly after every card swap; the TTL is only a
// safety net against a missed invalidation.
package cache

import (
	"context"
	"time"
)

// DayTimelineTTL bounds staleness of a cached day.
const DayTimelineTTL = 6 * time.Hour

// DayTimelineKey names the cache entry for one 4 AM-rule day
// ("2006-01-02").
func DayTimelineKey(day string) string {
	return "retrace:timeline:" + day
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Noop serves deployments without redis: every read misses and writes
// vanish, so the timeline is always assembled from the store.
type Noop struct{}

func (Noop) GetJSON(context.Context, string, any) (bool, error) { return false, nil }

func (Noop) SetJSON(context.Context, string, any, time.Duration) error { return nil }

func (Noop) Del(context.Context, ...string) error { return nil }
