package tiercache

import (
	"context"

	"github.com/tier-cache/tier-cache/store"
)

// Stats is a snapshot of cache activity.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	// Keys sums the per-tier key counts. When a tier cannot count
	// (redis), its contribution is skipped and Approximate is set.
	Keys        int  `json:"keys"`
	Approximate bool `json:"approximate"`
}

// Stats returns hit/miss counters and the aggregate key count.
func (c *TierCache) Stats(ctx context.Context) Stats {
	stats := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	for _, s := range c.stores {
		count, err := s.Count(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("store", s.Name()).Msg("Could not count keys")
			stats.Approximate = true
			continue
		}
		if count == store.CountUnknown {
			stats.Approximate = true
			continue
		}
		stats.Keys += count
	}
	return stats
}

// Clear deletes all keys matching the pattern from every tier.
// An empty pattern clears everything.
func (c *TierCache) Clear(ctx context.Context, pattern string) error {
	if pattern == "" {
		pattern = "*"
	}
	var firstErr error
	for _, s := range c.stores {
		keys, err := s.Keys(ctx, pattern)
		if err != nil {
			c.log.Warn().Err(err).Str("store", s.Name()).Str("pattern", pattern).Msg("Could not enumerate keys")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, key := range keys {
			c.deleteEverywhere(ctx, key)
		}
	}
	return firstErr
}
