package storagequota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// usageCache is the component-owned, TTL-bounded cache for storage usage
// views. Values are always re-derivable from the asset table and are never
// used for enforcement decisions; only display paths read through here.
type usageCache struct {
	cache *bigcache.BigCache
}

// newUsageCache builds a bounded cache whose entries expire after ttl.
func newUsageCache(ttl time.Duration) (*usageCache, error) {
	if ttl <= 0 {
		return nil, errors.New("storagequota: cache ttl must be positive")
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = ttl
	cfg.HardMaxCacheSize = 8 // MB; usage reports are tiny
	cache, errNew := bigcache.New(context.Background(), cfg)
	if errNew != nil {
		return nil, fmt.Errorf("storagequota: init cache: %w", errNew)
	}
	return &usageCache{cache: cache}, nil
}

// getOrCompute returns the cached report for key, computing and storing it on
// a miss or on a corrupt entry.
func (c *usageCache) getOrCompute(key string, compute func() (UsageReport, error)) (UsageReport, error) {
	if c == nil || c.cache == nil {
		return compute()
	}

	if raw, errGet := c.cache.Get(key); errGet == nil {
		var report UsageReport
		if errUnmarshal := json.Unmarshal(raw, &report); errUnmarshal == nil {
			return report, nil
		}
		_ = c.cache.Delete(key)
	}

	report, errCompute := compute()
	if errCompute != nil {
		return UsageReport{}, errCompute
	}
	if payload, errMarshal := json.Marshal(report); errMarshal == nil {
		_ = c.cache.Set(key, payload)
	}
	return report, nil
}

// invalidate drops the cached report for key, typically after an eviction.
func (c *usageCache) invalidate(key string) {
	if c == nil || c.cache == nil {
		return
	}
	_ = c.cache.Delete(key)
}
