package device

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"growrules/internal/core"
)

// CachedReader keeps successful reads for a short TTL so automations that
// watch the same sensor share one backend read per tick. Unavailable
// readings are never cached.
type CachedReader struct {
	next  core.DeviceReader
	cache *cache.Cache
}

// NewCachedReader wraps next. A ttl of zero or less disables caching.
func NewCachedReader(next core.DeviceReader, ttl time.Duration) core.DeviceReader {
	if ttl <= 0 {
		return next
	}
	return &CachedReader{next: next, cache: cache.New(ttl, 10*ttl)}
}

func (c *CachedReader) CurrentValue(ctx context.Context, deviceID, property string) (float64, error) {
	key := "value/" + deviceID + "/" + property
	if v, ok := c.cache.Get(key); ok {
		return v.(float64), nil
	}
	value, err := c.next.CurrentValue(ctx, deviceID, property)
	if err != nil {
		return 0, err
	}
	c.cache.SetDefault(key, value)
	return value, nil
}

func (c *CachedReader) Online(ctx context.Context, deviceID string) (bool, error) {
	key := "online/" + deviceID
	if v, ok := c.cache.Get(key); ok {
		return v.(bool), nil
	}
	online, err := c.next.Online(ctx, deviceID)
	if err != nil {
		return false, err
	}
	c.cache.SetDefault(key, online)
	return online, nil
}
