package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fundval/fundvald/internal/calendar"
	"github.com/fundval/fundvald/internal/domain"
)

// NAVCache decorates a domain.NAVSource with a Redis read-through cache.
// A published NAV for a (code, date) pair never changes, so hits are served
// from Redis for the configured TTL and misses fall through to the source.
// Unavailable values are not cached: the whole point is that they appear
// later.
type NAVCache struct {
	rdb *goredis.Client
	src domain.NAVSource
	ttl time.Duration
}

// NewNAVCache creates a NAVCache over src backed by the given Client.
func NewNAVCache(c *Client, src domain.NAVSource, ttl time.Duration) *NAVCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &NAVCache{rdb: c.Underlying(), src: src, ttl: ttl}
}

func navKey(code string, date time.Time) string {
	return "nav:" + code + ":" + date.Format(calendar.DateFormat)
}

// NAVOnDate returns the cached NAV for the code and date, consulting the
// underlying source on a miss. Cache errors are degraded to misses so a
// Redis outage never blocks settlement.
func (nc *NAVCache) NAVOnDate(ctx context.Context, code string, date time.Time) (decimal.Decimal, error) {
	key := navKey(code, date)

	val, err := nc.rdb.Get(ctx, key).Result()
	if err == nil {
		nav, parseErr := decimal.NewFromString(val)
		if parseErr == nil {
			return nav, nil
		}
		// Unreadable entry: drop it and refetch.
		_ = nc.rdb.Del(ctx, key).Err()
	}

	nav, err := nc.src.NAVOnDate(ctx, code, date)
	if err != nil {
		return decimal.Zero, err
	}

	_ = nc.rdb.Set(ctx, key, nav.String(), nc.ttl).Err()
	return nav, nil
}

// Compile-time interface check.
var _ domain.NAVSource = (*NAVCache)(nil)
