package eta

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares ETA results between server replicas. Redis errors are
// logged and treated as misses; the cache never fails an estimate.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, prefix: "eta:", ttl: ttl, logger: logger}
}

func (r *RedisCache) key(origin, destination string) string {
	return r.prefix + keyFor(origin, destination)
}

func (r *RedisCache) Get(ctx context.Context, origin, destination string) (int, bool) {
	v, err := r.client.Get(ctx, r.key(origin, destination)).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("eta_cache_get_failed", "error", err)
		}
		return 0, false
	}
	m, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return m, true
}

func (r *RedisCache) Set(ctx context.Context, origin, destination string, minutes int) {
	if err := r.client.Set(ctx, r.key(origin, destination), strconv.Itoa(minutes), r.ttl).Err(); err != nil {
		r.logger.Warn("eta_cache_set_failed", "error", err)
	}
}
