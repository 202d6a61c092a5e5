package idempotency

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores markers in one sorted set scored by processed-at
// milliseconds, so the TTL purge is a single ZREMRANGEBYSCORE.
type RedisLedger struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisLedger keeps the set at <prefix>:idempotency.
func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "jobs"
	}
	return &RedisLedger{
		client: client,
		key:    prefix + ":idempotency",
		ttl:    normalizeTTL(ttl),
		now:    time.Now,
	}
}

// IsProcessed purges expired members and checks jobKey.
func (l *RedisLedger) IsProcessed(ctx context.Context, jobKey string) (bool, error) {
	cutoff := l.now().Add(-l.ttl).UnixMilli()
	if err := l.client.ZRemRangeByScore(ctx, l.key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return false, err
	}
	_, err := l.client.ZScore(ctx, l.key, jobKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed adds or refreshes jobKey.
func (l *RedisLedger) MarkProcessed(ctx context.Context, jobKey string) error {
	return l.client.ZAdd(ctx, l.key, redis.Z{
		Score:  float64(l.now().UnixMilli()),
		Member: jobKey,
	}).Err()
}
