package authlog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLog is the Redis-backed FailureLog, for deployments where several
// gateway instances must see one shared failure history. Each IP gets a
// sorted set of failure timestamps keyed by unix nanos; an auxiliary set
// indexes the active IPs.
type RedisLog struct {
	client *redis.Client
	maxAge time.Duration
}

const activeIPsKey = "zg:af:ips"

// NewRedisLog creates a Redis-backed failure log.
func NewRedisLog(client *redis.Client, maxAge time.Duration) *RedisLog {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &RedisLog{client: client, maxAge: maxAge}
}

func (r *RedisLog) key(ip string) string {
	return "zg:af:" + ip
}

// RecordFailure appends the failure and prunes entries older than maxAge in
// one pipeline.
func (r *RedisLog) RecordFailure(ctx context.Context, ip, _ string, at time.Time) error {
	key := r.key(ip)
	cutoff := at.Add(-r.maxAge).UnixNano()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Member must be unique even when two failures land in the same
		// nanosecond — a sorted set dedupes by member, not score.
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.UnixNano()),
			Member: strconv.FormatInt(at.UnixNano(), 10) + ":" + uuid.NewString(),
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, r.maxAge)
		pipe.SAdd(ctx, activeIPsKey, ip)
		pipe.Expire(ctx, activeIPsKey, r.maxAge)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording auth failure: %w", err)
	}
	return nil
}

// FailuresInWindow counts failures for ip newer than now-window.
func (r *RedisLog) FailuresInWindow(ctx context.Context, ip string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	n, err := r.client.ZCount(ctx, r.key(ip), strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("counting auth failures: %w", err)
	}
	return int(n), nil
}

// ActiveIPs returns the indexed failure sources.
func (r *RedisLog) ActiveIPs(ctx context.Context) ([]string, error) {
	ips, err := r.client.SMembers(ctx, activeIPsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing failure sources: %w", err)
	}
	return ips, nil
}

// Reset clears the failure history for an IP.
func (r *RedisLog) Reset(ctx context.Context, ip string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(ip))
		pipe.SRem(ctx, activeIPsKey, ip)
		return nil
	})
	if err != nil {
		return fmt.Errorf("resetting auth failures: %w", err)
	}
	return nil
}
