package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	blockPrefix     = "rate_limit_block:"
)

// RateLimitStore keeps one counter and one block marker per
// (address, channel-class) key. Counters are incremented server-side so
// concurrent requests each observe a distinct count; keys carry their own
// TTL so abandoned windows disappear without a cleanup pass.
type RateLimitStore struct {
	client *client.RedisClient
}

func NewRateLimitStore(client *client.RedisClient) *RateLimitStore {
	return &RateLimitStore{client: client}
}

func (s *RateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	count, err := s.client.IncrWithExpire(ctx, rateLimitPrefix+key, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	util.Debug("Rate limit counter incremented",
		zap.String("key", key),
		zap.Int64("count", count),
		zap.Duration("window", window))

	return int(count), nil
}

func (s *RateLimitStore) Block(ctx context.Context, key string, duration time.Duration) error {
	// NX keeps the original marker, a hammering client cannot push its own
	// block forward
	if _, err := s.client.SetNX(ctx, blockPrefix+key, "blocked", duration); err != nil {
		util.Error("Failed to set rate limit block",
			zap.String("key", key),
			zap.Duration("duration", duration),
			zap.Error(err))
		return fmt.Errorf("failed to set rate limit block: %w", err)
	}
	return nil
}

func (s *RateLimitStore) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, blockPrefix+key)
	if err != nil {
		util.Error("Failed to read rate limit block",
			zap.String("key", key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to read rate limit block: %w", err)
	}
	// TTL returns negative values for missing keys and keys without expiry
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}
