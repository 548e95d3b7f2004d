package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter enforces a fixed issuance window per (address, channel-class)
// pair. All counting happens atomically inside the store so concurrent
// requests each see a distinct count; the limiter itself never reads a count
// it later writes back. It fails open: if the backing store is unreachable
// the request is admitted and a warning logged, because refusing all
// issuance during a store outage locks every user out of verification.
type RateLimiter struct {
	store  model.RateLimitStore
	scope  string
	limit  int
	window time.Duration
	block  time.Duration
}

func NewRateLimiter(store model.RateLimitStore, cfg *config.Config) *RateLimiter {
	return newRateLimiter(store, "issue", cfg)
}

// NewCheckRateLimiter throttles verification attempts under a separate key
// scope so check traffic never consumes the issuance budget.
func NewCheckRateLimiter(store model.RateLimitStore, cfg *config.Config) *RateLimiter {
	return newRateLimiter(store, "check", cfg)
}

func newRateLimiter(store model.RateLimitStore, scope string, cfg *config.Config) *RateLimiter {
	return &RateLimiter{
		store:  store,
		scope:  scope,
		limit:  cfg.OTP.IssueLimit,
		window: cfg.OTP.LimitWindow,
		block:  cfg.OTP.BlockDuration,
	}
}

func (l *RateLimiter) key(address, class string) string {
	return fmt.Sprintf("%s:%s:%s", l.scope, class, address)
}

// Admit counts one issuance attempt against the window. The blocked check
// runs before any counting so a blocked caller cannot extend their own
// window by retrying.
func (l *RateLimiter) Admit(ctx context.Context, address string, channel model.Channel) (Decision, error) {
	key := l.key(address, channel.Class())

	remaining, err := l.store.BlockedFor(ctx, key)
	if err != nil {
		util.Warn("Rate limit store unavailable, admitting request",
			zap.String("key", key),
			zap.Error(err))
		return Decision{Allowed: true}, nil
	}
	if remaining > 0 {
		return Decision{
			Allowed:    false,
			RetryAfter: remaining,
		}, nil
	}

	count, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		util.Warn("Rate limit store unavailable, admitting request",
			zap.String("key", key),
			zap.Error(err))
		return Decision{Allowed: true}, nil
	}

	if count > l.limit {
		if err := l.store.Block(ctx, key, l.block); err != nil {
			util.Warn("Failed to set rate limit block",
				zap.String("key", key),
				zap.Error(err))
		}
		util.Info("Issuance rate limit exceeded",
			zap.String("address", address),
			zap.String("class", channel.Class()),
			zap.Int("attempts", count))
		return Decision{
			Allowed:    false,
			RetryAfter: l.block,
		}, nil
	}

	return Decision{Allowed: true}, nil
}
