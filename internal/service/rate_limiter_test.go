package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/repository/memory"
)

func limiterConfig() *config.Config {
	return &config.Config{
		OTP: config.OTPConfig{
			IssueLimit:    3,
			LimitWindow:   10 * time.Minute,
			BlockDuration: 10 * time.Minute,
		},
	}
}

// fakeClock drives the backing store so window and block expiry can be
// simulated without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Now()}
	store := memory.NewRateLimitStore()
	store.SetClock(clock.Now)
	limiter := NewRateLimiter(store, limiterConfig())
	return limiter, clock
}

func TestAdmitUnderLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
}

func TestAdmitBlocksOverLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	d, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS)
	if err != nil {
		t.Fatalf("admit over limit: %v", err)
	}
	if d.Allowed {
		t.Fatal("attempt over limit should be blocked")
	}
	if d.RetryAfter != 10*time.Minute {
		t.Fatalf("unexpected retry after: %v", d.RetryAfter)
	}
}

func TestBlockedCallsDoNotExtendBlock(t *testing.T) {
	limiter, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	// Hammering while blocked must not reset blocked_until
	clock.Advance(5 * time.Minute)
	d, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS)
	if err != nil {
		t.Fatalf("admit while blocked: %v", err)
	}
	if d.Allowed {
		t.Fatal("should still be blocked")
	}
	if d.RetryAfter != 5*time.Minute {
		t.Fatalf("retry after should shrink with time, got %v", d.RetryAfter)
	}

	clock.Advance(5*time.Minute + time.Second)
	d, err = limiter.Admit(ctx, "+821012345678", model.ChannelSMS)
	if err != nil {
		t.Fatalf("admit after block expiry: %v", err)
	}
	if !d.Allowed {
		t.Fatal("should be allowed after the block elapses")
	}
}

func TestWindowReset(t *testing.T) {
	limiter, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	clock.Advance(10*time.Minute + time.Second)

	for i := 0; i < 3; i++ {
		d, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS)
		if err != nil {
			t.Fatalf("admit after reset %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d after window reset should be allowed", i+1)
		}
	}
}

func TestSmsAndWhatsAppShareBudget(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS); err != nil {
		t.Fatalf("admit sms: %v", err)
	}
	if _, err := limiter.Admit(ctx, "+821012345678", model.ChannelWhatsApp); err != nil {
		t.Fatalf("admit whatsapp: %v", err)
	}
	if _, err := limiter.Admit(ctx, "+821012345678", model.ChannelWhatsApp); err != nil {
		t.Fatalf("admit whatsapp: %v", err)
	}

	d, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS)
	if err != nil {
		t.Fatalf("admit fourth: %v", err)
	}
	if d.Allowed {
		t.Fatal("sms and whatsapp must draw from the same budget")
	}
}

func TestEmailBudgetSeparateFromPhone(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Admit(ctx, "user@example.com", model.ChannelEmail); err != nil {
			t.Fatalf("admit email %d: %v", i, err)
		}
	}

	d, err := limiter.Admit(ctx, "user@example.com", model.ChannelSMS)
	if err != nil {
		t.Fatalf("admit sms: %v", err)
	}
	if !d.Allowed {
		t.Fatal("sms budget should be independent of email budget")
	}
}

type failingLimitStore struct{}

func (failingLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	return 0, errors.New("store unreachable")
}

func (failingLimitStore) Block(ctx context.Context, key string, duration time.Duration) error {
	return errors.New("store unreachable")
}

func (failingLimitStore) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	return 0, errors.New("store unreachable")
}

func TestFailsOpenOnStoreError(t *testing.T) {
	limiter := NewRateLimiter(failingLimitStore{}, limiterConfig())

	for i := 0; i < 10; i++ {
		d, err := limiter.Admit(context.Background(), "+821012345678", model.ChannelSMS)
		if err != nil {
			t.Fatalf("admit with broken store: %v", err)
		}
		if !d.Allowed {
			t.Fatal("limiter must fail open when its store is unreachable")
		}
	}
}

// slowLimitStore adds a delay around every store call so interleaved
// requests overlap the way they would against a networked store.
type slowLimitStore struct {
	inner model.RateLimitStore
	delay time.Duration
}

func (s *slowLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	time.Sleep(s.delay)
	return s.inner.Increment(ctx, key, window)
}

func (s *slowLimitStore) Block(ctx context.Context, key string, duration time.Duration) error {
	time.Sleep(s.delay)
	return s.inner.Block(ctx, key, duration)
}

func (s *slowLimitStore) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	time.Sleep(s.delay)
	return s.inner.BlockedFor(ctx, key)
}

func TestConcurrentAdmitsHonorLimit(t *testing.T) {
	store := &slowLimitStore{inner: memory.NewRateLimitStore(), delay: time.Millisecond}
	limiter := NewRateLimiter(store, limiterConfig())
	ctx := context.Background()

	const attempts = 40
	results := make([]bool, attempts)

	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		i := i
		g.Go(func() error {
			d, err := limiter.Admit(ctx, "+821012345678", model.ChannelSMS)
			if err != nil {
				return err
			}
			results[i] = d.Allowed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent admits: %v", err)
	}

	allowed := 0
	for _, ok := range results {
		if ok {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed %d of %d concurrent attempts with limit 3", allowed, attempts)
	}
}
