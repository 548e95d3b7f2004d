package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"otp-service/internal/model"
)

// CodeStore is an in-process implementation of model.CodeStore backed by a
// map keyed on (address, channel). Used when STORE_BACKEND=memory and by
// tests; everything is lost on restart.
type CodeStore struct {
	mu    sync.Mutex
	codes map[pairKey][]*model.VerificationCode
}

type pairKey struct {
	address string
	channel model.Channel
}

func NewCodeStore() *CodeStore {
	return &CodeStore{
		codes: make(map[pairKey][]*model.VerificationCode),
	}
}

func (s *CodeStore) SupersedeActive(ctx context.Context, address string, channel model.Channel) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.codes[pairKey{address, channel}] {
		if rec.State == model.StateActive {
			rec.State = model.StateSuperseded
			count++
		}
	}
	return count, nil
}

func (s *CodeStore) Create(ctx context.Context, code *model.VerificationCode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code.ID == "" {
		code.ID = uuid.New().String()
	}

	stored := *code
	key := pairKey{code.Address, code.Channel}
	s.codes[key] = append(s.codes[key], &stored)
	return code.ID, nil
}

// FindLatest returns the newest record for the pair in any state. Ties on
// created_at resolve to the later insertion so a reissue within the same
// clock tick still wins.
func (s *CodeStore) FindLatest(ctx context.Context, address string, channel model.Channel) (*model.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.codes[pairKey{address, channel}]

	var newest *model.VerificationCode
	for _, rec := range recs {
		if newest == nil || !rec.CreatedAt.Before(newest.CreatedAt) {
			newest = rec
		}
	}
	if newest == nil {
		return nil, nil
	}

	out := *newest
	return &out, nil
}

func (s *CodeStore) MarkUsed(ctx context.Context, code *model.VerificationCode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.codes[pairKey{code.Address, code.Channel}] {
		if rec.ID != code.ID {
			continue
		}
		if rec.State != model.StateActive {
			return false, nil
		}
		rec.State = model.StateUsed
		code.State = model.StateUsed
		return true, nil
	}
	return false, nil
}

func (s *CodeStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, recs := range s.codes {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.ExpiresAt.Before(olderThan) {
				deleted++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(s.codes, key)
		} else {
			s.codes[key] = kept
		}
	}
	return deleted, nil
}

func (s *CodeStore) HealthCheck(ctx context.Context) error {
	return nil
}

// All returns every stored record for the pair, newest first. Test helper.
func (s *CodeStore) All(address string, channel model.Channel) []*model.VerificationCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.codes[pairKey{address, channel}]
	out := make([]*model.VerificationCode, 0, len(recs))
	for _, rec := range recs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// RateLimitStore is an in-process implementation of model.RateLimitStore.
// The mutex makes every operation atomic, matching the contract the Redis
// backend satisfies with server-side INCR and SETNX; expiry is checked on
// access.
type RateLimitStore struct {
	mu       sync.Mutex
	counters map[string]counterEntry
	blocks   map[string]time.Time
	now      func() time.Time
}

type counterEntry struct {
	count     int
	expiresAt time.Time
}

func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{
		counters: make(map[string]counterEntry),
		blocks:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock overrides the expiry clock. Test helper.
func (s *RateLimitStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *RateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.counters[key]
	if !ok || now.After(entry.expiresAt) {
		entry = counterEntry{count: 0, expiresAt: now.Add(window)}
	}
	entry.count++
	s.counters[key] = entry
	return entry.count, nil
}

func (s *RateLimitStore) Block(ctx context.Context, key string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, ok := s.blocks[key]; ok && now.Before(until) {
		return nil
	}
	s.blocks[key] = now.Add(duration)
	return nil
}

func (s *RateLimitStore) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.blocks[key]
	if !ok {
		return 0, nil
	}
	now := s.now()
	if !now.Before(until) {
		delete(s.blocks, key)
		return 0, nil
	}
	return until.Sub(now), nil
}
