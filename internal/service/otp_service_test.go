package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"otp-service/internal/config"
	"otp-service/internal/dispatch"
	"otp-service/internal/model"
	"otp-service/internal/repository/memory"
)

// captureSender records dispatched messages and can be told to fail.
type captureSender struct {
	mu   sync.Mutex
	sent []dispatch.Message
	err  error
}

func (s *captureSender) Send(ctx context.Context, msg dispatch.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *captureSender) last(t *testing.T) dispatch.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no message was dispatched")
	}
	return s.sent[len(s.sent)-1]
}

type testEnv struct {
	svc    *OTPService
	store  *memory.CodeStore
	sender *captureSender
	clock  *fakeClock
}

func newTestEnv(t *testing.T, issueLimit int) *testEnv {
	t.Helper()

	cfg := &config.Config{
		OTP: config.OTPConfig{
			CodeTTL:       10 * time.Minute,
			IssueLimit:    issueLimit,
			LimitWindow:   10 * time.Minute,
			BlockDuration: 10 * time.Minute,
		},
	}

	clock := &fakeClock{now: time.Now()}

	codeStore := memory.NewCodeStore()
	limitStore := memory.NewRateLimitStore()
	limitStore.SetClock(clock.Now)

	limiter := NewRateLimiter(limitStore, cfg)

	sender := &captureSender{}
	dispatcher := dispatch.NewDispatcher()
	dispatcher.Register(model.ChannelEmail, sender)
	dispatcher.Register(model.ChannelSMS, sender)
	dispatcher.Register(model.ChannelWhatsApp, sender)

	svc := NewOTPService(codeStore, limiter, nil, dispatcher, nil, cfg)
	svc.SetClock(clock.Now)

	return &testEnv{svc: svc, store: codeStore, sender: sender, clock: clock}
}

func TestIssueAndCheck(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	issued, err := env.svc.Issue(ctx, IssueRequest{
		Channel:    model.ChannelEmail,
		RawAddress: "User@Example.COM",
		Purpose:    model.PurposeSignup,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Status != IssueAccepted {
		t.Fatalf("issue status = %s", issued.Status)
	}

	msg := env.sender.last(t)
	if msg.Address != "User@example.com" {
		t.Fatalf("dispatched to %q, want normalized address", msg.Address)
	}

	result, err := env.svc.Check(ctx, CheckRequest{
		Channel:    model.ChannelEmail,
		RawAddress: "  User@example.com ",
		RawCode:    msg.Code,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Status != CheckVerified {
		t.Fatalf("check status = %s", result.Status)
	}
	if result.Address != "User@example.com" {
		t.Fatalf("check address = %q", result.Address)
	}
	if result.Purpose != model.PurposeSignup {
		t.Fatalf("check purpose = %s", result.Purpose)
	}
}

func TestReplayAfterConsumption(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	if _, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := env.sender.last(t).Code

	first, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: code})
	if err != nil || first.Status != CheckVerified {
		t.Fatalf("first check: %v %s", err, first.Status)
	}

	// Replaying the consumed code is reported as consumed, never Verified
	second, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: code})
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if second.Status != CheckAlreadyConsumed {
		t.Fatalf("replay status = %s, want %s", second.Status, CheckAlreadyConsumed)
	}
}

func TestReissueSupersedesPriorCode(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	if _, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelSMS, RawAddress: "+821012345678"}); err != nil {
		t.Fatalf("first issue: %v", err)
	}
	firstCode := env.sender.last(t).Code

	env.clock.Advance(time.Second)
	if _, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelSMS, RawAddress: "+821012345678"}); err != nil {
		t.Fatalf("second issue: %v", err)
	}
	secondCode := env.sender.last(t).Code

	records := env.store.All("+821012345678", model.ChannelSMS)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	active := 0
	for _, rec := range records {
		if rec.State == model.StateActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly 1 active record, got %d", active)
	}

	// The superseded code no longer verifies even when it differs from the
	// current one
	if firstCode != secondCode {
		result, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelSMS, RawAddress: "+821012345678", RawCode: firstCode})
		if err != nil {
			t.Fatalf("check superseded: %v", err)
		}
		if result.Status != CheckMismatch {
			t.Fatalf("superseded code status = %s, want %s", result.Status, CheckMismatch)
		}
	}

	result, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelSMS, RawAddress: "+821012345678", RawCode: secondCode})
	if err != nil || result.Status != CheckVerified {
		t.Fatalf("check current: %v %s", err, result.Status)
	}
}

func TestDispatchFailureKeepsCodeValid(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	env.sender.err = errors.New("provider down")
	issued, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Status != IssueDispatchFailed {
		t.Fatalf("issue status = %s, want %s", issued.Status, IssueDispatchFailed)
	}

	// The persisted record survives the delivery failure
	records := env.store.All("a@example.com", model.ChannelEmail)
	if len(records) != 1 || records[0].State != model.StateActive {
		t.Fatalf("expected one active record after dispatch failure")
	}

	result, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: records[0].Code})
	if err != nil || result.Status != CheckVerified {
		t.Fatalf("check after dispatch failure: %v %s", err, result.Status)
	}
}

func TestCheckExpired(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	if _, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := env.sender.last(t).Code

	env.clock.Advance(10*time.Minute + time.Second)

	result, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: code})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Status != CheckExpired {
		t.Fatalf("status = %s, want %s", result.Status, CheckExpired)
	}
}

func TestCheckMismatchAllowsRetry(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	if _, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := env.sender.last(t).Code

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	result, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: wrong})
	if err != nil {
		t.Fatalf("check wrong code: %v", err)
	}
	if result.Status != CheckMismatch {
		t.Fatalf("status = %s, want %s", result.Status, CheckMismatch)
	}

	// The record stays active, the correct code still verifies
	result, err = env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: code})
	if err != nil || result.Status != CheckVerified {
		t.Fatalf("retry with correct code: %v %s", err, result.Status)
	}
}

func TestCheckLocalizedDigits(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	if _, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := env.sender.last(t).Code

	// Resubmit the code as full-width digits
	fullwidth := make([]rune, 0, len(code))
	for _, r := range code {
		fullwidth = append(fullwidth, r-'0'+'０')
	}

	result, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: string(fullwidth)})
	if err != nil {
		t.Fatalf("check fullwidth: %v", err)
	}
	if result.Status != CheckVerified {
		t.Fatalf("status = %s, want %s", result.Status, CheckVerified)
	}
}

func TestCheckInvalidCodeSkipsStore(t *testing.T) {
	env := newTestEnv(t, 5)

	result, err := env.svc.Check(context.Background(), CheckRequest{
		Channel:    model.ChannelEmail,
		RawAddress: "a@example.com",
		RawCode:    "12345",
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Status != CheckInvalidInput {
		t.Fatalf("status = %s, want %s", result.Status, CheckInvalidInput)
	}
}

func TestCheckUnknownAddress(t *testing.T) {
	env := newTestEnv(t, 5)

	result, err := env.svc.Check(context.Background(), CheckRequest{
		Channel:    model.ChannelEmail,
		RawAddress: "nobody@example.com",
		RawCode:    "123456",
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Status != CheckNotFound {
		t.Fatalf("status = %s, want %s", result.Status, CheckNotFound)
	}
}

func TestIssueRateLimited(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		issued, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelSMS, RawAddress: "+821012345678"})
		if err != nil || issued.Status != IssueAccepted {
			t.Fatalf("issue %d: %v %s", i, err, issued.Status)
		}
	}

	issued, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelWhatsApp, RawAddress: "+821012345678"})
	if err != nil {
		t.Fatalf("issue over limit: %v", err)
	}
	if issued.Status != IssueRateLimited {
		t.Fatalf("status = %s, want %s", issued.Status, IssueRateLimited)
	}
	if issued.RetryAfter <= 0 {
		t.Fatalf("retry after should be positive, got %v", issued.RetryAfter)
	}
}

func TestIssueInvalidInput(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	cases := []struct {
		name string
		req  IssueRequest
	}{
		{"bad channel", IssueRequest{Channel: "pigeon", RawAddress: "a@example.com"}},
		{"bad purpose", IssueRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", Purpose: "takeover"}},
		{"bad email", IssueRequest{Channel: model.ChannelEmail, RawAddress: "not-an-email"}},
		{"phone without hint", IssueRequest{Channel: model.ChannelSMS, RawAddress: "010-1234-5678"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issued, err := env.svc.Issue(ctx, tc.req)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if issued.Status != IssueInvalidInput {
				t.Fatalf("status = %s, want %s", issued.Status, IssueInvalidInput)
			}
			if issued.Reason == "" {
				t.Fatal("invalid input should carry a reason")
			}
		})
	}
}

func TestConcurrentChecksConsumeExactlyOnce(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	if _, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := env.sender.last(t).Code

	const workers = 16
	results := make([]CheckStatus, workers)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			result, err := env.svc.Check(ctx, CheckRequest{
				Channel:    model.ChannelEmail,
				RawAddress: "a@example.com",
				RawCode:    code,
			})
			if err != nil {
				return err
			}
			results[i] = result.Status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent checks: %v", err)
	}

	verified := 0
	for _, status := range results {
		switch status {
		case CheckVerified:
			verified++
		case CheckAlreadyConsumed:
			// losers of the race
		default:
			t.Fatalf("unexpected status %s", status)
		}
	}
	if verified != 1 {
		t.Fatalf("expected exactly one Verified, got %d", verified)
	}
}

func TestCheckThrottlingWhenEnabled(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	limitStore := memory.NewRateLimitStore()
	limitStore.SetClock(env.clock.Now)
	env.svc.checkLimiter = NewCheckRateLimiter(limitStore, limiterConfig())

	if _, err := env.svc.Issue(ctx, IssueRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com"}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	for i := 0; i < 3; i++ {
		result, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: "999999"})
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if result.Status == CheckRateLimited {
			t.Fatalf("check %d throttled too early", i)
		}
	}

	result, err := env.svc.Check(ctx, CheckRequest{Channel: model.ChannelEmail, RawAddress: "a@example.com", RawCode: "999999"})
	if err != nil {
		t.Fatalf("throttled check: %v", err)
	}
	if result.Status != CheckRateLimited {
		t.Fatalf("status = %s, want %s", result.Status, CheckRateLimited)
	}
}
