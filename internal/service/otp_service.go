package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/address"
	"otp-service/internal/code"
	"otp-service/internal/config"
	"otp-service/internal/dispatch"
	"otp-service/internal/event"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

var (
	ErrInvalidChannel = errors.New("invalid channel")
	ErrInvalidPurpose = errors.New("invalid purpose")
)

// IssueStatus is the definite outcome of an issuance request.
type IssueStatus string

const (
	IssueAccepted       IssueStatus = "accepted"
	IssueRateLimited    IssueStatus = "rate_limited"
	IssueInvalidInput   IssueStatus = "invalid_input"
	IssueDispatchFailed IssueStatus = "dispatch_failed"
)

// CheckStatus is the definite outcome of a verification attempt.
type CheckStatus string

const (
	CheckVerified        CheckStatus = "verified"
	CheckMismatch        CheckStatus = "mismatch"
	CheckExpired         CheckStatus = "expired"
	CheckAlreadyConsumed CheckStatus = "already_consumed"
	CheckNotFound        CheckStatus = "not_found"
	CheckInvalidInput    CheckStatus = "invalid_input"
	CheckRateLimited     CheckStatus = "rate_limited"
)

type IssueRequest struct {
	Channel     model.Channel
	RawAddress  string
	CountryHint string
	Purpose     model.Purpose
	Metadata    model.RequestMetadata
}

type IssueResult struct {
	Status     IssueStatus
	Reason     string
	RetryAfter time.Duration
	CodeID     string
}

type CheckRequest struct {
	Channel    model.Channel
	RawAddress string
	RawCode    string
}

type CheckResult struct {
	Status     CheckStatus
	Reason     string
	RetryAfter time.Duration
	Address    string
	Purpose    model.Purpose
}

// OTPService orchestrates the code lifecycle: issuance with supersession and
// rate limiting, and the check-and-consume verification step. All cross-call
// state lives in the stores; any number of processes may run this
// concurrently.
type OTPService struct {
	codeStore    model.CodeStore
	limiter      *RateLimiter
	checkLimiter *RateLimiter // nil unless check throttling is enabled
	dispatcher   *dispatch.Dispatcher
	recorder     *event.Recorder
	codeTTL      time.Duration
	now          func() time.Time
}

func NewOTPService(
	codeStore model.CodeStore,
	limiter *RateLimiter,
	checkLimiter *RateLimiter,
	dispatcher *dispatch.Dispatcher,
	recorder *event.Recorder,
	cfg *config.Config,
) *OTPService {
	return &OTPService{
		codeStore:    codeStore,
		limiter:      limiter,
		checkLimiter: checkLimiter,
		dispatcher:   dispatcher,
		recorder:     recorder,
		codeTTL:      cfg.OTP.CodeTTL,
		now:          time.Now,
	}
}

// SetClock overrides the service clock. Test helper.
func (s *OTPService) SetClock(now func() time.Time) {
	s.now = now
}

// Issue normalizes the address, admits the request through the rate limiter,
// supersedes any prior active code for the pair, then persists and dispatches
// a fresh one. A dispatch failure is reported to the caller but the persisted
// record stays active; a code obtained through another path is still usable.
func (s *OTPService) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	if !req.Channel.Valid() {
		return IssueResult{Status: IssueInvalidInput, Reason: ErrInvalidChannel.Error()}, nil
	}
	if req.Purpose == "" {
		req.Purpose = model.PurposeGeneric
	}
	if !req.Purpose.Valid() {
		return IssueResult{Status: IssueInvalidInput, Reason: ErrInvalidPurpose.Error()}, nil
	}

	addr, err := address.Normalize(req.RawAddress, req.Channel, req.CountryHint)
	if err != nil {
		return IssueResult{Status: IssueInvalidInput, Reason: err.Error()}, nil
	}

	decision, err := s.limiter.Admit(ctx, addr, req.Channel)
	if err != nil {
		return IssueResult{}, err
	}
	if !decision.Allowed {
		return IssueResult{Status: IssueRateLimited, RetryAfter: decision.RetryAfter}, nil
	}

	if _, err := s.codeStore.SupersedeActive(ctx, addr, req.Channel); err != nil {
		return IssueResult{}, err
	}

	secret, err := code.Generate()
	if err != nil {
		return IssueResult{}, err
	}

	now := s.now().UTC()
	record := &model.VerificationCode{
		Address:   addr,
		Channel:   req.Channel,
		Code:      secret,
		State:     model.StateActive,
		Purpose:   req.Purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(s.codeTTL),
		Metadata:  req.Metadata,
	}

	id, err := s.codeStore.Create(ctx, record)
	if err != nil {
		return IssueResult{}, err
	}

	if err := s.dispatcher.Dispatch(ctx, req.Channel, addr, secret, req.Purpose); err != nil {
		if s.recorder != nil {
			s.recorder.RecordIssue(ctx, record, false)
		}
		return IssueResult{Status: IssueDispatchFailed, CodeID: id}, nil
	}

	if s.recorder != nil {
		s.recorder.RecordIssue(ctx, record, true)
	}

	return IssueResult{Status: IssueAccepted, CodeID: id}, nil
}

// Check validates a submitted code against the newest record for the pair
// and consumes it on match. A failed check leaves the record active so the
// user can retry within the TTL; only a successful match persists the used
// state, and the conditional update guarantees exactly one caller sees
// Verified. A replayed code against an already consumed record reports
// AlreadyConsumed, never Verified.
func (s *OTPService) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	// Code shape is checked before any store access
	submitted, err := code.Normalize(req.RawCode)
	if err != nil {
		return CheckResult{Status: CheckInvalidInput, Reason: err.Error()}, nil
	}

	if !req.Channel.Valid() {
		return CheckResult{Status: CheckInvalidInput, Reason: ErrInvalidChannel.Error()}, nil
	}

	addr, err := address.Normalize(req.RawAddress, req.Channel, "")
	if err != nil {
		return CheckResult{Status: CheckInvalidInput, Reason: err.Error()}, nil
	}

	if s.checkLimiter != nil {
		decision, err := s.checkLimiter.Admit(ctx, addr, req.Channel)
		if err != nil {
			return CheckResult{}, err
		}
		if !decision.Allowed {
			return CheckResult{Status: CheckRateLimited, RetryAfter: decision.RetryAfter}, nil
		}
	}

	record, err := s.codeStore.FindLatest(ctx, addr, req.Channel)
	if err != nil {
		return CheckResult{}, err
	}
	if record == nil {
		return CheckResult{Status: CheckNotFound}, nil
	}

	now := s.now().UTC()

	// Expiry is refused before the comparison runs
	if record.Expired(now) {
		return CheckResult{Status: CheckExpired}, nil
	}

	if record.State != model.StateActive {
		return CheckResult{Status: CheckAlreadyConsumed}, nil
	}

	if !code.Equal(submitted, record.Code) {
		util.Info("Verification code mismatch",
			zap.String("address", addr),
			zap.String("channel", string(req.Channel)))
		return CheckResult{Status: CheckMismatch}, nil
	}

	applied, err := s.codeStore.MarkUsed(ctx, record)
	if err != nil {
		return CheckResult{}, err
	}
	if !applied {
		// Lost the consumption race to a concurrent check
		return CheckResult{Status: CheckAlreadyConsumed}, nil
	}

	if s.recorder != nil {
		s.recorder.RecordVerified(ctx, record, now)
	}

	util.Info("Verification code consumed",
		zap.String("address", addr),
		zap.String("channel", string(req.Channel)),
		zap.String("purpose", string(record.Purpose)))

	return CheckResult{
		Status:  CheckVerified,
		Address: addr,
		Purpose: record.Purpose,
	}, nil
}
