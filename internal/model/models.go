package model

import (
	"context"
	"time"
)

// -------------------- CHANNELS --------------------

// Channel is the delivery medium for a verification code.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

// IsPhone reports whether the channel delivers to a phone number.
func (c Channel) IsPhone() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

// Class collapses sms and whatsapp into a single throttling bucket,
// distinct from email. Both reach the same phone number, so counting
// them separately would double the effective issuance budget.
func (c Channel) Class() string {
	if c.IsPhone() {
		return "sms"
	}
	return "email"
}

// -------------------- PURPOSE --------------------

type Purpose string

const (
	PurposeSignup        Purpose = "signup"
	PurposePasswordReset Purpose = "password_reset"
	PurposeGeneric       Purpose = "generic"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeSignup, PurposePasswordReset, PurposeGeneric:
		return true
	}
	return false
}

// -------------------- CODE STATE --------------------

type CodeState string

const (
	StateActive     CodeState = "active"
	StateUsed       CodeState = "used"
	StateSuperseded CodeState = "superseded"
)

// -------------------- VERIFICATION CODE --------------------

// RequestMetadata records where an issuance request came from. Retained for
// abuse investigation only; it never influences verification.
type RequestMetadata struct {
	IPAddress string `json:"ip_address" db:"ip_address"`
	UserAgent string `json:"user_agent" db:"user_agent"`
}

// VerificationCode is one issued OTP attempt.
type VerificationCode struct {
	ID        string          `json:"id" db:"id"`                 // UUID
	Address   string          `json:"address" db:"address"`       // normalized email or E.164 phone
	Channel   Channel         `json:"channel" db:"channel"`
	Code      string          `json:"-" db:"code"`                // 6-digit secret, never serialized
	State     CodeState       `json:"state" db:"state"`
	Purpose   Purpose         `json:"purpose" db:"purpose"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
	Metadata  RequestMetadata `json:"metadata" db:"-"`
}

// Expired reports whether the record is past its TTL at the given instant.
// Expiry is derived, not stored: a row can still say "active" in the store
// while being logically expired.
func (v *VerificationCode) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// -------------------- STORE CONTRACTS --------------------

// CodeStore is the persistence contract for verification codes. The backing
// store is responsible for making MarkUsed a conditional update and for
// keeping the supersede-then-create sequence safe across processes.
type CodeStore interface {
	// SupersedeActive marks every active record for (address, channel) as
	// superseded. Idempotent; zero is a valid count.
	SupersedeActive(ctx context.Context, address string, channel Channel) (int, error)

	// Create inserts a new active record and returns its id. Callers must
	// have superseded prior actives for the pair first.
	Create(ctx context.Context, code *VerificationCode) (string, error)

	// FindLatest returns the newest record for the pair regardless of state,
	// or (nil, nil) when none exists. Callers classify the state themselves;
	// a used record must stay visible so a replayed code is reported as
	// consumed rather than unknown.
	FindLatest(ctx context.Context, address string, channel Channel) (*VerificationCode, error)

	// MarkUsed transitions the record active -> used. It returns false when
	// the record was no longer active, which signals a lost consumption race.
	MarkUsed(ctx context.Context, code *VerificationCode) (bool, error)

	// DeleteExpired removes records past their TTL plus the retention grace
	// period. Maintenance only; verification never depends on it.
	DeleteExpired(ctx context.Context, olderThan time.Time) (int, error)

	HealthCheck(ctx context.Context) error
}

// RateLimitStore is the atomic counter store behind the rate limiter. Every
// operation must be atomic on the backing store; the limiter never does a
// read-modify-write cycle of its own, so concurrent callers cannot observe
// the same count.
type RateLimitStore interface {
	// Increment atomically adds one attempt for key. A fresh counter starts
	// a window of the given length; an existing counter keeps its window.
	// Returns the count after the add.
	Increment(ctx context.Context, key string, window time.Duration) (int, error)

	// Block places a block marker for key lasting the given duration. An
	// existing marker is left untouched so retries cannot extend a block.
	Block(ctx context.Context, key string, duration time.Duration) error

	// BlockedFor returns the remaining block duration for key, zero when the
	// key is not blocked.
	BlockedFor(ctx context.Context, key string) (time.Duration, error)
}
