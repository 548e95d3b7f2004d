// Package code owns the OTP secret itself: generation, digit normalization
// of user input, and constant-time comparison.
package code

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// Length is the fixed number of digits in an issued code.
const Length = 6

var ErrInvalidCodeLength = errors.New("code must be exactly 6 digits")

var codeMax = big.NewInt(1_000_000) // 10^6 for a 6-digit code

// Generate returns a cryptographically random 6-digit code, zero-padded.
// crypto/rand with big.Int avoids modulo bias.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeMax)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", Length, n.Int64()), nil
}

// Normalize maps any Unicode decimal-digit rendering of a submitted code to
// its ASCII form. Users paste codes from localized keyboards and messaging
// apps that substitute full-width or Arabic-Indic digits; those must compare
// equal to the stored ASCII code. Returns ErrInvalidCodeLength unless the
// result is exactly 6 ASCII digits.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)

	var b strings.Builder
	b.Grow(Length)
	for _, r := range trimmed {
		d, ok := digitValue(r)
		if !ok {
			return "", ErrInvalidCodeLength
		}
		b.WriteByte(byte('0' + d))
	}

	normalized := b.String()
	if len(normalized) != Length {
		return "", ErrInvalidCodeLength
	}
	return normalized, nil
}

// Equal compares a submitted code against the stored one in constant time,
// so mismatch latency leaks nothing about how many digits matched.
func Equal(candidate, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(stored)) == 1
}

// digitValue returns the decimal value of any Unicode Nd rune. The Nd range
// tables list decimal digits in contiguous runs aligned on their zero, so
// the offset within a run is the digit value.
func digitValue(r rune) (int, bool) {
	if r >= '0' && r <= '9' {
		return int(r - '0'), true
	}
	if !unicode.Is(unicode.Nd, r) {
		return 0, false
	}
	for _, rng := range unicode.Nd.R16 {
		if uint32(r) >= uint32(rng.Lo) && uint32(r) <= uint32(rng.Hi) {
			return int((uint32(r) - uint32(rng.Lo)) % 10), true
		}
	}
	for _, rng := range unicode.Nd.R32 {
		if uint32(r) >= rng.Lo && uint32(r) <= rng.Hi {
			return int((uint32(r) - rng.Lo) % 10), true
		}
	}
	return 0, false
}
