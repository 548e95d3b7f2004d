// Package address canonicalizes raw user-supplied contact addresses into the
// comparison-stable form the rest of the engine keys on: case-folded-domain
// email strings and E.164 phone numbers. Pure functions, no I/O.
package address

import (
	"errors"
	"strings"

	"otp-service/internal/model"
)

var (
	ErrEmptyAddress       = errors.New("address is empty")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrMissingCountryHint = errors.New("country hint required for non-international phone number")
	ErrInvalidPhoneFormat = errors.New("invalid phone number format")
)

// callingCodes maps ISO 3166-1 alpha-2 country hints to calling codes for
// the markets the product serves.
var callingCodes = map[string]string{
	"KR": "82",
	"US": "1",
	"CA": "1",
	"MX": "52",
	"CO": "57",
	"PE": "51",
	"CL": "56",
	"AR": "54",
	"BR": "55",
	"BO": "591",
	"EC": "593",
	"ES": "34",
	"JP": "81",
	"VN": "84",
	"TH": "66",
	"ID": "62",
	"PH": "63",
	"IN": "91",
}

// Normalize canonicalizes raw for the given channel. countryHint is an ISO
// country code ("KR", "MX", ...) and is only consulted for phone channels
// when the input is not already in international form.
func Normalize(raw string, channel model.Channel, countryHint string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyAddress
	}

	if channel == model.ChannelEmail {
		return normalizeEmail(trimmed)
	}
	return normalizePhone(trimmed, countryHint)
}

// normalizeEmail lower-cases the domain portion only. Local-part case
// sensitivity is the receiving server's business; folding it could merge
// distinct mailboxes.
func normalizeEmail(raw string) (string, error) {
	at := strings.LastIndex(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return "", ErrInvalidEmail
	}

	local := raw[:at]
	domain := strings.ToLower(raw[at+1:])
	if strings.ContainsAny(local, " \t") || strings.ContainsAny(domain, " \t@") {
		return "", ErrInvalidEmail
	}
	if !strings.Contains(domain, ".") {
		return "", ErrInvalidEmail
	}

	return local + "@" + domain, nil
}

func normalizePhone(raw string, countryHint string) (string, error) {
	international := strings.HasPrefix(raw, "+")
	digits := stripFormatting(raw)

	if digits == "" {
		return "", ErrInvalidPhoneFormat
	}

	var normalized string
	if international {
		normalized = "+" + digits
	} else {
		cc, ok := callingCodes[strings.ToUpper(strings.TrimSpace(countryHint))]
		if !ok {
			return "", ErrMissingCountryHint
		}
		// Drop a single trunk prefix zero before prepending the calling
		// code ("010-1234-5678" in KR dials as +82 10 1234 5678).
		digits = strings.TrimPrefix(digits, "0")
		normalized = "+" + cc + digits
	}

	if !isE164(normalized) {
		return "", ErrInvalidPhoneFormat
	}
	return normalized, nil
}

// stripFormatting removes the local formatting characters users type:
// spaces, dashes, dots, and parentheses. Anything else stays and fails the
// E.164 shape check.
func stripFormatting(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch r {
		case '+', ' ', '-', '.', '(', ')':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isE164 checks international-number shape: '+', a non-zero lead digit,
// and 8 to 15 digits total.
func isE164(s string) bool {
	if !strings.HasPrefix(s, "+") {
		return false
	}
	digits := s[1:]
	if len(digits) < 8 || len(digits) > 15 {
		return false
	}
	if digits[0] == '0' {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}
