// Package phone turns loosely formatted Brazilian phone strings into the one
// or two candidate transport addresses worth trying for a send.
//
// The transport's contact resolution is inconsistent for numbers registered
// before the ninth-digit rollout: the same person may only be reachable under
// the eight-digit form of their mobile number, or only under the nine-digit
// one. Normalize therefore returns a fallback candidate whenever the input is
// ambiguous, and callers are expected to try candidates in order.
package phone

import (
	"strings"
)

const countryCode = "55"

// Candidates holds up to two normalized addresses, tried in order.
type Candidates struct {
	Primary  string
	Fallback string // empty when the input is unambiguous
}

// Has reports whether addr is one of the candidates.
func (c Candidates) Has(addr string) bool {
	return addr != "" && (addr == c.Primary || addr == c.Fallback)
}

// Policy controls candidate ordering for ambiguous eleven-digit mobile
// numbers.
//
// The default (legacy first) matches the dominant failure mode: older
// registrations that never picked up the ninth digit. Flip PreferModernPrimary
// when the recipient population skews toward nine-digit registrations.
type Policy struct {
	PreferModernPrimary bool
}

// Normalize reduces raw to candidate addresses using the default policy.
// It never fails: input that cannot be recognized as a national or
// international number comes back as cleaned digits wrapped in a single
// best-effort candidate.
func Normalize(raw string) Candidates {
	return Policy{}.Normalize(raw)
}

func (p Policy) Normalize(raw string) Candidates {
	digits := stripNonDigits(raw)
	if digits == "" {
		return Candidates{}
	}

	// An explicit "+" marks the number as fully qualified. Such numbers are
	// not subject to the local ninth-digit ambiguity, so no fallback.
	if strings.Contains(raw, "+") {
		return Candidates{Primary: digits}
	}

	// Strip our country code when present; the remainder follows the same
	// national branching.
	national := digits
	if strings.HasPrefix(digits, countryCode) && len(digits) >= len(countryCode)+10 {
		national = digits[len(countryCode):]
	}

	switch len(national) {
	case 11:
		// Area code + nine digits. The leading "9" after the area code is the
		// mobile marker; registrations predating the rollout resolve only
		// without it.
		if national[2] == '9' {
			modern := countryCode + national
			legacy := countryCode + national[:2] + national[3:]
			if p.PreferModernPrimary {
				return Candidates{Primary: modern, Fallback: legacy}
			}
			return Candidates{Primary: legacy, Fallback: modern}
		}
		return Candidates{Primary: countryCode + national}
	case 10:
		// Area code + eight digits: unambiguously the legacy form. The owner
		// has likely been migrated since, so try the nine-digit form first and
		// keep the as-is form as fallback.
		legacy := countryCode + national
		modern := countryCode + national[:2] + "9" + national[2:]
		return Candidates{Primary: modern, Fallback: legacy}
	default:
		// Not a recognizable national number; best effort.
		return Candidates{Primary: digits}
	}
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
