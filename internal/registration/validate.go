package registration

import (
	"strings"
	"unicode"
)

// Reason identifies why a proposed name was rejected.
type Reason string

const (
	ReasonEmpty     Reason = "empty"
	ReasonIsPhone   Reason = "is_phone"
	ReasonTooShort  Reason = "too_short"
	ReasonTooLong   Reason = "too_long"
	ReasonBadChars  Reason = "bad_chars"
	ReasonForbidden Reason = "forbidden"
)

// ValidationError is a rejected name attempt.
type ValidationError struct {
	Reason Reason
}

func (e *ValidationError) Error() string {
	return "invalid name: " + string(e.Reason)
}

// forbiddenSubstrings are never allowed anywhere in a name.
var forbiddenSubstrings = []string{
	"bot", "admin", "sistema", "test", "usuario", "client", "customer",
}

// CleanName trims and collapses whitespace. Idempotent on its own
// output.
func CleanName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ValidateName cleans and validates a proposed display name against
// the sender's phone number. Rules apply in order; the first failure
// wins. Returns the cleaned name on success.
func ValidateName(raw, phone string, minLen, maxLen int) (string, error) {
	name := CleanName(raw)
	if name == "" {
		return "", &ValidationError{Reason: ReasonEmpty}
	}
	if allDigits(name) {
		return "", &ValidationError{Reason: ReasonIsPhone}
	}
	if n := len([]rune(name)); n < minLen {
		return "", &ValidationError{Reason: ReasonTooShort}
	} else if n > maxLen {
		return "", &ValidationError{Reason: ReasonTooLong}
	}
	for _, r := range name {
		if !allowedNameRune(r) {
			return "", &ValidationError{Reason: ReasonBadChars}
		}
	}
	if phone != "" && containsPhoneRun(name, phone) {
		return "", &ValidationError{Reason: ReasonIsPhone}
	}
	lower := strings.ToLower(name)
	for _, bad := range forbiddenSubstrings {
		if strings.Contains(lower, bad) {
			return "", &ValidationError{Reason: ReasonForbidden}
		}
	}
	return name, nil
}

// allowedNameRune admits letters (which covers Spanish diacritics),
// space, apostrophe and hyphen.
func allowedNameRune(r rune) bool {
	return unicode.IsLetter(r) || r == ' ' || r == '\'' || r == '-'
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// containsPhoneRun reports whether the name equals the phone or embeds
// a digit run of six or more that occurs in the phone.
func containsPhoneRun(name, phone string) bool {
	if name == phone {
		return true
	}
	start := -1
	for i, r := range name {
		if unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= 6 && strings.Contains(phone, name[start:i]) {
			return true
		}
		start = -1
	}
	if start >= 0 && len(name)-start >= 6 && strings.Contains(phone, name[start:]) {
		return true
	}
	return false
}
