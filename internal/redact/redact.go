// Package redact masks PII-shaped substrings (emails, phone numbers, IBANs)
// in transcript text before it reaches a provider or the message store.
//
// Redaction is deterministic: the same input always yields the same masked
// output, and re-redacting an already masked string is a no-op.
package redact

import "regexp"

const (
	emailMask = "[REDACTED_EMAIL]"
	phoneMask = "[REDACTED_PHONE]"
	ibanMask  = "[REDACTED_IBAN]"
)

var (
	emailRE = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+`)
	phoneRE = regexp.MustCompile(`\b(?:\+\d{1,3}[- ]?)?(?:\d[ -]?){9,}\b`)
	ibanRE  = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{1,30}\b`)
)

// Text masks email, phone-number, and IBAN-shaped substrings in s.
// Order matters: emails go first so their digits are not half-eaten by the
// phone pattern.
func Text(s string) string {
	s = emailRE.ReplaceAllString(s, emailMask)
	s = phoneRE.ReplaceAllString(s, phoneMask)
	s = ibanRE.ReplaceAllString(s, ibanMask)
	return s
}
