// Package policy holds the content rules applied before conversation text
// is stored.
package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Rules run in order. Record and card numbers go before phones so long digit
// runs are not reported as phone numbers.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`(?i)\b(?:mrn|nhs(?:\s+number)?|patient\s+(?:id|number)|hospital\s+number|medical\s+record(?:\s+number)?)[\s:#-]*(?:\d{3}[ -]?\d{3}[ -]?\d{4}|[A-Z0-9][A-Z0-9\-]{4,}[A-Z0-9])`), "[REDACTED_RECORD_ID]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks contact details and health record identifiers in a
// conversation turn. changed reports whether anything was masked.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
