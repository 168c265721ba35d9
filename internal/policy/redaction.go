// Package policy scrubs text that crosses a trust boundary before it is logged or stored.
package policy

import (
	"regexp"
	"strings"
)

// maxMessageRunes bounds platform-supplied text kept in errors and cancel reasons.
const maxMessageRunes = 256

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// cards before phones, or long card numbers match the phone pattern
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactPlatformMessage cleans an error message returned by the room platform: secrets
// it echoes back are masked, PII is redacted and the result is truncated.
func RedactPlatformMessage(msg string, secrets ...string) string {
	out := strings.TrimSpace(msg)
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			out = strings.ReplaceAll(out, s, "[REDACTED_SECRET]")
		}
	}
	out, _ = RedactPII(out)
	if r := []rune(out); len(r) > maxMessageRunes {
		out = string(r[:maxMessageRunes]) + "…"
	}
	return out
}
