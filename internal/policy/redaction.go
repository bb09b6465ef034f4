package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	urlPattern   = regexp.MustCompile(`https?://[^\s"']+`)
)

// RedactPII masks common high-risk PII patterns in transcript text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first, otherwise the phone pattern swallows them.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// MaskSecret keeps only the tail of a credential-bearing string such as a
// webhook URL, for logs and config echoes.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	const visible = 15
	runes := []rune(s)
	if len(runes) <= visible {
		return "..." + string(runes[len(runes)/2:])
	}
	return "..." + string(runes[len(runes)-visible:])
}

// MaskURLs masks every URL in s, such as the webhook inside a transport error.
func MaskURLs(s string) string {
	return urlPattern.ReplaceAllStringFunc(s, MaskSecret)
}
