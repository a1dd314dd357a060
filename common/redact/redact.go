// Package redact provides helpers for masking sensitive values in log
// output before it leaves the process boundary.
//
// # Threat model
//
// Two classes of sensitive data flow through Donna:
//
//   - Credentials (LLM API keys, WhatsApp instance tokens) must never
//     appear in log lines beyond a short recognisable stub.
//   - Phone numbers are personal data; log lines keep the country prefix
//     and trailing digits for operator debugging but mask the middle.
//
// Redaction is best-effort: it operates on string representations and
// relies on callers to route values through these helpers. It is NOT a
// substitute for keeping secrets out of log call-sites in the first place.
package redact

import "strings"

const placeholder = "[REDACTED]"

// Key masks an API key or token, keeping the first and last four
// characters: "sk-abc123verysecret9xyz" → "sk-a…9xyz". Values of eight
// characters or fewer are fully replaced — keeping any part of a short
// secret would leak most of it.
func Key(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return placeholder
	}
	return key[:4] + "…" + key[len(key)-4:]
}

// Phone masks the middle digits of a phone number or WhatsApp chat ID,
// keeping the first three and last two digits: "+15550001234@c.us" →
// "+155*****34@c.us". Non-digit characters (plus sign, @c.us suffix)
// pass through unchanged so the result stays recognisable in logs.
func Phone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 5 {
		return phone
	}

	var b strings.Builder
	b.Grow(len(phone))
	seen := 0
	for _, r := range phone {
		if r < '0' || r > '9' {
			b.WriteRune(r)
			continue
		}
		seen++
		if seen <= 3 || seen > digits-2 {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}
