package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe  = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	walletRe = regexp.MustCompile(`\b0x[0-9a-fA-F]{8,}\b`)
)

// SetEnabled toggles PII redaction for transcript text that leaves the
// process (logs, viewer feeds).
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails, phone numbers and wallet addresses when enabled.
// Candidates dictate all three over the phone, so transcript turns can
// carry any of them.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = walletRe.ReplaceAllString(out, "[REDACTED_WALLET]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}
