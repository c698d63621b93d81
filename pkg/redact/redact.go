package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

var enabled atomic.Bool

type rule struct {
	re   *regexp.Regexp
	with string
}

// Keys go first so an email-looking fragment inside a key is not split.
var rules = []rule{
	{regexp.MustCompile(`\b(AIza[0-9A-Za-z_\-]{20,}|sk-[0-9A-Za-z_\-]{16,})\b`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

func SetEnabled(v bool) { enabled.Store(v) }

func Enabled() bool { return enabled.Load() }

// Text redacts emails, phone numbers and provider API keys when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	for _, r := range rules {
		in = r.re.ReplaceAllString(in, r.with)
	}
	return in
}

// Transcript prepares user or model speech for a log line: redacted and cut
// to max runes. A max of zero or less keeps the whole text.
func Transcript(in string, max int) string {
	out := Text(in)
	if max <= 0 || utf8.RuneCountInString(out) <= max {
		return out
	}
	return string([]rune(out)[:max]) + "…"
}

// Secret masks a credential for logging regardless of the redaction switch,
// keeping only the last four characters of long values.
func Secret(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
