package audit

import (
	"regexp"
	"strings"
)

const (
	// MaxStringLength is the longest string kept verbatim in an entry.
	MaxStringLength = 1000

	// Redacted replaces sensitive values.
	Redacted = "[REDACTED]"

	maxSanitizeDepth = 16
)

var messagePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)password[=:]\s*[^\s&]+`), "password=" + Redacted},
	{regexp.MustCompile(`(?i)token[=:]\s*[^\s&]+`), "token=" + Redacted},
	{regexp.MustCompile(`(?i)api[_-]?key[=:]\s*[^\s&]+`), "api_key=" + Redacted},
	{regexp.MustCompile(`(?i)secret[=:]\s*[^\s&]+`), "secret=" + Redacted},
}

var sensitiveKey = regexp.MustCompile(`(?i)password|token|secret|auth|session|cookie|credential|key`)

// sensitiveContent matches the same words standing alone in a value, so
// identifiers such as "invalidate_session" pass through.
var sensitiveContent = regexp.MustCompile(`(?i)\b(passwords?|tokens?|secrets?|auth|authorization|sessions?|cookies?|credentials?|keys?|api[_-]?keys?)\b`)

// SanitizeMessage redacts inline credentials and truncates long messages.
func SanitizeMessage(msg string) string {
	for _, p := range messagePatterns {
		msg = p.re.ReplaceAllString(msg, p.replacement)
	}
	return truncate(msg)
}

// SanitizeMetadata returns a redacted deep copy of metadata.
func SanitizeMetadata(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	return sanitizeMap(metadata, 0)
}

func sanitizeMap(in map[string]interface{}, depth int) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if sensitiveKey.MatchString(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v, depth+1)
	}
	return out
}

func sanitizeValue(v interface{}, depth int) interface{} {
	if depth > maxSanitizeDepth {
		return "[MAX_DEPTH]"
	}

	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]interface{}:
		return sanitizeMap(val, depth)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return sanitizeMap(m, depth)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, depth+1)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeString(item)
		}
		return out
	case error:
		return sanitizeString(val.Error())
	default:
		return val
	}
}

func sanitizeString(s string) string {
	for _, p := range messagePatterns {
		if p.re.MatchString(s) {
			return Redacted
		}
	}
	if sensitiveContent.MatchString(s) {
		return Redacted
	}
	return truncate(s)
}

func truncate(s string) string {
	if len(s) <= MaxStringLength {
		return s
	}
	cut := MaxStringLength - 3
	// Keep multi-byte runes whole.
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

var inputEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// EscapeInput neutralizes markup in untrusted input before it is logged.
func EscapeInput(input string) string {
	return truncate(inputEscaper.Replace(input))
}
