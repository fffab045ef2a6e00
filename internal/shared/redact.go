package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces every secret removed from logs, events and errors.
const Redacted = "[REDACTED]"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Rules keep a non-secret prefix in group 1 where there is one.
var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + Redacted},
	// Telegram bot tokens: <bot id>:<35 chars>.
	{regexp.MustCompile(`\b[0-9]{6,12}:[A-Za-z0-9_\-]{35}\b`), Redacted},
	// Passwords inside postgres and nats URLs.
	{regexp.MustCompile(`((?:postgres(?:ql)?|nats|tls)://[^:/@\s]+:)[^@\s]+@`), "${1}" + Redacted + "@"},
	{regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*"?)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), "${1}" + Redacted},
}

var sensitiveKeyParts = []string{
	"token", "secret", "password", "passwd", "authorization",
	"api_key", "apikey", "bearer", "dsn", "credential",
}

// Redact masks secrets embedded in free text.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, r := range redactRules {
		input = r.re.ReplaceAllString(input, r.repl)
	}
	return input
}

// SensitiveKey reports whether a field or variable named key holds a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// RedactEnvValue returns value, or Redacted when key names a secret.
func RedactEnvValue(key, value string) string {
	if SensitiveKey(key) {
		return Redacted
	}
	return value
}
