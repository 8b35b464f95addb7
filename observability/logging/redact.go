package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys whose values never reach the log verbatim. Matching is by substring so
// "admin_token" and "Authorization" are both caught.
var sensitiveFragments = []string{
	"passphrase",
	"password",
	"secret",
	"token_secret",
	"authorization",
	"private_key",
	"dsn",
}

func isSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskValue returns the redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns an attribute whose value is redacted when key names a
// secret. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !isSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
