package logging

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys whose values are always safe to print. Anything else passed through
// MaskField is treated as a secret.
var plainKeys = []string{
	"component",
	"endpoint",
	"env",
	"error",
	"message",
	"method",
	"reason",
	"route",
	"service",
	"severity",
	"storage",
	"timestamp",
}

// IsAllowlisted reports whether key may be logged without masking.
func IsAllowlisted(key string) bool {
	_, found := slices.BinarySearch(plainKeys, strings.ToLower(strings.TrimSpace(key)))
	return found
}

// MaskValue hides value. Blank values stay blank so unset secrets remain
// visible as unset.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a string attribute for key, masking value unless the key
// is allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskHeaders masks every header value and keeps the names.
func MaskHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		out[key] = MaskValue(value)
	}
	return out
}

// MaskURL drops credentials and the query string from raw. Webhook receivers
// commonly embed tokens in either.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return RedactedValue
	}
	if u.User != nil {
		u.User = url.User(RedactedValue)
	}
	if u.RawQuery != "" {
		u.RawQuery = ""
		u.ForceQuery = true
	}
	return u.String()
}
