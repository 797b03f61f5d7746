package logging

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"error":     {},
	"reason":    {},
	"operation": {},
	"action":    {},
	"job":       {},
	"asset":     {},
	"strategy":  {},
	"caller":    {},
	"account":   {},
	"path":      {},
	"status":    {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the sorted keys exempt from redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField redacts value unless key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskDSN keeps the scheme, host and database of a connection string and
// replaces any password with xxxxx. Strings that are not URLs, such as sqlite file DSNs
// with query options, are logged up to the query.
func MaskDSN(key, dsn string) slog.Attr {
	trimmed := strings.TrimSpace(dsn)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		if base, _, found := strings.Cut(trimmed, "?"); found {
			trimmed = base
		}
		return slog.String(key, trimmed)
	}
	parsed.RawQuery = ""
	return slog.String(key, parsed.Redacted())
}
