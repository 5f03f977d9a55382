package util

import "strings"

// SanitizePostgresText drops invalid UTF-8 and NUL bytes, both of which
// PostgreSQL text columns reject.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// SanitizePostgresTexts applies SanitizePostgresText to every value. A nil
// slice becomes an empty one so array columns never receive NULL.
func SanitizePostgresTexts(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = SanitizePostgresText(v)
	}
	return out
}
