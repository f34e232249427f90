package redact

import (
	"regexp"
	"strings"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// api_key=... inside URL query strings. Stops at the next parameter.
	apiKeyQueryRe = regexp.MustCompile(`(?i)([?&](?:api[_-]?key|key|token)=)[^&\s"'#]+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|ors[_-]?api[_-]?key)\b\s*[:=]\s*[^\s"'&]+`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = apiKeyQueryRe.ReplaceAllString(out, "${1}<redacted>")
	out = apiKeyKVRe.ReplaceAllStringFunc(out, func(m string) string {
		if strings.HasSuffix(m, "<redacted>") {
			return m
		}
		return "<redacted_kv>"
	})
	return strings.TrimSpace(out)
}

// URL redacts credentials carried in a request URL's query string.
func URL(u string) string {
	return apiKeyQueryRe.ReplaceAllString(u, "${1}<redacted>")
}
