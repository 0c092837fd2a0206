package middleware

import (
	"net/http"
	"strings"

	"github.com/Wikid82/sigforge/internal/util"
)

const maxLoggedValue = 200

// secretHeaders never reach the logs. X-Feed-Auth-Key carries the
// subscription key of commercial rule feeds.
var secretHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-forwarded-for":     true,
	"x-feed-auth-key":     true,
}

// SanitizeHeaders returns a loggable copy of h with secrets redacted.
func SanitizeHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		if secretHeaders[strings.ToLower(k)] {
			out[k] = []string{"<redacted>"}
			continue
		}
		clean := make([]string, len(vals))
		for i, v := range vals {
			clean[i] = truncate(util.SanitizeForLog(v), maxLoggedValue)
		}
		out[k] = clean
	}
	return out
}

// SanitizePath strips the query, which may hold a feed key, and control characters.
func SanitizePath(p string) string {
	p, _, _ = strings.Cut(p, "?")
	return truncate(util.SanitizeForLog(p), maxLoggedValue)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
