// Package keys builds the Redis keys used by the snapshot and credential stores.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "locals"

// Snapshot is the key holding the last good locations fetch for an API base URL.
func Snapshot(apiBase string) string {
	norm := normalizeBase(apiBase)
	return fmt.Sprintf("%s:snapshot:%s:h=%016x", prefix, sanitizeForKey(hostPart(norm)), xxhash.Sum64String(norm))
}

// Credential is the key holding the bearer credential of a session. The raw
// session id never appears in the key.
func Credential(sessionID string) string {
	id := strings.TrimSpace(sessionID)
	return fmt.Sprintf("%s:cred:%016x", prefix, xxhash.Sum64String(id))
}

func normalizeBase(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "/")
	return strings.ToLower(s)
}

func hostPart(s string) string {
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	const maxHostLen = 64
	if len(s) > maxHostLen {
		s = s[:maxHostLen]
	}
	return s
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '.' || r == '_' || r == '-':
			out = r
		default:
			// any other rune (including non-ASCII and ':') becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
