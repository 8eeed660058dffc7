package analysis

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Normalization regexes compiled once at package init.
var (
	reTrailingSpace = regexp.MustCompile(`[ \t]+\n`)
	reBlankLines    = regexp.MustCompile(`\n{3,}`)
	reInlineSpace   = regexp.MustCompile(`[ \t\f\v]+`)
)

// NormalizeText collapses runs of spaces and tabs, strips trailing spaces, limits
// blank lines to one and normalizes line endings. Line structure is kept since
// findings are often tabular.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = reInlineSpace.ReplaceAllString(s, " ")
	s = reTrailingSpace.ReplaceAllString(s, "\n")
	s = reBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Fingerprint computes a stable SHA-256 hex digest of s.
func Fingerprint(s string) string {
	hash := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", hash)
}

// TruncateString truncates s to maxBytes without splitting UTF-8 runes.
func TruncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
