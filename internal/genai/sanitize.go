package genai

import (
	"fmt"
	"regexp"
	"strings"
)

// SanitizePolicy selects which characters survive sanitization.
type SanitizePolicy string

const (
	// SanitizeUnicode keeps Unicode letters, marks and digits so accented text survives.
	SanitizeUnicode SanitizePolicy = "unicode"
	// SanitizeASCII keeps only ASCII word characters.
	SanitizeASCII SanitizePolicy = "ascii"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	asciiDisallowed   = regexp.MustCompile(`[^\w\s.,!?-]`)
	unicodeDisallowed = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_\s.,!?-]`)
)

// ParseSanitizePolicy parses a policy name. The empty string selects SanitizeUnicode.
func ParseSanitizePolicy(s string) (SanitizePolicy, error) {
	switch SanitizePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SanitizeUnicode:
		return SanitizeUnicode, nil
	case SanitizeASCII:
		return SanitizeASCII, nil
	default:
		return "", fmt.Errorf("unknown sanitize policy %q", s)
	}
}

// Sanitize removes HTML-like tags and every character outside the policy's
// allowed class, then trims surrounding whitespace. Sanitize is idempotent.
func Sanitize(input string, policy SanitizePolicy) string {
	out := tagPattern.ReplaceAllString(input, "")
	if policy == SanitizeASCII {
		out = asciiDisallowed.ReplaceAllString(out, "")
	} else {
		out = unicodeDisallowed.ReplaceAllString(out, "")
	}
	return strings.TrimSpace(out)
}
