package shadow

import (
	"strings"

	"github.com/google/uuid"
)

// maxNameLength is the DNS-1123 label bound every shadow id and namespace
// must respect (spec.md §4.4).
const maxNameLength = 63

// SanitizeName rewrites raw into a DNS-1123 compliant label (spec.md §4.4,
// testable property 4): any character outside [a-z0-9-] becomes a hyphen,
// leading/trailing hyphens are stripped, consecutive hyphens collapse to
// one, and the result is lowercased and truncated at 63 characters.
func SanitizeName(raw string) string {
	lower := strings.ToLower(raw)

	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}

	collapsed := collapseHyphens(b.String())
	trimmed := strings.Trim(collapsed, "-")

	if len(trimmed) > maxNameLength {
		trimmed = strings.Trim(trimmed[:maxNameLength], "-")
	}
	return trimmed
}

func collapseHyphens(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevHyphen := false
	for _, r := range s {
		if r == '-' {
			if prevHyphen {
				continue
			}
			prevHyphen = true
		} else {
			prevHyphen = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NewShadowID generates a sanitized, DNS-1123 compliant shadow environment
// id derived from a fresh UUID (spec.md §4.4 step 1).
func NewShadowID() string {
	return SanitizeName(uuid.NewString())
}
