// Package siteid derives URL-safe site identifiers from display names.
package siteid

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/logen-app/logen/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxLength bounds generated site IDs.
const DefaultMaxLength = 30

// Normalize lower-cases name, folds accents, collapses every run of
// characters outside [a-z0-9] into a single '-' and truncates to maxLen.
// Names that normalize to nothing are a validation error.
func Normalize(name string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	id := truncate(b.String(), maxLen)
	if id == "" {
		return "", domain.Validationf("site name %q has no usable characters", strings.TrimSpace(name))
	}
	return id, nil
}

// WithSuffix returns base-n, shortening base so the result fits maxLen.
func WithSuffix(base string, n, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	suffix := "-" + strconv.Itoa(n)
	room := maxLen - len(suffix)
	if room < 1 {
		room = 1
	}
	return truncate(base, room) + suffix
}

// Valid reports whether id is already in normalized form.
func Valid(id string, maxLen int) bool {
	got, err := Normalize(id, maxLen)
	return err == nil && got == id
}

func truncate(id string, maxLen int) string {
	if len(id) > maxLen {
		id = id[:maxLen]
	}
	return strings.Trim(id, "-")
}
