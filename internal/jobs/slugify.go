// SPDX-License-Identifier: MIT

package jobs

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify folds a display name into a lowercase ascii slug with single
// dashes between words. Diacritics are stripped, everything else non
// alphanumeric becomes a separator.
func Slugify(s string) string {
	if folded, _, err := transform.String(deaccent, s); err == nil {
		s = folded
	}

	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// SourceLabel derives the output filename prefix from an "owner/repo"
// upstream path. The label is the first dash-separated token of every
// output name, so dashes are squeezed out entirely.
func SourceLabel(repo string) string {
	if _, name, ok := strings.Cut(repo, "/"); ok {
		repo = name
	}
	// "mihomo_yamls" and friends label their outputs by the first word.
	slug := Slugify(repo)
	if head, _, ok := strings.Cut(slug, "-"); ok && head != "" {
		return head
	}
	return slug
}
