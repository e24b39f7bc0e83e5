package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName trims, collapses inner whitespace and converts a display
// name to NFC so the same name typed on different keyboards compares equal.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// FoldName reduces a name to a search key: case-folded with diacritics
// removed, so "Nguyễn Văn Đức" and "nguyen van duc" match.
func FoldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, NormalizeName(s))
	if err != nil {
		out = NormalizeName(s)
	}
	out = strings.NewReplacer("đ", "d", "Đ", "d").Replace(out)
	// A Caser is stateful, so one per call.
	return cases.Fold().String(out)
}
