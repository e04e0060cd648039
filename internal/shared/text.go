package shared

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips diacritics so "Relatório" matches "relatorio".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// ContainsAny reports whether the folded text contains any folded keyword.
func ContainsAny(text string, keywords ...string) bool {
	folded := Fold(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(folded, Fold(k)) {
			return true
		}
	}
	return false
}

// EqualsAny reports whether the folded text equals any folded word.
func EqualsAny(text string, words ...string) bool {
	folded := Fold(text)
	for _, w := range words {
		if folded == Fold(w) {
			return true
		}
	}
	return false
}

// Digits keeps only ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}
