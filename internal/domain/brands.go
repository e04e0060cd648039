package domain

import (
	"strings"
	"unicode"
)

// brandAliases maps lowercase spellings customers use to canonical brand
// names. Short aliases only match whole words.
var brandAliases = []struct {
	alias string
	brand string
}{
	{"patek philippe", "Patek Philippe"},
	{"patek", "Patek Philippe"},
	{"audemars piguet", "Audemars Piguet"},
	{"audemars", "Audemars Piguet"},
	{"ap", "Audemars Piguet"},
	{"vacheron constantin", "Vacheron Constantin"},
	{"vacheron", "Vacheron Constantin"},
	{"tag heuer", "TAG Heuer"},
	{"tag", "TAG Heuer"},
	{"jaeger-lecoultre", "Jaeger-LeCoultre"},
	{"jaeger", "Jaeger-LeCoultre"},
	{"bell & ross", "Bell & Ross"},
	{"richard mille", "Richard Mille"},
	{"rolex", "Rolex"},
	{"omega", "Omega"},
	{"cartier", "Cartier"},
	{"iwc", "IWC"},
	{"breitling", "Breitling"},
	{"panerai", "Panerai"},
	{"hublot", "Hublot"},
	{"tudor", "Tudor"},
	{"longines", "Longines"},
	{"zenith", "Zenith"},
	{"chopard", "Chopard"},
}

// DetectBrands returns the watch brands mentioned in text without
// duplicates.
func DetectBrands(text string) []string {
	words := strings.Fields(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&' || r == '-' {
			return unicode.ToLower(r)
		}
		return ' '
	}, text))
	padded := " " + strings.Join(words, " ") + " "

	seen := map[string]bool{}
	var out []string
	for _, a := range brandAliases {
		if seen[a.brand] || !strings.Contains(padded, " "+a.alias+" ") {
			continue
		}
		seen[a.brand] = true
		out = append(out, a.brand)
	}
	return out
}
