package indicator

import (
	"strings"
	"unicode/utf8"
)

// Ellipsis is appended to labels cut short by Truncate.
const Ellipsis = "…"

// Match is a single identifier shared by two indicator sets.
type Match struct {
	Category Category
	Value    string
}

// String formats the match as "category: value".
func (m Match) String() string {
	return string(m.Category) + ": " + m.Value
}

// Shared returns the identifiers of a that also appear in b.
//
// Categories are compared independently in the order given by Categories.
// Comparison is exact after lowercasing. A value of a is reported once for
// every matching value of b, so duplicates in b repeat the match. Values are
// reported with a's original casing.
//
// Example:
//
//	a := indicator.Set{Usernames: []string{"Shadow99"}}
//	b := indicator.Set{Usernames: []string{"shadow99"}, Domains: []string{"x.io"}}
//	indicator.Shared(a, b) // [{username Shadow99}]
func Shared(a, b Set) []Match {
	var shared []Match
	for _, c := range Categories {
		listA, listB := a.Values(c), b.Values(c)
		if len(listA) == 0 || len(listB) == 0 {
			continue
		}

		counts := make(map[string]int, len(listB))
		for _, v := range listB {
			counts[strings.ToLower(v)]++
		}
		for _, v := range listA {
			n := counts[strings.ToLower(v)]
			for i := 0; i < n; i++ {
				shared = append(shared, Match{Category: c, Value: v})
			}
		}
	}
	return shared
}

// Overlaps reports whether a and b share at least one identifier.
func Overlaps(a, b Set) bool {
	for _, c := range Categories {
		listB := b.Values(c)
		if len(listB) == 0 {
			continue
		}
		for _, va := range a.Values(c) {
			for _, vb := range listB {
				if strings.EqualFold(va, vb) {
					return true
				}
			}
		}
	}
	return false
}

// FormatLabel renders up to maxItems matches as "category: value" joined by
// ", " and truncates the result to maxLen runes. A non-positive maxItems keeps
// every match; a non-positive maxLen disables truncation.
func FormatLabel(matches []Match, maxItems, maxLen int) string {
	if maxItems > 0 && len(matches) > maxItems {
		matches = matches[:maxItems]
	}
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m.String()
	}
	return Truncate(strings.Join(parts, ", "), maxLen)
}

// Truncate shortens s to at most maxLen runes. Strings longer than maxLen keep
// their first maxLen-3 runes followed by Ellipsis.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	keep := maxLen - 3
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return string(runes[:keep]) + Ellipsis
}
