package extract

import "strings"

// Score rates how well a search hit matches the query keyword, in [0, 1].
// Exact title matches rank highest, then substring containment, then
// author matches, then character overlap. Whitespace is ignored so spaced
// CJK queries still match unspaced titles.
func Score(keyword, title, author string) float64 {
	k := normalizeTerm(keyword)
	if k == "" {
		return 0
	}
	t := normalizeTerm(title)
	a := normalizeTerm(author)

	best := 0.0
	if t != "" {
		switch {
		case t == k:
			best = 1.0
		case strings.Contains(t, k):
			best = 0.9
		case strings.Contains(k, t):
			best = 0.7
		default:
			best = 0.5 * runeOverlap(k, t)
		}
	}
	if a != "" {
		var s float64
		switch {
		case a == k:
			s = 0.8
		case strings.Contains(a, k):
			s = 0.6
		default:
			s = 0.3 * runeOverlap(k, a)
		}
		if s > best {
			best = s
		}
	}
	return best
}

func normalizeTerm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// runeOverlap reports the fraction of distinct keyword runes present in
// candidate.
func runeOverlap(keyword, candidate string) float64 {
	want := make(map[rune]struct{})
	for _, r := range keyword {
		want[r] = struct{}{}
	}
	if len(want) == 0 {
		return 0
	}
	have := make(map[rune]struct{})
	for _, r := range candidate {
		have[r] = struct{}{}
	}
	matched := 0
	for r := range want {
		if _, ok := have[r]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}
