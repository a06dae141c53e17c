package filter

import "strings"

// Similarity scores two normalized messages in [0,1]. It is the mean of the positional
// rune-match ratio (over the shorter string) and the token-set overlap ratio (over the
// larger set). Either side empty scores 0.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ra, rb := []rune(a), []rune(b)
	shorter := min(len(ra), len(rb))
	matches := 0
	for i := 0; i < shorter; i++ {
		if ra[i] == rb[i] {
			matches++
		}
	}
	charRatio := float64(matches) / float64(shorter)

	setA, setB := tokenSet(a), tokenSet(b)
	common := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			common++
		}
	}
	larger := max(len(setA), len(setB))
	wordRatio := 0.0
	if larger > 0 {
		wordRatio = float64(common) / float64(larger)
	}

	return (charRatio + wordRatio) / 2
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
