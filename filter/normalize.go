package filter

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// synonyms folds common chat spellings onto one canonical token. Elongated spellings
// ("haloooo", "banggg") are squeezed before lookup, so only irregular forms live here.
var synonyms = map[string]string{
	"haloo":   "halo",
	"haalo":   "halo",
	"hallo":   "halo",
	"helo":    "halo",
	"bro":     "bang",
	"abang":   "bang",
	"abangku": "bang",
	"bangg":   "bang",
	"kodam":   "khodam",
	"kodham":  "khodam",
	"gmn":     "gimana",
	"gmna":    "gimana",
	"udh":     "udah",
	"blm":     "belum",
	"mkn":     "makan",
}

// Normalize returns the canonical form used for duplicate and topic checks:
// NFKC-folded, lowercased, punctuation dropped, runs of 3+ identical runes squeezed,
// synonyms folded per token, whitespace collapsed.
func Normalize(text string) string {
	folded := strings.ToLower(norm.NFKC.String(text))

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for i, tok := range tokens {
		tok = squeeze(tok)
		if canon, ok := synonyms[tok]; ok {
			tok = canon
		}
		tokens[i] = tok
	}
	return strings.Join(tokens, " ")
}

// squeeze collapses any run of three or more identical runes to a single rune.
func squeeze(tok string) string {
	rs := []rune(tok)
	out := make([]rune, 0, len(rs))
	for i := 0; i < len(rs); {
		j := i
		for j < len(rs) && rs[j] == rs[i] {
			j++
		}
		if j-i >= 3 {
			out = append(out, rs[i])
		} else {
			out = append(out, rs[i:j]...)
		}
		i = j
	}
	return string(out)
}

// alnumCount counts letters and digits in s.
func alnumCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
