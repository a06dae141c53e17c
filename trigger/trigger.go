// Package trigger decides whether a chat comment addresses the co-host.
package trigger

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// MaxWords is the number of trigger words a session may configure.
const MaxWords = 3

const (
	maxFuzzyDistance = 2
	minFuzzyLen      = 3
)

// Limit trims, lowercases and dedupes words, dropping empties and anything past MaxWords.
func Limit(words []string) []string {
	out := make([]string, 0, MaxWords)
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if len(out) == MaxWords {
			break
		}
		out = append(out, w)
	}
	return out
}

// HasTrigger reports whether any word appears in text as a substring, a token prefix or
// token substring, or within edit distance 2 of a token of at least 3 runes. An empty word
// list never matches.
func HasTrigger(text string, words []string) bool {
	_, ok := match(text, words)
	return ok
}

func match(text string, words []string) (string, bool) {
	if len(words) == 0 {
		return "", false
	}
	lower := strings.ToLower(text)
	tokens := tokenize(lower)

	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if strings.Contains(lower, w) {
			return w, true
		}
		for _, tok := range tokens {
			if strings.HasPrefix(tok, w) || strings.Contains(tok, w) {
				return w, true
			}
		}
	}

	// Fuzzy pass only after every exact rule failed for every word.
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if utf8.RuneCountInString(w) < minFuzzyLen {
			continue
		}
		for _, tok := range tokens {
			if utf8.RuneCountInString(tok) < minFuzzyLen {
				continue
			}
			if levenshtein.ComputeDistance(tok, w) <= maxFuzzyDistance {
				return w, true
			}
		}
	}
	return "", false
}

// tokenize splits on whitespace and strips surrounding punctuation ("bang," -> "bang").
func tokenize(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Matcher holds a session's trigger words.
type Matcher struct {
	words []string
}

// NewMatcher builds a matcher from the configured list. When the list is empty the legacy
// single trigger word, if any, is used instead.
func NewMatcher(words []string, legacy string) *Matcher {
	limited := Limit(words)
	if len(limited) == 0 {
		limited = Limit([]string{legacy})
	}
	return &Matcher{words: limited}
}

// Words returns a copy of the active trigger words.
func (m *Matcher) Words() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.words...)
}

// Empty reports whether the matcher can never match.
func (m *Matcher) Empty() bool { return m == nil || len(m.words) == 0 }

// Match returns the trigger word that matched text.
func (m *Matcher) Match(text string) (string, bool) {
	if m == nil {
		return "", false
	}
	return match(text, m.words)
}
