// Package filter decides whether a triggered comment may be answered. Evaluate is a pure
// function of the comment text, the author's viewer.State and the clock; committing an
// accepted decision is the caller's job (viewer.Store.Record).
package filter

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/arulbarker/streammateseller/viewer"
)

const (
	minLength         = 5
	minAlnum          = 2
	maxNumericRepeats = 2
)

// Config holds the tunable filter settings.
type Config struct {
	ToxicWords           []string
	ViewerCooldown       time.Duration
	TopicCooldown        time.Duration
	TopicCooldownEnabled bool
	DailyLimit           int
	SimilarityThreshold  float64
}

// Decision is the outcome of Evaluate. Normalized and Topic are set whenever evaluation
// reached the normalization step.
type Decision struct {
	Accept     bool
	Reason     Reason
	Normalized string
	Topic      string
}

func reject(r Reason, normalized, topic string) Decision {
	return Decision{Reason: r, Normalized: normalized, Topic: topic}
}

type Pipeline struct {
	cfg   Config
	toxic []string
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.75
	}
	toxic := make([]string, 0, len(cfg.ToxicWords))
	for _, w := range cfg.ToxicWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			toxic = append(toxic, w)
		}
	}
	return &Pipeline{cfg: cfg, toxic: toxic}
}

// Evaluate runs the checks in order and stops at the first rejection.
func (p *Pipeline) Evaluate(text string, st *viewer.State, now time.Time) Decision {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < minLength {
		return reject(ReasonShort, "", "")
	}
	normalized := Normalize(trimmed)
	// Squeezing can shrink "aaaaa" to "a", so both forms must carry content.
	if alnumCount(trimmed) < minAlnum || alnumCount(normalized) < minAlnum {
		return reject(ReasonEmoji, "", "")
	}
	if p.isToxic(trimmed) {
		return reject(ReasonToxic, "", "")
	}
	if isNumericSpam(trimmed) {
		return reject(ReasonNumeric, "", "")
	}

	topic := DetectTopic(normalized)

	for _, prev := range st.History {
		if prev == normalized || Similarity(normalized, prev) >= p.cfg.SimilarityThreshold {
			return reject(ReasonDuplicate, normalized, topic)
		}
	}

	if p.cfg.TopicCooldownEnabled && topic != "" {
		if at, ok := st.TopicAnsweredAt(topic); ok && now.Sub(at) < p.cfg.TopicCooldown {
			return reject(ReasonTopicCooldown, normalized, topic)
		}
	}

	if !st.LastInteraction.IsZero() && now.Sub(st.LastInteraction) < p.cfg.ViewerCooldown {
		return reject(ReasonViewerCooldown, normalized, topic)
	}

	if st.DailyCount >= p.cfg.DailyLimit {
		return reject(ReasonDailyLimit, normalized, topic)
	}

	return Decision{Accept: true, Normalized: normalized, Topic: topic}
}

func (p *Pipeline) isToxic(text string) bool {
	lower := strings.ToLower(norm.NFKC.String(text))
	for _, w := range p.toxic {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// isNumericSpam matches digit-only messages where one token appears more than twice ("7 7 7").
func isNumericSpam(text string) bool {
	tokens := strings.Fields(text)
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		for _, r := range tok {
			if !unicode.IsDigit(r) {
				return false
			}
		}
		counts[tok]++
	}
	for _, n := range counts {
		if n > maxNumericRepeats {
			return true
		}
	}
	return false
}
