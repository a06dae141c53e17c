package reply

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdMarkers  = strings.NewReplacer("**", "", "__", "", "~~", "", "`", "", "*", "", "#", "")
	repeatPunc = regexp.MustCompile(`([!?.,])[!?.,]+`)
)

// Clean strips emoji and markdown from generated text and collapses whitespace.
func Clean(text string) string {
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdMarkers.Replace(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	text = repeatPunc.ReplaceAllString(b.String(), "$1")
	return strings.Join(strings.Fields(text), " ")
}

func isEmoji(r rune) bool {
	switch {
	case unicode.Is(unicode.So, r), unicode.Is(unicode.Cs, r), unicode.Is(unicode.Co, r):
		return true
	case r == 0x200D, r >= 0xFE00 && r <= 0xFE0F: // joiner, variation selectors
		return true
	case r >= 0x1F000 && r <= 0x1FAFF: // emoji blocks, skin tones
		return true
	}
	return false
}

// Finalize turns raw AI output into the displayed reply: cleaned, addressed to the author,
// and capped at limit runes.
func Finalize(raw, author string, limit int) string {
	text := Clean(raw)
	if text == "" {
		return ""
	}
	if author != "" && !strings.HasPrefix(strings.ToLower(text), strings.ToLower(author)) {
		text = author + " " + text
	}
	return Truncate(text, limit)
}

// Truncate caps text at limit runes. It cuts after the last sentence end within the cap,
// or hard-cuts and appends an ellipsis when there is none.
func Truncate(text string, limit int) string {
	rs := []rune(text)
	if limit <= 3 || len(rs) <= limit {
		return text
	}
	if i := lastIndexAny(rs, limit, ".!?"); i > 0 {
		return strings.TrimSpace(string(rs[:i+1]))
	}
	return strings.TrimSpace(string(rs[:limit-3])) + "..."
}

// TTSVariant shortens text for speech. It searches backward for a break point in priority
// order: sentence end within limit-50, comma within limit-30, space within limit-10, and
// falls back to a hard cut at limit-10.
func TTSVariant(text string, limit int) string {
	rs := []rune(text)
	if len(rs) <= limit || limit <= 50 {
		return text
	}
	if i := lastIndexAny(rs, limit-50, ".!?"); i > 0 {
		return string(rs[:i+1])
	}
	if i := lastIndexAny(rs, limit-30, ","); i > 0 {
		return string(rs[:i]) + "."
	}
	if i := lastIndexAny(rs, limit-10, " "); i > 0 {
		return string(rs[:i])
	}
	return string(rs[:limit-10])
}

// lastIndexAny finds the last rune from set within rs[:limit].
func lastIndexAny(rs []rune, limit int, set string) int {
	limit = min(limit, len(rs))
	for i := limit - 1; i >= 0; i-- {
		if strings.ContainsRune(set, rs[i]) {
			return i
		}
	}
	return -1
}

// EstimateSpeech approximates how long text takes to speak (about 12 characters a second).
func EstimateSpeech(text string) time.Duration {
	n := len([]rune(text))
	return time.Duration(n)*time.Second/12 + time.Second
}
