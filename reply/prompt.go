package reply

import (
	"fmt"
	"strings"
)

// Intent is a coarse classification of what the viewer is asking about.
type Intent string

const (
	IntentGreeting    Intent = "greeting"
	IntentEating      Intent = "eating"
	IntentBuildAdvice Intent = "build_advice"
	IntentGameplay    Intent = "gameplay"
	IntentGeneral     Intent = "general"
)

var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentGreeting, []string{"kabar", "gimana", "halo", "hai"}},
	{IntentEating, []string{"makan"}},
	{IntentBuildAdvice, []string{"build", "item", "gear"}},
	{IntentGameplay, []string{"main", "game", "rank"}},
}

// DetectIntent buckets a message by keyword; the first matching bucket wins.
func DetectIntent(message string) Intent {
	lower := strings.ToLower(message)
	for _, group := range intentKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.intent
			}
		}
	}
	return IntentGeneral
}

// PromptInput is everything the prompt template needs.
type PromptInput struct {
	Author        string
	Message       string
	Platform      string
	CustomContext string
	CohostName    string
	Language      string
	MaxSentences  int
}

var intentHintsID = map[Intent]string{
	IntentGreeting:    "Penonton menyapa atau menanyakan kabar. Balas dengan hangat dan singkat.",
	IntentEating:      "Penonton bertanya soal makan. Jawab santai dan bercanda ringan.",
	IntentBuildAdvice: "Penonton minta saran build, item, atau gear. Beri satu saran konkret.",
	IntentGameplay:    "Penonton membahas permainan atau rank. Tanggapi dengan semangat.",
	IntentGeneral:     "Jawab pertanyaan penonton dengan ramah dan relevan.",
}

var intentHintsEN = map[Intent]string{
	IntentGreeting:    "The viewer is greeting you or asking how you are. Reply warmly and briefly.",
	IntentEating:      "The viewer is asking about food. Keep it casual with a light joke.",
	IntentBuildAdvice: "The viewer wants build, item or gear advice. Give one concrete suggestion.",
	IntentGameplay:    "The viewer is talking about the game or rank. Respond with energy.",
	IntentGeneral:     "Answer the viewer's question in a friendly, relevant way.",
}

func platformContext(platform string, english bool) string {
	name := platform
	switch strings.ToLower(platform) {
	case "twitch":
		name = "Twitch"
	case "youtube":
		name = "YouTube"
	case "tiktok":
		name = "TikTok"
	case "":
		name = "live streaming"
	}
	if english {
		return fmt.Sprintf("You are co-hosting a live stream on %s.", name)
	}
	return fmt.Sprintf("Kamu sedang menemani siaran langsung di %s.", name)
}

// BuildPrompt renders the generation prompt for one viewer comment.
func BuildPrompt(in PromptInput) string {
	english := in.Language == "English"
	intent := DetectIntent(in.Message)
	sentences := max(in.MaxSentences, 1)

	var b strings.Builder
	b.WriteString(platformContext(in.Platform, english))
	b.WriteString("\n")
	if english {
		if in.CohostName != "" {
			fmt.Fprintf(&b, "Your name is %s, the streamer's AI co-host.\n", in.CohostName)
		}
		if in.CustomContext != "" {
			fmt.Fprintf(&b, "Stream context: %s\n", in.CustomContext)
		}
		b.WriteString(intentHintsEN[intent])
		b.WriteString("\n")
		fmt.Fprintf(&b, "Viewer %s says: %q\n", in.Author, in.Message)
		fmt.Fprintf(&b, "Rules: reply in English, at most %d sentences, start with the name %s, no emoji, no markdown.", sentences, in.Author)
		return b.String()
	}
	if in.CohostName != "" {
		fmt.Fprintf(&b, "Namamu %s, co-host AI milik streamer.\n", in.CohostName)
	}
	if in.CustomContext != "" {
		fmt.Fprintf(&b, "Konteks siaran: %s\n", in.CustomContext)
	}
	b.WriteString(intentHintsID[intent])
	b.WriteString("\n")
	fmt.Fprintf(&b, "Penonton %s berkata: %q\n", in.Author, in.Message)
	fmt.Fprintf(&b, "Aturan: jawab dalam bahasa Indonesia santai, maksimal %d kalimat, awali dengan nama %s, tanpa emoji, tanpa markdown.", sentences, in.Author)
	return b.String()
}
