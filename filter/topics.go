package filter

import "strings"

// Topic names used for topic cooldowns.
const (
	TopicGreeting = "greeting"
	TopicIdentity = "identity_check"
	TopicEating   = "eating"
	TopicQuestion = "question"
)

type topicGroup struct {
	name     string
	keywords []string
}

// topicGroups are checked in order; the first group with a matching keyword wins.
// Keywords match whole tokens (or whole token sequences) of the normalized text.
var topicGroups = []topicGroup{
	{TopicGreeting, []string{"halo", "hai", "hello", "selamat", "salam", "assalamualaikum"}},
	{TopicIdentity, []string{"khodam", "cek", "hewan apa"}},
	{TopicEating, []string{"makan", "udah makan", "belum makan", "lapar"}},
	{TopicQuestion, []string{"tanya", "nanya", "mau tanya", "boleh tanya", "bisa tanya"}},
}

// DetectTopic returns the topic of a normalized message, or "" when none matches.
func DetectTopic(normalized string) string {
	padded := " " + normalized + " "
	for _, g := range topicGroups {
		for _, kw := range g.keywords {
			if strings.Contains(padded, " "+kw+" ") {
				return g.name
			}
		}
	}
	return ""
}
