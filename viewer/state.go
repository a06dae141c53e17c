// Package viewer tracks per-author interaction state for one co-host session:
// cooldowns, recent normalized messages, topic stamps and daily counts.
// A Store is owned by the scheduler goroutine and is not safe for concurrent use.
package viewer

import (
	"strings"
	"time"
)

// Status is an informational label derived from yesterday's activity. It never changes ordering.
type Status string

const (
	StatusNew     Status = "new"
	StatusRegular Status = "regular"
	StatusVIP     Status = "vip"
)

const (
	// HistoryLimit bounds the normalized-message history kept per viewer.
	HistoryLimit = 20
	// TopicRetention is how long a topic stamp survives a day rollover.
	TopicRetention = 24 * time.Hour
	// InactivityTTL is how long an idle viewer is kept before pruning.
	InactivityTTL = 7 * 24 * time.Hour

	vipThreshold     = 10
	regularThreshold = 3
)

// ClassifyStatus maps a day's accepted interaction count to a status.
func ClassifyStatus(count int) Status {
	switch {
	case count >= vipThreshold:
		return StatusVIP
	case count >= regularThreshold:
		return StatusRegular
	default:
		return StatusNew
	}
}

// Key normalizes an author name into a store key.
func Key(author string) string {
	return strings.ToLower(strings.TrimSpace(author))
}

// State is one viewer's memory. The zero LastInteraction means "never answered".
type State struct {
	Key             string
	Day             time.Time
	LastInteraction time.Time
	DailyCount      int
	History         []string
	Topics          map[string]time.Time
	Status          Status
}

func newState(key string, now time.Time) *State {
	return &State{
		Key:    key,
		Day:    dayOf(now),
		Topics: make(map[string]time.Time),
		Status: StatusNew,
	}
}

// record applies an accepted interaction.
func (s *State) record(normalized, topic string, now time.Time) {
	s.History = append(s.History, normalized)
	if over := len(s.History) - HistoryLimit; over > 0 {
		s.History = append(s.History[:0], s.History[over:]...)
	}
	s.DailyCount++
	s.LastInteraction = now
	if topic != "" {
		s.Topics[topic] = now
	}
}

// rollover resets daily counters and history when now falls on a later calendar day than s.Day.
// It reports whether a rollover happened.
func (s *State) rollover(now time.Time) bool {
	today := dayOf(now)
	if !today.After(s.Day) {
		return false
	}
	s.Status = ClassifyStatus(s.DailyCount)
	s.DailyCount = 0
	s.History = nil
	for topic, at := range s.Topics {
		if now.Sub(at) > TopicRetention {
			delete(s.Topics, topic)
		}
	}
	s.Day = today
	return true
}

// TopicAnsweredAt returns when topic was last answered for this viewer.
func (s *State) TopicAnsweredAt(topic string) (time.Time, bool) {
	at, ok := s.Topics[topic]
	return at, ok
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
