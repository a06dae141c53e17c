package filter

// Reason names why a comment was rejected.
type Reason string

const (
	ReasonShort          Reason = "short"
	ReasonEmoji          Reason = "emoji"
	ReasonToxic          Reason = "toxic"
	ReasonNumeric        Reason = "numeric"
	ReasonDuplicate      Reason = "duplicate"
	ReasonTopicCooldown  Reason = "topic_cooldown"
	ReasonViewerCooldown Reason = "viewer_cooldown"
	ReasonDailyLimit     Reason = "daily_limit"
	ReasonQueueFull      Reason = "queue_full"
)

// Stats counts rejections per reason. The scheduler owns the live value and hands out copies.
type Stats struct {
	Short          int `json:"short"`
	Emoji          int `json:"emoji"`
	Toxic          int `json:"toxic"`
	Numeric        int `json:"numeric"`
	Duplicate      int `json:"duplicate"`
	TopicCooldown  int `json:"topic_cooldown"`
	ViewerCooldown int `json:"viewer_cooldown"`
	DailyLimit     int `json:"daily_limit"`
	QueueFull      int `json:"queue_full"`
}

// Inc bumps the counter for r. Unknown reasons are ignored.
func (s *Stats) Inc(r Reason) {
	switch r {
	case ReasonShort:
		s.Short++
	case ReasonEmoji:
		s.Emoji++
	case ReasonToxic:
		s.Toxic++
	case ReasonNumeric:
		s.Numeric++
	case ReasonDuplicate:
		s.Duplicate++
	case ReasonTopicCooldown:
		s.TopicCooldown++
	case ReasonViewerCooldown:
		s.ViewerCooldown++
	case ReasonDailyLimit:
		s.DailyLimit++
	case ReasonQueueFull:
		s.QueueFull++
	}
}

// Spam groups the repetition-driven rejections (duplicates, cooldowns, daily cap).
func (s Stats) Spam() int {
	return s.Duplicate + s.TopicCooldown + s.ViewerCooldown + s.DailyLimit
}

// Total is the number of rejected comments.
func (s Stats) Total() int {
	return s.Short + s.Emoji + s.Toxic + s.Numeric + s.Spam() + s.QueueFull
}
