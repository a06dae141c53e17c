package chat

import (
	"context"
	"time"
)

// Comment is one chat message normalized across platforms.
type Comment struct {
	ID         string    // platform-native message ID (or generated)
	Platform   string    // "twitch" | "youtube"
	Author     string    // display name
	Text       string
	SentAt     time.Time // platform timestamp, zero when the platform omits it
	ReceivedAt time.Time // when the source saw the message
}

// Emit hands a comment to the consumer. It must not block.
type Emit func(Comment)

// Source is a platform chat listener. Run blocks until ctx is cancelled or the
// connection fails permanently.
type Source interface {
	Name() string
	Run(ctx context.Context, streamID string, emit Emit) error
	// ResetForNewSession forgets backlog and dedup state.
	ResetForNewSession()
}
