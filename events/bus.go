// Package events carries the co-host's typed notifications to presentation layers
// (SSE clients, transcript recorder) without any reverse dependency on them.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arulbarker/streammateseller/filter"
)

// Kind identifies an event.
type Kind string

const (
	CommentDisplayed Kind = "comment_displayed"
	ReplyProduced    Kind = "reply_produced"
	FilterRejected   Kind = "filter_rejected"
	StatsUpdated     Kind = "stats_updated"
	StateChanged     Kind = "state_changed"
)

// Event is a single notification. Fields irrelevant to a Kind are left empty.
type Event struct {
	Kind      Kind          `json:"kind"`
	SessionID string        `json:"session_id,omitempty"`
	Platform  string        `json:"platform,omitempty"`
	Author    string        `json:"author,omitempty"`
	Text      string        `json:"text,omitempty"`
	Reply     string        `json:"reply,omitempty"`
	Reason    filter.Reason `json:"reason,omitempty"`
	Fallback  bool          `json:"fallback,omitempty"`
	State     string        `json:"state,omitempty"`
	Stats     *filter.Stats `json:"stats,omitempty"`
	At        time.Time     `json:"at"`
}

// Publisher is what the core needs to emit events.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose buffer is
// full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				slog.Warn("event subscriber lagging, dropping events", slog.String("kind", string(ev.Kind)), slog.Int64("dropped_total", n))
			}
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
