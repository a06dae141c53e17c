package chat

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBacklogSkip is how long after connecting messages are treated as replayed history.
	DefaultBacklogSkip = 3 * time.Second
	// TwitchBacklogSkip is longer since IRC replays on every reconnect.
	TwitchBacklogSkip = 5 * time.Second

	maxBacklogAge  = 5 * time.Minute
	dedupLimit     = 1000
	dedupKeep      = 500
	floodPerSecond = 20
	floodSeconds   = 5
)

// BacklogGuard drops replayed and duplicated messages. It is safe for concurrent use.
type BacklogGuard struct {
	name string
	skip time.Duration
	now  func() time.Time

	mu          sync.Mutex
	connectedAt time.Time
	seen        map[string]struct{}
	order       []string

	second     int64
	perSecond  int
	floodStart int
}

func NewBacklogGuard(name string, skip time.Duration) *BacklogGuard {
	return &BacklogGuard{
		name: name,
		skip: skip,
		now:  time.Now,
		seen: make(map[string]struct{}),
	}
}

// Connected marks the start of a connection; the skip window starts now.
func (g *BacklogGuard) Connected() {
	g.mu.Lock()
	g.connectedAt = g.now()
	g.mu.Unlock()
}

// Reset forgets the connection time and every remembered message.
func (g *BacklogGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectedAt = time.Time{}
	g.seen = make(map[string]struct{})
	g.order = nil
	g.second, g.perSecond, g.floodStart = 0, 0, 0
}

// Admit reports whether c is live and not yet seen.
func (g *BacklogGuard) Admit(c Comment) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.connectedAt.IsZero() {
		g.connectedAt = now
	}
	g.trackRate(now)

	if now.Sub(g.connectedAt) < g.skip {
		slog.Debug("chat: skipping backlog message", slog.String("source", g.name), slog.String("author", c.Author))
		return false
	}
	if !c.SentAt.IsZero() && g.connectedAt.Sub(c.SentAt) > maxBacklogAge {
		slog.Debug("chat: skipping stale message", slog.String("source", g.name), slog.Time("sent_at", c.SentAt))
		return false
	}

	at := c.SentAt
	if at.IsZero() {
		at = now
	}
	key := strings.ToLower(c.Author) + "\x00" + c.Text + "\x00" + at.UTC().Truncate(time.Minute).Format(time.RFC3339)
	if _, dup := g.seen[key]; dup {
		return false
	}
	g.seen[key] = struct{}{}
	g.order = append(g.order, key)
	if len(g.order) > dedupLimit {
		drop := g.order[:len(g.order)-dedupKeep]
		for _, k := range drop {
			delete(g.seen, k)
		}
		g.order = append([]string(nil), g.order[len(g.order)-dedupKeep:]...)
	}
	return true
}

// trackRate warns once per flood when more than floodPerSecond messages arrive in each
// of floodSeconds consecutive seconds.
func (g *BacklogGuard) trackRate(now time.Time) {
	sec := now.Unix()
	if sec != g.second {
		switch {
		case g.perSecond <= floodPerSecond || sec != g.second+1:
			g.floodStart = 0
		default:
			g.floodStart++
			if g.floodStart == floodSeconds {
				slog.Warn("chat: message flood detected",
					slog.String("source", g.name),
					slog.Int("per_second", g.perSecond),
					slog.Int("seconds", floodSeconds))
			}
		}
		g.second = sec
		g.perSecond = 0
	}
	g.perSecond++
}
