package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arulbarker/streammateseller/events"
	"github.com/arulbarker/streammateseller/reply"
	"github.com/arulbarker/streammateseller/usage"
)

// FakeGenerator returns canned replies. When Gate is non-nil each call waits for a value
// (or a close) on it before answering.
type FakeGenerator struct {
	Replies []string // consumed in order; the last one repeats
	Err     error
	Gate    chan struct{}

	mu      sync.Mutex
	prompts []string
}

func (g *FakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if g.Gate != nil {
		select {
		case <-g.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.Err != nil {
		return "", g.Err
	}
	if len(g.Replies) == 0 {
		return "", nil
	}
	out := g.Replies[0]
	if len(g.Replies) > 1 {
		g.Replies = g.Replies[1:]
	}
	return out, nil
}

// Calls returns how many prompts reached the generator.
func (g *FakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// FakeSpeaker records spoken text and tracks concurrent playbacks.
type FakeSpeaker struct {
	Err   error
	Delay time.Duration

	mu        sync.Mutex
	spoken    []string
	active    int
	maxActive int
}

func (s *FakeSpeaker) Speak(ctx context.Context, text string, _ reply.Voice) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Err
}

func (s *FakeSpeaker) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// MaxConcurrent is the highest number of overlapping Speak calls seen.
func (s *FakeSpeaker) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Deduction is one call recorded by FakeBiller.
type Deduction struct {
	Component usage.Component
	Credits   float64
	Note      string
}

// FakeBiller records deductions. Exhausted makes Balance report zero.
type FakeBiller struct {
	Err       error
	Exhausted bool

	mu         sync.Mutex
	deductions []Deduction
}

func (b *FakeBiller) Deduct(_ context.Context, component usage.Component, credits float64, note string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.deductions = append(b.deductions, Deduction{Component: component, Credits: credits, Note: note})
	return nil
}

func (b *FakeBiller) Balance(context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Exhausted {
		return 0, nil
	}
	return 1e9, nil
}

func (b *FakeBiller) Deductions() []Deduction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Deduction(nil), b.deductions...)
}

// EventRecorder is an events.Publisher that keeps everything it receives.
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *EventRecorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns the recorded events, optionally limited to the given kinds.
func (r *EventRecorder) Events(kinds ...events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if len(kinds) == 0 {
			out = append(out, ev)
			continue
		}
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// Count returns how many events of kind were recorded.
func (r *EventRecorder) Count(kind events.Kind) int {
	return len(r.Events(kind))
}

// WaitFor fails the test unless n events of kind arrive within timeout.
func (r *EventRecorder) WaitFor(t *testing.T, kind events.Kind, n int, timeout time.Duration) []events.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := r.Events(kind)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s events, got %d", n, kind, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Clock is a settable clock for tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
