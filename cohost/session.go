// Package cohost wires chat sources to the scheduler and exposes the session
// lifecycle: Start, Stop, ResetForNewSession and Status.
package cohost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/arulbarker/streammateseller/chat"
	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/scheduler"
	"github.com/arulbarker/streammateseller/trigger"
	"github.com/arulbarker/streammateseller/usage"
	"github.com/arulbarker/streammateseller/youtubeapi"
)

var _ Scheduler = (*scheduler.Scheduler)(nil)

// ErrNotRunning is returned by Start before Run has been called or after it returned.
var ErrNotRunning = errors.New("cohost: session loop not running")

// SweepSchedule is when inactive viewers are pruned (daily at 00:05).
const SweepSchedule = "5 0 * * *"

// Target is one stream to listen to: a Twitch channel or a YouTube video ID.
type Target struct {
	Platform string `json:"platform"`
	StreamID string `json:"stream_id"`
}

// PlatformConfig selects the streams of a session. TriggerWords overrides the configured
// list when non-empty.
type PlatformConfig struct {
	Targets      []Target `json:"targets"`
	TriggerWords []string `json:"trigger_words,omitempty"`
}

// Scheduler is the part of scheduler.Scheduler the session drives.
type Scheduler interface {
	Run(ctx context.Context) error
	Submit(c chat.Comment) bool
	Resume(ctx context.Context, sessionID string, matcher *trigger.Matcher) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Sweep(ctx context.Context) (int, error)
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
}

// UsageTotals reports and clears the session's billed credits.
type UsageTotals interface {
	Totals() usage.Totals
	ResetTotals()
}

type Deps struct {
	Scheduler Scheduler
	Sources   []chat.Source
	Usage     UsageTotals
	// TriggerWords and LegacyTrigger are the defaults for Start.
	TriggerWords  []string
	LegacyTrigger string
	// Location is the time zone of the daily sweep. Defaults to time.Local.
	Location *time.Location
	// ReconnectDelay is the first wait before restarting a failed source (default 1s).
	ReconnectDelay time.Duration
	NewID          func() string
	Now            func() time.Time
}

// SourceStatus describes one running source.
type SourceStatus struct {
	StreamID  string `json:"stream_id"`
	Running   bool   `json:"running"`
	LastError string `json:"last_error,omitempty"`
	Restarts  int    `json:"restarts"`
}

type Status struct {
	SessionID string                  `json:"session_id"`
	Running   bool                    `json:"running"`
	StartedAt *time.Time              `json:"started_at,omitempty"`
	Targets   []Target                `json:"targets"`
	Sources   map[string]SourceStatus `json:"sources"`
	Scheduler scheduler.Snapshot      `json:"scheduler"`
	Usage     usage.Totals            `json:"usage"`
}

type Session struct {
	deps    Deps
	sources map[string]chat.Source
	log     *slog.Logger

	mu        sync.Mutex
	runCtx    context.Context
	id        string
	targets   []Target
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	status    map[string]*SourceStatus
}

func New(deps Deps) *Session {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.ReconnectDelay <= 0 {
		deps.ReconnectDelay = time.Second
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	sources := make(map[string]chat.Source, len(deps.Sources))
	for _, src := range deps.Sources {
		sources[src.Name()] = src
	}
	return &Session{
		deps:    deps,
		sources: sources,
		log:     slog.Default().With(slog.String("component", "cohost")),
		status:  make(map[string]*SourceStatus),
	}
}

// Platforms lists the configured source names.
func (s *Session) Platforms() []string {
	out := make([]string, 0, len(s.sources))
	for name := range s.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run drives the scheduler and the daily viewer sweep until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	c := cron.New(cron.WithLocation(s.deps.Location))
	if _, err := c.AddFunc(SweepSchedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	err := s.deps.Scheduler.Run(ctx)

	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()
	s.stopSources()
	return err
}

func (s *Session) sweep(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	n, err := s.deps.Scheduler.Sweep(sctx)
	if err != nil {
		s.log.Warn("viewer sweep failed", slog.Any("err", err))
		return
	}
	s.log.Info("viewer sweep complete", slog.Int("pruned", n))
}

// ValidateTarget checks a target's stream ID for its platform.
func ValidateTarget(t Target) error {
	switch t.Platform {
	case "twitch":
		if chat.NormalizeChannel(t.StreamID) == "" {
			return errs.Configuration("twitch channel is empty")
		}
	case "youtube":
		if !youtubeapi.ValidVideoID(strings.TrimSpace(t.StreamID)) {
			return errs.Configuration("youtube video id must be 11 characters, got %q", t.StreamID)
		}
	default:
		return errs.Configuration("unknown platform %q", t.Platform)
	}
	return nil
}

// Start validates cfg and begins a session. A running session is stopped first.
// Only configuration problems and a missing Run loop are reported.
func (s *Session) Start(ctx context.Context, cfg PlatformConfig) error {
	if len(cfg.Targets) == 0 {
		return errs.Configuration("no stream target given")
	}
	seen := make(map[string]bool)
	for i, t := range cfg.Targets {
		t.Platform = strings.ToLower(strings.TrimSpace(t.Platform))
		t.StreamID = strings.TrimSpace(t.StreamID)
		cfg.Targets[i] = t
		if err := ValidateTarget(t); err != nil {
			return err
		}
		if _, ok := s.sources[t.Platform]; !ok {
			return errs.Configuration("platform %q is not configured", t.Platform)
		}
		if seen[t.Platform] {
			return errs.Configuration("platform %q listed twice", t.Platform)
		}
		seen[t.Platform] = true
	}
	words := cfg.TriggerWords
	if len(words) == 0 {
		words = s.deps.TriggerWords
	}
	matcher := trigger.NewMatcher(words, s.deps.LegacyTrigger)
	if matcher.Empty() {
		return errs.Configuration("at least one trigger word is required")
	}

	if !s.looping() {
		return ErrNotRunning
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return ErrNotRunning
	}
	id := s.deps.NewID()
	if err := s.deps.Scheduler.Resume(ctx, id, matcher); err != nil {
		if errors.Is(err, scheduler.ErrNotRunning) {
			return ErrNotRunning
		}
		return err
	}

	srcCtx, cancel := context.WithCancel(s.runCtx)
	g, gctx := errgroup.WithContext(srcCtx)
	s.id = id
	s.targets = append([]Target(nil), cfg.Targets...)
	s.startedAt = s.deps.Now()
	s.cancel = cancel
	s.status = make(map[string]*SourceStatus, len(cfg.Targets))
	done := make(chan struct{})
	s.done = done

	for _, t := range cfg.Targets {
		src := s.sources[t.Platform]
		st := &SourceStatus{StreamID: t.StreamID, Running: true}
		s.status[t.Platform] = st
		g.Go(func() error {
			s.runSource(gctx, src, t.StreamID, st)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(done)
	}()

	s.log.Info("session started", slog.String("session_id", id), slog.Any("targets", cfg.Targets), slog.Any("triggers", matcher.Words()))
	return nil
}

// runSource keeps src running, reconnecting with backoff, until ctx ends or the stream
// finishes.
func (s *Session) runSource(ctx context.Context, src chat.Source, streamID string, st *SourceStatus) {
	log := s.log.With(slog.String("source", src.Name()))
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.deps.ReconnectDelay
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	defer func() {
		s.mu.Lock()
		st.Running = false
		s.mu.Unlock()
	}()

	for {
		started := time.Now()
		err := src.Run(ctx, streamID, func(c chat.Comment) { s.deps.Scheduler.Submit(c) })
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("stream ended")
			return
		}
		if errors.Is(err, errs.ErrInputValidation) {
			log.Error("source rejected stream id", slog.Any("err", err))
			s.setSourceError(st, err, false)
			return
		}
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		s.setSourceError(st, err, true)
		log.Warn("source stopped, reconnecting", slog.Duration("retry_in", wait), slog.Any("err", err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Session) setSourceError(st *SourceStatus, err error, restart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.LastError = err.Error()
	if restart {
		st.Restarts++
	}
}

// looping reports whether Run is active. Scheduler commands block until Run starts.
func (s *Session) looping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx != nil
}

func (s *Session) stopSources() (done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	done, s.done = s.done, nil
	return done
}

// Stop ends the session: sources disconnect, the queue is cleared and new comments are
// ignored. Calling it again is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	if done := s.stopSources(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.log.Info("session stopped", slog.String("session_id", s.SessionID()))
	}
	if !s.looping() {
		return nil
	}
	if err := s.deps.Scheduler.Stop(ctx); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		return err
	}
	return nil
}

// ResetForNewSession clears viewer state, filter stats, source dedup state and usage
// totals. A running session keeps running.
func (s *Session) ResetForNewSession(ctx context.Context) error {
	if s.looping() {
		if err := s.deps.Scheduler.Reset(ctx); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			return err
		}
	}
	for _, src := range s.sources {
		src.ResetForNewSession()
	}
	if s.deps.Usage != nil {
		s.deps.Usage.ResetTotals()
	}
	s.log.Info("session state reset")
	return nil
}

// SessionID is the current or most recent session ID.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Status(ctx context.Context) (Status, error) {
	if !s.looping() {
		return Status{}, ErrNotRunning
	}
	snap, err := s.deps.Scheduler.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	st := Status{
		SessionID: s.id,
		Running:   s.done != nil,
		Targets:   append([]Target(nil), s.targets...),
		Sources:   make(map[string]SourceStatus, len(s.status)),
		Scheduler: snap,
	}
	if !s.startedAt.IsZero() {
		at := s.startedAt
		st.StartedAt = &at
	}
	for name, ss := range s.status {
		st.Sources[name] = *ss
	}
	s.mu.Unlock()
	if s.deps.Usage != nil {
		st.Usage = s.deps.Usage.Totals()
	}
	return st, nil
}
