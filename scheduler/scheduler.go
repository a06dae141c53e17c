// Package scheduler owns the co-host's batch queue. A single goroutine (Run) applies
// triggers and filters, commits viewer state, and feeds one reply job at a time to the
// reply pipeline, pausing between batches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/arulbarker/streammateseller/chat"
	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/events"
	"github.com/arulbarker/streammateseller/filter"
	"github.com/arulbarker/streammateseller/reply"
	"github.com/arulbarker/streammateseller/telemetry"
	"github.com/arulbarker/streammateseller/trigger"
	"github.com/arulbarker/streammateseller/usage"
	"github.com/arulbarker/streammateseller/viewer"
)

// ErrNotRunning is returned by commands when Run has not started or has returned.
var ErrNotRunning = errors.New("scheduler not running")

// State is the batch state machine position.
type State int

const (
	Idle State = iota
	Batching
	Cooldown
)

func (s State) String() string {
	switch s {
	case Batching:
		return "batching"
	case Cooldown:
		return "cooldown"
	default:
		return "idle"
	}
}

// Replier produces and speaks one reply. *reply.Pipeline implements it.
type Replier interface {
	Produce(ctx context.Context, author, message, platform string) reply.Job
}

// Meter is the billing side of a reply job. *usage.Meter implements it.
type Meter interface {
	Allow(ctx context.Context) bool
	RecordUsage(ctx context.Context, component usage.Component, amount float64, note string) float64
}

type Config struct {
	BatchSize    int
	MaxQueueSize int
	// Cooldown is the pause between batches.
	Cooldown time.Duration
	// FailureDelay is the pause before continuing a batch after a fallback reply.
	FailureDelay time.Duration
	IntakeBuffer int
}

// Deps are the collaborators of a Scheduler. Matcher, Filter and Replier are required.
type Deps struct {
	Matcher   *trigger.Matcher
	Filter    *filter.Pipeline
	Store     *viewer.Store
	Replier   Replier
	Meter     Meter
	Publisher events.Publisher
	Now       func() time.Time
}

// Snapshot is a copy of the loop-owned state.
type Snapshot struct {
	SessionID     string         `json:"session_id"`
	State         string         `json:"state"`
	Accepting     bool           `json:"accepting"`
	QueueLen      int            `json:"queue_len"`
	BatchCount    int            `json:"batch_count"`
	InFlight      bool           `json:"in_flight"`
	Stats         filter.Stats   `json:"stats"`
	Viewers       viewer.Summary `json:"viewers"`
	Triggers      []string       `json:"triggers"`
	IntakeDropped int64          `json:"intake_dropped"`
}

type timerKind int

const (
	timerNone timerKind = iota
	timerCooldown
	timerContinue
)

type result struct {
	epoch   uint64
	comment chat.Comment
	job     reply.Job
	skipped bool
}

type Scheduler struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	intake  chan chat.Comment
	cmds    chan func()
	results chan result
	done    chan struct{}
	started atomic.Bool
	dropped atomic.Int64

	// Owned by the Run goroutine.
	runCtx     context.Context
	state      State
	accepting  bool
	sessionID  string
	queue      []chat.Comment
	batchCount int
	inFlight   bool
	epoch      uint64
	stats      filter.Stats
	timer      *time.Timer
	timerC     <-chan time.Time
	timerKind  timerKind
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.FailureDelay < 0 {
		cfg.FailureDelay = 0
	}
	if cfg.IntakeBuffer <= 0 {
		cfg.IntakeBuffer = 256
	}
	if deps.Store == nil {
		deps.Store = viewer.NewStore()
	}
	if deps.Meter == nil {
		deps.Meter = usage.NewMeter(nil, usage.Config{})
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		log:     slog.Default().With(slog.String("component", "scheduler")),
		intake:  make(chan chat.Comment, cfg.IntakeBuffer),
		cmds:    make(chan func()),
		results: make(chan result, 1),
		done:    make(chan struct{}),
	}
}

// Submit offers a comment without blocking. It returns false when the intake is full.
func (s *Scheduler) Submit(c chat.Comment) bool {
	select {
	case s.intake <- c:
		return true
	default:
		n := s.dropped.Add(1)
		telemetry.RecordIntakeDrop()
		if n%50 == 1 {
			s.log.Warn("intake full, dropping comments", slog.Int64("dropped_total", n))
		}
		return false
	}
}

// Run drives the state machine until ctx is cancelled. It may be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	defer close(s.done)
	defer s.disarm()
	s.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.intake:
			s.handle(c)
		case fn := <-s.cmds:
			fn()
		case r := <-s.results:
			s.complete(r)
		case <-s.timerC:
			s.fire()
		}
	}
}

// Resume starts accepting comments for sessionID. A non-nil matcher replaces the triggers.
func (s *Scheduler) Resume(ctx context.Context, sessionID string, matcher *trigger.Matcher) error {
	return s.do(ctx, func() {
		s.sessionID = sessionID
		if matcher != nil {
			s.deps.Matcher = matcher
		}
		s.accepting = true
		s.log.Info("accepting comments", slog.String("session_id", sessionID), slog.Any("triggers", s.deps.Matcher.Words()))
	})
}

// Stop forces Idle, clears the queue and stops accepting comments. An in-flight reply is
// left to finish; its completion only releases the in-flight slot. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	return s.do(ctx, func() {
		s.accepting = false
		s.halt()
	})
}

// Reset clears the queue, the viewer store and the filter stats for a new session.
func (s *Scheduler) Reset(ctx context.Context) error {
	return s.do(ctx, func() {
		s.halt()
		s.deps.Store.Reset()
		s.stats = filter.Stats{}
		s.publishStats()
	})
}

// Sweep prunes inactive viewers and applies day rollovers. It returns the number pruned.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func() {
		n = s.deps.Store.Prune(s.deps.Now())
	})
	return n, err
}

func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() {
		snap = Snapshot{
			SessionID:     s.sessionID,
			State:         s.state.String(),
			Accepting:     s.accepting,
			QueueLen:      len(s.queue),
			BatchCount:    s.batchCount,
			InFlight:      s.inFlight,
			Stats:         s.stats,
			Viewers:       s.deps.Store.Summary(s.deps.Now()),
			Triggers:      s.deps.Matcher.Words(),
			IntakeDropped: s.dropped.Load(),
		}
	})
	return snap, err
}

func (s *Scheduler) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) halt() {
	s.epoch++
	s.queue = nil
	s.batchCount = 0
	s.disarm()
	telemetry.SetQueueDepth(0)
	s.setState(Idle)
}

func (s *Scheduler) handle(c chat.Comment) {
	telemetry.RecordComment(c.Platform)
	if !s.accepting {
		return
	}
	c.Author = strings.TrimSpace(c.Author)
	c.Text = strings.TrimSpace(c.Text)
	if c.Author == "" || c.Text == "" || !utf8.ValidString(c.Text) {
		s.log.Debug("dropping comment", slog.Any("err", fmt.Errorf("%w: empty author or text", errs.ErrInputValidation)))
		return
	}

	s.publish(events.Event{Kind: events.CommentDisplayed, Platform: c.Platform, Author: c.Author, Text: c.Text})

	if _, ok := s.deps.Matcher.Match(c.Text); !ok {
		return
	}

	now := s.deps.Now()
	st := s.deps.Store.Peek(c.Author, now)
	d := s.deps.Filter.Evaluate(c.Text, st, now)
	if !d.Accept {
		s.reject(c, d.Reason)
		return
	}
	if len(s.queue) >= s.cfg.MaxQueueSize {
		s.log.Info("queue full, skipped comment", slog.String("author", c.Author),
			slog.Any("err", fmt.Errorf("%w: queue holds %d comments", errs.ErrResourceExhausted, len(s.queue))))
		s.reject(c, filter.ReasonQueueFull)
		return
	}

	s.deps.Store.Record(c.Author, d.Normalized, d.Topic, now)
	s.queue = append(s.queue, c)
	telemetry.SetQueueDepth(len(s.queue))

	if s.state == Idle {
		s.batchCount = 0
		s.setState(Batching)
		s.next()
	}
}

func (s *Scheduler) reject(c chat.Comment, reason filter.Reason) {
	s.stats.Inc(reason)
	telemetry.RecordRejection(string(reason))
	s.publish(events.Event{Kind: events.FilterRejected, Platform: c.Platform, Author: c.Author, Text: c.Text, Reason: reason})
	s.publishStats()
}

// next starts the next job of the batch or ends the batch.
func (s *Scheduler) next() {
	if s.state != Batching || s.inFlight {
		return
	}
	if len(s.queue) == 0 || s.batchCount >= s.cfg.BatchSize {
		s.batchCount = 0
		s.setState(Cooldown)
		s.arm(s.cfg.Cooldown, timerCooldown)
		return
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	s.batchCount++
	telemetry.SetQueueDepth(len(s.queue))
	s.log.Debug("processing comment", slog.String("author", c.Author),
		slog.Int("batch_count", s.batchCount), slog.Int("batch_size", s.cfg.BatchSize))
	s.start(c)
}

func (s *Scheduler) start(c chat.Comment) {
	s.inFlight = true
	epoch := s.epoch
	ctx := telemetry.WithCorrelation(s.runCtx, c.ID)

	go func() {
		r := result{epoch: epoch, comment: c}
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("reply job panicked", slog.Any("panic", p), slog.String("author", c.Author))
				r.job = reply.Job{Author: c.Author, Message: c.Text, Platform: c.Platform, Fallback: true}
			}
			select {
			case s.results <- r:
			case <-s.done:
			}
		}()
		r.job, r.skipped = s.runJob(ctx, c)
	}()
}

func (s *Scheduler) runJob(ctx context.Context, c chat.Comment) (reply.Job, bool) {
	if !s.deps.Meter.Allow(ctx) {
		telemetry.LoggerWithCorr(ctx).Warn("insufficient credits, skipping reply", slog.String("author", c.Author))
		return reply.Job{Author: c.Author, Message: c.Text, Platform: c.Platform}, true
	}
	job := s.deps.Replier.Produce(ctx, c.Author, c.Text, c.Platform)
	note := fmt.Sprintf("reply to %s", c.Author)
	if !job.Fallback {
		tokens := usage.EstimateTokens(c.Text) + usage.EstimateTokens(job.Reply)
		s.deps.Meter.RecordUsage(ctx, usage.ComponentAI, float64(tokens), note)
	}
	if job.SpeakErr == nil && job.Spoken != "" {
		s.deps.Meter.RecordUsage(ctx, usage.ComponentTTS, float64(utf8.RuneCountInString(job.Spoken)), note)
	}
	return job, false
}

func (s *Scheduler) complete(r result) {
	s.inFlight = false
	if r.epoch != s.epoch {
		s.log.Debug("discarding stale reply", slog.String("author", r.comment.Author))
		if s.timerC == nil {
			s.next()
		}
		return
	}

	if !r.skipped {
		s.publish(events.Event{
			Kind:     events.ReplyProduced,
			Platform: r.comment.Platform,
			Author:   r.comment.Author,
			Text:     r.comment.Text,
			Reply:    r.job.Reply,
			Fallback: r.job.Fallback,
		})
	}
	if r.skipped || r.job.Fallback {
		s.arm(s.cfg.FailureDelay, timerContinue)
		return
	}
	s.next()
}

func (s *Scheduler) fire() {
	kind := s.timerKind
	s.timer, s.timerC, s.timerKind = nil, nil, timerNone

	switch kind {
	case timerCooldown:
		if len(s.queue) > 0 {
			s.setState(Batching)
			s.next()
			return
		}
		s.setState(Idle)
	case timerContinue:
		s.next()
	}
}

func (s *Scheduler) arm(d time.Duration, kind timerKind) {
	s.disarm()
	s.timer = time.NewTimer(d)
	s.timerC = s.timer.C
	s.timerKind = kind
}

func (s *Scheduler) disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer, s.timerC, s.timerKind = nil, nil, timerNone
}

func (s *Scheduler) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	telemetry.SetSchedulerState(int(st))
	s.publish(events.Event{Kind: events.StateChanged, State: st.String()})
}

func (s *Scheduler) publishStats() {
	stats := s.stats
	s.publish(events.Event{Kind: events.StatsUpdated, Stats: &stats})
}

func (s *Scheduler) publish(ev events.Event) {
	ev.SessionID = s.sessionID
	if ev.At.IsZero() {
		ev.At = s.deps.Now()
	}
	s.deps.Publisher.Publish(ev)
}
