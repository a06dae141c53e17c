package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arulbarker/streammateseller/chat"
	"github.com/arulbarker/streammateseller/events"
	"github.com/arulbarker/streammateseller/filter"
	"github.com/arulbarker/streammateseller/reply"
	"github.com/arulbarker/streammateseller/testutil"
	"github.com/arulbarker/streammateseller/trigger"
	"github.com/arulbarker/streammateseller/usage"
	"github.com/arulbarker/streammateseller/viewer"
)

type harness struct {
	s       *Scheduler
	gen     *testutil.FakeGenerator
	speaker *testutil.FakeSpeaker
	biller  *testutil.FakeBiller
	rec     *testutil.EventRecorder
	ctx     context.Context
}

type harnessOpts struct {
	cfg    Config
	filter filter.Config
	now    func() time.Time
}

func defaultFilter() filter.Config {
	return filter.Config{
		ViewerCooldown:       180 * time.Second,
		TopicCooldown:        600 * time.Second,
		TopicCooldownEnabled: true,
		DailyLimit:           5,
		SimilarityThreshold:  0.75,
	}
}

func newHarness(t *testing.T, gen *testutil.FakeGenerator, opts harnessOpts) *harness {
	t.Helper()
	if opts.cfg.Cooldown == 0 {
		opts.cfg.Cooldown = 20 * time.Millisecond
	}
	if opts.cfg.FailureDelay == 0 {
		opts.cfg.FailureDelay = 10 * time.Millisecond
	}
	if opts.filter.DailyLimit == 0 {
		opts.filter = defaultFilter()
	}

	h := &harness{
		gen:     gen,
		speaker: &testutil.FakeSpeaker{},
		biller:  &testutil.FakeBiller{},
		rec:     &testutil.EventRecorder{},
	}
	pipeline := reply.NewPipeline(gen, h.speaker, reply.Config{
		Language:     "Indonesia",
		CohostName:   "Mate",
		MaxSentences: 2,
		Timeout:      2 * time.Second,
	})
	h.s = New(opts.cfg, Deps{
		Matcher:   trigger.NewMatcher([]string{"bro"}, ""),
		Filter:    filter.NewPipeline(opts.filter),
		Store:     viewer.NewStore(),
		Replier:   pipeline,
		Meter:     usage.NewMeter(h.biller, usage.Config{Rates: usage.DefaultRates}),
		Publisher: h.rec,
		Now:       opts.now,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	h.ctx = ctx
	require.NoError(t, h.s.Resume(ctx, "test-session", nil))
	return h
}

func (h *harness) submit(t *testing.T, author, text string) {
	t.Helper()
	require.True(t, h.s.Submit(chat.Comment{ID: author + text, Platform: "twitch", Author: author, Text: text}))
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.s.Snapshot(h.ctx)
	require.NoError(t, err)
	return snap
}

func (h *harness) waitSnapshot(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := h.s.Snapshot(h.ctx)
		return err == nil && cond(snap)
	}, 3*time.Second, 5*time.Millisecond)
}

func TestEndToEndEmptyReplyFallsBack(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{}, harnessOpts{})

	h.submit(t, "Rizky", "bro halo apa kabar")

	replies := h.rec.WaitFor(t, events.ReplyProduced, 1, 3*time.Second)
	assert.Equal(t, "Rizky", replies[0].Author)
	assert.Equal(t, "Hai Rizky sorry koneksi bermasalah", replies[0].Reply)
	assert.True(t, replies[0].Fallback)
	assert.Equal(t, "test-session", replies[0].SessionID)

	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == "idle" && !s.InFlight })
	snap := h.snapshot(t)
	assert.Zero(t, snap.QueueLen)
	assert.Zero(t, snap.BatchCount)
	assert.Equal(t, 1, snap.Viewers.InteractedToday)
	assert.Equal(t, []string{"Hai Rizky sorry koneksi bermasalah"}, h.speaker.Spoken())

	var states []string
	for _, ev := range h.rec.Events(events.StateChanged) {
		states = append(states, ev.State)
	}
	assert.Equal(t, []string{"batching", "cooldown", "idle"}, states)
}

func TestQueueFullRejectsEleventhWhileBatching(t *testing.T) {
	gen := &testutil.FakeGenerator{Replies: []string{"siap"}, Gate: make(chan struct{})}
	h := newHarness(t, gen, harnessOpts{})

	for i := 0; i < 12; i++ {
		h.submit(t, fmt.Sprintf("viewer%02d", i), fmt.Sprintf("bro tolong jelasin produk nomor %d", i))
	}

	h.waitSnapshot(t, func(s Snapshot) bool { return s.Stats.QueueFull == 1 })
	snap := h.snapshot(t)
	assert.Equal(t, 10, snap.QueueLen)
	assert.True(t, snap.InFlight)
	assert.Equal(t, "batching", snap.State)

	rejected := h.rec.Events(events.FilterRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, filter.ReasonQueueFull, rejected[0].Reason)
	assert.Equal(t, "viewer11", rejected[0].Author)
	// Rejected comments do not count as interactions.
	assert.Equal(t, 11, snap.Viewers.InteractedToday)

	close(gen.Gate)
}

func TestStopIsIdempotent(t *testing.T) {
	gen := &testutil.FakeGenerator{Replies: []string{"siap"}, Gate: make(chan struct{})}
	h := newHarness(t, gen, harnessOpts{})

	h.submit(t, "a1", "bro ada warna lain")
	h.submit(t, "a2", "bro stok masih ada")
	h.submit(t, "a3", "bro kirim ke bandung")
	h.waitSnapshot(t, func(s Snapshot) bool { return s.InFlight && s.QueueLen == 2 })

	for i := 0; i < 2; i++ {
		require.NoError(t, h.s.Stop(h.ctx))
		snap := h.snapshot(t)
		assert.Equal(t, "idle", snap.State)
		assert.Zero(t, snap.QueueLen)
		assert.False(t, snap.Accepting)
	}

	// The in-flight job finishes, but its completion is stale.
	close(gen.Gate)
	h.waitSnapshot(t, func(s Snapshot) bool { return !s.InFlight })
	assert.Equal(t, "idle", h.snapshot(t).State)
	assert.Zero(t, h.rec.Count(events.ReplyProduced))

	h.submit(t, "a4", "bro masih buka")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, h.rec.Count(events.CommentDisplayed), "comments are ignored while stopped")
}

func TestBatchEndsAtBatchSize(t *testing.T) {
	gate := make(chan struct{})
	gen := &testutil.FakeGenerator{Replies: []string{"siap bang"}, Gate: gate}
	h := newHarness(t, gen, harnessOpts{cfg: Config{BatchSize: 2, Cooldown: 300 * time.Millisecond}})

	h.submit(t, "b1", "bro ukuran apa aja")
	h.submit(t, "b2", "bro bahannya apa")
	h.submit(t, "b3", "bro bisa cod")
	h.waitSnapshot(t, func(s Snapshot) bool { return s.InFlight && s.QueueLen == 2 })

	gate <- struct{}{}
	gate <- struct{}{}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == "cooldown" && s.QueueLen == 1 && !s.InFlight })
	assert.Equal(t, 2, h.rec.Count(events.ReplyProduced))

	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == "batching" && s.InFlight && s.BatchCount == 1 })
	gate <- struct{}{}
	h.rec.WaitFor(t, events.ReplyProduced, 3, 3*time.Second)
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == "idle" })

	var authors []string
	for _, ev := range h.rec.Events(events.ReplyProduced) {
		authors = append(authors, ev.Author)
	}
	assert.Equal(t, []string{"b1", "b2", "b3"}, authors)
	assert.Equal(t, 1, h.speaker.MaxConcurrent())
}

func TestRejectionsAreCountedAndPublished(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Replies: []string{"siap"}}, harnessOpts{})

	h.submit(t, "Rizky", "bro halo apa kabar")
	h.submit(t, "Rizky", "bro ini harganya berapa")
	h.submit(t, "Sari", "bro")
	h.submit(t, "Budi", "halo semua")
	h.submit(t, "", "bro tanpa nama")

	h.waitSnapshot(t, func(s Snapshot) bool { return s.Stats.Total() == 2 })
	snap := h.snapshot(t)
	assert.Equal(t, 1, snap.Stats.ViewerCooldown)
	assert.Equal(t, 1, snap.Stats.Short)

	assert.Equal(t, 4, h.rec.Count(events.CommentDisplayed))
	reasons := map[string]filter.Reason{}
	for _, ev := range h.rec.Events(events.FilterRejected) {
		reasons[ev.Author] = ev.Reason
	}
	assert.Equal(t, map[string]filter.Reason{"Rizky": filter.ReasonViewerCooldown, "Sari": filter.ReasonShort}, reasons)

	stats := h.rec.Events(events.StatsUpdated)
	require.NotEmpty(t, stats)
	assert.Equal(t, 2, stats[len(stats)-1].Stats.Total())
}

func TestDailyLimit(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 8, 0, 0, 0, time.Local))
	f := defaultFilter()
	f.SimilarityThreshold = 1.01
	h := newHarness(t, &testutil.FakeGenerator{Replies: []string{"siap"}}, harnessOpts{filter: f, now: clock.Now})

	for i := 1; i <= 5; i++ {
		h.submit(t, "Rizky", fmt.Sprintf("bro pesan nomor %d", i))
		h.rec.WaitFor(t, events.ReplyProduced, i, 3*time.Second)
		clock.Advance(181 * time.Second)
	}
	h.submit(t, "Rizky", "bro pesan nomor 6")
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Stats.DailyLimit == 1 })
	assert.Equal(t, 5, h.snapshot(t).Viewers.InteractedToday)
}

func TestFallbackContinuesAfterDelay(t *testing.T) {
	gen := &testutil.FakeGenerator{Err: errors.New("503 service unavailable")}
	h := newHarness(t, gen, harnessOpts{cfg: Config{FailureDelay: 100 * time.Millisecond}})

	h.submit(t, "c1", "bro ada promo")
	h.submit(t, "c2", "bro ada diskon")

	replies := h.rec.WaitFor(t, events.ReplyProduced, 2, 3*time.Second)
	assert.Equal(t, "Hai c1 sorry ada error teknis", replies[0].Reply)
	assert.Equal(t, "Hai c2 sorry ada error teknis", replies[1].Reply)
	assert.GreaterOrEqual(t, replies[1].At.Sub(replies[0].At), 90*time.Millisecond)
	// Fallback replies use no AI credits; the spoken text is still billed.
	for _, d := range h.biller.Deductions() {
		assert.Equal(t, usage.ComponentTTS, d.Component)
	}
}

func TestStaleCompletionAfterRestart(t *testing.T) {
	gen := &testutil.FakeGenerator{Replies: []string{"siap"}, Gate: make(chan struct{})}
	h := newHarness(t, gen, harnessOpts{})

	h.submit(t, "old", "bro pesanan saya")
	h.waitSnapshot(t, func(s Snapshot) bool { return s.InFlight })

	require.NoError(t, h.s.Stop(h.ctx))
	require.NoError(t, h.s.Resume(h.ctx, "second-session", nil))
	h.submit(t, "new", "bro ready stok")
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == "batching" && s.QueueLen == 1 && s.InFlight })

	close(gen.Gate)
	h.rec.WaitFor(t, events.ReplyProduced, 1, 3*time.Second)
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == "idle" })

	replies := h.rec.Events(events.ReplyProduced)
	require.Len(t, replies, 1)
	assert.Equal(t, "new", replies[0].Author)
	assert.Equal(t, "second-session", replies[0].SessionID)
	assert.Equal(t, 1, h.speaker.MaxConcurrent())
}

func TestBillingPerReply(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Replies: []string{"siap kak"}}, harnessOpts{})

	h.submit(t, "Dina", "bro ongkir berapa")
	h.rec.WaitFor(t, events.ReplyProduced, 1, 3*time.Second)
	h.waitSnapshot(t, func(s Snapshot) bool { return !s.InFlight })

	got := h.biller.Deductions()
	require.Len(t, got, 2)
	assert.Equal(t, usage.ComponentAI, got[0].Component)
	assert.Equal(t, usage.ComponentTTS, got[1].Component)
	// "Dina siap kak" is 13 characters.
	assert.InDelta(t, 0.13, got[1].Credits, 1e-9)
}

func TestExhaustedBalanceSkipsReply(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Replies: []string{"siap"}}, harnessOpts{})
	h.biller.Exhausted = true

	h.submit(t, "Eka", "bro warna merah ada")
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == "idle" && s.Viewers.InteractedToday == 1 })
	assert.Zero(t, h.gen.Calls())
	assert.Zero(t, h.rec.Count(events.ReplyProduced))
}

func TestResetClearsViewersAndStats(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Replies: []string{"siap"}}, harnessOpts{})

	h.submit(t, "Rizky", "bro halo apa kabar")
	h.submit(t, "Rizky", "bro ini harganya berapa")
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Stats.ViewerCooldown == 1 && s.State == "idle" })

	require.NoError(t, h.s.Reset(h.ctx))
	snap := h.snapshot(t)
	assert.Zero(t, snap.Stats.Total())
	assert.Zero(t, snap.Viewers.Viewers)
	assert.True(t, snap.Accepting)

	// The viewer's cooldown is forgotten.
	h.submit(t, "Rizky", "bro ini harganya berapa")
	h.rec.WaitFor(t, events.ReplyProduced, 2, 3*time.Second)
}

func TestSweepPrunesInactiveViewers(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 1, 10, 0, 0, 0, time.Local))
	h := newHarness(t, &testutil.FakeGenerator{Replies: []string{"siap"}}, harnessOpts{now: clock.Now})

	h.submit(t, "Lama", "bro kapan restock")
	h.rec.WaitFor(t, events.ReplyProduced, 1, 3*time.Second)

	clock.Advance(8 * 24 * time.Hour)
	n, err := h.s.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.snapshot(t).Viewers.Viewers)
}

func TestSubmitDropsWhenIntakeFull(t *testing.T) {
	s := New(Config{IntakeBuffer: 1}, Deps{
		Matcher: trigger.NewMatcher([]string{"bro"}, ""),
		Filter:  filter.NewPipeline(defaultFilter()),
		Replier: reply.NewPipeline(&testutil.FakeGenerator{}, &testutil.FakeSpeaker{}, reply.Config{}),
	})
	assert.True(t, s.Submit(chat.Comment{Author: "a", Text: "bro satu"}))
	assert.False(t, s.Submit(chat.Comment{Author: "b", Text: "bro dua"}))
	assert.Equal(t, int64(1), s.dropped.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Snapshot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandsAfterRunReturns(t *testing.T) {
	s := New(Config{}, Deps{
		Matcher: trigger.NewMatcher([]string{"bro"}, ""),
		Filter:  filter.NewPipeline(defaultFilter()),
		Replier: reply.NewPipeline(&testutil.FakeGenerator{}, &testutil.FakeSpeaker{}, reply.Config{}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
	assert.Error(t, s.Run(context.Background()))
}
