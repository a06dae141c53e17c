package cohost

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arulbarker/streammateseller/chat"
	"github.com/arulbarker/streammateseller/db"
	"github.com/arulbarker/streammateseller/events"
	"github.com/arulbarker/streammateseller/filter"
	"github.com/arulbarker/streammateseller/reply"
	"github.com/arulbarker/streammateseller/scheduler"
	"github.com/arulbarker/streammateseller/testutil"
	"github.com/arulbarker/streammateseller/usage"
)

// TestSessionBillsLedgerAndRecordsTranscript runs a session against Postgres: replies are
// charged to the credit ledger and every bus event lands in the transcript.
func TestSessionBillsLedgerAndRecordsTranscript(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := db.NewLedger(database, "it-"+uuid.NewString())
	require.NoError(t, ledger.EnsureAccount(ctx, 100))
	transcript := db.NewTranscript(database)

	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	go func() { _ = transcript.Run(ctx, ch) }()

	meter := usage.NewMeter(ledger, usage.Config{Rates: usage.DefaultRates})
	defer meter.Close()
	gen := &testutil.FakeGenerator{Replies: []string{"Rizky stoknya masih ada kak"}}
	sched := scheduler.New(scheduler.Config{Cooldown: 10 * time.Millisecond}, scheduler.Deps{
		Filter: filter.NewPipeline(filter.Config{
			ViewerCooldown:      180 * time.Second,
			TopicCooldown:       600 * time.Second,
			DailyLimit:          5,
			SimilarityThreshold: 0.75,
		}),
		Replier:   reply.NewPipeline(gen, &testutil.FakeSpeaker{}, reply.Config{Language: "Indonesia", Timeout: 2 * time.Second}),
		Meter:     meter,
		Publisher: bus,
	})
	src := &fakeSource{name: "twitch", comments: []chat.Comment{
		{ID: "1", Platform: "twitch", Author: "Rizky", Text: "bro stok masih ada?"},
		{ID: "2", Platform: "twitch", Author: "Dina", Text: "halo semua"},
	}}
	sessionID := uuid.NewString()
	s := New(Deps{
		Scheduler:    sched,
		Sources:      []chat.Source{src},
		Usage:        meter,
		TriggerWords: []string{"bro"},
		NewID:        func() string { return sessionID },
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()
	require.Eventually(t, func() bool { return s.Start(ctx, twitchTarget("shop")) == nil }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		bal, err := ledger.Balance(ctx)
		return err == nil && bal < 100
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := ledger.Recent(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Less(t, e.Credits, 0.0, "deductions are stored as negative credits")
	}

	var stored []events.Event
	require.Eventually(t, func() bool {
		stored, err = transcript.Recent(ctx, sessionID, 50)
		if err != nil {
			return false
		}
		for _, ev := range stored {
			if ev.Kind == events.ReplyProduced {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	var got events.Event
	for _, ev := range stored {
		if ev.Kind == events.ReplyProduced {
			got = ev
		}
	}
	assert.Equal(t, "Rizky", got.Author)
	assert.Contains(t, got.Reply, "stoknya")
}
