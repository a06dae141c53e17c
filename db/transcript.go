package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arulbarker/streammateseller/events"
	"github.com/arulbarker/streammateseller/filter"
)

// Transcript persists bus events for later diagnosis of a session.
type Transcript struct {
	db      *sql.DB
	timeout time.Duration
}

func NewTranscript(database *sql.DB) *Transcript {
	return &Transcript{db: database, timeout: 5 * time.Second}
}

// Record stores one event.
func (t *Transcript) Record(ctx context.Context, ev events.Event) error {
	var stats []byte
	if ev.Stats != nil {
		b, err := json.Marshal(ev.Stats)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		stats = b
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO transcript_events (session_id, kind, platform, author, text, reply, reason, fallback, state, stats, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.SessionID, string(ev.Kind), ev.Platform, ev.Author, ev.Text, ev.Reply,
		string(ev.Reason), ev.Fallback, ev.State, stats, at.UTC())
	if err != nil {
		return fmt.Errorf("insert transcript event: %w", err)
	}
	return nil
}

// Run records events from ch until ctx is cancelled or ch is closed. Failed inserts are
// logged and skipped.
func (t *Transcript) Run(ctx context.Context, ch <-chan events.Event) error {
	log := slog.With("component", "transcript")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			rctx, cancel := context.WithTimeout(ctx, t.timeout)
			err := t.Record(rctx, ev)
			cancel()
			if err != nil {
				log.Warn("failed to record event", slog.String("kind", string(ev.Kind)), slog.Any("err", err))
			}
		}
	}
}

// Recent returns up to limit events of a session, newest first.
func (t *Transcript) Recent(ctx context.Context, sessionID string, limit int) ([]events.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT session_id, kind, COALESCE(platform, ''), COALESCE(author, ''), COALESCE(text, ''),
		        COALESCE(reply, ''), COALESCE(reason, ''), fallback, COALESCE(state, ''), stats, at
		   FROM transcript_events WHERE session_id = $1 ORDER BY at DESC, id DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev     events.Event
			kind   string
			reason string
			stats  []byte
		)
		if err := rows.Scan(&ev.SessionID, &kind, &ev.Platform, &ev.Author, &ev.Text,
			&ev.Reply, &reason, &ev.Fallback, &ev.State, &stats, &ev.At); err != nil {
			return nil, err
		}
		ev.Kind = events.Kind(kind)
		ev.Reason = filter.Reason(reason)
		if len(stats) > 0 {
			var s filter.Stats
			if err := json.Unmarshal(stats, &s); err != nil {
				return nil, fmt.Errorf("decode stats: %w", err)
			}
			ev.Stats = &s
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
