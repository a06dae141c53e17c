package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arulbarker/streammateseller/cohost"
	"github.com/arulbarker/streammateseller/db"
	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/events"
	"github.com/arulbarker/streammateseller/telemetry"
)

// Session is the part of cohost.Session the control plane drives.
type Session interface {
	Start(ctx context.Context, cfg cohost.PlatformConfig) error
	Stop(ctx context.Context) error
	ResetForNewSession(ctx context.Context) error
	Status(ctx context.Context) (cohost.Status, error)
}

// EventSource is satisfied by *events.Bus.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

type TranscriptReader interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]events.Event, error)
}

type LedgerReader interface {
	Balance(ctx context.Context) (float64, error)
	Recent(ctx context.Context, limit int) ([]db.Entry, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps wires the handlers. Transcript, Ledger and DB are optional; leave them nil (not a
// typed nil pointer) when no database is configured.
type Deps struct {
	Session    Session
	Events     EventSource
	Transcript TranscriptReader
	Ledger     LedgerReader
	DB         Pinger
}

const (
	sseBuffer       = 64
	sseKeepAlive    = 15 * time.Second
	maxRequestBytes = 64 << 10
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps      Deps
	keepAlive time.Duration
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, keepAlive: sseKeepAlive}
}

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the session loop runs and the database answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"session", func() error {
			_, err := h.deps.Session.Status(r.Context())
			return err
		}},
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	cohost.Status
	CreditBalance *float64 `json:"credit_balance,omitempty"`
}

// HandleStatus returns the session snapshot plus the credit balance when a ledger is wired.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeStatus(w, r)
}

func (h *Handlers) writeStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Session.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := statusResponse{Status: st}
	if h.deps.Ledger != nil {
		if bal, err := h.deps.Ledger.Balance(r.Context()); err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("credit balance unavailable", slog.Any("err", err))
		} else {
			resp.CreditBalance = &bal
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleEvents streams bus events as Server-Sent Events until the client goes away.
// A slow client misses events rather than stalling the session.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := h.deps.Events.Subscribe(sseBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to encode event", slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				slog.Debug("sse client gone", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}

// HandleTranscript returns stored events for ?session= (default: the current session).
func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Transcript == nil {
		writeError(w, http.StatusNotFound, "transcript storage not configured")
		return
	}
	session := r.URL.Query().Get("session")
	if session == "" {
		if st, err := h.deps.Session.Status(r.Context()); err == nil {
			session = st.SessionID
		}
	}
	if session == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	evs, err := h.deps.Transcript.Recent(r.Context(), session, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": session, "events": evs})
}

// HandleLedger returns the credit balance and the newest ledger rows.
func (h *Handlers) HandleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Ledger == nil {
		writeError(w, http.StatusNotFound, "credit ledger not configured")
		return
	}
	bal, err := h.deps.Ledger.Balance(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.deps.Ledger.Recent(r.Context(), parseIntQuery(r, "limit", 50))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []db.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": bal, "entries": entries})
}

// startRequest accepts either a full PlatformConfig or a single platform/stream_id pair.
type startRequest struct {
	cohost.PlatformConfig
	Platform string `json:"platform"`
	StreamID string `json:"stream_id"`
}

func (h *Handlers) HandleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	cfg := req.PlatformConfig
	if len(cfg.Targets) == 0 && req.Platform != "" {
		cfg.Targets = []cohost.Target{{Platform: req.Platform, StreamID: req.StreamID}}
	}
	if err := h.deps.Session.Start(r.Context(), cfg); err != nil {
		h.fail(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("session started via api", slog.Any("targets", cfg.Targets))
	h.writeStatus(w, r)
}

func (h *Handlers) HandleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.deps.Session.Stop(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) HandleSessionReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.deps.Session.ResetForNewSession(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// fail maps an error onto a status code.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrConfiguration), errors.Is(err, errs.ErrInputValidation):
		status = http.StatusBadRequest
	case errors.Is(err, cohost.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithCorr(r.Context()).Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	writeError(w, status, err.Error())
}
