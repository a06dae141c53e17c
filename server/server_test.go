package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arulbarker/streammateseller/cohost"
	"github.com/arulbarker/streammateseller/db"
	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/events"
	"github.com/arulbarker/streammateseller/scheduler"
)

type fakeSession struct {
	mu        sync.Mutex
	status    cohost.Status
	statusErr error
	startErr  error
	started   []cohost.PlatformConfig
	stops     int
	resets    int
}

func (f *fakeSession) Start(_ context.Context, cfg cohost.PlatformConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, cfg)
	return nil
}

func (f *fakeSession) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSession) ResetForNewSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeSession) Status(context.Context) (cohost.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

type fakeTranscript struct {
	gotSession string
	gotLimit   int
	events     []events.Event
}

func (f *fakeTranscript) Recent(_ context.Context, sessionID string, limit int) ([]events.Event, error) {
	f.gotSession, f.gotLimit = sessionID, limit
	return f.events, nil
}

type fakeLedger struct {
	balance float64
	entries []db.Entry
	err     error
}

func (f *fakeLedger) Balance(context.Context) (float64, error) { return f.balance, f.err }

func (f *fakeLedger) Recent(context.Context, int) ([]db.Entry, error) { return f.entries, f.err }

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

const testToken = "test-admin-token"

func runningSession() *fakeSession {
	return &fakeSession{status: cohost.Status{
		SessionID: "sess-1",
		Running:   true,
		Targets:   []cohost.Target{{Platform: "twitch", StreamID: "rizkystream"}},
		Scheduler: scheduler.Snapshot{State: "running", Accepting: true},
	}}
}

func newTestMux(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	t.Setenv("ADMIN_TOKEN", testToken)
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	if deps.Events == nil {
		deps.Events = events.NewBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, deps)
}

func do(h http.Handler, method, path, body string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if admin {
		req.Header.Set("X-Admin-Token", testToken)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthzOK(t *testing.T) {
	h := newTestMux(t, Deps{Session: &fakeSession{statusErr: cohost.ErrNotRunning}})
	rr := do(h, http.MethodGet, "/healthz", "", false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name        string
		session     *fakeSession
		db          Pinger
		wantStatus  int
		failedCheck string
	}{
		{"ready without database", runningSession(), nil, http.StatusOK, ""},
		{"ready with database", runningSession(), fakePinger{}, http.StatusOK, ""},
		{"session loop down", &fakeSession{statusErr: cohost.ErrNotRunning}, nil, http.StatusServiceUnavailable, "session"},
		{"database down", runningSession(), fakePinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMux(t, Deps{Session: tt.session, DB: tt.db})
			rr := do(h, http.MethodGet, "/readyz", "", false)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if tt.failedCheck != "" {
				if got := decode(t, rr)["failed_check"]; got != tt.failedCheck {
					t.Errorf("failed_check = %v, want %s", got, tt.failedCheck)
				}
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newTestMux(t, Deps{Session: runningSession(), Ledger: &fakeLedger{balance: 42.5}})
	rr := do(h, http.MethodGet, "/status", "", false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", body["session_id"])
	}
	if body["credit_balance"] != 42.5 {
		t.Errorf("credit_balance = %v", body["credit_balance"])
	}
	sched, _ := body["scheduler"].(map[string]any)
	if sched["state"] != "running" {
		t.Errorf("scheduler.state = %v", sched["state"])
	}

	if rr := do(h, http.MethodPost, "/status", "", false); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status: expected 405, got %d", rr.Code)
	}
}

func TestStatusWithoutLedgerOrLoop(t *testing.T) {
	h := newTestMux(t, Deps{Session: runningSession()})
	body := decode(t, do(h, http.MethodGet, "/status", "", false))
	if _, ok := body["credit_balance"]; ok {
		t.Error("credit_balance should be omitted without a ledger")
	}

	h = newTestMux(t, Deps{Session: &fakeSession{statusErr: cohost.ErrNotRunning}})
	if rr := do(h, http.MethodGet, "/status", "", false); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the loop is down, got %d", rr.Code)
	}
}

func TestSessionStart(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantTargets []cohost.Target
		wantWords   []string
	}{
		{
			name:        "single platform shorthand",
			body:        `{"platform":"twitch","stream_id":"rizkystream"}`,
			wantTargets: []cohost.Target{{Platform: "twitch", StreamID: "rizkystream"}},
		},
		{
			name: "full platform config",
			body: `{"targets":[{"platform":"twitch","stream_id":"a"},{"platform":"youtube","stream_id":"dQw4w9WgXcQ"}],"trigger_words":["bang"]}`,
			wantTargets: []cohost.Target{
				{Platform: "twitch", StreamID: "a"},
				{Platform: "youtube", StreamID: "dQw4w9WgXcQ"},
			},
			wantWords: []string{"bang"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := runningSession()
			h := newTestMux(t, Deps{Session: sess})
			rr := do(h, http.MethodPost, "/session/start", tt.body, true)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			if len(sess.started) != 1 {
				t.Fatalf("expected one Start call, got %d", len(sess.started))
			}
			got := sess.started[0]
			if len(got.Targets) != len(tt.wantTargets) {
				t.Fatalf("targets = %+v, want %+v", got.Targets, tt.wantTargets)
			}
			for i := range tt.wantTargets {
				if got.Targets[i] != tt.wantTargets[i] {
					t.Errorf("target %d = %+v, want %+v", i, got.Targets[i], tt.wantTargets[i])
				}
			}
			if strings.Join(got.TriggerWords, ",") != strings.Join(tt.wantWords, ",") {
				t.Errorf("trigger words = %v, want %v", got.TriggerWords, tt.wantWords)
			}
			if decode(t, rr)["session_id"] != "sess-1" {
				t.Error("start should answer with the session status")
			}
		})
	}
}

func TestSessionStartErrors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		startErr error
		want     int
	}{
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, "{", nil, http.StatusBadRequest},
		{"configuration error", http.MethodPost, `{"platform":"twitch"}`, errs.Configuration("twitch channel is empty"), http.StatusBadRequest},
		{"loop not running", http.MethodPost, `{"platform":"twitch","stream_id":"a"}`, cohost.ErrNotRunning, http.StatusServiceUnavailable},
		{"unexpected failure", http.MethodPost, `{"platform":"twitch","stream_id":"a"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := runningSession()
			sess.startErr = tt.startErr
			h := newTestMux(t, Deps{Session: sess})
			if rr := do(h, tt.method, "/session/start", tt.body, true); rr.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSessionEndpointsRequireAuth(t *testing.T) {
	sess := runningSession()
	h := newTestMux(t, Deps{Session: sess, Ledger: &fakeLedger{}})
	for _, path := range []string{"/session/start", "/session/stop", "/session/reset"} {
		if rr := do(h, http.MethodPost, path, `{}`, false); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: expected 401, got %d", path, rr.Code)
		}
	}
	if rr := do(h, http.MethodGet, "/ledger", "", false); rr.Code != http.StatusUnauthorized {
		t.Errorf("/ledger without token: expected 401, got %d", rr.Code)
	}
	if sess.stops != 0 || sess.resets != 0 || len(sess.started) != 0 {
		t.Error("unauthenticated requests must not reach the session")
	}
}

func TestSessionStopAndReset(t *testing.T) {
	sess := runningSession()
	h := newTestMux(t, Deps{Session: sess})

	rr := do(h, http.MethodPost, "/session/stop", "", true)
	if rr.Code != http.StatusOK || decode(t, rr)["status"] != "stopped" {
		t.Fatalf("stop: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(h, http.MethodPost, "/session/reset", "", true)
	if rr.Code != http.StatusOK || decode(t, rr)["status"] != "reset" {
		t.Fatalf("reset: %d %s", rr.Code, rr.Body.String())
	}
	if sess.stops != 1 || sess.resets != 1 {
		t.Errorf("stops=%d resets=%d, want 1 and 1", sess.stops, sess.resets)
	}
	if rr := do(h, http.MethodGet, "/session/stop", "", true); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET stop: expected 405, got %d", rr.Code)
	}
}

func TestSessionRateLimited(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewMux(ctx, Deps{Session: runningSession(), Events: events.NewBus()})

	var last int
	for i := 0; i < 3; i++ {
		last = do(h, http.MethodPost, "/session/stop", "", false).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third stop: expected 429, got %d", last)
	}
	// Public reads are not limited.
	for i := 0; i < 5; i++ {
		if rr := do(h, http.MethodGet, "/healthz", "", false); rr.Code != http.StatusOK {
			t.Fatalf("healthz %d: expected 200, got %d", i, rr.Code)
		}
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	h := newTestMux(t, Deps{Session: runningSession()})
	if rr := do(h, http.MethodGet, "/transcript", "", false); rr.Code != http.StatusNotFound {
		t.Errorf("without storage: expected 404, got %d", rr.Code)
	}

	tr := &fakeTranscript{events: []events.Event{{Kind: events.ReplyProduced, Author: "Rizky", Reply: "halo juga"}}}
	h = newTestMux(t, Deps{Session: runningSession(), Transcript: tr})
	rr := do(h, http.MethodGet, "/transcript?limit=5000", "", false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if tr.gotSession != "sess-1" || tr.gotLimit != 100 {
		t.Errorf("Recent called with (%q, %d), want (sess-1, 100)", tr.gotSession, tr.gotLimit)
	}
	evs, _ := decode(t, rr)["events"].([]any)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}

	do(h, http.MethodGet, "/transcript?session=older&limit=10", "", false)
	if tr.gotSession != "older" || tr.gotLimit != 10 {
		t.Errorf("Recent called with (%q, %d), want (older, 10)", tr.gotSession, tr.gotLimit)
	}

	h = newTestMux(t, Deps{Session: &fakeSession{statusErr: cohost.ErrNotRunning}, Transcript: tr})
	if rr := do(h, http.MethodGet, "/transcript", "", false); rr.Code != http.StatusBadRequest {
		t.Errorf("no session known: expected 400, got %d", rr.Code)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	h := newTestMux(t, Deps{Session: runningSession()})
	if rr := do(h, http.MethodGet, "/ledger", "", true); rr.Code != http.StatusNotFound {
		t.Errorf("without ledger: expected 404, got %d", rr.Code)
	}

	ledger := &fakeLedger{balance: 10, entries: []db.Entry{{Component: "ai", Credits: -2, BalanceAfter: 10}}}
	h = newTestMux(t, Deps{Session: runningSession(), Ledger: ledger})
	rr := do(h, http.MethodGet, "/ledger", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode(t, rr)
	if body["balance"] != 10.0 {
		t.Errorf("balance = %v", body["balance"])
	}
	if entries, _ := body["entries"].([]any); len(entries) != 1 {
		t.Errorf("entries = %v", body["entries"])
	}

	ledger.err = errors.New("db down")
	if rr := do(h, http.MethodGet, "/ledger", "", true); rr.Code != http.StatusInternalServerError {
		t.Errorf("ledger failure: expected 500, got %d", rr.Code)
	}
}

func TestCorrelationHeader(t *testing.T) {
	h := newTestMux(t, Deps{Session: runningSession()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("expected echoed correlation id, got %q", got)
	}

	rr = do(h, http.MethodGet, "/healthz", "", false)
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestMux(t, Deps{Session: runningSession()})
	rr := do(h, http.MethodGet, "/metrics", "", false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("expected default Go collector metrics")
	}
}

func TestEventsSSE(t *testing.T) {
	bus := events.NewBus()
	h := newTestMux(t, Deps{Session: runningSession(), Events: bus})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, err = %v", line, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(events.Event{Kind: events.ReplyProduced, SessionID: "sess-1", Author: "Rizky", Reply: "halo juga kak"})

	var eventLine, dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	if eventLine != string(events.ReplyProduced) {
		t.Errorf("event = %q", eventLine)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if ev.Author != "Rizky" || ev.Reply != "halo juga kak" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestEventsKeepAlive(t *testing.T) {
	bus := events.NewBus()
	h := NewHandlers(Deps{Session: runningSession(), Events: bus})
	h.keepAlive = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	h.HandleEvents(rr, req)

	if !strings.Contains(rr.Body.String(), ": ping\n\n") {
		t.Errorf("expected keep-alive comments, got %q", rr.Body.String())
	}
	if bus.Subscribers() != 0 {
		t.Error("subscription should be released when the client leaves")
	}
}

func TestStartAndShutdown(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, Deps{Session: runningSession(), Events: events.NewBus()}, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
