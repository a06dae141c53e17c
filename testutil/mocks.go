package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer serves canned Twitch Helix and token responses keyed by path.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.handlers[r.URL.Path]
		m.hits[r.URL.Path]++
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenURL is the client-credentials endpoint for twitchapi.TokenSource.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// HelixURL is the Helix root for twitchapi.HelixClient.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// Hits reports how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func (m *MockTwitchServer) handle(path string, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
	}
}

// MockUserResponse answers /helix/users with one user.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.handle("/helix/users", map[string]any{
		"data": []map[string]string{{"id": userID, "login": login}},
	})
}

// MockStreamsResponse answers /helix/streams. An empty slice means offline.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	if streams == nil {
		streams = []map[string]any{}
	}
	m.handle("/helix/streams", map[string]any{"data": streams})
}

// MockOAuthTokenResponse answers the token endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.handle("/oauth2/token", map[string]any{
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	})
}
