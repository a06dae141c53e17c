// Package twitchapi wraps the few Twitch Helix endpoints the chat source needs:
// resolving a login to a user ID and checking whether a channel is live.
// Requests use an app access token from TokenSource.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultHelixBase = "https://api.twitch.tv/helix"
	helixMaxRetries  = 2
)

// HelixClient performs authenticated Helix GET requests.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides the Helix root, mainly for tests.
	BaseURL string
}

// Stream is the subset of a Helix stream object used for the live check.
type Stream struct {
	ID          string    `json:"id"`
	UserLogin   string    `json:"user_login"`
	Title       string    `json:"title"`
	GameName    string    `json:"game_name"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// StatusError is returned when Helix answers with a non-2xx status after retries.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix status %d: %s", e.Status, e.Body)
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultHelixBase
}

// get issues a GET against path and decodes the JSON body into out. A 401 drops the
// cached app token and retries with a fresh one; 429 and 5xx are retried with a
// short backoff.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if hc.AppTokenSource == nil {
		return errors.New("helix: no app token source")
	}
	var lastErr error
	for attempt := 0; attempt <= helixMaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			hc.AppTokenSource.Invalidate()
			lastErr = &StatusError{Status: resp.StatusCode, Body: string(body)}
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &StatusError{Status: resp.StatusCode, Body: string(body)}
			continue
		case resp.StatusCode >= 300:
			return &StatusError{Status: resp.StatusCode, Body: string(body)}
		}
		return json.Unmarshal(body, out)
	}
	return lastErr
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetStreams returns the live streams for login. An offline channel yields an empty slice.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", url.Values{"user_login": {login}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// IsLive reports whether login is currently broadcasting.
func (hc *HelixClient) IsLive(ctx context.Context, login string) (bool, error) {
	streams, err := hc.GetStreams(ctx, login)
	if err != nil {
		return false, err
	}
	return len(streams) > 0, nil
}
