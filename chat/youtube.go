package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/youtubeapi"
)

// LiveChatAPI is the part of youtubeapi.LiveChat the source uses.
type LiveChatAPI interface {
	ActiveChatID(ctx context.Context, videoID string) (string, error)
	Messages(ctx context.Context, chatID, pageToken string) (youtubeapi.Page, error)
}

var _ LiveChatAPI = (*youtubeapi.LiveChat)(nil)

type YouTubeConfig struct {
	// MinPoll is the floor for the wait between polls (default 2s).
	MinPoll time.Duration
	// MaxFailures consecutive poll errors end Run (default 5).
	MaxFailures int
	BacklogSkip time.Duration
}

// YouTubeSource polls a video's live chat.
type YouTubeSource struct {
	api   LiveChatAPI
	cfg   YouTubeConfig
	guard *BacklogGuard
	now   func() time.Time
}

func NewYouTubeSource(api LiveChatAPI, cfg YouTubeConfig) *YouTubeSource {
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BacklogSkip == 0 {
		cfg.BacklogSkip = DefaultBacklogSkip
	}
	return &YouTubeSource{api: api, cfg: cfg, guard: NewBacklogGuard("youtube", cfg.BacklogSkip), now: time.Now}
}

func (s *YouTubeSource) Name() string { return "youtube" }

func (s *YouTubeSource) ResetForNewSession() { s.guard.Reset() }

// Run polls the live chat of videoID until ctx is cancelled or the chat ends.
func (s *YouTubeSource) Run(ctx context.Context, videoID string, emit Emit) error {
	if !youtubeapi.ValidVideoID(videoID) {
		return fmt.Errorf("%w: youtube video id must be 11 characters, got %q", errs.ErrInputValidation, videoID)
	}
	log := slog.With("component", "chat", "source", "youtube", "video_id", videoID)

	chatID, err := s.api.ActiveChatID(ctx, videoID)
	if err != nil {
		return err
	}
	s.guard.Connected()
	log.Info("youtube live chat connected", slog.String("chat_id", chatID))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.MinPoll
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()

	var (
		token    string
		failures int
	)
	for {
		page, err := s.api.Messages(ctx, chatID, token)
		wait := s.cfg.MinPoll
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, youtubeapi.ErrChatEnded):
			log.Info("youtube live chat ended")
			return nil
		case err != nil:
			failures++
			if failures >= s.cfg.MaxFailures {
				return fmt.Errorf("youtube poll failed %d times: %w", failures, err)
			}
			wait = bo.NextBackOff()
			log.Warn("youtube poll failed", slog.Int("failures", failures), slog.Duration("retry_in", wait), slog.Any("err", err))
		default:
			failures = 0
			bo.Reset()
			token = page.NextPageToken
			received := s.now()
			for _, m := range page.Messages {
				c := Comment{
					ID:         m.ID,
					Platform:   "youtube",
					Author:     m.Author,
					Text:       m.Text,
					SentAt:     m.PublishedAt,
					ReceivedAt: received,
				}
				if s.guard.Admit(c) {
					emit(c)
				}
			}
			if page.PollInterval > wait {
				wait = page.PollInterval
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
