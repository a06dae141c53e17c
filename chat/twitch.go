package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/twitchapi"
)

// LiveChecker reports whether a channel is broadcasting.
type LiveChecker interface {
	IsLive(ctx context.Context, login string) (bool, error)
}

var _ LiveChecker = (*twitchapi.HelixClient)(nil)

type TwitchConfig struct {
	// Username and OAuthToken authenticate the bot. Both empty means an anonymous,
	// read-only connection.
	Username   string
	OAuthToken string
	// Helix enables the live check before joining. Optional.
	Helix LiveChecker
	// IrcAddress overrides the server (host:port, plain TCP). Used by tests.
	IrcAddress  string
	BacklogSkip time.Duration
}

// TwitchSource reads a channel's chat over IRC.
type TwitchSource struct {
	cfg   TwitchConfig
	guard *BacklogGuard
}

func NewTwitchSource(cfg TwitchConfig) *TwitchSource {
	if cfg.BacklogSkip == 0 {
		cfg.BacklogSkip = TwitchBacklogSkip
	}
	return &TwitchSource{cfg: cfg, guard: NewBacklogGuard("twitch", cfg.BacklogSkip)}
}

func (s *TwitchSource) Name() string { return "twitch" }

func (s *TwitchSource) ResetForNewSession() { s.guard.Reset() }

// NormalizeChannel strips a leading '#' and lowercases the login.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

func (s *TwitchSource) client() *twitch.Client {
	var c *twitch.Client
	if s.cfg.Username != "" && s.cfg.OAuthToken != "" {
		token := s.cfg.OAuthToken
		if !strings.HasPrefix(token, "oauth:") {
			token = "oauth:" + token
		}
		c = twitch.NewClient(s.cfg.Username, token)
	} else {
		c = twitch.NewAnonymousClient()
	}
	if s.cfg.IrcAddress != "" {
		c.IrcAddress = s.cfg.IrcAddress
		c.TLS = false
	}
	return c
}

// Run joins channel and emits chat until ctx is cancelled.
func (s *TwitchSource) Run(ctx context.Context, channel string, emit Emit) error {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return fmt.Errorf("%w: twitch channel is empty", errs.ErrInputValidation)
	}
	log := slog.With("component", "chat", "source", "twitch", "channel", channel)

	if s.cfg.Helix != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		live, err := s.cfg.Helix.IsLive(checkCtx, channel)
		cancel()
		switch {
		case err != nil:
			log.Warn("twitch live check failed", slog.Any("err", err))
		case !live:
			log.Warn("twitch channel is offline; joining anyway")
		}
	}

	client := s.client()
	client.OnConnect(func() {
		s.guard.Connected()
		log.Info("twitch chat connected", slog.Bool("anonymous", s.cfg.Username == ""))
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		c := toComment(msg, time.Now())
		if s.guard.Admit(c) {
			emit(c)
		}
	})
	client.Join(channel)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	err := client.Connect()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return errs.Wrap("twitch", fmt.Errorf("irc: %w", err))
}

func toComment(msg twitch.PrivateMessage, now time.Time) Comment {
	author := msg.User.DisplayName
	if author == "" {
		author = msg.User.Name
	}
	return Comment{
		ID:         msg.ID,
		Platform:   "twitch",
		Author:     author,
		Text:       msg.Message,
		SentAt:     msg.Time,
		ReceivedAt: now,
	}
}
