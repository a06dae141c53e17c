// Package youtubeapi wraps the YouTube Data API for reading live chat. Requests are
// authorized with an OAuth2 refresh token (google endpoint) when one is configured,
// otherwise with a plain API key, which is enough for public streams.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/arulbarker/streammateseller/errs"
)

const readonlyScope = "https://www.googleapis.com/auth/youtube.readonly"

var (
	// ErrNotLive is returned when the video has no active live chat.
	ErrNotLive = errors.New("youtube: video has no active live chat")
	// ErrChatEnded is returned once the live chat is closed or removed.
	ErrChatEnded = errors.New("youtube: live chat ended")
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ValidVideoID reports whether id looks like a YouTube video ID.
func ValidVideoID(id string) bool { return videoIDPattern.MatchString(id) }

type Credentials struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (c Credentials) oauth() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// Message is one chat line.
type Message struct {
	ID          string
	Author      string
	ChannelID   string
	Text        string
	PublishedAt time.Time
}

// Page is one poll result. PollInterval is the server-requested wait before the next poll.
type Page struct {
	Messages      []Message
	NextPageToken string
	PollInterval  time.Duration
}

type LiveChat struct {
	svc *yt.Service
}

// NewLiveChat builds a client from creds. Extra options are appended after the auth option.
func NewLiveChat(ctx context.Context, creds Credentials, opts ...option.ClientOption) (*LiveChat, error) {
	var auth option.ClientOption
	switch {
	case creds.oauth():
		cfg := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{readonlyScope},
		}
		auth = option.WithTokenSource(cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}))
	case creds.APIKey != "":
		auth = option.WithAPIKey(creds.APIKey)
	default:
		return nil, errs.Configuration("youtube requires YT_API_KEY or YT_CLIENT_ID/YT_CLIENT_SECRET/YT_REFRESH_TOKEN")
	}
	svc, err := yt.NewService(ctx, append([]option.ClientOption{auth}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &LiveChat{svc: svc}, nil
}

// ActiveChatID resolves a video ID to its live chat ID.
func (l *LiveChat) ActiveChatID(ctx context.Context, videoID string) (string, error) {
	if !ValidVideoID(videoID) {
		return "", fmt.Errorf("%w: invalid youtube video id %q", errs.ErrInputValidation, videoID)
	}
	resp, err := l.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", errs.Wrap("youtube", fmt.Errorf("videos.list: %w", err))
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("youtube: video %s not found", videoID)
	}
	details := resp.Items[0].LiveStreamingDetails
	if details == nil || details.ActiveLiveChatId == "" {
		return "", ErrNotLive
	}
	return details.ActiveLiveChatId, nil
}

// Messages fetches the chat page after pageToken. An empty token starts from the
// messages the API still holds, which callers treat as backlog.
func (l *LiveChat) Messages(ctx context.Context, chatID, pageToken string) (Page, error) {
	call := l.svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).
		MaxResults(200).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		if chatEnded(err) {
			return Page{}, ErrChatEnded
		}
		return Page{}, errs.Wrap("youtube", fmt.Errorf("liveChatMessages.list: %w", err))
	}

	page := Page{
		NextPageToken: resp.NextPageToken,
		PollInterval:  time.Duration(resp.PollingIntervalMillis) * time.Millisecond,
	}
	if resp.OfflineAt != "" {
		return page, ErrChatEnded
	}
	for _, item := range resp.Items {
		if item.Snippet == nil || item.AuthorDetails == nil {
			continue
		}
		switch item.Snippet.Type {
		case "textMessageEvent", "superChatEvent":
		default:
			continue
		}
		text := item.Snippet.DisplayMessage
		if text == "" && item.Snippet.TextMessageDetails != nil {
			text = item.Snippet.TextMessageDetails.MessageText
		}
		published, _ := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
		page.Messages = append(page.Messages, Message{
			ID:          item.Id,
			Author:      item.AuthorDetails.DisplayName,
			ChannelID:   item.AuthorDetails.ChannelId,
			Text:        text,
			PublishedAt: published,
		})
	}
	return page, nil
}

func chatEnded(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code != 403 && gerr.Code != 404 {
		return false
	}
	for _, item := range gerr.Errors {
		if strings.HasPrefix(item.Reason, "liveChat") {
			return true
		}
	}
	return gerr.Code == 404
}
