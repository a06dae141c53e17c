// Package tts implements reply.Speaker: Google Cloud Text-to-Speech synthesis played
// through an external audio player, plus a silent speaker for running without audio.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/reply"
	"github.com/arulbarker/streammateseller/telemetry"
)

// Player plays encoded audio and returns when playback ends.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// Google synthesizes speech with the Cloud Text-to-Speech REST API.
type Google struct {
	svc    *texttospeech.Service
	player Player
	rate   float64
}

// NewGoogle builds a synthesizer authenticated with an API key. Extra client options
// (endpoint, HTTP client) are appended after the key.
func NewGoogle(ctx context.Context, apiKey string, player Player, speakingRate float64, opts ...option.ClientOption) (*Google, error) {
	if apiKey == "" {
		return nil, errs.Configuration("GOOGLE_TTS_API_KEY is required for the google tts provider")
	}
	if player == nil {
		return nil, errs.Configuration("no audio player configured")
	}
	svc, err := texttospeech.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create texttospeech service: %w", err)
	}
	if speakingRate <= 0 {
		speakingRate = 1.0
	}
	return &Google{svc: svc, player: player, rate: speakingRate}, nil
}

// Synthesize returns MP3 audio for text.
func (g *Google) Synthesize(ctx context.Context, text string, voice reply.Voice) ([]byte, error) {
	lang := voice.LanguageCode
	if lang == "" {
		lang = "id-ID"
	}
	req := &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{LanguageCode: lang, Name: voice.Name},
		AudioConfig: &texttospeech.AudioConfig{
			AudioEncoding: "MP3",
			SpeakingRate:  g.rate,
		},
	}
	resp, err := g.svc.Text.Synthesize(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("synthesize: empty audio")
	}
	return audio, nil
}

func (g *Google) Speak(ctx context.Context, text string, voice reply.Voice) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerReply, "tts.speak")
	defer span.End()

	audio, err := g.Synthesize(ctx, text, voice)
	if err != nil {
		telemetry.RecordError(span, err)
		return errs.Wrap("google-tts", err)
	}
	if err := g.player.Play(ctx, audio); err != nil {
		telemetry.RecordError(span, err)
		return errs.Wrap("player", err)
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// CommandPlayer pipes audio into an external player on stdin (ffplay by default).
type CommandPlayer struct {
	Command string
	Args    []string
}

// NewCommandPlayer returns a player for the named binary with arguments suited to it.
func NewCommandPlayer(command string) *CommandPlayer {
	if command == "" {
		command = "ffplay"
	}
	var args []string
	switch command {
	case "ffplay":
		args = []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "-"}
	case "mpv":
		args = []string{"--no-video", "--really-quiet", "-"}
	case "mpg123":
		args = []string{"-q", "-"}
	}
	return &CommandPlayer{Command: command, Args: args}
}

func (p *CommandPlayer) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", p.Command, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Silent logs the text and waits for its estimated speech time.
type Silent struct {
	// Pace scales the estimated duration; zero means return immediately.
	Pace float64
}

func (s Silent) Speak(ctx context.Context, text string, _ reply.Voice) error {
	slog.Info("speak (silent)", slog.String("text", text))
	if s.Pace <= 0 {
		return nil
	}
	d := time.Duration(float64(reply.EstimateSpeech(text)) * s.Pace)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
