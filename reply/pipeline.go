// Package reply turns one accepted viewer comment into a spoken answer: prompt, AI call
// with fallback, post-processing, and TTS playback under a single-slot lock.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/telemetry"
)

// Generator produces reply text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Voice selects the TTS voice.
type Voice struct {
	Name         string
	LanguageCode string
}

// Speaker plays text and returns once playback has finished.
type Speaker interface {
	Speak(ctx context.Context, text string, voice Voice) error
}

type Config struct {
	Language      string
	CustomContext string
	CohostName    string
	MaxSentences  int
	MaxReplyChars int
	MaxTTSChars   int
	// Timeout bounds the AI call; speech gets Timeout plus its estimated duration.
	Timeout time.Duration
	Voice   Voice
}

// Job is the result of one Produce call.
type Job struct {
	Author   string
	Message  string
	Platform string
	Intent   Intent
	// Reply is the displayed text; Spoken is the TTS variant actually played.
	Reply       string
	Spoken      string
	Fallback    bool
	GenerateErr error
	SpeakErr    error
	Duration    time.Duration
}

type fallbackKind int

const (
	fallbackEmpty fallbackKind = iota
	fallbackError
)

type Pipeline struct {
	gen     Generator
	speaker Speaker
	cfg     Config
	slot    chan struct{}
	log     *slog.Logger
}

func NewPipeline(gen Generator, speaker Speaker, cfg Config) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxReplyChars <= 0 {
		cfg.MaxReplyChars = 250
	}
	if cfg.MaxTTSChars <= 0 {
		cfg.MaxTTSChars = 800
	}
	return &Pipeline{
		gen:     gen,
		speaker: speaker,
		cfg:     cfg,
		slot:    make(chan struct{}, 1),
		log:     slog.Default().With(slog.String("component", "reply")),
	}
}

// Speaking reports whether a playback currently holds the slot.
func (p *Pipeline) Speaking() bool { return len(p.slot) == 1 }

// Produce generates, post-processes and speaks a reply. It never returns an error: AI
// failures become fallback text and TTS failures are recorded on the Job.
func (p *Pipeline) Produce(ctx context.Context, author, message, platform string) Job {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerReply, "reply.produce",
		telemetry.AuthorAttr(author), telemetry.PlatformAttr(platform))
	defer span.End()

	job := Job{Author: author, Message: message, Platform: platform, Intent: DetectIntent(message)}

	prompt := BuildPrompt(PromptInput{
		Author:        author,
		Message:       message,
		Platform:      platform,
		CustomContext: p.cfg.CustomContext,
		CohostName:    p.cfg.CohostName,
		Language:      p.cfg.Language,
		MaxSentences:  p.cfg.MaxSentences,
	})

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	raw, err := p.gen.Generate(genCtx, prompt)
	cancel()

	switch {
	case err != nil:
		job.GenerateErr = errs.Wrap("ai", err)
		job.Reply = p.fallback(author, fallbackError)
		job.Fallback = true
		p.log.Warn("ai generation failed, using fallback", slog.String("author", author), slog.Any("err", err))
	default:
		job.Reply = Finalize(raw, author, p.cfg.MaxReplyChars)
		if job.Reply == "" {
			job.Reply = p.fallback(author, fallbackEmpty)
			job.Fallback = true
			p.log.Warn("ai returned empty reply, using fallback", slog.String("author", author))
		}
	}
	span.SetAttributes(telemetry.FallbackAttr(job.Fallback))

	job.Spoken = TTSVariant(job.Reply, p.cfg.MaxTTSChars)
	job.SpeakErr = p.speak(ctx, job.Spoken)
	if job.SpeakErr != nil {
		telemetry.RecordError(span, job.SpeakErr)
	} else {
		telemetry.SetSpanSuccess(span)
	}

	job.Duration = time.Since(start)
	telemetry.RecordReply(job.Fallback, job.Duration)
	return job
}

func (p *Pipeline) fallback(author string, kind fallbackKind) string {
	if p.cfg.Language == "English" {
		if kind == fallbackError {
			return fmt.Sprintf("Hi %s, sorry, we hit a technical error", author)
		}
		return fmt.Sprintf("Hi %s, sorry, connection problem", author)
	}
	if kind == fallbackError {
		return fmt.Sprintf("Hai %s sorry ada error teknis", author)
	}
	return fmt.Sprintf("Hai %s sorry koneksi bermasalah", author)
}

// speak holds the slot for the duration of one playback. The slot is always released,
// including when the speaker ignores cancellation and overruns its deadline.
func (p *Pipeline) speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout+EstimateSpeech(text))
	defer cancel()

	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		telemetry.RecordTTSFailure()
		return errs.Wrap("tts", fmt.Errorf("waiting for speech slot: %w", ctx.Err()))
	}
	telemetry.SetTTSInFlight(true)
	defer func() {
		<-p.slot
		telemetry.SetTTSInFlight(false)
	}()

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- p.speaker.Speak(ctx, text, p.cfg.Voice) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("speech did not finish: %w", ctx.Err())
	}
	if telemetry.SpeakDuration != nil {
		telemetry.SpeakDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.RecordTTSFailure()
		p.log.Warn("tts playback failed", slog.Int("chars", len([]rune(text))), slog.Any("err", err))
		return errs.Wrap("tts", err)
	}
	return nil
}
