// Package ai holds the text-generation backends behind reply.Generator: Gemini with a
// model fallback chain, an OpenAI-compatible client, and a circuit-breaking wrapper.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/telemetry"
)

// ModelLimit is a model name with its free-tier request quotas.
type ModelLimit struct {
	Name string
	RPM  int
	RPD  int
}

var knownGeminiLimits = map[string]ModelLimit{
	"gemini-2.5-flash":      {Name: "gemini-2.5-flash", RPM: 10, RPD: 250},
	"gemini-2.5-flash-lite": {Name: "gemini-2.5-flash-lite", RPM: 15, RPD: 1000},
	"gemini-2.0-flash":      {Name: "gemini-2.0-flash", RPM: 15, RPD: 200},
	"gemini-2.0-flash-lite": {Name: "gemini-2.0-flash-lite", RPM: 30, RPD: 200},
}

// GeminiModels maps configured model names to limits. Unknown models get the most
// conservative quota.
func GeminiModels(names []string) []ModelLimit {
	out := make([]ModelLimit, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if l, ok := knownGeminiLimits[n]; ok {
			out = append(out, l)
			continue
		}
		out = append(out, ModelLimit{Name: n, RPM: 10, RPD: 200})
	}
	return out
}

type generateFunc func(ctx context.Context, model, prompt string) (string, error)

// Gemini tries each model in order, skipping models whose local quota is spent and moving
// on when a model is rate limited, overloaded or unavailable.
type Gemini struct {
	models []ModelLimit
	call   generateFunc
	now    func() time.Time
	log    *slog.Logger

	mu          sync.Mutex
	day         time.Time
	minute      time.Time
	dailyCount  map[string]int
	minuteCount map[string]int
}

func NewGemini(ctx context.Context, apiKey string, models []ModelLimit) (*Gemini, error) {
	if apiKey == "" {
		return nil, errs.Configuration("GEMINI_API_KEY is required for the gemini provider")
	}
	if len(models) == 0 {
		return nil, errs.Configuration("no gemini models configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.8),
		MaxOutputTokens: 300,
	}
	call := func(ctx context.Context, model, prompt string) (string, error) {
		result, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), config)
		if err != nil {
			return "", err
		}
		return result.Text(), nil
	}
	return newGemini(models, call, time.Now), nil
}

func newGemini(models []ModelLimit, call generateFunc, now func() time.Time) *Gemini {
	t := now()
	return &Gemini{
		models:      models,
		call:        call,
		now:         now,
		log:         slog.Default().With(slog.String("component", "gemini")),
		day:         t,
		minute:      t,
		dailyCount:  make(map[string]int),
		minuteCount: make(map[string]int),
	}
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, m := range g.models {
		if !g.reserve(m) {
			lastErr = fmt.Errorf("%s: local quota reached: %w", m.Name, errs.ErrResourceExhausted)
			continue
		}

		spanCtx, span := telemetry.StartSpan(ctx, telemetry.TracerAI, "gemini.generate", telemetry.ModelAttr(m.Name))
		text, err := g.call(spanCtx, m.Name, prompt)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			telemetry.RecordAIRequest(m.Name, "error")
			if ctx.Err() != nil {
				return "", errs.Wrap("gemini", ctx.Err())
			}
			if !switchModel(err) {
				return "", errs.Wrap("gemini", fmt.Errorf("%s: %w", m.Name, err))
			}
			g.log.Warn("gemini model failed, trying next", slog.String("model", m.Name), slog.Any("err", err))
			lastErr = err
			continue
		}
		telemetry.SetSpanSuccess(span)
		span.End()

		if text = strings.TrimSpace(text); text == "" {
			telemetry.RecordAIRequest(m.Name, "empty")
			continue
		}
		telemetry.RecordAIRequest(m.Name, "ok")
		return text, nil
	}
	if lastErr != nil {
		return "", errs.Wrap("gemini", fmt.Errorf("all models failed: %w", lastErr))
	}
	return "", nil
}

// switchModel reports whether another model may succeed where this one failed.
func switchModel(err error) bool {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "404") || strings.Contains(lower, "not found") {
		return true
	}
	return errs.IsRetryable(err)
}

// reserve counts a request against the model's quotas, resetting the windows as needed.
func (g *Gemini) reserve(m ModelLimit) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.YearDay() != g.day.YearDay() || now.Year() != g.day.Year() {
		g.dailyCount = make(map[string]int)
		g.day = now
	}
	if now.Sub(g.minute) >= time.Minute {
		g.minuteCount = make(map[string]int)
		g.minute = now
	}
	if m.RPD > 0 && g.dailyCount[m.Name] >= m.RPD {
		return false
	}
	if m.RPM > 0 && g.minuteCount[m.Name] >= m.RPM {
		return false
	}
	g.dailyCount[m.Name]++
	g.minuteCount[m.Name]++
	return true
}
