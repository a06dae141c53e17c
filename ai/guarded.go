package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/telemetry"
)

// Generator is the shape shared by every backend in this package.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// BreakerConfig tunes when the breaker opens and how long it stays open.
type BreakerConfig struct {
	Name string
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32
	FailureRatio float64
	OpenTimeout  time.Duration
}

// Guarded wraps a Generator in a circuit breaker. While the breaker is open calls fail
// immediately with ErrExternalService.
type Guarded struct {
	next    Generator
	breaker *gobreaker.CircuitBreaker
}

func NewGuarded(next Generator, cfg BreakerConfig) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "ai"
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.6
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		// Cancellation does not count as a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("ai circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
		},
	}
	return &Guarded{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (g *Guarded) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := g.breaker.Execute(func() (any, error) {
		return g.next.Generate(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", errs.Wrap("ai", fmt.Errorf("circuit open: %w", err))
		}
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker state ("closed", "half-open" or "open").
func (g *Guarded) State() string { return g.breaker.State().String() }

// Chain tries each generator in order, moving on after a failure. An empty reply is a
// valid answer and ends the chain.
type Chain []Generator

func (c Chain) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, g := range c {
		text, err := g.Generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		return "", errs.Configuration("no ai provider configured")
	}
	return "", lastErr
}
