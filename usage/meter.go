// Package usage prices STT/AI/TTS consumption in credits and forwards deductions to a
// billing collaborator, either inline (sync) or on a background pool (fast mode).
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/telemetry"
)

// Component is a billable part of the pipeline.
type Component string

const (
	ComponentSTT Component = "stt"
	ComponentAI  Component = "ai"
	ComponentTTS Component = "tts"
)

// tokensPerWord approximates model tokens from whitespace-separated words.
const tokensPerWord = 1.3

// asyncWorkers caps concurrent deductions in fast mode.
const asyncWorkers = 4

// Rates are credits per 100 units (characters for TTS, tokens for AI, seconds for STT).
type Rates struct {
	TTS float64
	AI  float64
	STT float64
}

// DefaultRates matches the published price list.
var DefaultRates = Rates{TTS: 1.0, AI: 1.5, STT: 1.0}

// Record is one priced usage event. It is emitted, not retained.
type Record struct {
	Component Component
	Amount    float64
	Credits   float64
	Note      string
}

// Biller deducts credits from the operator's balance.
type Biller interface {
	Deduct(ctx context.Context, component Component, credits float64, note string) error
}

// BalanceChecker is implemented by billers that can report the remaining balance.
type BalanceChecker interface {
	Balance(ctx context.Context) (float64, error)
}

// EstimateTokens approximates token usage for text as ceil(words * 1.3).
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * tokensPerWord))
}

// Cost prices amount units of component.
func Cost(component Component, amount float64, rates Rates) float64 {
	var rate float64
	switch component {
	case ComponentTTS:
		rate = rates.TTS
	case ComponentAI:
		rate = rates.AI
	case ComponentSTT:
		rate = rates.STT
	}
	return amount * rate / 100
}

type Config struct {
	Rates Rates
	// Async hands deductions to a background pool (fast mode). Delivery is at-least-once.
	// RecordUsage blocks only while asyncWorkers deductions are already in flight.
	Async bool
	// Disabled skips billing entirely (debug mode).
	Disabled bool
	Timeout  time.Duration
	// MaxRetries bounds deduction attempts after the first.
	MaxRetries uint64
}

// Totals are the credits charged per component during the session.
type Totals map[Component]float64

type Meter struct {
	biller Biller
	cfg    Config
	pool   *pool.Pool
	log    *slog.Logger

	mu     sync.Mutex
	totals Totals
}

func NewMeter(biller Biller, cfg Config) *Meter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	m := &Meter{
		biller: biller,
		cfg:    cfg,
		log:    slog.Default().With(slog.String("component", "usage")),
		totals: make(Totals),
	}
	if cfg.Async {
		m.pool = pool.New().WithMaxGoroutines(asyncWorkers)
		m.log.Warn("async billing enabled: deductions are at-least-once and may double-charge after ambiguous timeouts")
	}
	return m
}

// Allow is the billing gate checked before a reply job in sync mode. It returns false only
// when the biller reports an exhausted balance; lookup failures let the job proceed.
func (m *Meter) Allow(ctx context.Context) bool {
	if m.cfg.Disabled || m.cfg.Async || m.biller == nil {
		return true
	}
	checker, ok := m.biller.(BalanceChecker)
	if !ok {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	bal, err := checker.Balance(ctx)
	if err != nil {
		m.log.Warn("balance check failed, allowing job", slog.Any("err", err))
		return true
	}
	return bal > 0
}

// RecordUsage prices and deducts usage. It returns the credits deducted (sync) or scheduled
// (async); zero means billing was skipped or failed.
func (m *Meter) RecordUsage(ctx context.Context, component Component, amount float64, note string) float64 {
	rec := Record{Component: component, Amount: amount, Credits: Cost(component, amount, m.cfg.Rates), Note: note}
	if rec.Credits <= 0 || m.cfg.Disabled || m.biller == nil {
		return 0
	}

	if m.cfg.Async {
		// Detached from ctx so a session stop does not drop already-consumed usage.
		m.pool.Go(func() {
			m.deduct(context.Background(), rec)
		})
		return rec.Credits
	}
	if err := m.deduct(ctx, rec); err != nil {
		return 0
	}
	return rec.Credits
}

func (m *Meter) deduct(ctx context.Context, rec Record) error {
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
		err := m.biller.Deduct(attemptCtx, rec.Component, rec.Credits, rec.Note)
		if err != nil && errs.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), m.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		telemetry.RecordBillingFailure(string(rec.Component))
		m.log.Warn("skipped deduction",
			slog.String("usage_component", string(rec.Component)),
			slog.Float64("credits", rec.Credits),
			slog.Any("err", errs.Wrap("billing", err)))
		return fmt.Errorf("deduct %s: %w", rec.Component, err)
	}

	telemetry.RecordCredits(string(rec.Component), rec.Credits)
	m.mu.Lock()
	m.totals[rec.Component] += rec.Credits
	m.mu.Unlock()
	return nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// Totals returns a copy of the credits successfully deducted so far.
func (m *Meter) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Totals, len(m.totals))
	for k, v := range m.totals {
		out[k] = v
	}
	return out
}

// ResetTotals clears the session totals.
func (m *Meter) ResetTotals() {
	m.mu.Lock()
	m.totals = make(Totals)
	m.mu.Unlock()
}

// Close waits for in-flight async deductions.
func (m *Meter) Close() {
	if m.pool != nil {
		m.pool.Wait()
	}
}
