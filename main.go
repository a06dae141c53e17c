// Command streammateseller runs the live co-host. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres (optional) and runs migrations for the credit ledger and
//     transcript.
//   - Wires chat sources (Twitch IRC, YouTube live chat), the filter/scheduler loop, the AI
//     providers and the TTS speaker into one co-host session.
//   - Exposes the HTTP control plane with /healthz, /status, /events, /metrics and the
//     session commands.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/arulbarker/streammateseller/ai"
	"github.com/arulbarker/streammateseller/chat"
	"github.com/arulbarker/streammateseller/cohost"
	"github.com/arulbarker/streammateseller/config"
	"github.com/arulbarker/streammateseller/db"
	"github.com/arulbarker/streammateseller/events"
	"github.com/arulbarker/streammateseller/filter"
	"github.com/arulbarker/streammateseller/reply"
	"github.com/arulbarker/streammateseller/scheduler"
	"github.com/arulbarker/streammateseller/server"
	"github.com/arulbarker/streammateseller/telemetry"
	"github.com/arulbarker/streammateseller/trigger"
	"github.com/arulbarker/streammateseller/tts"
	"github.com/arulbarker/streammateseller/twitchapi"
	"github.com/arulbarker/streammateseller/usage"
	"github.com/arulbarker/streammateseller/viewer"
	"github.com/arulbarker/streammateseller/youtubeapi"
)

var version = "dev"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateTriggers(); err != nil {
		slog.Warn("no trigger words configured; sessions must pass trigger_words to start", slog.Any("err", err))
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("streammateseller", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("co-host exited with error", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// setupLogging configures slog from LOG_LEVEL (debug|info|warn|error) and LOG_FORMAT
// (text|json). Defaults: info, text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(ctx context.Context, cfg *config.Config) error {
	bus := events.NewBus()
	srvDeps := server.Deps{Events: bus}

	// Storage is optional: without DB_DSN billing is in-memory only and nothing is persisted.
	var biller usage.Biller
	var transcript *db.Transcript
	if cfg.DBDsn != "" {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(database); err != nil {
			return err
		}
		ledger, err := openLedger(ctx, database, cfg)
		if err != nil {
			return err
		}
		biller = ledger
		transcript = db.NewTranscript(database)
		srvDeps.Ledger = ledger
		srvDeps.Transcript = transcript
		srvDeps.DB = database
	} else {
		slog.Warn("DB_DSN not set: credit ledger and transcript persistence disabled")
	}

	generator, err := buildGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	speaker, err := buildSpeaker(ctx, cfg)
	if err != nil {
		return err
	}

	meter := usage.NewMeter(biller, usage.Config{
		Rates:    usage.Rates{TTS: cfg.TTSRate, AI: cfg.AIRate, STT: cfg.STTRate},
		Async:    cfg.FastMode,
		Disabled: cfg.DebugMode,
		Timeout:  cfg.ExternalTimeout,
	})
	defer meter.Close()
	if cfg.DebugMode {
		slog.Info("debug mode: billing disabled")
	}

	pipeline := reply.NewPipeline(generator, speaker, reply.Config{
		Language:      cfg.ReplyLanguage,
		CustomContext: cfg.CustomContext,
		CohostName:    cfg.CohostName,
		MaxSentences:  cfg.MaxSentences,
		MaxReplyChars: cfg.MaxReplyChars,
		MaxTTSChars:   cfg.MaxTTSChars,
		Timeout:       cfg.ExternalTimeout,
		Voice:         reply.Voice{Name: cfg.TTSVoice, LanguageCode: cfg.TTSLanguageCode},
	})

	sched := scheduler.New(scheduler.Config{
		BatchSize:    cfg.BatchSize,
		MaxQueueSize: cfg.MaxQueueSize,
		Cooldown:     cfg.BatchCooldown(),
		FailureDelay: cfg.FailureDelay,
	}, scheduler.Deps{
		Matcher: trigger.NewMatcher(cfg.TriggerWords, cfg.LegacyTriggerWord),
		Filter: filter.NewPipeline(filter.Config{
			ToxicWords:           cfg.ToxicWords,
			ViewerCooldown:       cfg.ViewerCooldown,
			TopicCooldown:        cfg.TopicCooldown,
			TopicCooldownEnabled: cfg.TopicCooldownEnabled,
			DailyLimit:           cfg.DailyLimit,
			SimilarityThreshold:  cfg.SimilarityThreshold,
		}),
		Store:     viewer.NewStore(),
		Replier:   pipeline,
		Meter:     meter,
		Publisher: bus,
	})

	session := cohost.New(cohost.Deps{
		Scheduler:     sched,
		Sources:       buildSources(ctx, cfg),
		Usage:         meter,
		TriggerWords:  cfg.TriggerWords,
		LegacyTrigger: cfg.LegacyTriggerWord,
	})
	srvDeps.Session = session

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := session.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if transcript != nil {
		ch, cancel := bus.Subscribe(256)
		g.Go(func() error {
			defer cancel()
			if err := transcript.Run(gctx, ch); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error { return server.Start(gctx, srvDeps, cfg.HTTPAddr) })
	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof(gctx)
	}
	if cfg.AutoStart {
		g.Go(func() error {
			autoStart(gctx, session, cfg)
			return nil
		})
	}

	err = g.Wait()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := session.Stop(stopCtx); serr != nil && !errors.Is(serr, cohost.ErrNotRunning) {
		slog.Warn("session stop on shutdown failed", slog.Any("err", serr))
	}
	return err
}

func openLedger(ctx context.Context, database *sql.DB, cfg *config.Config) (*db.Ledger, error) {
	ledger := db.NewLedger(database, cfg.BillingAccount)
	if err := ledger.EnsureAccount(ctx, cfg.OpeningCredits); err != nil {
		return nil, err
	}
	bal, err := ledger.Balance(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("credit ledger ready", slog.String("account", ledger.Account()), slog.Float64("balance", bal))
	if bal <= 0 && !cfg.DebugMode && !cfg.FastMode {
		slog.Warn("credit balance exhausted: replies will be skipped until the account is topped up",
			slog.String("account", ledger.Account()))
	}
	return ledger, nil
}

// buildGenerator wraps each configured AI backend in a circuit breaker. AI_PROVIDER picks
// one backend ("gemini", "openai") or chains both ("auto", Gemini first).
func buildGenerator(ctx context.Context, cfg *config.Config) (reply.Generator, error) {
	provider := strings.ToLower(cfg.AIProvider)
	var chain ai.Chain

	if provider == "gemini" || provider == "auto" {
		if cfg.GeminiAPIKey != "" || provider == "gemini" {
			g, err := ai.NewGemini(ctx, cfg.GeminiAPIKey, ai.GeminiModels(cfg.GeminiModels))
			if err != nil {
				return nil, err
			}
			chain = append(chain, ai.NewGuarded(g, ai.BreakerConfig{Name: "gemini"}))
		}
	}
	if provider == "openai" || provider == "auto" {
		if cfg.OpenAIAPIKey != "" || provider == "openai" {
			o, err := ai.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.ExternalTimeout)
			if err != nil {
				return nil, err
			}
			chain = append(chain, ai.NewGuarded(o, ai.BreakerConfig{Name: "openai"}))
		}
	}
	switch len(chain) {
	case 0:
		slog.Warn("no AI provider configured: every reply will use a fallback line", slog.String("provider", cfg.AIProvider))
		return chain, nil
	case 1:
		return chain[0], nil
	}
	return chain, nil
}

func buildSpeaker(ctx context.Context, cfg *config.Config) (reply.Speaker, error) {
	switch strings.ToLower(cfg.TTSProvider) {
	case "google":
		return tts.NewGoogle(ctx, cfg.TTSAPIKey, tts.NewCommandPlayer(cfg.TTSPlayer), 1.0)
	case "", "none", "silent":
		slog.Info("tts disabled, replies are logged only")
		return tts.Silent{Pace: 1}, nil
	default:
		slog.Warn("unknown TTS_PROVIDER, tts disabled", slog.String("value", cfg.TTSProvider))
		return tts.Silent{Pace: 1}, nil
	}
}

// buildSources always offers Twitch (anonymous when no bot credentials are set). YouTube
// is offered when an API key or OAuth triple is configured.
func buildSources(ctx context.Context, cfg *config.Config) []chat.Source {
	twitchCfg := chat.TwitchConfig{Username: cfg.TwitchBotUsername, OAuthToken: cfg.TwitchOAuthToken}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Info("twitch chat will connect anonymously (read-only)", slog.Any("reason", err))
	}
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		twitchCfg.Helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
	}
	sources := []chat.Source{chat.NewTwitchSource(twitchCfg)}

	lc, err := youtubeapi.NewLiveChat(ctx, youtubeapi.Credentials{
		APIKey:       cfg.YTAPIKey,
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		RefreshToken: cfg.YTRefreshToken,
	})
	if err != nil {
		slog.Info("youtube chat disabled", slog.Any("reason", err))
		return sources
	}
	return append(sources, chat.NewYouTubeSource(lc, chat.YouTubeConfig{}))
}

// autoStart begins a session for PLATFORM/STREAM_ID once the session loop is up.
func autoStart(ctx context.Context, session *cohost.Session, cfg *config.Config) {
	target := cohost.PlatformConfig{Targets: []cohost.Target{{Platform: cfg.Platform, StreamID: cfg.StreamID}}}
	op := func() error {
		err := session.Start(ctx, target)
		if err != nil && !errors.Is(err, cohost.ErrNotRunning) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 25), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		slog.Error("auto start failed", slog.String("platform", cfg.Platform), slog.String("stream_id", cfg.StreamID), slog.Any("err", err))
		return
	}
	slog.Info("auto start: session running", slog.String("platform", cfg.Platform), slog.String("stream_id", cfg.StreamID))
}

func startPprof(ctx context.Context) {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil, // default mux exposes /debug/pprof
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
