// Package server exposes the co-host control plane over HTTP: health, metrics, a status
// snapshot, a live SSE feed of session events, transcript and ledger reads, and the
// admin-protected session start/stop/reset commands. Every request carries a correlation
// ID in its context for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/codes"

	"github.com/arulbarker/streammateseller/telemetry"
)

// NewMux returns the HTTP handler with all routes. ctx bounds the rate limiter's cleanup
// goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	h := NewHandlers(deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/events", h.HandleEvents)
	mux.HandleFunc("/transcript", h.HandleTranscript)
	mux.HandleFunc("/ledger", h.HandleLedger)
	mux.HandleFunc("/session/start", h.HandleSessionStart)
	mux.HandleFunc("/session/stop", h.HandleSessionStop)
	mux.HandleFunc("/session/reset", h.HandleSessionReset)

	protected := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/session/") || r.URL.Path == "/ledger" {
			protected.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 && rec.statusCode < 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush lets SSE handlers stream through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		// No WriteTimeout: /events holds the connection open.
		IdleTimeout: 60 * time.Second,
		// Request contexts end with ctx so open event streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
