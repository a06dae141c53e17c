// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CommentsReceived *prometheus.CounterVec // by platform
	CommentsRejected *prometheus.CounterVec // by reason
	IntakeDropped    prometheus.Counter
	RepliesProduced  prometheus.Counter
	ReplyFallbacks   prometheus.Counter
	TTSFailures      prometheus.Counter
	CreditsDeducted  *prometheus.CounterVec // by component
	BillingFailures  *prometheus.CounterVec // by component
	AIRequests       *prometheus.CounterVec // by model, outcome

	// Histograms (seconds)
	ReplyDuration prometheus.Observer
	SpeakDuration prometheus.Observer

	// Gauges
	QueueDepthGauge     prometheus.Gauge
	SchedulerStateGauge prometheus.Gauge // 0=idle,1=batching,2=cooldown
	TTSInFlightGauge    prometheus.Gauge
	CircuitOpenGauge    prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CommentsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cohost_comments_received_total", Help: "Chat comments received from sources"}, []string{"platform"})
		CommentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cohost_comments_rejected_total", Help: "Triggered comments rejected by the filter or queue"}, []string{"reason"})
		IntakeDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "cohost_intake_dropped_total", Help: "Comments dropped because the intake channel was full"})
		RepliesProduced = promauto.NewCounter(prometheus.CounterOpts{Name: "cohost_replies_total", Help: "Replies produced (including fallbacks)"})
		ReplyFallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "cohost_reply_fallbacks_total", Help: "Replies that used the canned fallback text"})
		TTSFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "cohost_tts_failures_total", Help: "TTS playbacks that failed or timed out"})
		CreditsDeducted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cohost_credits_deducted_total", Help: "Credits deducted by component"}, []string{"component"})
		BillingFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cohost_billing_failures_total", Help: "Deductions skipped after retries"}, []string{"component"})
		AIRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cohost_ai_requests_total", Help: "AI generation attempts by model and outcome"}, []string{"model", "outcome"})
		ReplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "cohost_reply_duration_seconds", Help: "Time from dequeue to end of speech", Buckets: prometheus.DefBuckets})
		SpeakDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "cohost_speak_duration_seconds", Help: "TTS synthesis plus playback time", Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80}})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "cohost_queue_depth", Help: "Comments waiting in the batch queue"})
		SchedulerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "cohost_scheduler_state", Help: "Scheduler state: 0=idle 1=batching 2=cooldown"})
		TTSInFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "cohost_tts_in_flight", Help: "1 while a reply is being spoken"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "cohost_ai_circuit_open", Help: "AI circuit breaker open=1 closed=0"})
	})
}

// The helpers below are nil-safe so packages can be tested without calling Init.

// RecordComment counts a received comment.
func RecordComment(platform string) {
	if CommentsReceived != nil {
		CommentsReceived.WithLabelValues(platform).Inc()
	}
}

// RecordRejection counts a rejected comment by reason.
func RecordRejection(reason string) {
	if CommentsRejected != nil {
		CommentsRejected.WithLabelValues(reason).Inc()
	}
}

// RecordIntakeDrop counts a comment lost to a full intake channel.
func RecordIntakeDrop() {
	if IntakeDropped != nil {
		IntakeDropped.Inc()
	}
}

// RecordReply counts a produced reply and its end-to-end duration.
func RecordReply(fallback bool, d time.Duration) {
	if RepliesProduced != nil {
		RepliesProduced.Inc()
	}
	if fallback && ReplyFallbacks != nil {
		ReplyFallbacks.Inc()
	}
	if ReplyDuration != nil {
		ReplyDuration.Observe(d.Seconds())
	}
}

// RecordTTSFailure counts a failed playback.
func RecordTTSFailure() {
	if TTSFailures != nil {
		TTSFailures.Inc()
	}
}

// RecordCredits adds deducted credits for a component.
func RecordCredits(component string, credits float64) {
	if CreditsDeducted != nil {
		CreditsDeducted.WithLabelValues(component).Add(credits)
	}
}

// RecordBillingFailure counts a deduction that was given up on.
func RecordBillingFailure(component string) {
	if BillingFailures != nil {
		BillingFailures.WithLabelValues(component).Inc()
	}
}

// RecordAIRequest counts an AI attempt against a model.
func RecordAIRequest(model, outcome string) {
	if AIRequests != nil {
		AIRequests.WithLabelValues(model, outcome).Inc()
	}
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// SetQueueDepth records the current batch queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetSchedulerState records the scheduler state code.
func SetSchedulerState(code int) {
	if SchedulerStateGauge != nil {
		SchedulerStateGauge.Set(float64(code))
	}
}

// SetTTSInFlight flips the in-flight gauge.
func SetTTSInFlight(on bool) {
	if TTSInFlightGauge != nil {
		if on {
			TTSInFlightGauge.Set(1)
		} else {
			TTSInFlightGauge.Set(0)
		}
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
