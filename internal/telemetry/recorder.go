// Package telemetry provides tracing initialization and best-effort
// dispatch metrics. Recording must never block or fail a call; sink errors
// are logged at debug level and swallowed.
package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

// Recorder records per-provider dispatch outcomes.
type Recorder struct {
	logger *slog.Logger

	dispatches *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	tokens     *prometheus.CounterVec
	admission  *prometheus.GaugeVec

	warnOnce sync.Map // dedupes swallowed-error logs by message
}

// NewRecorder registers dispatch metrics on reg. A nil registerer falls
// back to the default prometheus registry.
func NewRecorder(logger *slog.Logger, reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		logger: logger,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_provider_dispatches_total",
			Help: "Provider dispatch attempts by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_provider_latency_seconds",
			Help:    "Provider dispatch latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider", "model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_provider_tokens_total",
			Help: "Token usage by provider, model, and direction.",
		}, []string{"provider", "model", "direction"}),
		admission: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbiter_admission_inflight",
			Help: "In-flight admitted calls by provider class.",
		}, []string{"class"}),
	}

	for _, c := range []prometheus.Collector{r.dispatches, r.latency, r.tokens, r.admission} {
		if err := reg.Register(c); err != nil {
			r.swallow("register metric", err)
		}
	}
	return r
}

// RecordDispatch records one provider call outcome.
func (r *Recorder) RecordDispatch(provider, model string, usage domain.Usage, elapsed time.Duration, err error) {
	defer r.recover("record dispatch")

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.dispatches.WithLabelValues(provider, model, outcome).Inc()
	r.latency.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if usage.InputTokens > 0 {
		r.tokens.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		r.tokens.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
	}
}

// RecordAdmission tracks the in-flight gauge for a provider class.
func (r *Recorder) RecordAdmission(class string, delta float64) {
	defer r.recover("record admission")
	if class == "" {
		class = "unclassified"
	}
	r.admission.WithLabelValues(class).Add(delta)
}

// swallow logs a sink error at debug level, once per distinct message, so
// a broken sink cannot flood logs or mask adjacent bugs.
func (r *Recorder) swallow(op string, err error) {
	if err == nil {
		return
	}
	key := op + ":" + err.Error()
	if _, loaded := r.warnOnce.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	r.logger.Debug("telemetry sink error swallowed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}

func (r *Recorder) recover(op string) {
	if p := recover(); p != nil {
		r.swallow(op, panicError{p})
	}
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic in telemetry sink" }
