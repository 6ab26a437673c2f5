// Package router selects a backend provider for each model request, adapts
// the request to provider capability gaps, and fails over across providers
// on error.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/telemetry"
)

// Admission grants per-provider-class concurrency slots. The daemon
// implements it; the router acquires a class slot only once the target
// provider is known.
type Admission interface {
	AcquireClass(ctx context.Context, class string) (release func(), err error)
}

// Options configures a Router.
type Options struct {
	// FailureThreshold, FailureWindow, Cooldown configure each
	// provider's circuit breaker.
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration

	// MaxAttempts bounds the failover chain length; zero means one
	// attempt per configured provider.
	MaxAttempts int

	// Substitution enables same-family model substitution per provider
	// name. Missing names default to enabled.
	Substitution map[string]bool
}

// Router routes model requests to providers in fixed priority order.
type Router struct {
	providers []domain.Provider // priority order
	breakers  map[string]*breaker
	opts      Options
	logger    *slog.Logger
	recorder  *telemetry.Recorder
	admission Admission
	tracer    trace.Tracer
}

// New creates a router over providers in priority order. recorder and
// admission may be nil.
func New(providers []domain.Provider, opts Options, logger *slog.Logger, recorder *telemetry.Recorder, admission Admission) *Router {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	breakers := make(map[string]*breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = newBreaker(opts.FailureThreshold, opts.FailureWindow, opts.Cooldown)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
		opts:      opts,
		logger:    logger,
		recorder:  recorder,
		admission: admission,
		tracer:    otel.Tracer("arbiterd/router"),
	}
}

// CircuitState reports the breaker position for a provider, for
// diagnostics. Unknown providers report closed.
func (r *Router) CircuitState(provider string) CircuitState {
	if b, ok := r.breakers[provider]; ok {
		return b.State()
	}
	return CircuitClosed
}

// adaptation is the capability-driven rewrite applied before dispatch.
type adaptation struct {
	req         *domain.ModelRequest
	substituted string
	degraded    []domain.Capability
}

// Generate routes the request to the first healthy capable provider,
// failing over in priority order. After exhausting all eligible providers
// it returns a provider error carrying the per-provider failure chain.
func (r *Router) Generate(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	maxAttempts := r.opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(r.providers)
	}

	var (
		chain    *multierror.Error
		failures []domain.ProviderFailure
		attempts int
	)

	for _, p := range r.providers {
		if attempts >= maxAttempts {
			break
		}

		model, ok := modelFor(p, req.Model)
		if !ok {
			continue // provider does not serve this model, no penalty
		}

		b := r.breakers[p.Name()]
		if !b.Allow() {
			r.logger.Debug("provider circuit open, skipping",
				slog.String("provider", p.Name()),
				slog.String("model", req.Model),
			)
			continue // skipped while open, not penalized
		}

		ad := r.adapt(p, model, req)
		attempts++

		resp, err := r.dispatch(ctx, p, ad)
		if err != nil {
			// Local admission pressure and the caller's own deadline
			// are not the provider's fault: no breaker penalty, no
			// chain entry, and no point trying the next provider.
			if kind := domain.KindOf(err); kind == domain.ErrorKindBusy || kind == domain.ErrorKindTimeout || ctx.Err() != nil {
				return nil, err
			}

			b.RecordFailure()
			failures = append(failures, domain.ProviderFailure{
				Provider: p.Name(),
				Model:    ad.req.Model,
				Reason:   err.Error(),
			})
			chain = multierror.Append(chain, fmt.Errorf("provider %s (model %s): %w", p.Name(), ad.req.Model, err))
			r.logger.Warn("provider dispatch failed, trying next",
				slog.String("provider", p.Name()),
				slog.String("model", ad.req.Model),
				slog.String("error", err.Error()),
			)
			continue
		}

		b.RecordSuccess()
		resp.SubstitutedModel = ad.substituted
		resp.DegradedCapabilities = ad.degraded
		return resp, nil
	}

	if chain == nil {
		return nil, domain.NewCallError(domain.ErrorKindProvider,
			"no provider serves model %q", req.Model)
	}
	perr := domain.NewCallError(domain.ErrorKindProvider,
		"all providers exhausted for model %q: %s", req.Model, chain.Error())
	perr.Cause = chain
	return nil, &providerChainError{CallError: perr, Failures: failures}
}

// providerChainError carries the per-provider failure chain for diagnosis.
type providerChainError struct {
	*domain.CallError
	Failures []domain.ProviderFailure
}

// FailureChain extracts the per-provider failures from a router error, or
// nil when err is not a fallback-exhaustion error.
func FailureChain(err error) []domain.ProviderFailure {
	if pce, ok := err.(*providerChainError); ok {
		return pce.Failures
	}
	return nil
}

// adapt rewrites the request for a provider: capability-driven model
// substitution or degradation, then unsupported-parameter filtering.
// Both substitution and degradation are flagged and logged, never silent.
func (r *Router) adapt(p domain.Provider, model domain.ModelInfo, req *domain.ModelRequest) adaptation {
	ad := adaptation{req: req.Clone()}

	var missing []domain.Capability
	for _, cap := range req.Capabilities {
		if !model.Supports(cap) {
			missing = append(missing, cap)
		}
	}

	if len(missing) > 0 {
		if r.substitutionEnabled(p.Name()) {
			if sub, ok := familySubstitute(p, model, req.Capabilities); ok {
				ad.req.Model = sub.ID
				ad.substituted = sub.ID
				r.logger.Info("substituted model for unsupported capability",
					slog.String("provider", p.Name()),
					slog.String("requested", req.Model),
					slog.String("substituted", sub.ID),
				)
				missing = nil
			}
		}
		if len(missing) > 0 {
			// Degrade: drop the unsupported capability flags and
			// proceed with the original model.
			kept := ad.req.Capabilities[:0]
			for _, cap := range ad.req.Capabilities {
				if model.Supports(cap) {
					kept = append(kept, cap)
				}
			}
			ad.req.Capabilities = kept
			ad.degraded = missing
			r.logger.Info("degraded request, dropped unsupported capabilities",
				slog.String("provider", p.Name()),
				slog.String("model", req.Model),
				slog.Any("dropped", missing),
			)
		}
	}

	filterParams(ad.req, p.SupportedParams())
	return ad
}

// filterParams clears request fields the provider's API is not documented
// to accept. Forwarding unsupported parameters upstream is a correctness
// hazard, not an optimization target.
func filterParams(req *domain.ModelRequest, allowed map[string]bool) {
	if !allowed["temperature"] {
		req.Temperature = 0
	}
	if !allowed["max_tokens"] {
		req.MaxTokens = 0
	}
	if !allowed["thinking_mode"] {
		req.ThinkingMode = ""
	}
	if !allowed["system_prompt"] && req.SystemPrompt != "" {
		// Fold the system prompt into the user prompt rather than
		// dropping instructions on the floor.
		req.Prompt = req.SystemPrompt + "\n\n" + req.Prompt
		req.SystemPrompt = ""
	}
}

// dispatch performs one provider call with tracing, class-slot admission,
// and best-effort telemetry.
func (r *Router) dispatch(ctx context.Context, p domain.Provider, ad adaptation) (*domain.ModelResponse, error) {
	if r.admission != nil {
		release, err := r.admission.AcquireClass(ctx, p.Name())
		if err != nil {
			return nil, err
		}
		defer release()
	}

	ctx, span := r.tracer.Start(ctx, "provider.generate",
		trace.WithAttributes(
			attribute.String("provider", p.Name()),
			attribute.String("model", ad.req.Model),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := p.Generate(ctx, ad.req)
	elapsed := time.Since(start)

	if r.recorder != nil {
		var usage domain.Usage
		if resp != nil {
			usage = resp.Usage
		}
		r.recorder.RecordDispatch(p.Name(), ad.req.Model, usage, elapsed, err)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("tokens.input", resp.Usage.InputTokens),
		attribute.Int("tokens.output", resp.Usage.OutputTokens),
	)
	return resp, nil
}

func (r *Router) substitutionEnabled(provider string) bool {
	if r.opts.Substitution == nil {
		return true
	}
	enabled, ok := r.opts.Substitution[provider]
	if !ok {
		return true
	}
	return enabled
}

// modelFor finds the provider's entry for a model id.
func modelFor(p domain.Provider, modelID string) (domain.ModelInfo, bool) {
	for _, m := range p.Models() {
		if m.ID == modelID {
			return m, true
		}
	}
	return domain.ModelInfo{}, false
}

// familySubstitute looks for a same-family model that supports every
// requested capability.
func familySubstitute(p domain.Provider, base domain.ModelInfo, caps []domain.Capability) (domain.ModelInfo, bool) {
	if base.Family == "" {
		return domain.ModelInfo{}, false
	}
	for _, m := range p.Models() {
		if m.Family != base.Family || m.ID == base.ID {
			continue
		}
		all := true
		for _, cap := range caps {
			if !m.Supports(cap) {
				all = false
				break
			}
		}
		if all {
			return m, true
		}
	}
	return domain.ModelInfo{}, false
}
