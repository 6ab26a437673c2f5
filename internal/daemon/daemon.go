// Package daemon is the session/admission layer: it authenticates
// connections, admits tool calls under concurrency ceilings, deduplicates
// results by request identity and semantic signature, and emits liveness
// progress for long calls. All state hangs off the Daemon struct; there is
// no package-level mutable state.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/auth"
	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/telemetry"
	"github.com/arbiter-dev/arbiterd/internal/wire"
)

// Options configures the daemon.
type Options struct {
	CacheTTL        time.Duration
	CacheMaxEntries int

	GlobalLimit  int
	ClassLimits  map[string]int
	QueueTimeout time.Duration

	ProgressInterval time.Duration
	ProgressGrace    time.Duration

	BaseTimeout         time.Duration
	SynthesisMultiplier float64
	DepthMultipliers    map[string]float64
}

func (o *Options) fillDefaults() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	if o.CacheMaxEntries <= 0 {
		o.CacheMaxEntries = 4096
	}
	if o.GlobalLimit <= 0 {
		o.GlobalLimit = 24
	}
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 45 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 8 * time.Second
	}
	if o.ProgressGrace <= 0 {
		o.ProgressGrace = 10 * time.Second
	}
	if o.BaseTimeout <= 0 {
		o.BaseTimeout = 90 * time.Second
	}
	if o.SynthesisMultiplier <= 0 {
		o.SynthesisMultiplier = 2.0
	}
}

// Emitter delivers frames back to the client. Implementations must be safe
// for concurrent use and must tolerate a dead connection (drop, don't
// block): a disconnected client's call still runs to completion so the
// result lands in the cache.
type Emitter func(*wire.Frame)

// Daemon is the admission and session core.
type Daemon struct {
	logger    *slog.Logger
	registry  domain.ToolRegistry
	auth      *auth.Authenticator
	cache     *ResultCache
	admission *Admission
	sessions  *sessionTable
	opts      Options

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// New constructs the daemon.
func New(registry domain.ToolRegistry, authenticator *auth.Authenticator, opts Options, logger *slog.Logger, recorder *telemetry.Recorder) *Daemon {
	opts.fillDefaults()
	return &Daemon{
		logger:    logger,
		registry:  registry,
		auth:      authenticator,
		cache:     NewResultCache(opts.CacheMaxEntries, opts.CacheTTL),
		admission: NewAdmission(opts.GlobalLimit, opts.ClassLimits, opts.QueueTimeout, recorder),
		sessions:  newSessionTable(),
		opts:      opts,
		shutdown:  make(chan struct{}),
	}
}

// Admission exposes the class-slot acquirer for the provider router, which
// acquires a per-class slot only once routing has selected the provider.
func (d *Daemon) Admission() *Admission { return d.admission }

// Connect validates a session token and creates a session. Rejections are
// explicit and logged; the log never echoes expected values.
func (d *Daemon) Connect(token string) (*Session, error) {
	t, err := d.auth.ValidateToken(token)
	if err != nil {
		d.logger.Warn("connection rejected", slog.String("reason", err.Error()))
		return nil, domain.NewCallError(domain.ErrorKindAuth, "%v", err)
	}
	sess := d.sessions.create(t.ID)
	d.logger.Info("session connected",
		slog.String("session_id", sess.ID),
		slog.String("tenant", t.ID),
	)
	return sess, nil
}

// Disconnect tears down a session. Its in-flight calls keep running so a
// reconnecting client can fetch their results by request id.
func (d *Daemon) Disconnect(sess *Session) {
	d.sessions.remove(sess.ID)
	d.logger.Info("session disconnected",
		slog.String("session_id", sess.ID),
		slog.Int("inflight_at_disconnect", sess.InFlight()),
	)
}

// Submit admits and runs one tool call asynchronously. The ack, any
// progress frames, and the terminal result or error all flow through emit.
func (d *Daemon) Submit(sess *Session, requestID, toolName string, args map[string]any, emit Emitter) {
	sess.Touch()

	if requestID == "" || toolName == "" {
		emit(wire.Error(requestID, string(domain.ErrorKindValidation), "request_id and tool_name are required"))
		return
	}

	reg, ok := d.registry.Lookup(toolName)
	if !ok {
		emit(wire.Error(requestID, string(domain.ErrorKindValidation), fmt.Sprintf("unknown tool %q", toolName)))
		return
	}

	signature := Signature(toolName, args)

	// Request-id hits serve retries; semantic hits reuse results across
	// sessions. Either way the handler is not re-invoked.
	if entry, ok := d.cache.Lookup(requestID, signature); ok {
		d.logger.Debug("cache hit",
			slog.String("request_id", requestID),
			slog.String("tool", toolName),
		)
		emit(wire.Ack(requestID))
		emit(wire.Result(requestID, entry.Payload))
		return
	}

	emit(wire.Ack(requestID))
	sess.TrackRequest(requestID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer sess.UntrackRequest(requestID)
		d.run(sess, reg, requestID, signature, args, emit)
	}()
}

// run executes one admitted call to completion.
func (d *Daemon) run(sess *Session, reg *domain.ToolRegistration, requestID, signature string, args map[string]any, emit Emitter) {
	start := time.Now()

	stopProgress := d.startProgress(requestID, start, emit)
	defer stopProgress()

	// The call is deliberately detached from the connection's lifetime:
	// only its own coordinated deadline cancels it.
	deadline := d.deadlineFor(reg, args)
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	releaseGlobal, err := d.admission.AcquireGlobal(ctx)
	if err != nil {
		d.emitError(emit, requestID, reg.Name, err)
		return
	}
	defer releaseGlobal()

	// Tools that pin a provider take their class slot before dispatch;
	// auto-routed tools get theirs inside the router after selection.
	if reg.ProviderClass != "" {
		releaseClass, err := d.admission.AcquireClass(ctx, reg.ProviderClass)
		if err != nil {
			d.emitError(emit, requestID, reg.Name, err)
			return
		}
		defer releaseClass()
	}

	payload, err := reg.Handler.Handle(ctx, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && domain.KindOf(err) == domain.ErrorKindInternal {
			err = domain.NewCallError(domain.ErrorKindTimeout,
				"call exceeded coordinated deadline of %s", deadline)
		}
		d.emitError(emit, requestID, reg.Name, err)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		d.emitError(emit, requestID, reg.Name, domain.NewCallError(domain.ErrorKindInternal,
			"failed to encode result: %v", err))
		return
	}

	d.cache.Store(requestID, signature, reg.Name, raw)
	d.logger.Info("call completed",
		slog.String("request_id", requestID),
		slog.String("tool", reg.Name),
		slog.Duration("elapsed", time.Since(start)),
	)
	emit(wire.Result(requestID, raw))
}

// startProgress emits elapsed-only liveness frames for calls outstanding
// beyond the grace period. Progress never carries a projected completion
// estimate.
func (d *Daemon) startProgress(requestID string, start time.Time, emit Emitter) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		grace := time.NewTimer(d.opts.ProgressGrace)
		defer grace.Stop()
		select {
		case <-done:
			return
		case <-d.shutdown:
			return
		case <-grace.C:
		}

		ticker := time.NewTicker(d.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-d.shutdown:
				return
			case <-ticker.C:
				emit(wire.Progress(requestID, time.Since(start).Seconds()))
			}
		}
	}()
	return stop
}

// deadlineFor derives the coordinated deadline: base timeout, multiplied
// for a final synthesis step, multiplied again for the requested reasoning
// depth. All factors come from configuration.
func (d *Daemon) deadlineFor(reg *domain.ToolRegistration, args map[string]any) time.Duration {
	budget := float64(d.opts.BaseTimeout)

	if reg.Kind == domain.HandlerKindWorkflow {
		if next, ok := args["next_step_required"].(bool); ok && !next {
			budget *= d.opts.SynthesisMultiplier
		}
	}

	if mode, ok := args["thinking_mode"].(string); ok && mode != "" {
		if m, ok := d.opts.DepthMultipliers[mode]; ok && m > 0 {
			budget *= m
		}
	}

	return time.Duration(budget)
}

func (d *Daemon) emitError(emit Emitter, requestID, tool string, err error) {
	kind := domain.KindOf(err)
	if kind == domain.ErrorKindInternal {
		// Internal errors are defects; always logged with full context.
		d.logger.Error("tool call failed",
			slog.String("request_id", requestID),
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
	} else {
		d.logger.Warn("tool call failed",
			slog.String("request_id", requestID),
			slog.String("tool", tool),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
	emit(wire.Error(requestID, string(kind), err.Error()))
}

// SessionCount reports live sessions, for health output.
func (d *Daemon) SessionCount() int { return d.sessions.count() }

// Shutdown stops progress emission and waits for in-flight calls up to
// ctx's deadline, so their results reach the cache.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.once.Do(func() { close(d.shutdown) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with calls still in flight: %w", ctx.Err())
	}
}
