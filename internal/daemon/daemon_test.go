package daemon

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/auth"
	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/tenant"
	"github.com/arbiter-dev/arbiterd/internal/wire"
)

type stubHandler struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	result  any
	err     error
	release chan struct{} // if set, block until closed
}

func (h *stubHandler) Handle(ctx context.Context, args map[string]any) (any, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.release != nil {
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.err != nil {
		return nil, h.err
	}
	if h.result != nil {
		return h.result, nil
	}
	return map[string]any{"ok": true}, nil
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type stubRegistry struct {
	tools map[string]*domain.ToolRegistration
}

func (r *stubRegistry) Lookup(name string) (*domain.ToolRegistration, bool) {
	reg, ok := r.tools[name]
	return reg, ok
}

type frameSink struct {
	mu     sync.Mutex
	frames []*wire.Frame
}

func (s *frameSink) emit(f *wire.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *frameSink) snapshot() []*wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// waitTerminal blocks until a result or error frame for requestID arrives.
func (s *frameSink) waitTerminal(t *testing.T, requestID string) *wire.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, f := range s.snapshot() {
			if f.RequestID == requestID && (f.Op == wire.OpResult || f.Op == wire.OpError) {
				return f
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no terminal frame for %s; got %d frames", requestID, len(s.snapshot()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator([]*tenant.Tenant{
		{ID: "acme", Name: "Acme", TokenHashes: []string{auth.HashToken("secret-token")}},
	})
}

func newTestDaemon(t *testing.T, handler domain.ToolHandler, opts Options) *Daemon {
	t.Helper()
	registry := &stubRegistry{tools: map[string]*domain.ToolRegistration{
		"chat": {Name: "chat", Kind: domain.HandlerKindSingleCall, Handler: handler},
		"debug": {
			Name:    "debug",
			Kind:    domain.HandlerKindWorkflow,
			Handler: handler,
		},
	}}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(registry, testAuthenticator(), opts, logger, nil)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestConnectRejectsUnknownToken(t *testing.T) {
	d := newTestDaemon(t, &stubHandler{}, Options{})
	if _, err := d.Connect("wrong"); domain.KindOf(err) != domain.ErrorKindAuth {
		t.Fatalf("expected auth_error, got %v", err)
	}
}

func TestConnectCreatesSession(t *testing.T) {
	d := newTestDaemon(t, &stubHandler{}, Options{})
	sess, err := d.Connect("secret-token")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" || sess.TenantID != "acme" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if d.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", d.SessionCount())
	}
	d.Disconnect(sess)
	if d.SessionCount() != 0 {
		t.Fatalf("expected 0 sessions after disconnect, got %d", d.SessionCount())
	}
}

func TestSubmitUnknownTool(t *testing.T) {
	d := newTestDaemon(t, &stubHandler{}, Options{})
	sess, _ := d.Connect("secret-token")
	sink := &frameSink{}

	d.Submit(sess, "r1", "nope", nil, sink.emit)

	f := sink.waitTerminal(t, "r1")
	if f.Op != wire.OpError || f.Kind != string(domain.ErrorKindValidation) {
		t.Fatalf("expected validation error, got %+v", f)
	}
}

func TestSubmitDeliversResultAfterAck(t *testing.T) {
	h := &stubHandler{result: map[string]any{"answer": "42"}}
	d := newTestDaemon(t, h, Options{})
	sess, _ := d.Connect("secret-token")
	sink := &frameSink{}

	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "q"}, sink.emit)
	f := sink.waitTerminal(t, "r1")

	if f.Op != wire.OpResult {
		t.Fatalf("expected result, got %+v", f)
	}
	frames := sink.snapshot()
	if frames[0].Op != wire.OpAck {
		t.Fatalf("expected ack first, got %s", frames[0].Op)
	}
}

func TestRetrySameRequestIDServedFromCache(t *testing.T) {
	h := &stubHandler{}
	d := newTestDaemon(t, h, Options{})
	sess, _ := d.Connect("secret-token")
	sink := &frameSink{}

	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "q"}, sink.emit)
	sink.waitTerminal(t, "r1")

	sink2 := &frameSink{}
	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "q"}, sink2.emit)
	f := sink2.waitTerminal(t, "r1")

	if f.Op != wire.OpResult {
		t.Fatalf("expected cached result, got %+v", f)
	}
	if h.callCount() != 1 {
		t.Fatalf("handler invoked %d times, want 1", h.callCount())
	}
}

func TestSemanticDedupAcrossSessions(t *testing.T) {
	h := &stubHandler{}
	d := newTestDaemon(t, h, Options{})
	s1, _ := d.Connect("secret-token")
	s2, _ := d.Connect("secret-token")

	sink1 := &frameSink{}
	d.Submit(s1, "r1", "chat", map[string]any{"prompt": "same"}, sink1.emit)
	sink1.waitTerminal(t, "r1")

	sink2 := &frameSink{}
	d.Submit(s2, "r2", "chat", map[string]any{"prompt": "same"}, sink2.emit)
	f := sink2.waitTerminal(t, "r2")

	if f.Op != wire.OpResult {
		t.Fatalf("expected result, got %+v", f)
	}
	if h.callCount() != 1 {
		t.Fatalf("handler invoked %d times, want 1", h.callCount())
	}
}

func TestDifferentArgumentsMissTheCache(t *testing.T) {
	h := &stubHandler{}
	d := newTestDaemon(t, h, Options{})
	sess, _ := d.Connect("secret-token")

	sink1 := &frameSink{}
	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "a"}, sink1.emit)
	sink1.waitTerminal(t, "r1")

	sink2 := &frameSink{}
	d.Submit(sess, "r2", "chat", map[string]any{"prompt": "b"}, sink2.emit)
	sink2.waitTerminal(t, "r2")

	if h.callCount() != 2 {
		t.Fatalf("handler invoked %d times, want 2", h.callCount())
	}
}

func TestAdmissionExhaustionReturnsBusy(t *testing.T) {
	release := make(chan struct{})
	h := &stubHandler{release: release}
	d := newTestDaemon(t, h, Options{
		GlobalLimit:  1,
		QueueTimeout: 50 * time.Millisecond,
	})
	sess, _ := d.Connect("secret-token")

	sink1 := &frameSink{}
	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "hold"}, sink1.emit)

	// Wait for the first call to occupy the slot.
	deadline := time.After(2 * time.Second)
	for h.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first call never started")
		case <-time.After(time.Millisecond):
		}
	}

	sink2 := &frameSink{}
	d.Submit(sess, "r2", "chat", map[string]any{"prompt": "queued"}, sink2.emit)
	f := sink2.waitTerminal(t, "r2")

	if f.Op != wire.OpError || f.Kind != string(domain.ErrorKindBusy) {
		t.Fatalf("expected busy error, got %+v", f)
	}

	close(release)
	sink1.waitTerminal(t, "r1")
}

func TestProgressFramesCarryElapsedOnly(t *testing.T) {
	release := make(chan struct{})
	h := &stubHandler{release: release}
	d := newTestDaemon(t, h, Options{
		ProgressGrace:    10 * time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
	})
	sess, _ := d.Connect("secret-token")
	sink := &frameSink{}

	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "slow"}, sink.emit)

	deadline := time.After(2 * time.Second)
	for {
		var progress *wire.Frame
		for _, f := range sink.snapshot() {
			if f.Op == wire.OpProgress {
				progress = f
			}
		}
		if progress != nil {
			if progress.ElapsedSeconds <= 0 {
				t.Fatalf("progress should report elapsed time, got %+v", progress)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("no progress frame observed")
		case <-time.After(time.Millisecond):
		}
	}

	close(release)
	sink.waitTerminal(t, "r1")
}

func TestHandlerErrorKindIsPreserved(t *testing.T) {
	h := &stubHandler{err: domain.NewCallError(domain.ErrorKindProvider, "backend down")}
	d := newTestDaemon(t, h, Options{})
	sess, _ := d.Connect("secret-token")
	sink := &frameSink{}

	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "q"}, sink.emit)
	f := sink.waitTerminal(t, "r1")

	if f.Op != wire.OpError || f.Kind != string(domain.ErrorKindProvider) {
		t.Fatalf("expected provider_error, got %+v", f)
	}
}

func TestDeadlineExceededMapsToTimeout(t *testing.T) {
	h := &stubHandler{delay: time.Second}
	d := newTestDaemon(t, h, Options{BaseTimeout: 20 * time.Millisecond})
	sess, _ := d.Connect("secret-token")
	sink := &frameSink{}

	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "q"}, sink.emit)
	f := sink.waitTerminal(t, "r1")

	if f.Op != wire.OpError || f.Kind != string(domain.ErrorKindTimeout) {
		t.Fatalf("expected timeout, got %+v", f)
	}
}

func TestDisconnectedSessionStillCachesResult(t *testing.T) {
	release := make(chan struct{})
	h := &stubHandler{release: release}
	d := newTestDaemon(t, h, Options{})
	sess, _ := d.Connect("secret-token")
	sink := &frameSink{}

	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "q"}, sink.emit)

	deadline := time.After(2 * time.Second)
	for h.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("call never started")
		case <-time.After(time.Millisecond):
		}
	}

	d.Disconnect(sess)
	close(release)
	sink.waitTerminal(t, "r1")

	// A reconnect retrying the same request id hits the cache.
	sess2, _ := d.Connect("secret-token")
	sink2 := &frameSink{}
	d.Submit(sess2, "r1", "chat", map[string]any{"prompt": "q"}, sink2.emit)
	f := sink2.waitTerminal(t, "r1")

	if f.Op != wire.OpResult {
		t.Fatalf("expected cached result after reconnect, got %+v", f)
	}
	if h.callCount() != 1 {
		t.Fatalf("handler invoked %d times, want 1", h.callCount())
	}
}

func TestDeadlineDerivation(t *testing.T) {
	d := newTestDaemon(t, &stubHandler{}, Options{
		BaseTimeout:         90 * time.Second,
		SynthesisMultiplier: 2.0,
		DepthMultipliers: map[string]float64{
			"minimal": 1.0, "low": 1.0, "medium": 1.0, "high": 1.5, "max": 2.0,
		},
	})

	single := &domain.ToolRegistration{Name: "chat", Kind: domain.HandlerKindSingleCall}
	workflow := &domain.ToolRegistration{Name: "debug", Kind: domain.HandlerKindWorkflow}

	cases := []struct {
		name string
		reg  *domain.ToolRegistration
		args map[string]any
		want time.Duration
	}{
		{"single call base", single, map[string]any{}, 90 * time.Second},
		{"intermediate step base", workflow, map[string]any{"next_step_required": true}, 90 * time.Second},
		{"final step doubles", workflow, map[string]any{"next_step_required": false}, 180 * time.Second},
		{"final step max depth", workflow, map[string]any{"next_step_required": false, "thinking_mode": "max"}, 360 * time.Second},
		{"high depth alone", workflow, map[string]any{"next_step_required": true, "thinking_mode": "high"}, 135 * time.Second},
		{"unknown depth ignored", single, map[string]any{"thinking_mode": "galactic"}, 90 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.deadlineFor(tc.reg, tc.args); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	h := &stubHandler{delay: 30 * time.Millisecond}
	d := newTestDaemon(t, h, Options{})
	sess, _ := d.Connect("secret-token")
	sink := &frameSink{}

	d.Submit(sess, "r1", "chat", map[string]any{"prompt": "q"}, sink.emit)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	f := sink.waitTerminal(t, "r1")
	if f.Op != wire.OpResult {
		t.Fatalf("expected in-flight call to finish, got %+v", f)
	}
}
