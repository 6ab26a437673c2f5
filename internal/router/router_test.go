package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

// stubProvider serves a fixed model table and scripted results.
type stubProvider struct {
	name     string
	models   []domain.ModelInfo
	params   map[string]bool
	err      error
	calls    int
	lastReq  *domain.ModelRequest
	response string
}

func (s *stubProvider) Name() string                    { return s.name }
func (s *stubProvider) Models() []domain.ModelInfo      { return s.models }
func (s *stubProvider) SupportedParams() map[string]bool {
	if s.params != nil {
		return s.params
	}
	return map[string]bool{
		"prompt": true, "system_prompt": true, "temperature": true,
		"max_tokens": true, "thinking_mode": true,
	}
}

func (s *stubProvider) Generate(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	content := s.response
	if content == "" {
		content = "ok"
	}
	return &domain.ModelResponse{
		Content:  content,
		Model:    req.Model,
		Provider: s.name,
		Usage:    domain.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

// strictProvider rejects any request carrying a parameter outside its
// allowlist, mimicking a backend with undocumented parameter behavior.
type strictProvider struct {
	stubProvider
}

func (s *strictProvider) Generate(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	allowed := s.SupportedParams()
	if req.Temperature != 0 && !allowed["temperature"] {
		return nil, fmt.Errorf("unexpected parameter: temperature")
	}
	if req.MaxTokens != 0 && !allowed["max_tokens"] {
		return nil, fmt.Errorf("unexpected parameter: max_tokens")
	}
	if req.ThinkingMode != "" && !allowed["thinking_mode"] {
		return nil, fmt.Errorf("unexpected parameter: thinking_mode")
	}
	if req.SystemPrompt != "" && !allowed["system_prompt"] {
		return nil, fmt.Errorf("unexpected parameter: system_prompt")
	}
	return s.stubProvider.Generate(ctx, req)
}

func sonnetModels() []domain.ModelInfo {
	return []domain.ModelInfo{
		{ID: "sonnet-base", Family: "sonnet", Capabilities: []domain.Capability{domain.CapabilityJSONOutput}},
		{ID: "sonnet-thinking", Family: "sonnet", Capabilities: []domain.Capability{
			domain.CapabilityJSONOutput, domain.CapabilityExtendedReasoning,
		}},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestGenerateSelectsByPriority(t *testing.T) {
	first := &stubProvider{name: "first", models: sonnetModels()}
	second := &stubProvider{name: "second", models: sonnetModels()}
	rt := New([]domain.Provider{first, second}, Options{}, testLogger(), nil, nil)

	resp, err := rt.Generate(context.Background(), &domain.ModelRequest{Model: "sonnet-base", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Provider != "first" {
		t.Errorf("provider = %s, want first", resp.Provider)
	}
	if second.calls != 0 {
		t.Errorf("second provider called %d times, want 0", second.calls)
	}
}

func TestGenerateFallsOverOnFailure(t *testing.T) {
	first := &stubProvider{name: "first", models: sonnetModels(), err: errors.New("upstream down")}
	second := &stubProvider{name: "second", models: sonnetModels()}
	rt := New([]domain.Provider{first, second}, Options{}, testLogger(), nil, nil)

	resp, err := rt.Generate(context.Background(), &domain.ModelRequest{Model: "sonnet-base", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Provider != "second" {
		t.Errorf("provider = %s, want second after failover", resp.Provider)
	}
	if first.calls != 1 {
		t.Errorf("first provider calls = %d, want 1", first.calls)
	}
}

func TestGenerateSkipsOpenCircuitWithoutPenalty(t *testing.T) {
	first := &stubProvider{name: "first", models: sonnetModels(), err: errors.New("down")}
	second := &stubProvider{name: "second", models: sonnetModels()}
	rt := New([]domain.Provider{first, second}, Options{
		FailureThreshold: 2,
		FailureWindow:    time.Minute,
		Cooldown:         time.Hour,
	}, testLogger(), nil, nil)

	// Trip first's breaker.
	for i := 0; i < 2; i++ {
		if _, err := rt.Generate(context.Background(), &domain.ModelRequest{Model: "sonnet-base"}); err != nil {
			t.Fatalf("warmup call %d failed: %v", i, err)
		}
	}
	if got := rt.CircuitState("first"); got != CircuitOpen {
		t.Fatalf("first circuit = %s, want open", got)
	}

	failuresBefore := rt.breakers["first"].FailureCount()
	callsBefore := first.calls

	resp, err := rt.Generate(context.Background(), &domain.ModelRequest{Model: "sonnet-base"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Provider != "second" {
		t.Errorf("provider = %s, want second", resp.Provider)
	}
	if first.calls != callsBefore {
		t.Error("open-circuit provider was dispatched to")
	}
	if got := rt.breakers["first"].FailureCount(); got != failuresBefore {
		t.Errorf("skipped provider penalized: failures %d -> %d", failuresBefore, got)
	}
}

func TestGenerateSubstitutesModelForCapability(t *testing.T) {
	p := &stubProvider{name: "anthropic", models: sonnetModels()}
	rt := New([]domain.Provider{p}, Options{}, testLogger(), nil, nil)

	resp, err := rt.Generate(context.Background(), &domain.ModelRequest{
		Model:        "sonnet-base",
		Capabilities: []domain.Capability{domain.CapabilityExtendedReasoning},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.SubstitutedModel != "sonnet-thinking" {
		t.Errorf("substituted = %q, want sonnet-thinking", resp.SubstitutedModel)
	}
	if p.lastReq.Model != "sonnet-thinking" {
		t.Errorf("dispatched model = %q, want sonnet-thinking", p.lastReq.Model)
	}
	if len(resp.DegradedCapabilities) != 0 {
		t.Errorf("degraded = %v, want none", resp.DegradedCapabilities)
	}
}

func TestGenerateDegradesWhenSubstitutionDisabled(t *testing.T) {
	p := &stubProvider{name: "anthropic", models: sonnetModels()}
	rt := New([]domain.Provider{p}, Options{
		Substitution: map[string]bool{"anthropic": false},
	}, testLogger(), nil, nil)

	resp, err := rt.Generate(context.Background(), &domain.ModelRequest{
		Model:        "sonnet-base",
		Capabilities: []domain.Capability{domain.CapabilityExtendedReasoning},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.SubstitutedModel != "" {
		t.Errorf("substituted = %q, want none", resp.SubstitutedModel)
	}
	if len(resp.DegradedCapabilities) != 1 || resp.DegradedCapabilities[0] != domain.CapabilityExtendedReasoning {
		t.Errorf("degraded = %v, want [extended_reasoning]", resp.DegradedCapabilities)
	}
	if p.lastReq.Model != "sonnet-base" {
		t.Errorf("dispatched model = %q, want original sonnet-base", p.lastReq.Model)
	}
	if p.lastReq.HasCapability(domain.CapabilityExtendedReasoning) {
		t.Error("unsupported capability flag forwarded to provider")
	}
}

func TestGenerateNeverForwardsUnsupportedParams(t *testing.T) {
	p := &strictProvider{stubProvider{
		name:   "minimal",
		models: []domain.ModelInfo{{ID: "tiny", Family: "tiny"}},
		params: map[string]bool{"prompt": true},
	}}
	rt := New([]domain.Provider{p}, Options{}, testLogger(), nil, nil)

	resp, err := rt.Generate(context.Background(), &domain.ModelRequest{
		Model:        "tiny",
		Prompt:       "hello",
		SystemPrompt: "be terse",
		Temperature:  0.7,
		MaxTokens:    100,
		ThinkingMode: domain.ThinkingModeHigh,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
	// The system prompt must be folded into the user prompt, not lost.
	if p.lastReq.Prompt != "be terse\n\nhello" {
		t.Errorf("prompt = %q, want folded system prompt", p.lastReq.Prompt)
	}
}

// busyAdmission denies every class slot, simulating local saturation.
type busyAdmission struct{}

func (busyAdmission) AcquireClass(ctx context.Context, class string) (func(), error) {
	return nil, domain.NewCallError(domain.ErrorKindBusy, "admission queue timeout after 1s")
}

func TestGenerateBusyAdmissionDoesNotPenalizeProvider(t *testing.T) {
	p := &stubProvider{name: "healthy", models: sonnetModels()}
	rt := New([]domain.Provider{p}, Options{FailureThreshold: 1}, testLogger(), nil, busyAdmission{})

	_, err := rt.Generate(context.Background(), &domain.ModelRequest{Model: "sonnet-base", Prompt: "hi"})
	if got := domain.KindOf(err); got != domain.ErrorKindBusy {
		t.Fatalf("error kind = %s, want busy surfaced directly", got)
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times while admission was saturated", p.calls)
	}
	if state := rt.CircuitState("healthy"); state != CircuitClosed {
		t.Errorf("breaker state = %s, want closed: local overload is not a provider failure", state)
	}
	if FailureChain(err) != nil {
		t.Error("busy error must not carry a provider failure chain")
	}
}

func TestGenerateCallerCancellationDoesNotPenalizeProvider(t *testing.T) {
	p := &stubProvider{name: "healthy", models: sonnetModels(), err: context.Canceled}
	rt := New([]domain.Provider{p}, Options{FailureThreshold: 1}, testLogger(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rt.Generate(ctx, &domain.ModelRequest{Model: "sonnet-base", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if state := rt.CircuitState("healthy"); state != CircuitClosed {
		t.Errorf("breaker state = %s, want closed: caller cancellation is not a provider failure", state)
	}
}

func TestGenerateExhaustionCarriesFailureChain(t *testing.T) {
	first := &stubProvider{name: "first", models: sonnetModels(), err: errors.New("boom-1")}
	second := &stubProvider{name: "second", models: sonnetModels(), err: errors.New("boom-2")}
	rt := New([]domain.Provider{first, second}, Options{}, testLogger(), nil, nil)

	_, err := rt.Generate(context.Background(), &domain.ModelRequest{Model: "sonnet-base"})
	if err == nil {
		t.Fatal("expected error after exhausting providers")
	}
	if got := domain.KindOf(err); got != domain.ErrorKindProvider {
		t.Errorf("kind = %s, want provider_error", got)
	}
	chain := FailureChain(err)
	if len(chain) != 2 {
		t.Fatalf("failure chain length = %d, want 2", len(chain))
	}
	if chain[0].Provider != "first" || chain[1].Provider != "second" {
		t.Errorf("chain order = %s,%s want first,second", chain[0].Provider, chain[1].Provider)
	}
}

func TestGenerateOriginalRequestNotMutated(t *testing.T) {
	p := &stubProvider{name: "anthropic", models: sonnetModels()}
	rt := New([]domain.Provider{p}, Options{}, testLogger(), nil, nil)

	req := &domain.ModelRequest{
		Model:        "sonnet-base",
		Capabilities: []domain.Capability{domain.CapabilityExtendedReasoning},
	}
	if _, err := rt.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if req.Model != "sonnet-base" {
		t.Errorf("caller request mutated: model = %q", req.Model)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := newBreaker(1, time.Minute, 10*time.Second)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if b.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open circuit allowed dispatch before cooldown")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("half-open circuit refused probe after cooldown")
	}
	if b.Allow() {
		t.Fatal("half-open circuit allowed a second concurrent probe")
	}

	b.RecordSuccess()
	if b.State() != CircuitClosed {
		t.Errorf("state after probe success = %s, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed circuit refused dispatch")
	}
}
