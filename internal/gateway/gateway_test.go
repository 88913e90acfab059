package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// stubProvider is a scriptable in-memory provider.
type stubProvider struct {
	name       string
	dim        int
	embedErrs  []error // consumed one per call, nil entries succeed
	embedCalls int
	completion string
	rerank     []float64
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	call := s.embedCalls
	s.embedCalls++
	if call < len(s.embedErrs) && s.embedErrs[call] != nil {
		return nil, s.embedErrs[call]
	}
	return make([]float32, s.dim), nil
}

func (s *stubProvider) Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error) {
	if s.rerank == nil {
		return nil, fmt.Errorf("%w: rerank unsupported", types.ErrProviderFatal)
	}
	return s.rerank, nil
}

func (s *stubProvider) Complete(ctx context.Context, model string, messages []ChatMessage, params CompleteParams) (string, error) {
	if s.completion == "" {
		return "", fmt.Errorf("%w: no completion scripted", types.ErrProviderTransient)
	}
	return s.completion, nil
}

func (s *stubProvider) IsAvailable(ctx context.Context) bool { return true }

func newTestGateway(t *testing.T, providers ...*stubProvider) *Gateway {
	t.Helper()
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.name
	}
	g := New(Config{
		ProviderPriority: names,
		ExpectedDim:      4,
		MaxRetries:       2,
		RetryDelayBase:   time.Millisecond,
	})
	for _, p := range providers {
		if err := g.Register(p); err != nil {
			t.Fatalf("Register(%s) failed: %v", p.name, err)
		}
	}
	return g
}

func TestEmbedReturnsVector(t *testing.T) {
	g := newTestGateway(t, &stubProvider{name: "a", dim: 4})

	vec, err := g.Embed(context.Background(), "m", "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("expected 4-dim vector, got %d", len(vec))
	}
}

func TestEmbedDimensionMismatchIsFatal(t *testing.T) {
	g := newTestGateway(t, &stubProvider{name: "a", dim: 3})

	_, err := g.Embed(context.Background(), "m", "hello")
	if !errors.Is(err, types.ErrProviderFatal) {
		t.Fatalf("expected ErrProviderFatal, got %v", err)
	}
}

func TestTransientFailureRetriesSameCall(t *testing.T) {
	p := &stubProvider{
		name:      "a",
		dim:       4,
		embedErrs: []error{types.ErrProviderTransient, types.ErrProviderTransient, nil},
	}
	g := newTestGateway(t, p)

	if _, err := g.Embed(context.Background(), "m", "x"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if p.embedCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", p.embedCalls)
	}
}

func TestFatalFailureDoesNotRetry(t *testing.T) {
	p := &stubProvider{
		name:      "a",
		dim:       4,
		embedErrs: []error{types.ErrProviderFatal},
	}
	g := newTestGateway(t, p)

	_, err := g.Embed(context.Background(), "m", "x")
	if !errors.Is(err, types.ErrProviderFatal) {
		t.Fatalf("expected ErrProviderFatal, got %v", err)
	}
	if p.embedCalls != 1 {
		t.Errorf("expected 1 attempt, got %d", p.embedCalls)
	}
}

func TestFailoverToNextProviderWhenDegraded(t *testing.T) {
	bad := &stubProvider{
		name: "bad", dim: 4,
		embedErrs: []error{
			types.ErrProviderTransient, types.ErrProviderTransient,
			types.ErrProviderTransient, types.ErrProviderTransient,
		},
	}
	good := &stubProvider{name: "good", dim: 4}
	g := New(Config{
		ProviderPriority: []string{"bad", "good"},
		ExpectedDim:      4,
		MaxRetries:       4,
		RetryDelayBase:   time.Millisecond,
	})
	for _, p := range []*stubProvider{bad, good} {
		if err := g.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	// First call burns through bad's retries, degrading it; the last
	// attempt re-routes to good.
	if _, err := g.Embed(context.Background(), "m", "x"); err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	if good.embedCalls == 0 {
		t.Error("expected good provider to receive the call")
	}
	if g.Health()["bad"] != HealthDegraded {
		t.Errorf("expected bad provider degraded, got %s", g.Health()["bad"])
	}

	// Subsequent calls skip the degraded provider entirely.
	before := bad.embedCalls
	if _, err := g.Embed(context.Background(), "m", "x"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if bad.embedCalls != before {
		t.Error("expected degraded provider to be skipped")
	}
}

func TestDegradedProviderProbedAfterInterval(t *testing.T) {
	h := &providerHealth{}
	now := time.Now()
	for i := 0; i < degradeThreshold; i++ {
		h.recordFailure(now)
	}
	if !h.skippable(now) {
		t.Fatal("expected freshly degraded provider to be skipped")
	}
	if h.skippable(now.Add(probeInterval + time.Second)) {
		t.Error("expected provider to be probe-eligible after the interval")
	}
	h.recordSuccess()
	if h.state() != HealthOK {
		t.Errorf("expected ok after success, got %s", h.state())
	}
}

func TestModelBindingRoutesDirectly(t *testing.T) {
	a := &stubProvider{name: "a", dim: 4}
	b := &stubProvider{name: "b", dim: 4}
	g := New(Config{ProviderPriority: []string{"a", "b"}, ExpectedDim: 4, MaxRetries: 1, RetryDelayBase: time.Millisecond})
	if err := g.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := g.Register(b, "special-model"); err != nil {
		t.Fatal(err)
	}

	if _, err := g.Embed(context.Background(), "special-model", "x"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if b.embedCalls != 1 || a.embedCalls != 0 {
		t.Errorf("expected bound provider b to serve the call, got a=%d b=%d", a.embedCalls, b.embedCalls)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	g := New(Config{})
	if err := g.Register(&stubProvider{name: "a"}, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := g.Register(&stubProvider{name: "a"}); err == nil {
		t.Error("expected duplicate provider name to be rejected")
	}
	if err := g.Register(&stubProvider{name: "b"}, "m1"); err == nil {
		t.Error("expected duplicate model binding to be rejected")
	}
}

func TestRerankScoreCountMismatchIsFatal(t *testing.T) {
	g := newTestGateway(t, &stubProvider{name: "a", dim: 4, rerank: []float64{0.9}})

	_, err := g.Rerank(context.Background(), "m", "q", []string{"d1", "d2"}, 2)
	if !errors.Is(err, types.ErrProviderFatal) {
		t.Fatalf("expected ErrProviderFatal for mismatched score count, got %v", err)
	}
}

func TestObserverReceivesStats(t *testing.T) {
	g := newTestGateway(t, &stubProvider{name: "a", dim: 4, completion: "ok"})

	var got []CallStats
	g.SetObserver(func(s CallStats) { got = append(got, s) })

	if _, err := g.Complete(context.Background(), "m", []ChatMessage{{Role: "user", Content: "hi"}}, CompleteParams{}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 stats report, got %d", len(got))
	}
	if got[0].Operation != "complete" || got[0].Provider != "a" {
		t.Errorf("unexpected stats: %+v", got[0])
	}
}

func TestClassifyHTTPError(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{408, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tc := range cases {
		err := classifyHTTPError("x", tc.status, nil)
		if types.Transient(err) != tc.transient {
			t.Errorf("status %d: transient=%v, want %v", tc.status, types.Transient(err), tc.transient)
		}
	}
}
