// Package gateway provides a uniform request/response surface over the
// remote model providers used by the memory pipeline: embedding, rerank,
// and chat completion. A provider registry maps each model name to exactly
// one provider; a task router walks the configured priority list, skipping
// providers whose health is degraded. Transient failures are retried with
// exponential backoff and jitter; fatal failures surface immediately and
// count toward provider health.
package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// PROVIDER INTERFACE
// =============================================================================

// ChatMessage is one turn of a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteParams tunes a completion call.
type CompleteParams struct {
	MaxTokens   int
	Temperature float64
}

// Provider is one remote model backend. A provider may serve any subset of
// the three capabilities; unsupported calls return ErrProviderFatal.
type Provider interface {
	// Name returns the provider's registry name.
	Name() string

	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, model, text string) ([]float32, error)

	// Rerank scores docs against the query. Scores are aligned to the
	// input docs order; callers sort.
	Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error)

	// Complete sends a chat completion request.
	Complete(ctx context.Context, model string, messages []ChatMessage, params CompleteParams) (string, error)

	// IsAvailable verifies the backend is reachable.
	IsAvailable(ctx context.Context) bool
}

// CallStats is reported to the observer after every gateway call.
type CallStats struct {
	Provider  string
	Model     string
	Operation string // embed | rerank | complete
	LatencyMs int64
	// EstimatedCost is a rough per-call figure in USD derived from the
	// operation's text volume. Accounting only, never billing.
	EstimatedCost float64
	Err           error
}

// Observer receives per-call stats. The orchestrator wires this to the
// request meter.
type Observer func(CallStats)

// =============================================================================
// PROVIDER HEALTH
// =============================================================================

// HealthState is the router's view of a provider.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// degradeThreshold consecutive failures flip a provider to degraded;
// probeInterval is how long the router skips it before allowing a retry.
const (
	degradeThreshold = 3
	probeInterval    = 60 * time.Second
)

type providerHealth struct {
	consecutiveFailures int
	degradedSince       time.Time
}

func (h *providerHealth) state() HealthState {
	if h.consecutiveFailures >= degradeThreshold {
		return HealthDegraded
	}
	return HealthOK
}

// skippable reports whether the router should skip this provider now.
// A degraded provider becomes probe-eligible after the probe interval.
func (h *providerHealth) skippable(now time.Time) bool {
	if h.consecutiveFailures < degradeThreshold {
		return false
	}
	return now.Sub(h.degradedSince) < probeInterval
}

func (h *providerHealth) recordSuccess() {
	h.consecutiveFailures = 0
}

func (h *providerHealth) recordFailure(now time.Time) {
	h.consecutiveFailures++
	if h.consecutiveFailures == degradeThreshold {
		h.degradedSince = now
	}
}

// =============================================================================
// GATEWAY
// =============================================================================

// Config tunes the gateway.
type Config struct {
	// ProviderPriority orders the task router's candidates.
	ProviderPriority []string
	// ExpectedDim is the vector store's configured dimension D. An embed
	// result of any other length is a fatal configuration error.
	ExpectedDim int
	// Retry policy for transient failures.
	MaxRetries     int
	RetryDelayBase time.Duration
}

// Gateway routes model calls across the registered providers.
type Gateway struct {
	cfg Config

	mu        sync.RWMutex
	providers map[string]Provider       // registry name -> provider
	models    map[string]string         // model name -> provider name
	health    map[string]*providerHealth
	observer  Observer
}

// New creates an empty gateway; register providers before use.
func New(cfg Config) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = 500 * time.Millisecond
	}
	return &Gateway{
		cfg:       cfg,
		providers: make(map[string]Provider),
		models:    make(map[string]string),
		health:    make(map[string]*providerHealth),
	}
}

// Register adds a provider and binds the given model names to it. A model
// name maps to exactly one provider; rebinding is a configuration error.
func (g *Gateway) Register(p Provider, modelNames ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := p.Name()
	if _, dup := g.providers[name]; dup {
		return fmt.Errorf("provider %q already registered", name)
	}
	for _, m := range modelNames {
		if owner, bound := g.models[m]; bound {
			return fmt.Errorf("model %q already bound to provider %q", m, owner)
		}
	}

	g.providers[name] = p
	g.health[name] = &providerHealth{}
	for _, m := range modelNames {
		g.models[m] = name
	}
	logging.Gateway("registered provider %s serving %d models", name, len(modelNames))
	return nil
}

// SetObserver installs the per-call stats sink.
func (g *Gateway) SetObserver(obs Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observer = obs
}

// Health returns the current state of every registered provider.
func (g *Gateway) Health() map[string]HealthState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]HealthState, len(g.health))
	for name, h := range g.health {
		out[name] = h.state()
	}
	return out
}

// route resolves the provider for a model. A direct registry binding wins;
// otherwise the priority list is walked, skipping degraded providers. When
// every candidate is degraded the first configured one is probed anyway.
func (g *Gateway) route(model string) (Provider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now()
	if pname, bound := g.models[model]; bound {
		h := g.health[pname]
		if h != nil && h.skippable(now) {
			logging.GatewayDebug("bound provider %s for model %s is degraded, trying priority list", pname, model)
		} else {
			return g.providers[pname], nil
		}
	}

	var fallback Provider
	for _, pname := range g.cfg.ProviderPriority {
		p, ok := g.providers[pname]
		if !ok {
			continue
		}
		if fallback == nil {
			fallback = p
		}
		if g.health[pname].skippable(now) {
			continue
		}
		return p, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: no provider available for model %q", types.ErrProviderFatal, model)
}

func (g *Gateway) recordResult(providerName string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.health[providerName]
	if !ok {
		return
	}
	if err == nil {
		h.recordSuccess()
		return
	}
	h.recordFailure(time.Now())
	if h.state() == HealthDegraded {
		logging.Gateway("provider %s marked degraded after %d consecutive failures", providerName, h.consecutiveFailures)
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Embed returns the embedding for text using the named model. The result
// must match the configured dimension; a mismatch is fatal, not retryable.
func (g *Gateway) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var vec []float32
	err := g.call(ctx, model, "embed", len(text), func(ctx context.Context, p Provider) error {
		v, err := p.Embed(ctx, model, text)
		if err != nil {
			return err
		}
		if g.cfg.ExpectedDim > 0 && len(v) != g.cfg.ExpectedDim {
			return fmt.Errorf("%w: embedding dimension %d does not match configured %d",
				types.ErrProviderFatal, len(v), g.cfg.ExpectedDim)
		}
		vec = v
		return nil
	})
	return vec, err
}

// Rerank scores docs against query, aligned to input order.
func (g *Gateway) Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error) {
	volume := len(query)
	for _, d := range docs {
		volume += len(d)
	}
	var scores []float64
	err := g.call(ctx, model, "rerank", volume, func(ctx context.Context, p Provider) error {
		s, err := p.Rerank(ctx, model, query, docs, topK)
		if err != nil {
			return err
		}
		if len(s) != len(docs) {
			return fmt.Errorf("%w: reranker returned %d scores for %d docs",
				types.ErrProviderFatal, len(s), len(docs))
		}
		scores = s
		return nil
	})
	return scores, err
}

// Complete runs a chat completion with the named model.
func (g *Gateway) Complete(ctx context.Context, model string, messages []ChatMessage, params CompleteParams) (string, error) {
	volume := 0
	for _, m := range messages {
		volume += len(m.Content)
	}
	var out string
	err := g.call(ctx, model, "complete", volume, func(ctx context.Context, p Provider) error {
		text, err := p.Complete(ctx, model, messages, params)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}

// call routes, retries transient failures with backoff+jitter, tracks
// provider health, and reports stats. Retries re-route each attempt so a
// freshly degraded provider is skipped mid-sequence.
func (g *Gateway) call(ctx context.Context, model, op string, volume int, fn func(context.Context, Provider) error) error {
	start := time.Now()
	var lastErr error
	var lastProvider string

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(g.cfg.RetryDelayBase, attempt)
			logging.GatewayDebug("%s retry %d for model %s after %v", op, attempt, model, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		p, err := g.route(model)
		if err != nil {
			return err
		}
		lastProvider = p.Name()

		err = fn(ctx, p)
		g.recordResult(p.Name(), err)
		if err == nil {
			g.report(CallStats{
				Provider: p.Name(), Model: model, Operation: op,
				LatencyMs:     time.Since(start).Milliseconds(),
				EstimatedCost: estimateCost(op, volume),
			})
			return nil
		}

		lastErr = err
		if !types.Transient(err) {
			break
		}
	}

	g.report(CallStats{
		Provider: lastProvider, Model: model, Operation: op,
		LatencyMs: time.Since(start).Milliseconds(),
		Err:       lastErr,
	})
	return lastErr
}

func (g *Gateway) report(stats CallStats) {
	g.mu.RLock()
	obs := g.observer
	g.mu.RUnlock()
	if obs != nil {
		obs(stats)
	}
}

// backoffDelay is base*2^(attempt-1) with up to 25% jitter, capped at 30s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// estimateCost derives a rough USD figure from text volume. The constants
// approximate mid-tier hosted pricing per million characters.
func estimateCost(op string, volume int) float64 {
	perMillionChars := map[string]float64{
		"embed":    0.02,
		"rerank":   0.05,
		"complete": 1.25,
	}
	return float64(volume) / 1e6 * perMillionChars[op]
}
