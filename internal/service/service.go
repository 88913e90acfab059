// Package service is the orchestrator: it owns every subsystem, wires the
// pipeline together, and exposes the operations the transports call. All
// operations are permission-gated and metered here, so the stdio and HTTP
// servers stay thin.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/cache"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/compress"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/config"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/gateway"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/inject"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/meter"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/monitor"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/permission"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/pool"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/queue"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/retrieve"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/store"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/vector"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service owns the full pipeline.
type Service struct {
	cfg *config.Config

	pool        *pool.Pool
	store       *store.Store
	vectors     *vector.Client
	gw          *gateway.Gateway
	compressor  *compress.Compressor
	retriever   *retrieve.Retriever
	injector    *inject.Injector
	gate        *permission.Gate
	meter       *meter.Meter
	queue       *queue.Queue
	monitor     *monitor.Monitor
	resultCache *cache.Cache

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// modelEmbedder binds the gateway's embed operation to one model so the
// store and retriever see a single-method dependency.
type modelEmbedder struct {
	gw    *gateway.Gateway
	model string
}

func (e *modelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.gw.Embed(ctx, e.model, text)
}

type modelReranker struct {
	gw    *gateway.Gateway
	model string
}

func (r *modelReranker) Rerank(ctx context.Context, query string, docs []string, topK int) ([]float64, error) {
	return r.gw.Rerank(ctx, r.model, query, docs, topK)
}

// New builds the service from configuration. Nothing talks to the network
// yet; Start performs the fail-fast checks.
func New(cfg *config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Initialize(cfg.StateDir, cfg.Logging.DebugMode, cfg.Logging.Level, cfg.Logging.Categories); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("%s %s starting", cfg.Name, cfg.Version)

	p, err := pool.Open(pool.Config{
		DSN:            cfg.Database.URL,
		MaxConnections: cfg.Concurrency.MaxConnections,
		MinConnections: cfg.Concurrency.MinConnections,
		AcquireTimeout: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}

	vectors, err := vector.NewClient(vector.Config{
		URL:        cfg.VectorStore.URL,
		Collection: cfg.VectorStore.CollectionName,
		APIKey:     cfg.VectorStore.APIKey,
		VectorSize: cfg.VectorStore.VectorSize,
	})
	if err != nil {
		p.Close()
		return nil, err
	}

	gw, err := buildGateway(cfg)
	if err != nil {
		p.Close()
		return nil, err
	}

	embedder := &modelEmbedder{gw: gw, model: cfg.Models.DefaultEmbeddingModel}
	reranker := &modelReranker{gw: gw, model: cfg.Models.DefaultRerankModel}

	st, err := store.New(p, vectors, embedder)
	if err != nil {
		p.Close()
		return nil, err
	}

	compressor, err := compress.New(compress.Config{
		LightModel:       cfg.Models.DefaultLightModel,
		HeavyModel:       cfg.Models.DefaultHeavyModel,
		QualityThreshold: cfg.Memory.QualityThreshold,
	}, gw)
	if err != nil {
		p.Close()
		return nil, err
	}

	resultCache := cache.New(cfg.Concurrency.CacheSize, cfg.CacheTTL())
	retriever := retrieve.New(retrieve.Config{
		TopK:           cfg.Memory.RerankTopK,
		MinScore:       0.2,
		RerankEnabled:  cfg.Memory.FuserEnabled,
		CandidateLimit: cfg.Memory.RetrievalTopK,
	}, embedder, reranker, vectors, st, resultCache)

	gate := permission.NewGate(permission.Config{
		IsolationMode:      cfg.Project.ProjectIsolationMode,
		CrossProjectSearch: cfg.Project.EnableCrossProjectSearch,
		SystemPrincipal:    cfg.Project.SystemPrincipal,
	})
	for principal, grants := range cfg.Project.Grants {
		for _, g := range grants {
			level, err := permission.ParseLevel(g.Level)
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("grant for %s on %s: %w", principal, g.ProjectID, err)
			}
			gate.Grant(principal, g.ProjectID, level)
		}
	}

	q := queue.New(queue.Config{
		Capacity:     cfg.Concurrency.QueueCapacity,
		BatchSize:    cfg.Concurrency.BatchSize,
		BatchTimeout: cfg.BatchTimeout(),
	})
	reqMeter := meter.New()

	s := &Service{
		cfg:         cfg,
		pool:        p,
		store:       st,
		vectors:     vectors,
		gw:          gw,
		compressor:  compressor,
		retriever:   retriever,
		injector:    inject.New(),
		gate:        gate,
		meter:       reqMeter,
		queue:       q,
		resultCache: resultCache,
	}
	s.monitor = monitor.New(monitor.DefaultConfig(), reqMeter, p, q)
	s.monitor.OnWarning(func(w monitor.Warning) {
		logging.Monitor("warning: %s (in_flight=%d heap=%.1fMB goroutines=%d)",
			w.Reason, w.Sample.InFlight, w.Sample.HeapAllocMB, w.Sample.Goroutines)
	})

	st.SetRepairScheduler(func(ctx context.Context, unitID string) {
		if err := q.Enqueue(ctx, queue.Task{Kind: queue.KindRepairVector, ID: unitID}); err != nil {
			logging.Queue("failed to enqueue repair for unit %s: %v", unitID, err)
		}
	})
	q.Register(queue.KindRepairVector, s.handleRepairBatch)
	q.Register(queue.KindPurgeExpired, s.handlePurgeBatch)
	q.Register(queue.KindFlushStats, s.handleFlushStats)

	gw.SetObserver(func(cs gateway.CallStats) {
		if cs.Err != nil {
			logging.Gateway("%s/%s %s failed after %dms: %v", cs.Provider, cs.Model, cs.Operation, cs.LatencyMs, cs.Err)
			return
		}
		logging.GatewayDebug("%s/%s %s ok in %dms (est $%.6f)", cs.Provider, cs.Model, cs.Operation, cs.LatencyMs, cs.EstimatedCost)
	})

	return s, nil
}

// buildGateway registers every provider with configured credentials and
// binds the configured models to concrete providers: completion models go
// to genai when available, embedding and rerank to the OpenAI-compatible
// endpoint, with ollama as the local fallback.
func buildGateway(cfg *config.Config) (*gateway.Gateway, error) {
	gw := gateway.New(gateway.Config{
		ProviderPriority: cfg.Models.ProviderPriority,
		ExpectedDim:      cfg.VectorStore.VectorSize,
		MaxRetries:       cfg.Resilience.MaxRetries,
		RetryDelayBase:   cfg.RetryDelayBase(),
	})

	registered := map[string]bool{}
	if cfg.Models.GenAIAPIKey != "" {
		p, err := gateway.NewGenAIProvider(context.Background(), cfg.Models.GenAIAPIKey)
		if err != nil {
			return nil, err
		}
		if err := gw.Register(p, cfg.Models.DefaultLightModel, cfg.Models.DefaultHeavyModel); err != nil {
			return nil, err
		}
		registered["genai"] = true
	}
	if cfg.Models.OpenAIBaseURL != "" && cfg.Models.OpenAIAPIKey != "" {
		p, err := gateway.NewOpenAIProvider(cfg.Models.OpenAIBaseURL, cfg.Models.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		models := []string{cfg.Models.DefaultEmbeddingModel, cfg.Models.DefaultRerankModel}
		if !registered["genai"] {
			models = append(models, cfg.Models.DefaultLightModel, cfg.Models.DefaultHeavyModel)
		}
		if err := gw.Register(p, models...); err != nil {
			return nil, err
		}
		registered["openai"] = true
	}
	if cfg.Models.OllamaEndpoint != "" {
		p := gateway.NewOllamaProvider(cfg.Models.OllamaEndpoint)
		var models []string
		if !registered["openai"] {
			models = append(models, cfg.Models.DefaultEmbeddingModel)
			if !registered["genai"] {
				models = append(models, cfg.Models.DefaultLightModel, cfg.Models.DefaultHeavyModel)
			}
		}
		if err := gw.Register(p, models...); err != nil {
			return nil, err
		}
		registered["ollama"] = true
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("no model provider configured: set a GenAI key, an OpenAI-compatible endpoint, or an ollama endpoint")
	}
	return gw, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start performs the fail-fast checks and launches the background workers.
// The vector collection must exist with the configured dimension before
// any request is served.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.vectors.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("vector store check failed: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.queue.Start(bgCtx)
	s.monitor.Start()
	s.bgWG.Add(2)
	go func() {
		defer s.bgWG.Done()
		s.resultCache.RunJanitor(bgCtx, time.Minute)
	}()
	go func() {
		defer s.bgWG.Done()
		s.housekeeping(bgCtx)
	}()

	// Units that went partial before the last shutdown rejoin the queue.
	pending, err := s.store.RepairPending(ctx, 256)
	if err != nil {
		logging.Boot("failed to reload pending repairs: %v", err)
	}
	for _, id := range pending {
		if err := s.queue.Enqueue(ctx, queue.Task{Kind: queue.KindRepairVector, ID: id}); err != nil {
			logging.Queue("failed to re-enqueue repair %s: %v", id, err)
			break
		}
	}
	if len(pending) > 0 {
		logging.Boot("re-enqueued %d pending vector repairs", len(pending))
	}

	s.started = true
	logging.Boot("service started")
	return nil
}

// Stop drains the background workers and closes every resource.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false

	s.bgCancel()
	s.bgWG.Wait()
	s.monitor.Close()
	s.queue.Close()
	if err := s.pool.Close(); err != nil {
		logging.Boot("pool close: %v", err)
	}
	logging.Boot("service stopped")
	logging.CloseAll()
}

// housekeeping enqueues the periodic maintenance tasks.
func (s *Service) housekeeping(ctx context.Context) {
	purge := time.NewTicker(time.Hour)
	flush := time.NewTicker(5 * time.Minute)
	defer purge.Stop()
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purge.C:
			_ = s.queue.Enqueue(ctx, queue.Task{Kind: queue.KindPurgeExpired, ID: uuid.NewString()})
		case <-flush.C:
			_ = s.queue.Enqueue(ctx, queue.Task{Kind: queue.KindFlushStats, ID: uuid.NewString()})
		}
	}
}

// =============================================================================
// QUEUE HANDLERS
// =============================================================================

func (s *Service) handleRepairBatch(ctx context.Context, tasks []queue.Task) error {
	var firstErr error
	for _, t := range tasks {
		if err := s.store.RepairUnit(ctx, t.ID); err != nil {
			logging.Queue("repair of unit %s failed, will retry on next sweep: %v", t.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) handlePurgeBatch(ctx context.Context, tasks []queue.Task) error {
	_, err := s.store.PurgeExpired(ctx)
	return err
}

func (s *Service) handleFlushStats(ctx context.Context, tasks []queue.Task) error {
	snap := s.meter.Snapshot()
	cs := s.resultCache.Stats()
	logging.Monitor("requests=%d errors=%d avg_latency=%.1fms cache_hit_rate=%.2f",
		snap.TotalRequests, snap.ErrorCount, snap.AvgLatencyMs, cs.HitRate)
	// Each flush starts a fresh accounting window so the logged figures
	// cover the interval since the previous flush, not process lifetime.
	s.meter.Reset()
	return nil
}
