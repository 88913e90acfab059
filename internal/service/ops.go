package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/gateway"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/inject"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/permission"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/retrieve"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// OPERATIONS
//
// Every operation takes the calling principal, checks the permission gate,
// and brackets the work with the request meter so the monitor sees real
// latency and error figures.
// =============================================================================

// recentCacheTTL bounds how stale the recent-conversations listing may
// get between writes.
const recentCacheTTL = 30 * time.Second

// opCtx bounds one facade operation with the configured request deadline.
func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RequestTimeout())
}

// IngestConversation stores a conversation and its messages atomically and
// leaves the conversation pending compression.
func (s *Service) IngestConversation(ctx context.Context, principal string, conv *types.Conversation, messages []types.Message) (err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if conv == nil {
		return fmt.Errorf("%w: conversation is required", types.ErrInputInvalid)
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if err = s.gate.Check(principal, conv.ProjectID, permission.LevelWrite); err != nil {
		return err
	}
	if err = s.store.StoreConversationBatch(ctx, conv, messages); err != nil {
		return err
	}
	// The new conversation must show up in the next recents listing.
	s.resultCache.Clear()
	return nil
}

// CompressConversation runs the compression pipeline over one stored
// conversation and persists the resulting memory unit. The conversation's
// status tracks the outcome.
func (s *Service) CompressConversation(ctx context.Context, principal, conversationID string) (unit *types.MemoryUnit, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err = s.gate.Check(principal, conv.ProjectID, permission.LevelWrite); err != nil {
		return nil, err
	}
	messages, err := s.store.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	unit, err = s.compressor.Compress(ctx, conv, messages, types.UnitConversation)
	if err != nil {
		if serr := s.store.SetConversationStatus(ctx, conversationID, types.StatusFailed); serr != nil {
			logging.Compress("failed to mark conversation %s failed: %v", conversationID, serr)
		}
		return nil, err
	}
	if ttl := s.cfg.Memory.DefaultTTLDays; ttl > 0 {
		exp := time.Now().UTC().AddDate(0, 0, ttl)
		unit.ExpiresAt = &exp
	}

	if _, err = s.store.StoreMemoryUnit(ctx, unit); err != nil {
		// A partial write still produced the canonical row; the repair
		// queue owns the vector side. Anything else is a real failure.
		if !isPartial(err) {
			if serr := s.store.SetConversationStatus(ctx, conversationID, types.StatusFailed); serr != nil {
				logging.Compress("failed to mark conversation %s failed: %v", conversationID, serr)
			}
			return nil, err
		}
		logging.Compress("unit %s stored with deferred vector index: %v", unit.ID, err)
		err = nil
	}
	if serr := s.store.SetConversationStatus(ctx, conversationID, types.StatusCompressed); serr != nil {
		return nil, serr
	}
	// New memories must be visible to the next search immediately.
	s.resultCache.Clear()
	return unit, nil
}

// CompressPending compresses up to limit pending conversations. Conversations
// the principal cannot write to are skipped, and one failure does not stop
// the sweep. Returns the number compressed.
func (s *Service) CompressPending(ctx context.Context, principal string, limit int) (compressed int, err error) {
	if limit <= 0 {
		limit = 16
	}
	ids, err := s.store.PendingConversations(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, cerr := s.CompressConversation(ctx, principal, id); cerr != nil {
			logging.Compress("pending sweep: conversation %s: %v", id, cerr)
			continue
		}
		compressed++
	}
	return compressed, nil
}

// StoreMemoryContent stores a raw content blob as a one-message
// conversation, leaving it pending compression. This backs the
// memory_store tool, whose callers hand over text rather than transcripts.
func (s *Service) StoreMemoryContent(ctx context.Context, principal, projectID, content string, metadata map[string]interface{}) (conversationID string, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: content is empty", types.ErrInputInvalid)
	}
	if err = s.gate.Check(principal, projectID, permission.LevelWrite); err != nil {
		return "", err
	}

	conv := &types.Conversation{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     contentTitle(content),
	}
	messages := []types.Message{{Role: types.RoleHuman, Content: content, Metadata: metadata}}
	if err = s.store.StoreConversationBatch(ctx, conv, messages); err != nil {
		return "", err
	}
	s.resultCache.Clear()
	return conv.ID, nil
}

// contentTitle derives a short title from the first line of the content.
func contentTitle(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

// SaveMemory stores a caller-authored memory unit directly, bypassing
// compression. Used for explicit notes and decisions.
func (s *Service) SaveMemory(ctx context.Context, principal string, unit *types.MemoryUnit) (id string, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if unit == nil {
		return "", fmt.Errorf("%w: memory unit is required", types.ErrInputInvalid)
	}
	if err = s.gate.Check(principal, unit.ProjectID, permission.LevelWrite); err != nil {
		return "", err
	}
	id, err = s.store.StoreMemoryUnit(ctx, unit)
	if err == nil || isPartial(err) {
		s.resultCache.Clear()
	}
	return id, err
}

// SearchMemories runs hybrid retrieval. With a project id it searches that
// project; with an empty id it fans out over every project the principal can
// read, when cross-project search is enabled. The fan-out is bounded by the
// configured worker count. minScore > 0 tightens the retrieval floor.
func (s *Service) SearchMemories(ctx context.Context, principal, projectID, query string, limit int, minScore float64) (results []types.SearchResult, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	opts := retrieve.Options{Limit: limit, MinScore: minScore}
	if projectID != "" {
		if err = s.gate.Check(principal, projectID, permission.LevelRead); err != nil {
			return nil, err
		}
		return s.retriever.Retrieve(ctx, projectID, query, opts)
	}

	if !s.gate.CanSearchAcrossProjects(principal) {
		return nil, fmt.Errorf("%w: cross-project search is not permitted for %s", types.ErrPermissionDenied, principal)
	}
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}

	// One failing project degrades the fan-out, never fails it.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	workers := s.cfg.Concurrency.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, pid := range s.gate.ReadableProjects(principal, ids) {
		g.Go(func() error {
			hits, rerr := s.retriever.Retrieve(gctx, pid, query, opts)
			if rerr != nil {
				logging.Retrieve("cross-project search: project %s: %v", pid, rerr)
				return nil
			}
			mu.Lock()
			results = append(results, hits...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// InjectContext retrieves memories relevant to the prompt and weaves them in
// under the named strategy's token budget. An unnamed strategy is chosen
// from the query shape. queryText overrides the retrieval query when the
// prompt itself is a poor search key; maxTokens > 0 tightens the strategy's
// budget.
func (s *Service) InjectContext(ctx context.Context, principal, projectID, prompt, queryText, strategyName string, maxTokens int) (res *types.InjectionResult, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err = s.gate.Check(principal, projectID, permission.LevelRead); err != nil {
		return nil, err
	}
	if queryText == "" {
		queryText = prompt
	}
	var strategy inject.Strategy
	if strategyName == "" {
		strategy = inject.StrategyForQuery(queryText)
	} else if strategy, err = inject.ParseStrategy(strategyName); err != nil {
		return nil, err
	}
	if maxTokens > 0 && maxTokens < strategy.TokenBudget {
		strategy.TokenBudget = maxTokens
	}

	candidates, err := s.retriever.Retrieve(ctx, projectID, queryText, retrieve.Options{
		Limit:    strategy.MaxUnits * 2,
		MinScore: strategy.MinScore,
	})
	if err != nil {
		return nil, err
	}
	return s.injector.Inject(prompt, candidates, strategy)
}

// GetRecentConversations lists recent conversations for a project, or for
// every project when projectID is empty and the caller may search across
// projects.
func (s *Service) GetRecentConversations(ctx context.Context, principal, projectID string, limit int) (out []types.ConversationSummary, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if projectID == "" {
		if !s.gate.CanSearchAcrossProjects(principal) {
			return nil, fmt.Errorf("%w: cross-project listing is not permitted for %s", types.ErrPermissionDenied, principal)
		}
	} else if err = s.gate.Check(principal, projectID, permission.LevelRead); err != nil {
		return nil, err
	}

	// Recents are read on every session start; a short TTL keeps the
	// query off the hot path without hiding fresh writes for long. Any
	// write through the facade clears the cache anyway.
	key := fmt.Sprintf("recent|%s|%d", projectID, limit)
	if cached, ok := s.resultCache.Get(key); ok {
		return cached.([]types.ConversationSummary), nil
	}
	out, err = s.store.GetRecentConversations(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	s.resultCache.SetWithTTL(key, out, recentCacheTTL)
	return out, nil
}

// GetConversationMessages returns a conversation and its messages in
// sequence order.
func (s *Service) GetConversationMessages(ctx context.Context, principal, conversationID string) (conv *types.Conversation, out []types.Message, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	conv, err = s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if err = s.gate.Check(principal, conv.ProjectID, permission.LevelRead); err != nil {
		return nil, nil, err
	}
	out, err = s.store.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, out, nil
}

// EnsureProject creates the project if it does not exist and returns it.
func (s *Service) EnsureProject(ctx context.Context, principal, id, name string) (p *types.Project, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err = s.gate.Check(principal, id, permission.LevelWrite); err != nil {
		return nil, err
	}
	return s.store.EnsureProject(ctx, id, name)
}

// ListProjects returns the projects the principal can read.
func (s *Service) ListProjects(ctx context.Context, principal string) (out []*types.Project, err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if s.gate.LevelFor(principal, p.ID) >= permission.LevelRead {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeleteMemory deactivates a memory unit in both stores. The row survives
// for audit; retrieval never sees it again.
func (s *Service) DeleteMemory(ctx context.Context, principal, unitID string) (err error) {
	done := s.meter.Track()
	defer func() { done(err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if err = s.gate.Check(principal, unit.ProjectID, permission.LevelWrite); err != nil {
		return err
	}
	if err = s.store.DeactivateUnit(ctx, unitID); err != nil {
		return err
	}
	s.resultCache.Clear()
	return nil
}

// =============================================================================
// HEALTH
// =============================================================================

// Health is the status snapshot exposed on every transport.
type Health struct {
	Service     string         `json:"service"`
	Version     string         `json:"version"`
	Status      string         `json:"status"` // healthy | degraded | unhealthy
	Timestamp   time.Time      `json:"timestamp"`
	Checks      HealthChecks   `json:"checks"`
	Performance HealthPerfInfo `json:"performance"`
}

// HealthChecks holds the per-dependency verdicts.
type HealthChecks struct {
	Relational  string            `json:"relational"`   // ok | error
	VectorStore string            `json:"vector_store"` // ok | error
	Providers   map[string]string `json:"providers"`    // ok | degraded
}

// HealthPerfInfo summarizes the live load figures.
type HealthPerfInfo struct {
	InFlight     int64          `json:"in_flight"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	ErrorRate    float64        `json:"error_rate"`
	CacheHitRate float64        `json:"cache_hit_rate"`
	Pool         HealthPoolInfo `json:"pool"`
}

// HealthPoolInfo is the pool slice of the performance block.
type HealthPoolInfo struct {
	Size  int `json:"size"`
	Cap   int `json:"cap"`
	Queue int `json:"queue"`
}

// Health reports the live status of every subsystem. It never fails; a
// dependency that cannot answer degrades the overall status instead. A
// broken relational store means unhealthy, everything else degraded.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Service:   s.cfg.Name,
		Version:   s.cfg.Version,
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Checks: HealthChecks{
			Relational:  "ok",
			VectorStore: "ok",
			Providers:   map[string]string{},
		},
	}

	if s.vectors != nil && !s.vectors.Healthy(ctx) {
		h.Checks.VectorStore = "error"
		h.Status = "degraded"
	}

	if _, err := s.store.Stats(ctx); err != nil {
		h.Checks.Relational = "error"
		h.Status = "unhealthy"
	}

	for name, state := range s.gw.Health() {
		if state == gateway.HealthDegraded {
			h.Checks.Providers[name] = "degraded"
			if h.Status == "healthy" {
				h.Status = "degraded"
			}
		} else {
			h.Checks.Providers[name] = "ok"
		}
	}

	snap := s.meter.Snapshot()
	ps := s.pool.Stats()
	_, _, depth := s.queue.Stats()
	h.Performance = HealthPerfInfo{
		InFlight:     snap.InFlight,
		AvgLatencyMs: snap.AvgLatencyMs,
		ErrorRate:    snap.ErrorRate,
		CacheHitRate: s.resultCache.Stats().HitRate,
		Pool:         HealthPoolInfo{Size: ps.Total, Cap: ps.Max, Queue: ps.QueueDepth + depth},
	}
	return h
}

func isPartial(err error) bool {
	return errors.Is(err, types.ErrStorePartial)
}
