// Package retrieve implements hybrid memory search: a semantic arm over
// the vector store and a lexical arm over the relational keyword index,
// merged, thresholded, reranked, and hydrated into scored results. Results
// are cached by query digest so repeated prompts skip the model calls.
package retrieve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/cache"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/store"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/vector"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker rescores candidate docs against the query, aligned to input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topK int) ([]float64, error)
}

// VectorSearcher is the search slice of the vector client.
type VectorSearcher interface {
	Search(ctx context.Context, vec []float32, limit int, filter vector.SearchFilter) ([]vector.ScoredPoint, error)
}

// UnitStore is the relational slice the retriever reads. *store.Store
// satisfies it.
type UnitStore interface {
	SearchUnitsByKeywords(ctx context.Context, projectID string, terms []string, limit int) ([]store.KeywordHit, error)
	SearchMessagesLike(ctx context.Context, projectID string, terms []string, limit int) ([]store.KeywordHit, error)
	GetUnits(ctx context.Context, ids []string) ([]*types.MemoryUnit, error)
}

// =============================================================================
// CONFIG
// =============================================================================

// keywordArmScore is the flat score for lexical-only matches. It sits
// below a good semantic match but above the comprehensive floor, so a
// keyword hit survives merging without dominating.
const keywordArmScore = 0.45

// rerankMinCandidates skips the reranker for tiny result sets where
// reordering cannot change much.
const rerankMinCandidates = 3

// Config tunes retrieval.
type Config struct {
	// TopK is the default result limit.
	TopK int
	// MinScore drops candidates below this after merging.
	MinScore float64
	// RerankEnabled gates the rerank pass.
	RerankEnabled bool
	// MaxKeywords caps the lexical arm's extracted query terms.
	MaxKeywords int
	// CandidateLimit is how many candidates each arm fetches before the
	// merger thresholds and truncates to the result limit.
	CandidateLimit int
}

// DefaultConfig returns production retrieval settings.
func DefaultConfig() Config {
	return Config{
		TopK:           5,
		MinScore:       0.2,
		RerankEnabled:  true,
		MaxKeywords:    8,
		CandidateLimit: 20,
	}
}

// Options tunes one retrieval call. Zero values fall back to Config.
type Options struct {
	Limit    int
	MinScore float64
}

// Retriever runs hybrid search.
type Retriever struct {
	cfg      Config
	embedder Embedder
	reranker Reranker
	vectors  VectorSearcher
	store    UnitStore
	cache    *cache.Cache
}

// New wires a retriever. The reranker may be nil; rerank is then skipped.
func New(cfg Config, embedder Embedder, reranker Reranker, vectors VectorSearcher, store UnitStore, resultCache *cache.Cache) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = DefaultConfig().MaxKeywords
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultConfig().CandidateLimit
	}
	return &Retriever{
		cfg:      cfg,
		embedder: embedder,
		reranker: reranker,
		vectors:  vectors,
		store:    store,
		cache:    resultCache,
	}
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// candidate accumulates scores for one unit across arms.
type candidate struct {
	score   float64
	source  types.MatchSource
	matched []string
}

// Retrieve runs both arms concurrently and returns up to limit results in
// deterministic order: score descending, then creation time descending,
// then ID ascending.
func (r *Retriever) Retrieve(ctx context.Context, projectID, query string, opts Options) ([]types.SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieve, "Retrieve")
	defer timer.Stop()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", types.ErrInputInvalid)
	}
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", types.ErrInputInvalid)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = r.cfg.TopK
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = r.cfg.MinScore
	}

	key := cacheKey(projectID, query, limit, minScore)
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			logging.RetrieveDebug("cache hit for query digest %s", key[:12])
			return cached.([]types.SearchResult), nil
		}
	}

	merged := make(map[string]*candidate)
	units := make(map[string]*types.MemoryUnit)

	// The arms run concurrently; the candidate overfetch leaves the merger
	// room to drop inactive and low-scoring candidates.
	overfetch := r.cfg.CandidateLimit
	if overfetch < limit*2 {
		overfetch = limit * 2
	}
	g, gctx := errgroup.WithContext(ctx)
	var vectorHits []vector.ScoredPoint
	var keywordHits, messageHits []store.KeywordHit

	g.Go(func() error {
		vec, err := r.embedder.Embed(gctx, query)
		if err != nil {
			return fmt.Errorf("query embedding failed: %w", err)
		}
		hits, err := r.vectors.Search(gctx, vec, overfetch, vector.SearchFilter{
			ProjectID:  projectID,
			ActiveOnly: true,
		})
		if err != nil {
			return err
		}
		vectorHits = hits
		return nil
	})

	terms := extractKeywords(query, r.cfg.MaxKeywords)
	if len(terms) > 0 {
		g.Go(func() error {
			hits, err := r.store.SearchUnitsByKeywords(gctx, projectID, terms, overfetch)
			if err != nil {
				return err
			}
			keywordHits = hits
			return nil
		})
		g.Go(func() error {
			hits, err := r.store.SearchMessagesLike(gctx, projectID, terms, overfetch)
			if err != nil {
				return err
			}
			messageHits = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, h := range vectorHits {
		merged[h.ID] = &candidate{score: h.Score, source: types.MatchVector}
	}
	// Transcript matches land at the same flat score as the keyword arm.
	for _, h := range append(keywordHits, messageHits...) {
		if c, ok := merged[h.Unit.ID]; ok {
			if c.source == types.MatchVector {
				c.source = types.MatchBoth
			}
			c.matched = unionTerms(c.matched, h.Matched)
			if keywordArmScore > c.score {
				c.score = keywordArmScore
			}
		} else {
			merged[h.Unit.ID] = &candidate{
				score:   keywordArmScore,
				source:  types.MatchKeyword,
				matched: h.Matched,
			}
		}
		units[h.Unit.ID] = h.Unit
	}

	// Threshold before hydration; no point loading rows we will drop.
	ids := make([]string, 0, len(merged))
	for id, c := range merged {
		if c.score < minScore {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Hydrate vector-only hits. Units that no longer resolve to an active
	// row are dropped; the relational side is the gate.
	var missing []string
	for _, id := range ids {
		if _, ok := units[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		loaded, err := r.store.GetUnits(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("failed to hydrate results: %w", err)
		}
		for _, u := range loaded {
			if u.IsActive {
				units[u.ID] = u
			}
		}
	}

	results := make([]types.SearchResult, 0, len(ids))
	for _, id := range ids {
		u, ok := units[id]
		if !ok {
			continue
		}
		c := merged[id]
		results = append(results, types.SearchResult{
			Unit:            *u,
			Score:           c.score,
			Source:          c.source,
			MatchedKeywords: c.matched,
		})
	}

	if r.cfg.RerankEnabled && r.reranker != nil && len(results) > rerankMinCandidates {
		r.rerank(ctx, query, results)
	}

	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}

	if r.cache != nil {
		r.cache.Set(key, results)
	}
	logging.Retrieve("query in project %s returned %d results (%d vector, %d keyword)",
		projectID, len(results), len(vectorHits), len(keywordHits))
	return results, nil
}

// rerank rescores in place. A failed rerank keeps the merged scores; the
// pass is an improvement, not a dependency.
func (r *Retriever) rerank(ctx context.Context, query string, results []types.SearchResult) {
	docs := make([]string, len(results))
	for i := range results {
		docs[i] = results[i].Unit.EmbedText()
	}
	scores, err := r.reranker.Rerank(ctx, query, docs, len(docs))
	if err != nil {
		logging.Retrieve("rerank failed, keeping merged scores: %v", err)
		return
	}
	for i := range results {
		results[i].Score = scores[i]
	}
}

// unionTerms merges matched-term lists, first occurrence order preserved.
func unionTerms(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// sortResults orders deterministically: score desc, created desc, ID asc.
func sortResults(results []types.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Unit.CreatedAt.Equal(results[j].Unit.CreatedAt) {
			return results[i].Unit.CreatedAt.After(results[j].Unit.CreatedAt)
		}
		return results[i].Unit.ID < results[j].Unit.ID
	})
}

func cacheKey(projectID, query string, limit int, minScore float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%.4f", projectID, query, limit, minScore)))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// KEYWORD EXTRACTION
// =============================================================================

// stopwords excluded from the lexical arm. Short and deliberately
// english-only; CJK queries fall through to the semantic arm.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"what": {}, "how": {}, "why": {}, "did": {}, "does": {}, "are": {},
	"was": {}, "were": {}, "can": {}, "you": {}, "about": {}, "from": {},
	"have": {}, "has": {}, "our": {}, "use": {}, "used": {}, "using": {},
	"when": {}, "where": {}, "which": {}, "should": {}, "would": {},
}

// extractKeywords pulls up to max search terms from the query: lowercase
// alphanumeric runs of 3+ characters, minus stopwords, first occurrence
// order preserved.
func extractKeywords(query string, max int) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_' || r == '-')
	})

	seen := make(map[string]struct{})
	var terms []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
		if len(terms) >= max {
			break
		}
	}
	return terms
}
