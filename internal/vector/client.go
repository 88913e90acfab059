// Package vector is a REST client for the remote vector store. The store
// speaks the Qdrant collection/points API: one collection holds every
// memory unit point, keyed by the unit's UUID, with the scoring payload
// attached. Dimension is fixed per collection and verified at startup.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// CLIENT
// =============================================================================

// Config locates the remote store.
type Config struct {
	URL        string
	Collection string
	APIKey     string
	VectorSize int
}

// Client talks to one collection of the remote vector store.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a client. EnsureCollection must run before writes.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("vector store URL is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vector collection name is required")
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("vector size must be positive, got %d", cfg.VectorSize)
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Point is one stored vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// ScoredPoint is one search hit.
type ScoredPoint struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// =============================================================================
// COLLECTION LIFECYCLE
// =============================================================================

// EnsureCollection creates the collection when missing and verifies its
// dimension when present. A dimension mismatch is a hard startup failure;
// silently writing into a differently-sized collection corrupts search.
func (c *Client) EnsureCollection(ctx context.Context) error {
	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}

	err := c.do(ctx, "GET", "/collections/"+c.cfg.Collection, nil, &info)
	if err == nil {
		if info.Config.Params.Vectors.Size != c.cfg.VectorSize {
			return fmt.Errorf("collection %q has dimension %d, configured %d",
				c.cfg.Collection, info.Config.Params.Vectors.Size, c.cfg.VectorSize)
		}
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to inspect collection: %w", err)
	}

	logging.Vector("creating collection %s (dim=%d)", c.cfg.Collection, c.cfg.VectorSize)
	create := map[string]any{
		"vectors": map[string]any{
			"size":     c.cfg.VectorSize,
			"distance": "Cosine",
		},
	}
	if err := c.do(ctx, "PUT", "/collections/"+c.cfg.Collection, create, nil); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Healthy reports whether the store answers.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, "GET", "/collections/"+c.cfg.Collection, nil, nil) == nil
}

// =============================================================================
// POINTS
// =============================================================================

// Upsert writes points, replacing any existing point with the same ID.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if len(p.Vector) != c.cfg.VectorSize {
			return fmt.Errorf("point %s has dimension %d, collection expects %d",
				p.ID, len(p.Vector), c.cfg.VectorSize)
		}
	}
	body := map[string]any{"points": points}
	if err := c.do(ctx, "PUT", c.pointsPath("")+"?wait=true", body, nil); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}
	logging.VectorDebug("upserted %d points", len(points))
	return nil
}

// SearchFilter narrows a search to active points of one project.
type SearchFilter struct {
	ProjectID  string
	ActiveOnly bool
}

// Search returns the nearest points by cosine similarity.
func (c *Client) Search(ctx context.Context, vector []float32, limit int, filter SearchFilter) ([]ScoredPoint, error) {
	if len(vector) != c.cfg.VectorSize {
		return nil, fmt.Errorf("query vector has dimension %d, collection expects %d",
			len(vector), c.cfg.VectorSize)
	}

	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	var must []map[string]any
	if filter.ProjectID != "" {
		must = append(must, map[string]any{
			"key":   "project_id",
			"match": map[string]any{"value": filter.ProjectID},
		})
	}
	if filter.ActiveOnly {
		must = append(must, map[string]any{
			"key":   "is_active",
			"match": map[string]any{"value": true},
		})
	}
	if len(must) > 0 {
		body["filter"] = map[string]any{"must": must}
	}

	var result []ScoredPoint
	if err := c.do(ctx, "POST", c.pointsPath("/search"), body, &result); err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return result, nil
}

// Delete removes points by ID. Missing IDs are not an error.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"points": ids}
	if err := c.do(ctx, "POST", c.pointsPath("/delete")+"?wait=true", body, nil); err != nil {
		return fmt.Errorf("vector delete failed: %w", err)
	}
	return nil
}

// SetActive flips the is_active payload flag on a point without touching
// its vector. Used when the relational row is deactivated.
func (c *Client) SetActive(ctx context.Context, id string, active bool) error {
	body := map[string]any{
		"payload": map[string]any{"is_active": active},
		"points":  []string{id},
	}
	if err := c.do(ctx, "POST", c.pointsPath("/payload")+"?wait=true", body, nil); err != nil {
		return fmt.Errorf("vector payload update failed: %w", err)
	}
	return nil
}

func (c *Client) pointsPath(suffix string) string {
	return "/collections/" + c.cfg.Collection + "/points" + suffix
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

// envelope is the store's standard response wrapper.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("vector store returned status %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	var se *httpStatusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: vector store request failed: %v", types.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		statusErr := &httpStatusError{status: resp.StatusCode, body: string(bodyBytes)}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", types.ErrProviderTransient, statusErr)
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
