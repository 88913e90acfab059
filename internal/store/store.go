package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/pool"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/vector"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Embedder produces the vector for a unit's embed text. The orchestrator
// binds this to the gateway with the configured embedding model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the slice of the vector client the store writes through.
type VectorIndex interface {
	Upsert(ctx context.Context, points []vector.Point) error
	Delete(ctx context.Context, ids []string) error
	SetActive(ctx context.Context, id string, active bool) error
}

// RepairScheduler enqueues a deferred vector write for a unit whose row
// committed but whose index write failed.
type RepairScheduler func(ctx context.Context, unitID string)

// =============================================================================
// STORE
// =============================================================================

// Store is the dual-write persistence layer. The write order is fixed:
// relational row first, vector second. A unit whose vector write failed is
// kept inactive with needs_repair set until the repair queue catches up.
type Store struct {
	pool     *pool.Pool
	vectors  VectorIndex
	embedder Embedder
	repair   RepairScheduler
}

// New wires the store. The repair scheduler may be nil; partial writes are
// then only recoverable through RepairPending sweeps.
func New(p *pool.Pool, vectors VectorIndex, embedder Embedder) (*Store, error) {
	if err := EnsureSchema(p.DB()); err != nil {
		return nil, err
	}
	return &Store{pool: p, vectors: vectors, embedder: embedder}, nil
}

// SetRepairScheduler installs the deferred-repair hook.
func (s *Store) SetRepairScheduler(fn RepairScheduler) {
	s.repair = fn
}

// =============================================================================
// MEMORY UNIT DUAL WRITE
// =============================================================================

// StoreMemoryUnit persists a unit through the dual write path. The unit
// must already be validated and keyword-normalized. Duplicate content
// within a project is deduplicated by content hash: the existing unit ID
// is returned and nothing is written.
//
// When the relational commit succeeds but the embed or vector upsert
// fails, the unit is deactivated, flagged for repair, and ErrStorePartial
// is returned alongside the unit ID. The caller keeps the ID; the unit
// becomes searchable once repaired.
func (s *Store) StoreMemoryUnit(ctx context.Context, unit *types.MemoryUnit) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "StoreMemoryUnit")
	defer timer.Stop()

	if unit.ID == "" || unit.ProjectID == "" || unit.Content == "" {
		return "", fmt.Errorf("%w: unit requires id, project_id, and content", types.ErrInputInvalid)
	}
	if !types.ValidUnitType(unit.UnitType) {
		return "", fmt.Errorf("%w: unknown unit type %q", types.ErrInputInvalid, unit.UnitType)
	}

	hash := types.ContentHash(unit.Content)
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now().UTC()
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Release()

	// Dedup check inside the project namespace.
	var existingID string
	err = conn.Raw().QueryRowContext(ctx,
		"SELECT id FROM memory_units WHERE project_id = ? AND content_hash = ? AND is_active = 1",
		unit.ProjectID, hash,
	).Scan(&existingID)
	if err == nil {
		logging.StoreDebug("unit dedup hit: %s", existingID)
		return existingID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("dedup check failed: %w", err)
	}

	// Units tied to a conversation must reference an existing one. Units
	// created directly (manual saves, imports) carry an empty ID and skip
	// the check.
	if unit.ConversationID != "" {
		var one int
		err = conn.Raw().QueryRowContext(ctx,
			"SELECT 1 FROM conversations WHERE id = ?", unit.ConversationID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: conversation %s", types.ErrParentMissing, unit.ConversationID)
		}
		if err != nil {
			return "", fmt.Errorf("parent check failed: %w", err)
		}
	}

	keywordsJSON, _ := json.Marshal(types.NormalizeKeywords(unit.Keywords))
	metadataJSON, _ := json.Marshal(unit.Metadata)
	if unit.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	var expires any
	if unit.ExpiresAt != nil {
		expires = unit.ExpiresAt.UTC()
	}

	_, err = conn.Raw().ExecContext(ctx, `
		INSERT INTO memory_units
			(id, conversation_id, project_id, unit_type, title, summary, content,
			 content_hash, keywords, quality_score, token_count, is_active,
			 needs_repair, expires_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?, ?)`,
		unit.ID, unit.ConversationID, unit.ProjectID, string(unit.UnitType),
		unit.Title, unit.Summary, unit.Content, hash, string(keywordsJSON),
		unit.QualityScore, unit.TokenCount, expires, string(metadataJSON),
		unit.CreatedAt.UTC(),
	)
	if err != nil {
		if isFKViolation(err) {
			return "", fmt.Errorf("%w: %v", types.ErrParentMissing, err)
		}
		return "", fmt.Errorf("failed to insert memory unit: %w", err)
	}

	if err := s.indexUnit(ctx, unit); err != nil {
		logging.Store("vector write failed for unit %s, marking for repair: %v", unit.ID, err)
		if _, derr := conn.Raw().ExecContext(ctx,
			"UPDATE memory_units SET is_active = 0, needs_repair = 1 WHERE id = ?", unit.ID,
		); derr != nil {
			logging.Get(logging.CategoryStore).Error("failed to flag unit %s for repair: %v", unit.ID, derr)
		}
		if s.repair != nil {
			s.repair(ctx, unit.ID)
		}
		return unit.ID, fmt.Errorf("%w: %v", types.ErrStorePartial, err)
	}

	return unit.ID, nil
}

// isFKViolation reports whether a sqlite error is a foreign key failure.
// The driver exposes no typed constraint error, so the message is matched.
func isFKViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// indexUnit embeds and upserts a unit into the vector store.
func (s *Store) indexUnit(ctx context.Context, unit *types.MemoryUnit) error {
	vec, err := s.embedder.Embed(ctx, unit.EmbedText())
	if err != nil {
		return fmt.Errorf("embed failed: %w", err)
	}
	point := vector.Point{
		ID:     unit.ID,
		Vector: vec,
		Payload: map[string]any{
			"project_id":      unit.ProjectID,
			"conversation_id": unit.ConversationID,
			"unit_type":       string(unit.UnitType),
			"title":           unit.Title,
			"keywords":        types.NormalizeKeywords(unit.Keywords),
			"is_active":       true,
			"created_at":      unit.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
	return s.vectors.Upsert(ctx, []vector.Point{point})
}

// RepairUnit retries the vector write for a flagged unit and reactivates
// it on success. Repairing an already healthy unit is a no-op.
func (s *Store) RepairUnit(ctx context.Context, unitID string) error {
	unit, err := s.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	var needsRepair int
	if err := conn.Raw().QueryRowContext(ctx,
		"SELECT needs_repair FROM memory_units WHERE id = ?", unitID,
	).Scan(&needsRepair); err != nil {
		return fmt.Errorf("failed to read repair flag: %w", err)
	}
	if needsRepair == 0 {
		return nil
	}

	if err := s.indexUnit(ctx, unit); err != nil {
		return fmt.Errorf("repair of unit %s failed: %w", unitID, err)
	}

	_, err = conn.Raw().ExecContext(ctx,
		"UPDATE memory_units SET is_active = 1, needs_repair = 0 WHERE id = ?", unitID)
	if err != nil {
		return fmt.Errorf("failed to clear repair flag: %w", err)
	}
	logging.Store("repaired vector index for unit %s", unitID)
	return nil
}

// RepairPending returns the IDs of units still awaiting repair, oldest
// first. Used to reload the repair queue after a restart.
func (s *Store) RepairPending(ctx context.Context, limit int) ([]string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Raw().QueryContext(ctx,
		"SELECT id FROM memory_units WHERE needs_repair = 1 ORDER BY created_at ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending repairs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeactivateUnit soft-deletes a unit from both halves. The row survives
// for audit; the vector point is flagged inactive so search skips it.
func (s *Store) DeactivateUnit(ctx context.Context, unitID string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	res, err := conn.Raw().ExecContext(ctx,
		"UPDATE memory_units SET is_active = 0 WHERE id = ?", unitID)
	if err != nil {
		return fmt.Errorf("failed to deactivate unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory unit %s", types.ErrNotFound, unitID)
	}

	if err := s.vectors.SetActive(ctx, unitID, false); err != nil {
		// Row is authoritative; the stale point is filtered at query time
		// by the is_active payload flag once repaired.
		logging.Store("failed to deactivate vector point %s: %v", unitID, err)
	}
	return nil
}

// PurgeExpired deactivates every unit whose expiry has passed and removes
// its vector point. Returns the number of purged units.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "PurgeExpired")
	defer timer.Stop()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	now := time.Now().UTC()
	rows, err := conn.Raw().QueryContext(ctx,
		"SELECT id FROM memory_units WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired units: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	placeholders := ""
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	if _, err := conn.Raw().ExecContext(ctx,
		"UPDATE memory_units SET is_active = 0 WHERE expires_at <= ? AND id IN ("+placeholders+")",
		args...,
	); err != nil {
		return 0, fmt.Errorf("failed to deactivate expired units: %w", err)
	}

	if err := s.vectors.Delete(ctx, ids); err != nil {
		logging.Store("failed to delete %d expired vector points: %v", len(ids), err)
	}
	logging.Store("purged %d expired memory units", len(ids))
	return len(ids), nil
}
