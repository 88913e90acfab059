package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// MEMORY UNIT QUERIES
// =============================================================================

const unitColumns = `id, conversation_id, project_id, unit_type, title, summary,
	content, keywords, quality_score, token_count, is_active, expires_at,
	metadata, created_at`

// notExpired filters out units whose TTL has passed but whose purge sweep
// has not run yet. Bound with a single now argument.
const notExpired = " AND (expires_at IS NULL OR expires_at > ?)"

func scanUnit(scan func(dest ...any) error) (*types.MemoryUnit, error) {
	var u types.MemoryUnit
	var unitType, keywordsJSON, metadataJSON string
	var isActive int
	var expires sql.NullTime

	err := scan(&u.ID, &u.ConversationID, &u.ProjectID, &unitType, &u.Title,
		&u.Summary, &u.Content, &keywordsJSON, &u.QualityScore, &u.TokenCount,
		&isActive, &expires, &metadataJSON, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	u.UnitType = types.UnitType(unitType)
	u.IsActive = isActive == 1
	if expires.Valid {
		t := expires.Time
		u.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(keywordsJSON), &u.Keywords); err != nil {
		u.Keywords = nil
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		_ = json.Unmarshal([]byte(metadataJSON), &u.Metadata)
	}
	return &u, nil
}

// GetUnit loads one memory unit by ID, active or not.
func (s *Store) GetUnit(ctx context.Context, id string) (*types.MemoryUnit, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	row := conn.Raw().QueryRowContext(ctx,
		"SELECT "+unitColumns+" FROM memory_units WHERE id = ?", id)
	u, err := scanUnit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory unit %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load unit %s: %w", id, err)
	}
	return u, nil
}

// GetUnits hydrates units by ID, preserving the input order. IDs that do
// not resolve are silently dropped; retrieval treats the relational row as
// the gate for vector hits that outlived their unit.
func (s *Store) GetUnits(ctx context.Context, ids []string) ([]*types.MemoryUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, time.Now().UTC())

	rows, err := conn.Raw().QueryContext(ctx,
		"SELECT "+unitColumns+" FROM memory_units WHERE id IN ("+placeholders+")"+notExpired, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate units: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*types.MemoryUnit, len(ids))
	for rows.Next() {
		u, err := scanUnit(rows.Scan)
		if err != nil {
			return nil, err
		}
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.MemoryUnit, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// KeywordHit is a keyword-arm match with the terms that matched.
type KeywordHit struct {
	Unit    *types.MemoryUnit
	Matched []string
}

// SearchUnitsByKeywords is the lexical retrieval arm: active units of one
// project whose content, summary, title, or keyword list contains any of
// the terms. Terms must already be normalized.
func (s *Store) SearchUnitsByKeywords(ctx context.Context, projectID string, terms []string, limit int) ([]KeywordHit, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var clauses []string
	args := []any{projectID}
	for _, t := range terms {
		clauses = append(clauses,
			"(lower(content) LIKE ? OR lower(summary) LIKE ? OR lower(title) LIKE ? OR lower(keywords) LIKE ?)")
		pat := "%" + strings.ToLower(t) + "%"
		args = append(args, pat, pat, pat, pat)
	}
	args = append(args, time.Now().UTC(), limit)

	query := "SELECT " + unitColumns + ` FROM memory_units
		WHERE project_id = ? AND is_active = 1 AND (` + strings.Join(clauses, " OR ") + `)` +
		notExpired + " ORDER BY created_at DESC LIMIT ?"

	rows, err := conn.Raw().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		u, err := scanUnit(rows.Scan)
		if err != nil {
			return nil, err
		}
		hits = append(hits, KeywordHit{Unit: u, Matched: matchedTerms(u, terms)})
	}
	return hits, rows.Err()
}

// SearchMessagesLike widens the lexical arm to the raw transcripts: it
// returns units whose parent conversation holds a message containing any
// of the terms. This catches phrasing the compressor dropped from the unit
// body. Per-term EXISTS columns recover which terms matched.
func (s *Store) SearchMessagesLike(ctx context.Context, projectID string, terms []string, limit int) ([]KeywordHit, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var flagCols, msgClauses []string
	var flagArgs, msgArgs []any
	for _, t := range terms {
		pat := "%" + strings.ToLower(t) + "%"
		flagCols = append(flagCols,
			"EXISTS(SELECT 1 FROM messages m WHERE m.conversation_id = u.conversation_id AND lower(m.content) LIKE ?)")
		flagArgs = append(flagArgs, pat)
		msgClauses = append(msgClauses, "lower(content) LIKE ?")
		msgArgs = append(msgArgs, pat)
	}

	query := "SELECT " + unitColumns + ", " + strings.Join(flagCols, ", ") + ` FROM memory_units u
		WHERE u.project_id = ? AND u.is_active = 1 AND u.conversation_id <> ''` +
		notExpired + `
		AND u.conversation_id IN (SELECT conversation_id FROM messages WHERE ` +
		strings.Join(msgClauses, " OR ") + `)
		ORDER BY u.created_at DESC LIMIT ?`

	args := append(flagArgs, projectID, time.Now().UTC())
	args = append(args, msgArgs...)
	args = append(args, limit)

	rows, err := conn.Raw().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message search failed: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		flags := make([]int, len(terms))
		u, err := scanUnit(func(dest ...any) error {
			for i := range flags {
				dest = append(dest, &flags[i])
			}
			return rows.Scan(dest...)
		})
		if err != nil {
			return nil, err
		}
		var matched []string
		for i, t := range terms {
			if flags[i] == 1 {
				matched = append(matched, t)
			}
		}
		hits = append(hits, KeywordHit{Unit: u, Matched: matched})
	}
	return hits, rows.Err()
}

// matchedTerms reports which terms actually appear in the unit.
func matchedTerms(u *types.MemoryUnit, terms []string) []string {
	haystack := strings.ToLower(u.Content + " " + u.Summary + " " + u.Title + " " + strings.Join(u.Keywords, " "))
	var matched []string
	for _, t := range terms {
		if strings.Contains(haystack, strings.ToLower(t)) {
			matched = append(matched, t)
		}
	}
	return matched
}

// ListUnits returns active units of a project, newest first.
func (s *Store) ListUnits(ctx context.Context, projectID string, unitType types.UnitType, limit int) ([]*types.MemoryUnit, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	query := "SELECT " + unitColumns + " FROM memory_units WHERE project_id = ? AND is_active = 1"
	args := []any{projectID}
	if unitType != "" {
		query += " AND unit_type = ?"
		args = append(args, string(unitType))
	}
	query += notExpired + " ORDER BY created_at DESC LIMIT ?"
	args = append(args, time.Now().UTC(), limit)

	rows, err := conn.Raw().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var out []*types.MemoryUnit
	for rows.Next() {
		u, err := scanUnit(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Stats summarizes the relational side for the health report.
type Stats struct {
	Projects      int `json:"projects"`
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	ActiveUnits   int `json:"active_units"`
	PendingRepair int `json:"pending_repair"`
}

// Stats counts the main tables.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer conn.Release()

	var st Stats
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM projects", &st.Projects},
		{"SELECT COUNT(*) FROM conversations", &st.Conversations},
		{"SELECT COUNT(*) FROM messages", &st.Messages},
		{"SELECT COUNT(*) FROM memory_units WHERE is_active = 1", &st.ActiveUnits},
		{"SELECT COUNT(*) FROM memory_units WHERE needs_repair = 1", &st.PendingRepair},
	}
	for _, q := range queries {
		if err := conn.Raw().QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("stats query failed: %w", err)
		}
	}
	return st, nil
}

// touchTime normalizes zero times to now in UTC.
func touchTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
