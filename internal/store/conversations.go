package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// PROJECTS
// =============================================================================

// EnsureProject creates a project if the ID is new; existing projects are
// returned untouched. Project rows are never mutated by ingestion.
func (s *Store) EnsureProject(ctx context.Context, id, name string) (*types.Project, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: project id is required", types.ErrInputInvalid)
	}
	if name == "" {
		name = id
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	p, err := s.getProject(ctx, conn.Raw(), id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = conn.Raw().ExecContext(ctx,
		"INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)", id, name, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	logging.Store("created project %s (%s)", id, name)
	return &types.Project{ID: id, Name: name, CreatedAt: now}, nil
}

func (s *Store) getProject(ctx context.Context, conn *sql.Conn, id string) (*types.Project, error) {
	var p types.Project
	var metadataJSON string
	err := conn.QueryRowContext(ctx,
		"SELECT id, name, metadata, created_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &metadataJSON, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		_ = json.Unmarshal([]byte(metadataJSON), &p.Metadata)
	}
	return &p, nil
}

// GetProject loads one project.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	return s.getProject(ctx, conn.Raw(), id)
}

// ListProjects returns every project, oldest first.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Raw().QueryContext(ctx,
		"SELECT id, name, metadata, created_at FROM projects ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		var p types.Project
		var metadataJSON string
		if err := rows.Scan(&p.ID, &p.Name, &metadataJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			_ = json.Unmarshal([]byte(metadataJSON), &p.Metadata)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// =============================================================================
// CONVERSATION INGESTION
// =============================================================================

// StoreConversationBatch persists a conversation and its messages in one
// transaction. Sequence numbers are assigned densely in input order,
// continuing from any messages already stored for the conversation.
// Message roles must be valid; an invalid role rejects the whole batch.
func (s *Store) StoreConversationBatch(ctx context.Context, conv *types.Conversation, messages []types.Message) error {
	timer := logging.StartTimer(logging.CategoryStore, "StoreConversationBatch")
	defer timer.Stop()

	if conv.ID == "" || conv.ProjectID == "" {
		return fmt.Errorf("%w: conversation requires id and project_id", types.ErrInputInvalid)
	}
	if len(messages) == 0 {
		return fmt.Errorf("%w: conversation batch has no messages", types.ErrInputInvalid)
	}
	for i := range messages {
		if !types.ValidRole(messages[i].Role) {
			return fmt.Errorf("%w: message %d has unknown role %q", types.ErrInputInvalid, i, messages[i].Role)
		}
		if messages[i].Content == "" {
			return fmt.Errorf("%w: message %d has empty content", types.ErrInputInvalid, i)
		}
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	started := touchTime(conv.StartedAt)
	lastActivity := touchTime(conv.LastActivityAt)
	if conv.Status == "" {
		conv.Status = types.StatusPending
	}

	// Upsert the conversation row; ingestion may arrive in several batches.
	var nextSeq int
	err = tx.QueryRowContext(ctx,
		"SELECT message_count FROM conversations WHERE id = ?", conv.ID,
	).Scan(&nextSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations
				(id, project_id, title, status, message_count, token_count, started_at, last_activity_at)
			VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
			conv.ID, conv.ProjectID, conv.Title, string(conv.Status), started, lastActivity)
		if err != nil {
			if isFKViolation(err) {
				return fmt.Errorf("%w: project %s", types.ErrParentMissing, conv.ProjectID)
			}
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		nextSeq = 0
	case err != nil:
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	tokenTotal := 0
	for i := range messages {
		m := &messages[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.ConversationID = conv.ID
		m.SequenceNumber = nextSeq
		nextSeq++
		if m.ContentHash == "" {
			m.ContentHash = types.ContentHash(m.Content)
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		tokenTotal += m.TokenCount

		metadataJSON := "{}"
		if m.Metadata != nil {
			if raw, err := json.Marshal(m.Metadata); err == nil {
				metadataJSON = string(raw)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages
				(id, conversation_id, sequence_number, role, content, content_hash, token_count, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.SequenceNumber, string(m.Role), m.Content,
			m.ContentHash, m.TokenCount, metadataJSON, m.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert message %d: %w", m.SequenceNumber, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			message_count = message_count + ?,
			token_count = token_count + ?,
			last_activity_at = ?,
			status = ?
		WHERE id = ?`,
		len(messages), tokenTotal, lastActivity, string(types.StatusPending), conv.ID)
	if err != nil {
		return fmt.Errorf("failed to update conversation counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation batch: %w", err)
	}
	logging.StoreDebug("stored conversation %s batch of %d messages", conv.ID, len(messages))
	return nil
}

// GetConversation loads one conversation row.
func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var c types.Conversation
	var status string
	err = conn.Raw().QueryRowContext(ctx, `
		SELECT id, project_id, title, status, message_count, token_count, started_at, last_activity_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.ProjectID, &c.Title, &status, &c.MessageCount, &c.TokenCount,
		&c.StartedAt, &c.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	c.Status = types.ConversationStatus(status)
	return &c, nil
}

// GetConversationMessages returns a conversation's messages in sequence order.
func (s *Store) GetConversationMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Raw().QueryContext(ctx, `
		SELECT id, conversation_id, sequence_number, role, content, content_hash, token_count, metadata, created_at
		FROM messages WHERE conversation_id = ? ORDER BY sequence_number ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var role, metadataJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SequenceNumber, &role,
			&m.Content, &m.ContentHash, &m.TokenCount, &metadataJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = types.Role(role)
		if metadataJSON != "" && metadataJSON != "{}" {
			_ = json.Unmarshal([]byte(metadataJSON), &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetRecentConversations lists a project's conversations by last activity,
// newest first, with the trailing message preview.
func (s *Store) GetRecentConversations(ctx context.Context, projectID string, limit int) ([]types.ConversationSummary, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Raw().QueryContext(ctx, `
		SELECT c.id, c.title, p.name, c.last_activity_at, c.message_count,
			COALESCE((SELECT content FROM messages m
				WHERE m.conversation_id = c.id
				ORDER BY m.sequence_number DESC LIMIT 1), '')
		FROM conversations c
		JOIN projects p ON p.id = c.project_id
		WHERE (? = '' OR c.project_id = ?)
		ORDER BY c.last_activity_at DESC
		LIMIT ?`, projectID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent conversations: %w", err)
	}
	defer rows.Close()

	var out []types.ConversationSummary
	for rows.Next() {
		var cs types.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.ProjectName, &cs.LastActivity,
			&cs.MessageCount, &cs.LastMessage); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// PendingConversations lists conversations awaiting compression, oldest
// activity first.
func (s *Store) PendingConversations(ctx context.Context, limit int) ([]string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Raw().QueryContext(ctx,
		"SELECT id FROM conversations WHERE status = ? ORDER BY last_activity_at ASC LIMIT ?",
		string(types.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conversations: %w", err)
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

// SetConversationStatus transitions the compression lifecycle.
func (s *Store) SetConversationStatus(ctx context.Context, id string, status types.ConversationStatus) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	res, err := conn.Raw().ExecContext(ctx,
		"UPDATE conversations SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	return nil
}
