// Package store is the relational half of the dual write path. SQLite rows
// are the canonical record for projects, conversations, messages, and
// memory units; the vector store holds a derived index that can always be
// rebuilt from these tables.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversations (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL REFERENCES projects(id),
	title            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	message_count    INTEGER NOT NULL DEFAULT 0,
	token_count      INTEGER NOT NULL DEFAULT 0,
	started_at       DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sequence_number INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	content_hash    TEXT NOT NULL DEFAULT '',
	token_count     INTEGER NOT NULL DEFAULT 0,
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      DATETIME NOT NULL,
	UNIQUE(conversation_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS memory_units (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL DEFAULT '',
	project_id      TEXT NOT NULL REFERENCES projects(id),
	unit_type       TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	keywords        TEXT NOT NULL DEFAULT '[]',
	quality_score   REAL NOT NULL DEFAULT 0,
	token_count     INTEGER NOT NULL DEFAULT 0,
	is_active       INTEGER NOT NULL DEFAULT 1,
	needs_repair    INTEGER NOT NULL DEFAULT 0,
	expires_at      DATETIME,
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id, status);
CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_messages_hash ON messages(content_hash);
CREATE INDEX IF NOT EXISTS idx_units_conversation ON memory_units(conversation_id);
CREATE INDEX IF NOT EXISTS idx_units_project_created ON memory_units(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_units_project_active ON memory_units(project_id, is_active);
CREATE INDEX IF NOT EXISTS idx_units_hash ON memory_units(project_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_units_repair ON memory_units(needs_repair) WHERE needs_repair = 1;
`

// Migration adds a column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations upgrades databases created before the column existed.
var pendingMigrations = []Migration{
	// Repair tracking (added with the vector repair queue)
	{"memory_units", "needs_repair", "INTEGER NOT NULL DEFAULT 0"},
	// Expiry support
	{"memory_units", "expires_at", "DATETIME"},
	// Message-level dedup hashes
	{"messages", "content_hash", "TEXT NOT NULL DEFAULT ''"},
}

// EnsureSchema creates missing tables and applies column migrations.
func EnsureSchema(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "EnsureSchema")
	defer timer.Stop()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		logging.StoreDebug("applying migration: %s", query)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		applied++
	}
	if applied > 0 {
		logging.Store("applied %d schema migrations", applied)
	}
	return nil
}

// columnExists checks a column via PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}
