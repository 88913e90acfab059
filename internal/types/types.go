// Package types holds the shared domain value types for the memory service:
// projects, conversations, messages, memory units, and the result shapes
// passed between the pipeline stages.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// CORE ENTITIES
// =============================================================================

// Project is a logical namespace. Every conversation and memory unit belongs
// to exactly one project. IDs are caller-supplied and stable.
type Project struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	CreatedAt time.Time              `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationStatus tracks the compression lifecycle of a conversation.
type ConversationStatus string

const (
	StatusPending    ConversationStatus = "pending"
	StatusCompressed ConversationStatus = "compressed"
	StatusFailed     ConversationStatus = "failed"
)

// Conversation is a single chat session.
type Conversation struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"project_id"`
	Title          string             `json:"title"`
	StartedAt      time.Time          `json:"started_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	MessageCount   int                `json:"message_count"`
	TokenCount     int                `json:"token_count"`
	Status         ConversationStatus `json:"status"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ValidRole reports whether r is one of the recognized roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleHuman, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is one turn of a conversation. Messages are immutable after insert;
// SequenceNumber is dense and monotonic within a conversation, starting at 0.
type Message struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	SequenceNumber int                    `json:"sequence_number"`
	Role           Role                   `json:"role"`
	Content        string                 `json:"content"`
	ContentHash    string                 `json:"content_hash,omitempty"`
	TokenCount     int                    `json:"token_count"`
	CreatedAt      time.Time              `json:"created_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// UnitType classifies a memory unit. The set is closed.
type UnitType string

const (
	UnitConversation UnitType = "conversation"
	UnitGlobal       UnitType = "global"
	UnitArchive      UnitType = "archive"
	UnitDecision     UnitType = "decision"
)

// ValidUnitType reports whether t is one of the recognized unit types.
func ValidUnitType(t UnitType) bool {
	switch t {
	case UnitConversation, UnitGlobal, UnitArchive, UnitDecision:
		return true
	}
	return false
}

// MemoryUnit is the compressed durable representation of a conversation
// (or a fragment). The relational row is canonical; the vector with the
// same id in the vector store is a derived index.
type MemoryUnit struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	ProjectID      string                 `json:"project_id"`
	UnitType       UnitType               `json:"unit_type"`
	Title          string                 `json:"title"`
	Summary        string                 `json:"summary"`
	Content        string                 `json:"content"`
	Keywords       []string               `json:"keywords"`
	RelevanceScore float64                `json:"relevance_score"`
	QualityScore   float64                `json:"quality_score"`
	TokenCount     int                    `json:"token_count"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	IsActive       bool                   `json:"is_active"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EmbedText returns the text that is embedded for this unit: content plus
// summary, matching what gets indexed in the vector store.
func (u *MemoryUnit) EmbedText() string {
	return strings.TrimSpace(u.Content + " " + u.Summary)
}

// =============================================================================
// RETRIEVAL RESULT SHAPES
// =============================================================================

// MatchSource records which retrieval arm produced a result.
type MatchSource string

const (
	MatchVector  MatchSource = "vector"
	MatchKeyword MatchSource = "keyword"
	MatchBoth    MatchSource = "both"
)

// SearchResult is one hydrated retrieval hit with its explanation fields.
type SearchResult struct {
	Unit            MemoryUnit  `json:"memory_unit"`
	Score           float64     `json:"score"`
	Source          MatchSource `json:"match_source"`
	MatchedKeywords []string    `json:"matched_keywords,omitempty"`
}

// InjectionResult is the outcome of a context injection.
type InjectionResult struct {
	EnhancedPrompt   string         `json:"enhanced_prompt"`
	UsedMemories     []SearchResult `json:"injected_memories"`
	TokensUsed       int            `json:"tokens_used"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}

// ConversationSummary is the shape returned for recent-conversation listings.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ProjectName  string    `json:"project_name"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	LastMessage  string    `json:"last_message"`
}

// =============================================================================
// HELPERS
// =============================================================================

// EstimateTokens approximates the token count of text as ceil(chars/4).
// Good enough for budget math; exact tokenization is model-specific.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// ContentHash returns the hex sha256 of the whitespace-normalized content.
// Used for cheap message dedup checks and compression idempotence tests.
func ContentHash(content string) string {
	normalized := strings.Join(strings.Fields(content), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NormalizeKeywords lowercases, trims, and deduplicates a keyword list,
// dropping empty strings. Order of first occurrence is preserved.
func NormalizeKeywords(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
