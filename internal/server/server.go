// Package server exposes the memory service over two transports: a
// line-delimited JSON-RPC loop on stdio for editor integrations, and a
// chi HTTP API for everything else. Both are thin adapters; policy and
// metering live in the service layer.
package server

import (
	"context"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/service"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// Backend is the slice of the service layer the transports call.
// *service.Service satisfies it.
type Backend interface {
	IngestConversation(ctx context.Context, principal string, conv *types.Conversation, messages []types.Message) error
	StoreMemoryContent(ctx context.Context, principal, projectID, content string, metadata map[string]interface{}) (string, error)
	CompressConversation(ctx context.Context, principal, conversationID string) (*types.MemoryUnit, error)
	CompressPending(ctx context.Context, principal string, limit int) (int, error)
	SaveMemory(ctx context.Context, principal string, unit *types.MemoryUnit) (string, error)
	SearchMemories(ctx context.Context, principal, projectID, query string, limit int, minScore float64) ([]types.SearchResult, error)
	InjectContext(ctx context.Context, principal, projectID, prompt, queryText, strategy string, maxTokens int) (*types.InjectionResult, error)
	GetRecentConversations(ctx context.Context, principal, projectID string, limit int) ([]types.ConversationSummary, error)
	GetConversationMessages(ctx context.Context, principal, conversationID string) (*types.Conversation, []types.Message, error)
	EnsureProject(ctx context.Context, principal, id, name string) (*types.Project, error)
	ListProjects(ctx context.Context, principal string) ([]*types.Project, error)
	DeleteMemory(ctx context.Context, principal, unitID string) error
	Health(ctx context.Context) service.Health
}

var _ Backend = (*service.Service)(nil)
