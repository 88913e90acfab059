package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// WIRE SHAPES
// =============================================================================

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// toolContent is the tools/call result envelope.
type toolContent struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// =============================================================================
// STDIO SERVER
// =============================================================================

// Stdio serves line-delimited JSON-RPC 2.0 over a reader/writer pair,
// normally stdin/stdout. One request per line, one response per line. The
// memory tools are reachable both through tools/call and as direct methods.
type Stdio struct {
	backend          Backend
	defaultPrincipal string

	writeMu sync.Mutex
	out     *bufio.Writer
}

// NewStdio builds a stdio server. Requests that carry no principal run as
// defaultPrincipal.
func NewStdio(backend Backend, defaultPrincipal string) *Stdio {
	return &Stdio{backend: backend, defaultPrincipal: defaultPrincipal}
}

// Serve reads requests until EOF or context cancellation. Malformed lines
// produce error responses; they never kill the loop.
func (s *Stdio) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = bufio.NewWriter(w)
	scanner := bufio.NewScanner(r)
	// Transcripts can be large; allow lines up to 16 MiB.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.reply(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		if req.Method == "" {
			s.reply(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "method is required"}})
			continue
		}

		result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
		s.reply(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read failed: %w", err)
	}
	return nil
}

func (s *Stdio) reply(resp rpcResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Server("failed to marshal response: %v", err)
		return
	}
	s.out.Write(data)
	s.out.WriteByte('\n')
	s.out.Flush()
}

// =============================================================================
// DISPATCH
// =============================================================================

func (s *Stdio) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "initialize":
		return map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]string{"name": "memd", "version": "1.0.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		}, nil

	case "ping":
		return "pong", nil

	case "tools/list":
		return map[string]interface{}{"tools": toolCatalog}, nil

	case "tools/call":
		var call struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := decodeParams(params, &call); err != nil {
			return nil, err
		}
		result, rpcErr := s.callTool(ctx, call.Name, call.Arguments)
		if rpcErr != nil {
			return nil, rpcErr
		}
		text, err := json.Marshal(result)
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		return toolContent{Content: []contentBlock{{Type: "text", Text: string(text)}}}, nil
	}

	// Every tool is also addressable as a plain method.
	return s.callTool(ctx, method, params)
}

// Param shapes. Every request may carry a principal; absent means the
// configured default.
type principalParams struct {
	Principal string `json:"principal"`
}

func (p principalParams) or(def string) string {
	if p.Principal != "" {
		return p.Principal
	}
	return def
}

func (s *Stdio) callTool(ctx context.Context, name string, args json.RawMessage) (interface{}, *rpcError) {
	switch name {
	case "memory_search":
		var p struct {
			principalParams
			Query         string  `json:"query"`
			Limit         int     `json:"limit"`
			ProjectFilter string  `json:"project_filter"`
			MinScore      float64 `json:"min_score"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		results, err := s.backend.SearchMemories(ctx, p.or(s.defaultPrincipal), p.ProjectFilter, p.Query, p.Limit, p.MinScore)
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]interface{}{"results": results, "count": len(results)}, nil

	case "memory_inject":
		var p struct {
			principalParams
			OriginalPrompt string `json:"original_prompt"`
			QueryText      string `json:"query_text"`
			Mode           string `json:"mode"`
			MaxTokens      int    `json:"max_tokens"`
			ProjectID      string `json:"project_id"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		res, err := s.backend.InjectContext(ctx, p.or(s.defaultPrincipal), p.ProjectID, p.OriginalPrompt, p.QueryText, p.Mode, p.MaxTokens)
		if err != nil {
			return nil, toRPCError(err)
		}
		return res, nil

	case "memory_store":
		var p struct {
			principalParams
			Content   string                 `json:"content"`
			ProjectID string                 `json:"project_id"`
			Metadata  map[string]interface{} `json:"metadata"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		id, err := s.backend.StoreMemoryContent(ctx, p.or(s.defaultPrincipal), p.ProjectID, p.Content, p.Metadata)
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]string{"conversation_id": id, "project_id": p.ProjectID}, nil

	case "conversation_store":
		var p struct {
			principalParams
			Conversation *types.Conversation `json:"conversation"`
			Messages     []types.Message     `json:"messages"`
			ProjectID    string              `json:"project_id"`
			Title        string              `json:"title"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		conv := p.Conversation
		if conv == nil {
			conv = &types.Conversation{ProjectID: p.ProjectID, Title: p.Title}
		}
		if err := s.backend.IngestConversation(ctx, p.or(s.defaultPrincipal), conv, p.Messages); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]string{"conversation_id": conv.ID, "project_id": conv.ProjectID}, nil

	case "get_recent_conversations":
		var p struct {
			principalParams
			ProjectID string `json:"project_id"`
			Limit     int    `json:"limit"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		if p.Limit <= 0 {
			p.Limit = 10
		}
		out, err := s.backend.GetRecentConversations(ctx, p.or(s.defaultPrincipal), p.ProjectID, p.Limit)
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]interface{}{"conversations": out, "count": len(out)}, nil

	case "get_conversation_messages":
		var p struct {
			principalParams
			ConversationID string `json:"conversation_id"`
			Limit          int    `json:"limit"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		conv, msgs, err := s.backend.GetConversationMessages(ctx, p.or(s.defaultPrincipal), p.ConversationID)
		if err != nil {
			return nil, toRPCError(err)
		}
		if p.Limit > 0 && len(msgs) > p.Limit {
			msgs = msgs[:p.Limit]
		}
		return map[string]interface{}{"conversation": conv, "messages": msgs}, nil

	case "memory_compress":
		var p struct {
			principalParams
			ConversationID string `json:"conversation_id"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		unit, err := s.backend.CompressConversation(ctx, p.or(s.defaultPrincipal), p.ConversationID)
		if err != nil {
			return nil, toRPCError(err)
		}
		return unit, nil

	case "memory_compress_pending":
		var p struct {
			principalParams
			Limit int `json:"limit"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		n, err := s.backend.CompressPending(ctx, p.or(s.defaultPrincipal), p.Limit)
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]int{"compressed": n}, nil

	case "memory_save":
		var p struct {
			principalParams
			Unit *types.MemoryUnit `json:"unit"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		id, err := s.backend.SaveMemory(ctx, p.or(s.defaultPrincipal), p.Unit)
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]string{"unit_id": id}, nil

	case "memory_delete":
		var p struct {
			principalParams
			UnitID string `json:"unit_id"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		if err := s.backend.DeleteMemory(ctx, p.or(s.defaultPrincipal), p.UnitID); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]bool{"deleted": true}, nil

	case "project_ensure":
		var p struct {
			principalParams
			ProjectID string `json:"project_id"`
			Name      string `json:"name"`
		}
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		proj, err := s.backend.EnsureProject(ctx, p.or(s.defaultPrincipal), p.ProjectID, p.Name)
		if err != nil {
			return nil, toRPCError(err)
		}
		return proj, nil

	case "project_list":
		var p principalParams
		if err := decodeParams(args, &p); err != nil {
			return nil, err
		}
		out, err := s.backend.ListProjects(ctx, p.or(s.defaultPrincipal))
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]interface{}{"projects": out, "count": len(out)}, nil

	case "memory_health":
		return s.backend.Health(ctx), nil
	}

	return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", name)}
}

// toolCatalog backs tools/list. Schemas are static JSON documents.
var toolCatalog = []toolInfo{
	{Name: "memory_search", Description: "Hybrid semantic plus keyword search over stored memories.",
		InputSchema: schemaObj(`{"query":{"type":"string"},"limit":{"type":"integer"},"project_filter":{"type":"string"}}`, "query")},
	{Name: "memory_inject", Description: "Retrieve relevant memories and weave them into a prompt under a token budget.",
		InputSchema: schemaObj(`{"original_prompt":{"type":"string"},"query_text":{"type":"string"},"mode":{"type":"string"},"max_tokens":{"type":"integer"},"project_id":{"type":"string"}}`, "original_prompt")},
	{Name: "memory_store", Description: "Store a raw content blob as a pending conversation.",
		InputSchema: schemaObj(`{"content":{"type":"string"},"project_id":{"type":"string"},"metadata":{"type":"object"}}`, "content", "project_id")},
	{Name: "conversation_store", Description: "Store a full conversation transcript.",
		InputSchema: schemaObj(`{"messages":{"type":"array"},"project_id":{"type":"string"},"title":{"type":"string"}}`, "messages", "project_id")},
	{Name: "get_recent_conversations", Description: "List recent conversations.",
		InputSchema: schemaObj(`{"project_id":{"type":"string"},"limit":{"type":"integer"}}`)},
	{Name: "get_conversation_messages", Description: "Fetch a conversation's messages in order.",
		InputSchema: schemaObj(`{"conversation_id":{"type":"string"},"limit":{"type":"integer"}}`, "conversation_id")},
	{Name: "memory_compress", Description: "Compress one stored conversation into a memory unit.",
		InputSchema: schemaObj(`{"conversation_id":{"type":"string"}}`, "conversation_id")},
	{Name: "memory_compress_pending", Description: "Compress pending conversations in bulk.",
		InputSchema: schemaObj(`{"limit":{"type":"integer"}}`)},
	{Name: "memory_save", Description: "Store a caller-authored memory unit directly.",
		InputSchema: schemaObj(`{"unit":{"type":"object"}}`, "unit")},
	{Name: "memory_delete", Description: "Deactivate a memory unit.",
		InputSchema: schemaObj(`{"unit_id":{"type":"string"}}`, "unit_id")},
	{Name: "project_ensure", Description: "Create a project if it does not exist.",
		InputSchema: schemaObj(`{"project_id":{"type":"string"},"name":{"type":"string"}}`, "project_id")},
	{Name: "project_list", Description: "List projects visible to the caller.",
		InputSchema: schemaObj(`{}`)},
	{Name: "memory_health", Description: "Full subsystem health snapshot.",
		InputSchema: schemaObj(`{}`)},
}

func schemaObj(props string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	if len(required) == 0 {
		return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":%s}`, props))
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":%s,"required":%s}`, props, req))
}

func decodeParams(raw json.RawMessage, into interface{}) *rpcError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// toRPCError maps the error taxonomy onto JSON-RPC codes. Validation and
// permission failures are invalid params from the caller's point of view;
// everything else is internal.
func toRPCError(err error) *rpcError {
	switch {
	case errors.Is(err, types.ErrInputInvalid),
		errors.Is(err, types.ErrPermissionDenied),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrParentMissing):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	return &rpcError{Code: codeInternalError, Message: err.Error()}
}
