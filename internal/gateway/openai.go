package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// OPENAI-COMPATIBLE PROVIDER
// =============================================================================

// OpenAIProvider serves any OpenAI-compatible gateway (SiliconFlow, vLLM,
// hosted OpenAI). It covers all three capabilities; rerank uses the
// /rerank extension endpoint common to hosted inference gateways.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIProvider creates a provider against an OpenAI-compatible base URL.
func NewOpenAIProvider(baseURL, apiKey string) (*OpenAIProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("OpenAI-compatible base URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI-compatible API key is required")
	}
	return &OpenAIProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Embed generates an embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	req := openaiEmbedRequest{Model: model, Input: []string{text}}
	var result openaiEmbedResponse
	if err := p.post(ctx, "/embeddings", req, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", types.ErrProviderTransient)
	}
	return result.Data[0].Embedding, nil
}

// Rerank scores docs against the query via the /rerank endpoint. The
// returned slice is aligned to the input docs; documents the endpoint
// omits keep a zero score.
func (p *OpenAIProvider) Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error) {
	req := openaiRerankRequest{
		Model:     model,
		Query:     query,
		Documents: docs,
		TopN:      len(docs),
	}
	var result openaiRerankResponse
	if err := p.post(ctx, "/rerank", req, &result); err != nil {
		return nil, err
	}

	scores := make([]float64, len(docs))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			return nil, fmt.Errorf("%w: reranker returned out-of-range index %d", types.ErrProviderFatal, r.Index)
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}

// Complete sends a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, model string, messages []ChatMessage, params CompleteParams) (string, error) {
	req := openaiChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}
	var result openaiChatResponse
	if err := p.post(ctx, "/chat/completions", req, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty completion", types.ErrProviderTransient)
	}
	return result.Choices[0].Message.Content, nil
}

// IsAvailable probes the models listing endpoint.
func (p *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *OpenAIProvider) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", types.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return classifyHTTPError("openai", resp.StatusCode, bodyBytes)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", types.ErrProviderTransient, err)
	}
	return nil
}

// =============================================================================
// OPENAI API TYPES
// =============================================================================

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type openaiRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type openaiRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type openaiChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}
