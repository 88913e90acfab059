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
// OLLAMA PROVIDER
// =============================================================================

// OllamaProvider serves embedding and completion from a local Ollama server.
// Rerank is not offered and returns a fatal error.
type OllamaProvider struct {
	endpoint string
	client   *http.Client
}

// NewOllamaProvider creates a provider against the given Ollama endpoint.
func NewOllamaProvider(endpoint string) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaProvider{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

// Embed generates an embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	req := ollamaEmbedRequest{Model: model, Prompt: text}
	var result ollamaEmbedResponse
	if err := p.post(ctx, "/api/embeddings", req, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("%w: ollama returned empty embedding", types.ErrProviderTransient)
	}
	return result.Embedding, nil
}

// Rerank is unsupported.
func (p *OllamaProvider) Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error) {
	return nil, fmt.Errorf("%w: ollama provider does not support rerank", types.ErrProviderFatal)
}

// Complete sends a non-streaming chat request.
func (p *OllamaProvider) Complete(ctx context.Context, model string, messages []ChatMessage, params CompleteParams) (string, error) {
	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
		},
	}
	var result ollamaChatResponse
	if err := p.post(ctx, "/api/chat", req, &result); err != nil {
		return "", err
	}
	if result.Message.Content == "" {
		return "", fmt.Errorf("%w: empty completion from ollama", types.ErrProviderTransient)
	}
	return result.Message.Content, nil
}

// IsAvailable checks whether the server responds.
func (p *OllamaProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", p.endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *OllamaProvider) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: ollama request failed: %v", types.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return classifyHTTPError("ollama", resp.StatusCode, bodyBytes)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode ollama response: %v", types.ErrProviderTransient, err)
	}
	return nil
}

// classifyHTTPError maps status codes to the retry taxonomy: 408, 429 and
// 5xx are transient, everything else 4xx is fatal.
func classifyHTTPError(provider string, status int, body []byte) error {
	msg := fmt.Sprintf("%s returned status %d: %s", provider, status, string(body))
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: %s", types.ErrProviderTransient, msg)
	}
	return fmt.Errorf("%w: %s", types.ErrProviderFatal, msg)
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaChatResponse struct {
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
}
