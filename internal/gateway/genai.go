package gateway

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// GOOGLE GENAI PROVIDER
// =============================================================================

// GenAIProvider serves embedding and completion through Google's Gemini API.
// Rerank is not offered by the API and returns a fatal error.
type GenAIProvider struct {
	client *genai.Client
}

// NewGenAIProvider creates a provider backed by the Gemini API.
func NewGenAIProvider(ctx context.Context, apiKey string) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIProvider{client: client}, nil
}

func (p *GenAIProvider) Name() string { return "genai" }

// Embed generates an embedding for a single text.
func (p *GenAIProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := p.client.Models.EmbedContent(ctx,
		model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: GenAI embed failed: %v", types.ErrProviderTransient, err)
	}

	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", types.ErrProviderTransient)
	}

	return result.Embeddings[0].Values, nil
}

// Rerank is unsupported by the Gemini API.
func (p *GenAIProvider) Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error) {
	return nil, fmt.Errorf("%w: genai provider does not support rerank", types.ErrProviderFatal)
}

// Complete sends a chat completion request.
func (p *GenAIProvider) Complete(ctx context.Context, model string, messages []ChatMessage, params CompleteParams) (string, error) {
	var system string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			system += m.Content + "\n"
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}
	if params.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(params.Temperature))
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: GenAI completion failed: %v", types.ErrProviderTransient, err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty completion from GenAI", types.ErrProviderTransient)
	}
	return text, nil
}

// IsAvailable probes the API with a tiny embed request.
func (p *GenAIProvider) IsAvailable(ctx context.Context) bool {
	_, err := p.Embed(ctx, "gemini-embedding-001", "ping")
	return err == nil
}
