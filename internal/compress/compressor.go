// Package compress turns raw conversation transcripts into memory units.
// A completion model distills the transcript into a structured JSON record;
// the compressor validates the structure, normalizes the keywords, and
// escalates from the light to the heavy model when quality falls short.
package compress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/gateway"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// CONFIG
// =============================================================================

// Completer is the completion slice of the model gateway.
type Completer interface {
	Complete(ctx context.Context, model string, messages []gateway.ChatMessage, params gateway.CompleteParams) (string, error)
}

// Config tunes the compressor.
type Config struct {
	// LightModel handles routine transcripts; HeavyModel is the escalation
	// tier for long transcripts and quality retries.
	LightModel string
	HeavyModel string
	// HeavyTokenThreshold routes transcripts above this estimated size
	// straight to the heavy model.
	HeavyTokenThreshold int
	// QualityThreshold rejects units the model scores below this.
	QualityThreshold float64
	// MaxOutputTokens caps the completion response.
	MaxOutputTokens int
}

// DefaultConfig returns production compression settings.
func DefaultConfig() Config {
	return Config{
		HeavyTokenThreshold: 8000,
		QualityThreshold:    0.3,
		MaxOutputTokens:     2048,
	}
}

// Compressor distills transcripts into memory units.
type Compressor struct {
	cfg       Config
	completer Completer
}

// New creates a compressor over the given completion backend.
func New(cfg Config, completer Completer) (*Compressor, error) {
	if cfg.LightModel == "" || cfg.HeavyModel == "" {
		return nil, fmt.Errorf("compressor requires light and heavy model names")
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = DefaultConfig().QualityThreshold
	}
	if cfg.HeavyTokenThreshold <= 0 {
		cfg.HeavyTokenThreshold = DefaultConfig().HeavyTokenThreshold
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultConfig().MaxOutputTokens
	}
	return &Compressor{cfg: cfg, completer: completer}, nil
}

// =============================================================================
// PROMPT
// =============================================================================

var promptTemplate = template.Must(template.New("compress").Parse(
	`You distill a development conversation into a durable memory record.

Return ONLY a JSON object with exactly these fields:
- "title": one line naming the topic
- "summary": 2-4 sentences covering outcome and open threads
- "content": the distilled knowledge worth remembering, self-contained
- "keywords": 3-10 lowercase search terms
- "quality": your own 0.0-1.0 confidence that this record is useful

Preserve concrete decisions, identifiers, file paths, and error messages.
Drop greetings, retries, and dead ends.

Transcript ({{.MessageCount}} messages):
{{.Transcript}}`))

type promptData struct {
	MessageCount int
	Transcript   string
}

// buildTranscript renders messages as role-tagged lines.
func buildTranscript(messages []types.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString("[")
		b.WriteString(string(m.Role))
		b.WriteString("] ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// =============================================================================
// COMPRESSION
// =============================================================================

// compressedRecord is the model's required output shape.
type compressedRecord struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Quality  float64  `json:"quality"`
}

// Compress distills a conversation into one memory unit of the requested
// type; an empty unitType means a conversation record. Durable types run
// on the heavy model. Episodic types run on the light model first unless
// the transcript is large; a malformed response or a quality score below
// threshold escalates to the heavy model once. The returned unit is not
// yet persisted.
func (c *Compressor) Compress(ctx context.Context, conv *types.Conversation, messages []types.Message, unitType types.UnitType) (*types.MemoryUnit, error) {
	timer := logging.StartTimer(logging.CategoryCompress, "Compress")
	defer timer.Stop()

	if unitType == "" {
		unitType = types.UnitConversation
	}
	if !types.ValidUnitType(unitType) {
		return nil, fmt.Errorf("%w: unknown unit type %q", types.ErrInputInvalid, unitType)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: conversation %s has no messages", types.ErrInputInvalid, conv.ID)
	}

	transcript := buildTranscript(messages)
	var prompt strings.Builder
	if err := promptTemplate.Execute(&prompt, promptData{
		MessageCount: len(messages),
		Transcript:   transcript,
	}); err != nil {
		return nil, fmt.Errorf("failed to render compression prompt: %w", err)
	}

	model := c.modelFor(unitType, transcript, conv.ID)

	record, err := c.complete(ctx, model, prompt.String())
	if err == nil && record.Quality < c.cfg.QualityThreshold && model != c.cfg.HeavyModel {
		logging.Compress("quality %.2f below threshold for conversation %s, escalating to heavy model",
			record.Quality, conv.ID)
		record, err = c.complete(ctx, c.cfg.HeavyModel, prompt.String())
	} else if err != nil && model != c.cfg.HeavyModel {
		logging.Compress("light model failed for conversation %s, escalating: %v", conv.ID, err)
		record, err = c.complete(ctx, c.cfg.HeavyModel, prompt.String())
	}
	if err != nil {
		return nil, fmt.Errorf("compression of conversation %s failed: %w", conv.ID, err)
	}
	if record.Quality < c.cfg.QualityThreshold {
		return nil, fmt.Errorf("compression of conversation %s rejected: quality %.2f below threshold %.2f",
			conv.ID, record.Quality, c.cfg.QualityThreshold)
	}

	unit := &types.MemoryUnit{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ProjectID:      conv.ProjectID,
		UnitType:       unitType,
		Title:          record.Title,
		Summary:        record.Summary,
		Content:        record.Content,
		Keywords:       types.NormalizeKeywords(record.Keywords),
		QualityScore:   record.Quality,
		CreatedAt:      time.Now().UTC(),
		IsActive:       true,
	}
	unit.TokenCount = types.EstimateTokens(unit.EmbedText())
	return unit, nil
}

// modelFor picks the starting model tier. Global and decision units hold
// durable project knowledge and always get the heavy model; conversation
// and archive units stay on the light model unless the transcript is large.
func (c *Compressor) modelFor(unitType types.UnitType, transcript, convID string) string {
	switch unitType {
	case types.UnitGlobal, types.UnitDecision:
		logging.CompressDebug("durable unit type %s for conversation %s, using heavy model", unitType, convID)
		return c.cfg.HeavyModel
	}
	if types.EstimateTokens(transcript) > c.cfg.HeavyTokenThreshold {
		logging.CompressDebug("transcript of conversation %s is large, using heavy model", convID)
		return c.cfg.HeavyModel
	}
	return c.cfg.LightModel
}

// complete runs one model call and parses the strict JSON shape.
func (c *Compressor) complete(ctx context.Context, model, prompt string) (*compressedRecord, error) {
	raw, err := c.completer.Complete(ctx, model,
		[]gateway.ChatMessage{{Role: "user", Content: prompt}},
		gateway.CompleteParams{MaxTokens: c.cfg.MaxOutputTokens, Temperature: 0.2})
	if err != nil {
		return nil, err
	}
	return parseRecord(raw)
}

// parseRecord decodes the model output, tolerating markdown code fences
// but nothing else. Every required field must be present and non-empty.
func parseRecord(raw string) (*compressedRecord, error) {
	cleaned := stripFences(raw)

	var record compressedRecord
	if err := json.Unmarshal([]byte(cleaned), &record); err != nil {
		return nil, fmt.Errorf("model returned malformed JSON: %w", err)
	}
	if record.Title == "" || record.Summary == "" || record.Content == "" {
		return nil, fmt.Errorf("model response missing required fields")
	}
	if len(record.Keywords) == 0 {
		return nil, fmt.Errorf("model response has no keywords")
	}
	if record.Quality < 0 || record.Quality > 1 {
		return nil, fmt.Errorf("model reported out-of-range quality %.2f", record.Quality)
	}
	return &record, nil
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
