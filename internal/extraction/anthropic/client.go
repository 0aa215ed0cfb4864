// Package anthropic adapts the Anthropic SDK to the extraction.Provider
// interface via forced tool use for structured extraction and image content
// blocks for vision. Anthropic's API has no embeddings endpoint, so Embed
// always returns ingerr.AdapterFatalError; deployments selecting this
// provider for extraction still need a separate embedding provider wired in
// above the adapter boundary.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"graphkeep/internal/extraction"
	"graphkeep/internal/ingerr"
	"graphkeep/internal/observability"
)

func encodeBase64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

// Client adapts github.com/anthropics/anthropic-sdk-go to extraction.Provider.
type Client struct {
	sdk          anthropic.Client
	extractModel string
	visionModel  string
}

// Config holds the settings New needs to build a Client.
type Config struct {
	APIKey       string
	ExtractModel string
	VisionModel  string
}

// New constructs a Client from cfg. The outbound HTTP client carries the
// otelhttp transport so extraction/vision calls show up as spans alongside
// the rest of a request's trace.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(observability.NewHTTPClient(nil))}
	return &Client{
		sdk:          anthropic.NewClient(opts...),
		extractModel: firstNonEmpty(cfg.ExtractModel, string(anthropic.ModelClaude3_7SonnetLatest)),
		visionModel:  firstNonEmpty(cfg.VisionModel, string(anthropic.ModelClaude3_7SonnetLatest)),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *Client) ExtractionModel() string { return c.extractModel }
func (c *Client) EmbeddingModel() string  { return "" }

const extractionToolName = "emit_extraction"

const extractionSystemPrompt = `You extract knowledge-graph concepts from a document chunk. For every
distinct concept, emit its label, a one-sentence description, alternate search terms, and a verbatim
evidence quote copied exactly from the chunk along with its character offsets. Emit relationships only
between concepts you extracted from this same chunk.`

var extractionSchema = anthropic.ToolInputSchemaParam{
	Properties: map[string]any{
		"concepts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"label":        map[string]any{"type": "string"},
					"description":  map[string]any{"type": "string"},
					"search_terms": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"instances": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"quote":             map[string]any{"type": "string"},
								"char_offset_start": map[string]any{"type": "integer"},
								"char_offset_end":   map[string]any{"type": "integer"},
							},
							"required": []string{"quote"},
						},
					},
				},
				"required": []string{"label", "instances"},
			},
		},
		"relationships": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"from_label": map[string]any{"type": "string"},
					"to_label":   map[string]any{"type": "string"},
					"rel_type":   map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number"},
				},
				"required": []string{"from_label", "to_label", "rel_type"},
			},
		},
	},
}

type extractionInstancePayload struct {
	Quote           string `json:"quote"`
	CharOffsetStart int    `json:"char_offset_start"`
	CharOffsetEnd   int    `json:"char_offset_end"`
}

type extractionPayload struct {
	Concepts []struct {
		Label       string                      `json:"label"`
		Description string                      `json:"description"`
		SearchTerms []string                     `json:"search_terms"`
		Instances   []extractionInstancePayload `json:"instances"`
	} `json:"concepts"`
	Relationships []struct {
		FromLabel  string  `json:"from_label"`
		ToLabel    string  `json:"to_label"`
		RelType    string  `json:"rel_type"`
		Confidence float64 `json:"confidence"`
	} `json:"relationships"`
}

func (c *Client) ExtractConcepts(ctx context.Context, chunkText string) (extraction.ExtractionResult, error) {
	messages := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(chunkText))}
	raw, err := c.callExtraction(ctx, messages)
	if err != nil {
		return extraction.ExtractionResult{}, err
	}

	payload, err := decodeExtractionPayload(raw)
	if err != nil {
		// One repair call on schema-invalid output before giving up.
		log.Warn().Err(err).Str("model", c.extractModel).RawJSON("raw_output", observability.RedactJSON(raw)).Msg("extract_concepts_schema_invalid_repairing")
		repairMessages := append(messages,
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(string(raw))),
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf("That tool call's input failed to parse: %v. Re-emit the emit_extraction tool call with valid JSON matching the schema exactly.", err))),
		)
		raw, err = c.callExtraction(ctx, repairMessages)
		if err != nil {
			return extraction.ExtractionResult{}, err
		}
		payload, err = decodeExtractionPayload(raw)
		if err != nil {
			return extraction.ExtractionResult{}, &ingerr.AdapterFatalError{Cause: fmt.Errorf("decode extraction payload after repair attempt: %w", err)}
		}
	}
	log.Debug().Str("model", c.extractModel).Int("concepts", len(payload.Concepts)).Msg("extract_concepts_ok")

	out := extraction.ExtractionResult{
		Concepts:      make([]extraction.ConceptCandidate, 0, len(payload.Concepts)),
		Relationships: make([]extraction.RelationshipCandidate, 0, len(payload.Relationships)),
	}
	for _, cc := range payload.Concepts {
		instances := make([]extraction.EvidenceInstance, 0, len(cc.Instances))
		for _, i := range cc.Instances {
			instances = append(instances, extraction.EvidenceInstance{
				Quote:       i.Quote,
				OffsetStart: i.CharOffsetStart,
				OffsetEnd:   i.CharOffsetEnd,
			})
		}
		out.Concepts = append(out.Concepts, extraction.ConceptCandidate{
			Label: cc.Label, Description: cc.Description, SearchTerms: cc.SearchTerms,
			Instances: instances,
		})
	}
	for _, r := range payload.Relationships {
		out.Relationships = append(out.Relationships, extraction.RelationshipCandidate{
			FromLabel: r.FromLabel, ToLabel: r.ToLabel, RelType: r.RelType, Confidence: r.Confidence,
		})
	}
	return out, nil
}

// callExtraction issues one forced tool-use request and returns the raw
// tool input JSON.
func (c *Client) callExtraction(ctx context.Context, messages []anthropic.MessageParam) (json.RawMessage, error) {
	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.extractModel),
		MaxTokens: 4096,
		System:    []anthropic.TextBlockParam{{Text: extractionSystemPrompt}},
		Messages:  messages,
		Tools: []anthropic.ToolUnionParam{{OfTool: &anthropic.ToolParam{
			Name:        extractionToolName,
			InputSchema: extractionSchema,
		}}},
		ToolChoice: anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: extractionToolName}},
	})
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.extractModel).Dur("duration", dur).Msg("extract_concepts_error")
		return nil, &ingerr.AdapterTransientError{Cause: err}
	}

	for _, block := range resp.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok && tu.Name == extractionToolName {
			return tu.Input, nil
		}
	}
	return nil, &ingerr.AdapterFatalError{Cause: fmt.Errorf("model returned no tool use block")}
}

func decodeExtractionPayload(raw json.RawMessage) (extractionPayload, error) {
	var payload extractionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return extractionPayload{}, err
	}
	return payload, nil
}

func (c *Client) Embed(context.Context, []string) ([][]float32, error) {
	return nil, &ingerr.AdapterFatalError{Cause: fmt.Errorf("anthropic provider has no embeddings endpoint")}
}

const visionPrompt = "Describe this image in detail, transcribing any visible text verbatim, so the description can be treated as document text."

func (c *Client) DescribeImage(ctx context.Context, mimeType string, data []byte) (string, error) {
	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.visionModel),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{anthropic.NewUserMessage(
			anthropic.NewImageBlockBase64(mimeType, encodeBase64(data)),
			anthropic.NewTextBlock(visionPrompt),
		)},
	})
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.visionModel).Dur("duration", dur).Msg("describe_image_error")
		return "", &ingerr.AdapterTransientError{Cause: err}
	}
	var out string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += tb.Text
		}
	}
	log.Debug().Str("model", c.visionModel).Dur("duration", dur).Msg("describe_image_ok")
	return out, nil
}
