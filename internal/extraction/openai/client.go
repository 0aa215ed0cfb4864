// Package openai adapts the OpenAI SDK to the extraction.Provider
// interface: structured concept/relationship extraction via a forced tool
// call, embeddings, and vision-to-text for image ingestion.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"

	"graphkeep/internal/extraction"
	"graphkeep/internal/ingerr"
	"graphkeep/internal/observability"
)

// Client adapts github.com/openai/openai-go/v2 to extraction.Provider.
type Client struct {
	sdk          sdk.Client
	extractModel string
	embedModel   string
	visionModel  string
}

// Config holds the settings New needs to build a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	ExtractModel string
	EmbedModel   string
	VisionModel  string
}

// New constructs a Client from cfg. The outbound HTTP client carries the
// otelhttp transport so extraction/embedding/vision calls show up as spans
// alongside the rest of a request's trace.
func New(cfg Config) *Client {
	httpClient := observability.NewHTTPClient(nil)
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		sdk:          sdk.NewClient(opts...),
		extractModel: firstNonEmpty(cfg.ExtractModel, "gpt-4o-mini"),
		embedModel:   firstNonEmpty(cfg.EmbedModel, "text-embedding-3-small"),
		visionModel:  firstNonEmpty(cfg.VisionModel, "gpt-4o-mini"),
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
func (c *Client) EmbeddingModel() string  { return c.embedModel }

var extractionToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
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
	"required": []string{"concepts"},
}

const extractionToolName = "emit_extraction"

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

const extractionSystemPrompt = `You extract knowledge-graph concepts from a document chunk. For every
distinct concept, emit its label, a one-sentence description, alternate search terms, and a verbatim
evidence quote copied exactly from the chunk along with its character offsets. Emit relationships only
between concepts you extracted from this same chunk.`

func (c *Client) ExtractConcepts(ctx context.Context, chunkText string) (extraction.ExtractionResult, error) {
	messages := []sdk.ChatCompletionMessageParamUnion{
		sdk.SystemMessage(extractionSystemPrompt),
		sdk.UserMessage(chunkText),
	}
	raw, err := c.callExtraction(ctx, messages)
	if err != nil {
		return extraction.ExtractionResult{}, err
	}

	payload, err := decodeExtractionPayload(raw)
	if err != nil {
		// One repair call: show the model its own invalid output and the
		// decode error, and ask it to re-emit the tool call correctly. Per
		// the extraction contract this is the only retry schema-invalid
		// output gets; a second failure is fatal.
		log.Warn().Err(err).Str("model", c.extractModel).RawJSON("raw_output", observability.RedactJSON(json.RawMessage(raw))).Msg("extract_concepts_schema_invalid_repairing")
		repairMessages := append(messages,
			sdk.AssistantMessage(raw),
			sdk.UserMessage(fmt.Sprintf("That tool call's arguments failed to parse: %v. Re-emit the emit_extraction tool call with valid JSON matching the schema exactly.", err)),
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
	for _, c := range payload.Concepts {
		instances := make([]extraction.EvidenceInstance, 0, len(c.Instances))
		for _, i := range c.Instances {
			instances = append(instances, extraction.EvidenceInstance{
				Quote:       i.Quote,
				OffsetStart: i.CharOffsetStart,
				OffsetEnd:   i.CharOffsetEnd,
			})
		}
		out.Concepts = append(out.Concepts, extraction.ConceptCandidate{
			Label:       c.Label,
			Description: c.Description,
			SearchTerms: c.SearchTerms,
			Instances:   instances,
		})
	}
	for _, r := range payload.Relationships {
		out.Relationships = append(out.Relationships, extraction.RelationshipCandidate{
			FromLabel:  r.FromLabel,
			ToLabel:    r.ToLabel,
			RelType:    r.RelType,
			Confidence: r.Confidence,
		})
	}
	return out, nil
}

// callExtraction issues one forced tool-call request and returns the raw
// tool arguments JSON.
func (c *Client) callExtraction(ctx context.Context, messages []sdk.ChatCompletionMessageParamUnion) (string, error) {
	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.extractModel),
		Messages: messages,
		Tools: []sdk.ChatCompletionToolUnionParam{
			sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
				Name:       extractionToolName,
				Parameters: extractionToolSchema,
			}),
		},
		ToolChoice: sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: extractionToolName},
				Type:     "function",
			},
		},
	})
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.extractModel).Dur("duration", dur).Msg("extract_concepts_error")
		return "", &ingerr.AdapterTransientError{Cause: err}
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return "", &ingerr.AdapterFatalError{Cause: fmt.Errorf("model returned no tool call")}
	}
	return resp.Choices[0].Message.ToolCalls[0].Function.Arguments, nil
}

func decodeExtractionPayload(raw string) (extractionPayload, error) {
	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return extractionPayload{}, err
	}
	return payload, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()
	resp, err := c.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(c.embedModel),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.embedModel).Dur("duration", dur).Msg("embed_error")
		return nil, &ingerr.AdapterTransientError{Cause: err}
	}
	if len(resp.Data) != len(texts) {
		return nil, &ingerr.AdapterFatalError{Cause: fmt.Errorf("embedding count mismatch: got %d want %d", len(resp.Data), len(texts))}
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		v := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}

const visionPrompt = "Describe this image in detail, transcribing any visible text verbatim, so the description can be treated as document text."

func (c *Client) DescribeImage(ctx context.Context, mimeType string, data []byte) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.visionModel),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage([]sdk.ChatCompletionContentPartUnionParam{
				{OfText: &sdk.ChatCompletionContentPartTextParam{Text: visionPrompt}},
				{OfImageURL: &sdk.ChatCompletionContentPartImageParam{
					ImageURL: sdk.ChatCompletionContentPartImageImageURLParam{URL: dataURL},
				}},
			}),
		},
	})
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.visionModel).Dur("duration", dur).Msg("describe_image_error")
		return "", &ingerr.AdapterTransientError{Cause: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ingerr.AdapterFatalError{Cause: fmt.Errorf("model returned no choices")}
	}
	log.Debug().Str("model", c.visionModel).Dur("duration", dur).Msg("describe_image_ok")
	return resp.Choices[0].Message.Content, nil
}
