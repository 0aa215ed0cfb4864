// Package google adapts the Gemini SDK (google.golang.org/genai) to the
// extraction.Provider interface: function-call-forced structured
// extraction, genai's embed-content endpoint, and inline-image vision.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	genai "google.golang.org/genai"

	"github.com/rs/zerolog/log"

	"graphkeep/internal/extraction"
	"graphkeep/internal/ingerr"
	"graphkeep/internal/observability"
)

// Client adapts google.golang.org/genai to extraction.Provider.
type Client struct {
	sdk          *genai.Client
	extractModel string
	embedModel   string
	visionModel  string
}

// Config holds the settings New needs to build a Client.
type Config struct {
	APIKey       string
	ExtractModel string
	EmbedModel   string
	VisionModel  string
}

// New constructs a Client from cfg. The outbound HTTP client carries the
// otelhttp transport so extraction/embedding/vision calls show up as spans
// alongside the rest of a request's trace.
func New(ctx context.Context, cfg Config) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		HTTPClient: observability.NewHTTPClient(nil),
	})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}
	return &Client{
		sdk:          client,
		extractModel: firstNonEmpty(cfg.ExtractModel, "gemini-1.5-flash"),
		embedModel:   firstNonEmpty(cfg.EmbedModel, "text-embedding-004"),
		visionModel:  firstNonEmpty(cfg.VisionModel, "gemini-1.5-flash"),
	}, nil
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

const extractionFunctionName = "emit_extraction"

const extractionSystemPrompt = `You extract knowledge-graph concepts from a document chunk. For every
distinct concept, emit its label, a one-sentence description, alternate search terms, and a verbatim
evidence quote copied exactly from the chunk along with its character offsets. Emit relationships only
between concepts you extracted from this same chunk.`

var extractionParameters = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"concepts": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"label":        {Type: genai.TypeString},
					"description":  {Type: genai.TypeString},
					"search_terms": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
					"instances": {
						Type: genai.TypeArray,
						Items: &genai.Schema{
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"quote":             {Type: genai.TypeString},
								"char_offset_start": {Type: genai.TypeInteger},
								"char_offset_end":   {Type: genai.TypeInteger},
							},
							Required: []string{"quote"},
						},
					},
				},
				Required: []string{"label", "instances"},
			},
		},
		"relationships": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"from_label": {Type: genai.TypeString},
					"to_label":   {Type: genai.TypeString},
					"rel_type":   {Type: genai.TypeString},
					"confidence": {Type: genai.TypeNumber},
				},
				Required: []string{"from_label", "to_label", "rel_type"},
			},
		},
	},
	Required: []string{"concepts"},
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
	contents := []*genai.Content{genai.NewContentFromText(chunkText, genai.RoleUser)}
	raw, err := c.callExtraction(ctx, contents)
	if err != nil {
		return extraction.ExtractionResult{}, err
	}

	payload, err := decodeExtractionPayload(raw)
	if err != nil {
		// One repair call on schema-invalid output before giving up.
		log.Warn().Err(err).Str("model", c.extractModel).RawJSON("raw_output", observability.RedactJSON(raw)).Msg("extract_concepts_schema_invalid_repairing")
		repairContents := append(contents,
			genai.NewContentFromText(string(raw), genai.RoleModel),
			genai.NewContentFromText(fmt.Sprintf("That function call's arguments failed to parse: %v. Re-emit the emit_extraction function call with valid JSON matching the schema exactly.", err), genai.RoleUser),
		)
		raw, err = c.callExtraction(ctx, repairContents)
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

// callExtraction issues one forced function-call request and returns the
// raw function-call arguments JSON.
func (c *Client) callExtraction(ctx context.Context, contents []*genai.Content) (json.RawMessage, error) {
	start := time.Now()
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(extractionSystemPrompt, genai.RoleUser),
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:       extractionFunctionName,
				Parameters: extractionParameters,
			}},
		}},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{extractionFunctionName},
			},
		},
	}
	resp, err := c.sdk.Models.GenerateContent(ctx, c.extractModel, contents, cfg)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.extractModel).Dur("duration", dur).Msg("extract_concepts_error")
		return nil, &ingerr.AdapterTransientError{Cause: err}
	}

	var args map[string]any
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.FunctionCall != nil && part.FunctionCall.Name == extractionFunctionName {
				args = part.FunctionCall.Args
			}
		}
	}
	if args == nil {
		return nil, &ingerr.AdapterFatalError{Cause: fmt.Errorf("model returned no function call")}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, &ingerr.AdapterFatalError{Cause: fmt.Errorf("re-marshal function args: %w", err)}
	}
	return raw, nil
}

func decodeExtractionPayload(raw json.RawMessage) (extractionPayload, error) {
	var payload extractionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return extractionPayload{}, err
	}
	return payload, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	start := time.Now()
	resp, err := c.sdk.Models.EmbedContent(ctx, c.embedModel, contents, nil)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.embedModel).Dur("duration", dur).Msg("embed_error")
		return nil, &ingerr.AdapterTransientError{Cause: err}
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, &ingerr.AdapterFatalError{Cause: fmt.Errorf("embedding count mismatch: got %d want %d", len(resp.Embeddings), len(texts))}
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

const visionPrompt = "Describe this image in detail, transcribing any visible text verbatim, so the description can be treated as document text."

func (c *Client) DescribeImage(ctx context.Context, mimeType string, data []byte) (string, error) {
	start := time.Now()
	resp, err := c.sdk.Models.GenerateContent(ctx, c.visionModel, []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(visionPrompt),
		}, genai.RoleUser),
	}, nil)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.visionModel).Dur("duration", dur).Msg("describe_image_error")
		return "", &ingerr.AdapterTransientError{Cause: err}
	}
	log.Debug().Str("model", c.visionModel).Dur("duration", dur).Msg("describe_image_ok")
	return resp.Text(), nil
}
