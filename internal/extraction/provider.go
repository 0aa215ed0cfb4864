// Package extraction defines the narrow adapter interface the ingestion
// pipeline calls against, plus openai/anthropic/google implementations and
// a provider factory that picks one at startup from configuration. Adapters
// never retry internally beyond the transient/fatal split; retry policy and
// backoff live in the pipeline that calls them.
package extraction

import "context"

// EvidenceInstance is one verbatim quote supporting a ConceptCandidate,
// anchored to its character offsets within the chunk. A concept mentioned
// several times in the same chunk carries one EvidenceInstance per mention.
type EvidenceInstance struct {
	Quote       string
	OffsetStart int
	OffsetEnd   int
}

// ConceptCandidate is one concept the model extracted from a chunk, with
// every supporting evidence quote found for it and any relationships to
// other concepts named in the same chunk.
type ConceptCandidate struct {
	Label       string
	Description string
	SearchTerms []string
	Instances   []EvidenceInstance
}

// RelationshipCandidate is one directed, typed edge between two concept
// labels extracted from the same chunk.
type RelationshipCandidate struct {
	FromLabel  string
	ToLabel    string
	RelType    string
	Confidence float64
}

// ExtractionResult is everything one chunk's extraction call yields.
type ExtractionResult struct {
	Concepts      []ConceptCandidate
	Relationships []RelationshipCandidate
}

// Provider is the adapter interface the pipeline's extract stage, embed
// stage, and image ingestion path call. Implementations wrap a single
// upstream SDK; errors should be classified by the caller into
// ingerr.AdapterTransientError/AdapterFatalError based on the error the SDK
// returns.
type Provider interface {
	// ExtractConcepts asks the model to identify concepts, their evidence
	// quotes, and relationships within chunkText.
	ExtractConcepts(ctx context.Context, chunkText string) (ExtractionResult, error)

	// Embed returns one embedding vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// DescribeImage converts image bytes into a natural-language
	// description suitable for feeding back through ExtractConcepts as if
	// it were chunk text.
	DescribeImage(ctx context.Context, mimeType string, data []byte) (string, error)

	// ExtractionModel and EmbeddingModel name the concrete models in use,
	// recorded on Concept/Source rows for provenance.
	ExtractionModel() string
	EmbeddingModel() string
}
