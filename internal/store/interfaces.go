// Package store defines the persistence interfaces the job scheduler,
// ingestion pipeline, and query engine are built against, plus memory,
// postgres, and Qdrant implementations selected at startup by config.
package store

import (
	"context"

	"graphkeep/internal/model"
)

// GraphStore is the property-graph adapter: Concepts, Sources, Instances,
// Relationships, the relationship vocabulary, and job/checkpoint state.
// Upserts are idempotent in the identity fields model defines.
type GraphStore interface {
	UpsertConcept(ctx context.Context, c model.Concept) error
	GetConcept(ctx context.Context, id string) (model.Concept, bool, error)
	FindConceptsByLabel(ctx context.Context, normalizedLabel string) ([]model.Concept, error)
	// ListConcepts returns every Concept in the store. Used by the
	// reconciliation sweep, which has no other way to enumerate candidates
	// for a merge check beyond the vector index's own top-k neighbors.
	ListConcepts(ctx context.Context) ([]model.Concept, error)

	UpsertSource(ctx context.Context, s model.Source) error
	GetSource(ctx context.Context, id string) (model.Source, bool, error)

	UpsertInstance(ctx context.Context, i model.Instance) error
	InstancesForConcept(ctx context.Context, conceptID string) ([]model.Instance, error)

	// AppearsIn records, with set semantics, that conceptID has evidence in
	// sourceID. Re-recording the same pair is a no-op.
	AppearsIn(ctx context.Context, conceptID, sourceID string) error
	// SourcesForConcept lists every source ID a concept appears in.
	SourcesForConcept(ctx context.Context, conceptID string) ([]string, error)

	UpsertRelationship(ctx context.Context, r model.Relationship) error
	RelationshipsFrom(ctx context.Context, conceptID string) ([]model.Relationship, error)
	RelationshipsTo(ctx context.Context, conceptID string) ([]model.Relationship, error)

	// MergeConcepts reassigns every Instance, Relationship, and APPEARS_IN
	// edge that points at mergedID onto canonicalID, unions their search
	// terms/ontologies/evidence counts onto canonicalID, and deletes the
	// mergedID concept row. Used by the scheduler's reconciliation sweep to
	// collapse two Concepts that raced past the merge threshold during
	// concurrent ingestion into one. The caller is responsible for also
	// deleting mergedID from the VectorIndex/LexicalIndex.
	MergeConcepts(ctx context.Context, canonicalID, mergedID string) error

	// ResolveRelType returns the canonical relationship type for typ,
	// following merged_into chains in the vocabulary table. If typ is
	// unknown it is registered as its own canonical type.
	ResolveRelType(ctx context.Context, typ string) (string, error)

	// IsKnownRelType reports whether typ already has a vocabulary entry,
	// without registering it if not. Used to enforce a closed vocabulary
	// when expansion is disabled.
	IsKnownRelType(ctx context.Context, typ string) (bool, error)

	SaveJob(ctx context.Context, j model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, bool, error)
	ListJobs(ctx context.Context, principal string) ([]model.Job, error)
	DeleteJob(ctx context.Context, id string) error

	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	GetCheckpoint(ctx context.Context, jobID string) (model.Checkpoint, bool, error)
}

// VectorMatch is one nearest-neighbor hit from a VectorIndex.
type VectorMatch struct {
	ID    string
	Score float64 // cosine similarity, higher is closer
}

// VectorIndex is the embedding similarity-search adapter used for concept
// merge-threshold lookups and semantic search.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int) ([]VectorMatch, error)
}

// LexicalMatch is one hit from the optional full-text pre-filter.
type LexicalMatch struct {
	ID      string
	Score   float64
	Snippet string
}

// LexicalIndex is an optional keyword index of concept text. The pipeline
// writes to it when one is configured (a nil LexicalIndex skips indexing);
// the query engine's search does not read it.
type LexicalIndex interface {
	Index(ctx context.Context, id, text string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]LexicalMatch, error)
}

// Closer is implemented by backends holding a pool or connection worth
// releasing at shutdown.
type Closer interface {
	Close()
}
