// Package model defines the property-graph entities ingestion writes and
// queries read: Concept, Source, Instance, Relationship, and the lightweight
// Ontology grouping. Concept identity and Source identity are deterministic
// content fingerprints so re-ingesting the same material is a no-op.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Concept is a merged, embedded idea identified across one or more Sources.
type Concept struct {
	ID              string    `json:"concept_id"`
	Label           string    `json:"label"`
	Description     string    `json:"description"`
	SearchTerms      []string  `json:"search_terms"`
	Embedding       []float32 `json:"embedding,omitempty"`
	EmbeddingModel  string    `json:"embedding_model,omitempty"`
	Ontologies      []string  `json:"ontologies"`
	EvidenceCount   int       `json:"evidence_count,omitempty"`
	// CreatedAt is set once, the first time the concept is upserted. The
	// reconciliation sweep uses it to pick which of two concepts that raced
	// past the merge threshold survives as canonical (the older one).
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Source is one immutable chunk of one ingested document.
type Source struct {
	ID           string `json:"source_id"`
	Document     string `json:"document"`
	Ontology     string `json:"ontology"`
	ChunkIndex   int    `json:"chunk_index"`
	FullText     string `json:"full_text"`
	DocumentHash string `json:"document_hash"`
}

// Instance is a verbatim evidence quote anchored to exact offsets in its
// Source's FullText.
type Instance struct {
	ID              string `json:"instance_id"`
	ConceptID       string `json:"concept_id"`
	SourceID        string `json:"source_id"`
	Quote           string `json:"quote"`
	CharOffsetStart int    `json:"char_offset_start"`
	CharOffsetEnd   int    `json:"char_offset_end"`
}

// Relationship is a typed, directed edge between two Concepts.
type Relationship struct {
	FromConceptID      string  `json:"from_concept_id"`
	ToConceptID        string  `json:"to_concept_id"`
	RelType            string  `json:"rel_type"`
	Confidence         float64 `json:"confidence"`
	CreatedFromSource  string  `json:"created_from_source"`
}

// Edge label constants for the fixed (non-dynamic) edges of the graph.
const (
	EdgeAppearsIn    = "APPEARS_IN"
	EdgeEvidencedBy  = "EVIDENCED_BY"
	EdgeFromSource   = "FROM_SOURCE"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeLabel lowercases and collapses whitespace so near-identical
// labels ("Apache AGE", " apache  age ") fingerprint identically.
func NormalizeLabel(label string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(strings.ToLower(label), " "))
}

// FingerprintConcept derives a deterministic concept_id from the
// normalized label and the verbatim text of the concept's first accepted
// evidence quote. Same (label, first_quote) always yields the same ID,
// which is what makes re-ingestion of identical content idempotent.
func FingerprintConcept(label, firstQuote string) string {
	h := sha256.New()
	h.Write([]byte("concept|"))
	h.Write([]byte(NormalizeLabel(label)))
	h.Write([]byte("|"))
	h.Write([]byte(firstQuote))
	return "concept:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// DisambiguateConceptID appends a chunk index suffix, used when the store
// rejects a fingerprinted ID as a duplicate already claimed by a different
// concept within the same chunk.
func DisambiguateConceptID(id string, chunkIndex int) string {
	return id + "#" + strconv.Itoa(chunkIndex)
}

// SourceID derives the deterministic id of one chunk of one document.
func SourceID(documentHash string, chunkIndex int) string {
	h := sha256.New()
	h.Write([]byte(documentHash))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.Itoa(chunkIndex)))
	return "source:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// DocumentHash is the canonical content hash used for duplicate detection.
func DocumentHash(canonicalText string) string {
	sum := sha256.Sum256([]byte(canonicalText))
	return hex.EncodeToString(sum[:])
}

// InstanceID is deterministic in (source, offsets, quote) so replaying the
// same chunk's upsert never creates duplicate Instances.
func InstanceID(sourceID string, start, end int, quote string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.Itoa(start)))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.Itoa(end)))
	h.Write([]byte("|"))
	h.Write([]byte(quote))
	return "instance:" + hex.EncodeToString(h.Sum(nil))[:32]
}
