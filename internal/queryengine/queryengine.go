// Package queryengine implements the semantic query contract the HTTP
// surface exposes: similarity search, concept detail assembly, bounded
// graph traversal, and shortest-path between concepts. None of it writes
// to the graph; every operation here is a read against the stores the
// ingestion pipeline populated.
package queryengine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"graphkeep/internal/embedder"
	"graphkeep/internal/ingerr"
	"graphkeep/internal/store"
)

// Clock abstracts time so the search-duration metric is testable.
type Clock interface{ Now() time.Time }

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Metrics is the observability sink for query latency/result counts.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// NoopMetrics implements Metrics without side effects.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, map[string]string)               {}
func (NoopMetrics) ObserveHistogram(string, float64, map[string]string) {}

const defaultMinSimilarity = 0.7

// Engine answers the query-engine contract against a GraphStore/VectorIndex
// pair. One Engine per process; safe for concurrent use.
type Engine struct {
	graph  store.GraphStore
	vector store.VectorIndex
	emb    embedder.Embedder

	clock   Clock
	metrics Metrics
}

// Option configures an Engine during construction.
type Option func(*Engine)

// WithClock overrides the Engine's clock, for deterministic tests.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithMetrics overrides the Engine's metrics sink.
func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

// New constructs an Engine over the given stores and embedder.
func New(graph store.GraphStore, vector store.VectorIndex, emb embedder.Embedder, opts ...Option) *Engine {
	e := &Engine{graph: graph, vector: vector, emb: emb, clock: SystemClock{}, metrics: NoopMetrics{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SearchHit is one ranked concept returned from Search.
type SearchHit struct {
	ConceptID      string   `json:"concept_id"`
	Label          string   `json:"label"`
	Description    string   `json:"description"`
	Ontologies     []string `json:"ontologies"`
	EvidenceCount  int      `json:"evidence_count"`
	Similarity     float64  `json:"similarity"`
	SampleEvidence []string `json:"sample_evidence"`
}

// SearchResult is the full response to a Search call, including the
// progressive-disclosure fields for results that fell below threshold.
type SearchResult struct {
	Hits                 []SearchHit `json:"hits"`
	ThresholdUsed        float64     `json:"threshold_used"`
	BelowThresholdCount  int         `json:"below_threshold_count"`
	SuggestedThreshold   float64     `json:"suggested_threshold,omitempty"`
}

// Search embeds queryText once and ranks Concepts by cosine similarity,
// returning the top limit results at or above minSimilarity. ontology, if
// non-empty, restricts hits to concepts carrying that ontology tag.
func (e *Engine) Search(ctx context.Context, queryText string, limit int, minSimilarity float64, ontology string) (SearchResult, error) {
	start := e.clock.Now()
	if limit <= 0 {
		limit = 10
	}
	if minSimilarity <= 0 {
		minSimilarity = defaultMinSimilarity
	}

	vecs, err := e.emb.EmbedBatch(ctx, []string{queryText})
	if err != nil {
		return SearchResult{}, &ingerr.AdapterFatalError{Cause: fmt.Errorf("embed query: %w", err)}
	}
	if len(vecs) == 0 {
		return SearchResult{}, &ingerr.ValidationError{Msg: "empty query embedding"}
	}

	// Over-fetch so the ontology filter and below-threshold accounting have
	// enough candidates to work with beyond the requested limit.
	matches, err := e.vector.SimilaritySearch(ctx, vecs[0], limit*4+20)
	if err != nil {
		return SearchResult{}, &ingerr.StoreError{Cause: err}
	}

	result := SearchResult{ThresholdUsed: minSimilarity}
	for _, m := range matches {
		concept, ok, err := e.graph.GetConcept(ctx, m.ID)
		if err != nil {
			return SearchResult{}, &ingerr.StoreError{Cause: err}
		}
		if !ok {
			continue
		}
		if ontology != "" && !containsString(concept.Ontologies, ontology) {
			continue
		}
		if m.Score < minSimilarity {
			result.BelowThresholdCount++
			if m.Score > result.SuggestedThreshold {
				result.SuggestedThreshold = m.Score
			}
			continue
		}
		if len(result.Hits) >= limit {
			continue
		}
		evidence, err := sampleEvidence(ctx, e.graph, concept.ID, 3)
		if err != nil {
			return SearchResult{}, err
		}
		result.Hits = append(result.Hits, SearchHit{
			ConceptID:      concept.ID,
			Label:          concept.Label,
			Description:    concept.Description,
			Ontologies:     concept.Ontologies,
			EvidenceCount:  concept.EvidenceCount,
			Similarity:     m.Score,
			SampleEvidence: evidence,
		})
	}

	e.metrics.ObserveHistogram("query_stage_ms", msSince(e.clock, start), map[string]string{"stage": "search"})
	e.metrics.IncCounter("query_search_results_total", map[string]string{})
	return result, nil
}

func sampleEvidence(ctx context.Context, g store.GraphStore, conceptID string, n int) ([]string, error) {
	instances, err := g.InstancesForConcept(ctx, conceptID)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].SourceID != instances[j].SourceID {
			return instances[i].SourceID < instances[j].SourceID
		}
		return instances[i].CharOffsetStart < instances[j].CharOffsetStart
	})
	out := make([]string, 0, n)
	for _, inst := range instances {
		if len(out) >= n {
			break
		}
		out = append(out, inst.Quote)
	}
	return out, nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func msSince(c Clock, start time.Time) float64 {
	return float64(c.Now().Sub(start) / time.Millisecond)
}
