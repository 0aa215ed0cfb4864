package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"graphkeep/internal/extraction"
	"graphkeep/internal/ingerr"
	"graphkeep/internal/model"
)

// upsertConcepts implements the §4.3 concept-upsert contract for every
// concept candidate extracted from one chunk: similarity-based identity
// lookup, deterministic fingerprint IDs for new concepts, merge of search
// terms/ontologies for existing ones, and one Instance per accepted quote.
// It returns the label -> resolved concept ID map relationships resolve
// against.
func upsertConcepts(ctx context.Context, deps Deps, counters *model.Counters, src model.Source, candidates []extraction.ConceptCandidate) (map[string]string, error) {
	conceptIDs := make(map[string]string, len(candidates))
	claimedThisChunk := make(map[string]bool)

	for _, cand := range candidates {
		if strings.TrimSpace(cand.Label) == "" || len(cand.Instances) == 0 {
			continue
		}

		embeddings, err := deps.Embedder.EmbedBatch(ctx, []string{conceptEmbedText(cand)})
		if err != nil {
			return nil, err
		}
		vec := embeddings[0]

		id, isNew, err := resolveConceptIdentity(ctx, deps, cand, vec, claimedThisChunk, src.ChunkIndex)
		if err != nil {
			return nil, err
		}
		claimedThisChunk[id] = true
		conceptIDs[model.NormalizeLabel(cand.Label)] = id

		concept := model.Concept{
			ID:             id,
			Label:          cand.Label,
			Description:    cand.Description,
			SearchTerms:    cand.SearchTerms,
			Embedding:      vec,
			EmbeddingModel: deps.Embedder.Name(),
			Ontologies:     []string{src.Ontology},
			CreatedAt:      time.Now(),
		}
		if !isNew {
			existing, ok, err := deps.Graph.GetConcept(ctx, id)
			if err != nil {
				return nil, &ingerr.StoreError{Cause: err}
			}
			if ok {
				concept.Label = existing.Label
				concept.Description = existing.Description
				concept.Embedding = existing.Embedding
				concept.EmbeddingModel = existing.EmbeddingModel
				concept.SearchTerms = unionStrings(existing.SearchTerms, cand.SearchTerms)
				concept.Ontologies = unionStrings(existing.Ontologies, []string{src.Ontology})
				concept.EvidenceCount = existing.EvidenceCount
				concept.CreatedAt = existing.CreatedAt
			}
		}

		if isNew {
			counters.ConceptsCreated++
		} else {
			counters.ConceptsLinked++
		}

		if err := deps.Graph.AppearsIn(ctx, id, src.ID); err != nil {
			return nil, &ingerr.StoreError{Cause: fmt.Errorf("record appears_in %s/%s: %w", id, src.ID, err)}
		}

		for _, inst := range cand.Instances {
			if inst.Quote == "" {
				continue
			}
			instID := model.InstanceID(src.ID, inst.OffsetStart, inst.OffsetEnd, inst.Quote)
			if err := deps.Graph.UpsertInstance(ctx, model.Instance{
				ID:              instID,
				ConceptID:       id,
				SourceID:        src.ID,
				Quote:           inst.Quote,
				CharOffsetStart: inst.OffsetStart,
				CharOffsetEnd:   inst.OffsetEnd,
			}); err != nil {
				return nil, &ingerr.StoreError{Cause: fmt.Errorf("upsert instance %s: %w", instID, err)}
			}
			counters.InstancesCreated++
			concept.EvidenceCount++
		}

		if err := deps.Graph.UpsertConcept(ctx, concept); err != nil {
			return nil, &ingerr.StoreError{Cause: fmt.Errorf("upsert concept %s: %w", id, err)}
		}
		if err := deps.Vector.Upsert(ctx, id, vec); err != nil {
			return nil, &ingerr.StoreError{Cause: fmt.Errorf("upsert concept vector %s: %w", id, err)}
		}
		if deps.Lexical != nil {
			text := concept.Label + " " + concept.Description + " " + strings.Join(concept.SearchTerms, " ")
			if err := deps.Lexical.Index(ctx, id, text); err != nil {
				return nil, &ingerr.StoreError{Cause: fmt.Errorf("index concept text %s: %w", id, err)}
			}
		}
	}
	counters.SourcesCreated++
	return conceptIDs, nil
}

// resolveConceptIdentity runs the §4.3 step-1 identity lookup: a top-1
// vector similarity search against existing concepts. A hit at or above the
// merge threshold is treated as the same concept; otherwise a new
// fingerprinted ID is minted, disambiguated against the current chunk's
// own claims (a chunk never assigns two different concepts the same ID).
func resolveConceptIdentity(ctx context.Context, deps Deps, cand extraction.ConceptCandidate, vec []float32, claimedThisChunk map[string]bool, chunkIndex int) (string, bool, error) {
	threshold := deps.MergeThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	matches, err := deps.Vector.SimilaritySearch(ctx, vec, 1)
	if err != nil {
		return "", false, &ingerr.StoreError{Cause: err}
	}
	if len(matches) > 0 && matches[0].Score >= threshold && !claimedThisChunk[matches[0].ID] {
		return matches[0].ID, false, nil
	}

	id := model.FingerprintConcept(cand.Label, cand.Instances[0].Quote)
	for claimedThisChunk[id] {
		chunkIndex++
		id = model.DisambiguateConceptID(id, chunkIndex)
	}
	return id, true, nil
}

func conceptEmbedText(c extraction.ConceptCandidate) string {
	return strings.TrimSpace(c.Label + " " + c.Description + " " + strings.Join(c.SearchTerms, " "))
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// upsertRelationships implements the §4.3 relationship-upsert contract:
// resolves both concept labels to the IDs produced or matched in this
// chunk, validates/resolves rel_type against the vocabulary, and writes the
// typed edge. Duplicate (from, to, rel_type) edges are coalesced by the
// store to the max confidence seen.
func upsertRelationships(ctx context.Context, deps Deps, counters *model.Counters, src model.Source, candidates []extraction.RelationshipCandidate, conceptIDs map[string]string) error {
	for _, r := range candidates {
		fromID, fromOK := conceptIDs[model.NormalizeLabel(r.FromLabel)]
		toID, toOK := conceptIDs[model.NormalizeLabel(r.ToLabel)]
		if !fromOK || !toOK || fromID == toID {
			continue
		}

		relType, err := resolveRelType(ctx, deps, r.RelType)
		if err != nil {
			continue // unknown type, vocabulary expansion disabled: drop silently per §4.2 policy
		}

		if err := deps.Graph.UpsertRelationship(ctx, model.Relationship{
			FromConceptID:     fromID,
			ToConceptID:       toID,
			RelType:           relType,
			Confidence:        r.Confidence,
			CreatedFromSource: src.ID,
		}); err != nil {
			return &ingerr.StoreError{Cause: fmt.Errorf("upsert relationship %s-%s->%s: %w", fromID, relType, toID, err)}
		}
		counters.RelationshipsCreated++
	}
	return nil
}

// resolveRelType resolves typ through the vocabulary's merged_into chain,
// registering it as its own canonical entry if unseen. VocabularyExpansion
// gates whether unseen types are accepted at all: when it is off, only
// types the vocabulary already recognizes resolve; brand-new ones are
// rejected so the caller drops the relationship instead of growing the
// vocabulary mid-extraction.
func resolveRelType(ctx context.Context, deps Deps, typ string) (string, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return "", fmt.Errorf("empty rel_type")
	}
	if !deps.VocabularyExpansion {
		known, err := deps.Graph.IsKnownRelType(ctx, typ)
		if err != nil {
			return "", err
		}
		if !known {
			return "", fmt.Errorf("rel_type %q not in vocabulary and expansion is disabled", typ)
		}
	}
	return deps.Graph.ResolveRelType(ctx, typ)
}
