package queryengine

import (
	"context"
	"sort"

	"graphkeep/internal/ingerr"
)

// EvidenceItem is one quote anchored to its source chunk, in the order
// Details returns them: by source, then by offset within the source.
type EvidenceItem struct {
	SourceID        string `json:"source_id"`
	Quote           string `json:"quote"`
	CharOffsetStart int    `json:"char_offset_start"`
	CharOffsetEnd   int    `json:"char_offset_end"`
}

// OutgoingRelationship is one edge from a concept, with the target's label
// resolved so callers don't need a second round-trip.
type OutgoingRelationship struct {
	ToConceptID string  `json:"to_concept_id"`
	ToLabel     string  `json:"to_label"`
	RelType     string  `json:"rel_type"`
	Confidence  float64 `json:"confidence"`
}

// ConceptDetail is the full assembled view of one concept: its fields,
// every evidence quote across every source, and its outgoing relationships.
type ConceptDetail struct {
	ConceptID     string                 `json:"concept_id"`
	Label         string                 `json:"label"`
	Description   string                 `json:"description"`
	Ontologies    []string               `json:"ontologies"`
	Evidence      []EvidenceItem         `json:"evidence"`
	Relationships []OutgoingRelationship `json:"relationships"`
}

// Details assembles a single concept's full record: its evidence list
// ordered by source then offset, and its outgoing relationships with
// target labels resolved.
func (e *Engine) Details(ctx context.Context, conceptID string) (ConceptDetail, error) {
	concept, ok, err := e.graph.GetConcept(ctx, conceptID)
	if err != nil {
		return ConceptDetail{}, &ingerr.StoreError{Cause: err}
	}
	if !ok {
		return ConceptDetail{}, &ingerr.ValidationError{Msg: "concept not found: " + conceptID}
	}

	instances, err := e.graph.InstancesForConcept(ctx, conceptID)
	if err != nil {
		return ConceptDetail{}, &ingerr.StoreError{Cause: err}
	}
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].SourceID != instances[j].SourceID {
			return instances[i].SourceID < instances[j].SourceID
		}
		return instances[i].CharOffsetStart < instances[j].CharOffsetStart
	})
	evidence := make([]EvidenceItem, 0, len(instances))
	for _, inst := range instances {
		evidence = append(evidence, EvidenceItem{
			SourceID:        inst.SourceID,
			Quote:           inst.Quote,
			CharOffsetStart: inst.CharOffsetStart,
			CharOffsetEnd:   inst.CharOffsetEnd,
		})
	}

	rels, err := e.graph.RelationshipsFrom(ctx, conceptID)
	if err != nil {
		return ConceptDetail{}, &ingerr.StoreError{Cause: err}
	}
	out := make([]OutgoingRelationship, 0, len(rels))
	for _, r := range rels {
		label := r.ToConceptID
		if target, ok, err := e.graph.GetConcept(ctx, r.ToConceptID); err == nil && ok {
			label = target.Label
		}
		out = append(out, OutgoingRelationship{
			ToConceptID: r.ToConceptID,
			ToLabel:     label,
			RelType:     r.RelType,
			Confidence:  r.Confidence,
		})
	}

	return ConceptDetail{
		ConceptID:     concept.ID,
		Label:         concept.Label,
		Description:   concept.Description,
		Ontologies:    concept.Ontologies,
		Evidence:      evidence,
		Relationships: out,
	}, nil
}
