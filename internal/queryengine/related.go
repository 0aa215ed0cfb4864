package queryengine

import (
	"context"

	"graphkeep/internal/ingerr"
)

const maxRelatedDepth = 5

// RelatedHit is one concept reached from the seed within max_depth hops.
type RelatedHit struct {
	ConceptID string   `json:"concept_id"`
	Label     string   `json:"label"`
	Distance  int      `json:"distance"`
	PathTypes []string `json:"path_types"`
}

// Related runs a bounded breadth-first search from conceptID out to
// maxDepth hops (clamped to 5), optionally restricted to relTypes. Each
// reached concept is reported once, at its shortest distance, along with
// the relationship-type sequence of the path that reached it first.
func (e *Engine) Related(ctx context.Context, conceptID string, maxDepth int, relTypes []string) ([]RelatedHit, error) {
	if maxDepth <= 0 || maxDepth > maxRelatedDepth {
		maxDepth = maxRelatedDepth
	}
	if _, ok, err := e.graph.GetConcept(ctx, conceptID); err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	} else if !ok {
		return nil, &ingerr.ValidationError{Msg: "concept not found: " + conceptID}
	}

	allowed := make(map[string]bool, len(relTypes))
	for _, t := range relTypes {
		allowed[t] = true
	}

	type frontierEntry struct {
		id        string
		pathTypes []string
	}

	visited := map[string]bool{conceptID: true}
	frontier := []frontierEntry{{id: conceptID, pathTypes: nil}}
	var hits []RelatedHit

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []frontierEntry
		for _, cur := range frontier {
			rels, err := e.graph.RelationshipsFrom(ctx, cur.id)
			if err != nil {
				return nil, &ingerr.StoreError{Cause: err}
			}
			for _, r := range rels {
				if len(allowed) > 0 && !allowed[r.RelType] {
					continue
				}
				if visited[r.ToConceptID] {
					continue
				}
				visited[r.ToConceptID] = true
				path := append(append([]string{}, cur.pathTypes...), r.RelType)

				label := r.ToConceptID
				if target, ok, err := e.graph.GetConcept(ctx, r.ToConceptID); err == nil && ok {
					label = target.Label
				}
				hits = append(hits, RelatedHit{ConceptID: r.ToConceptID, Label: label, Distance: depth, PathTypes: path})
				next = append(next, frontierEntry{id: r.ToConceptID, pathTypes: path})
			}
		}
		frontier = next
	}

	return hits, nil
}
