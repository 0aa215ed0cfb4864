package queryengine

import (
	"context"
	"sort"
	"strings"

	"graphkeep/internal/ingerr"
)

const maxConnectHops = 6

// PathHop is one edge of a resolved path.
type PathHop struct {
	FromConceptID string  `json:"from_concept_id"`
	ToConceptID   string  `json:"to_concept_id"`
	RelType       string  `json:"rel_type"`
	Confidence    float64 `json:"confidence"`
}

// PathResult is the response to Connect: either a resolved path (Count=1)
// or no path found within max_hops (Count=0).
type PathResult struct {
	Count         int       `json:"count"`
	Hops          int       `json:"hops"`
	ConfidenceSum float64   `json:"confidence_sum"`
	Concepts      []string  `json:"concepts"`
	Path          []PathHop `json:"path"`
}

type edgeRef struct {
	other      string
	relType    string
	confidence float64
}

// Connect finds the shortest path between fromID and toID within maxHops
// (clamped to 6) via bidirectional BFS. Ties break on path length first
// (already minimal by construction), then highest total confidence, then
// lexicographic order on the concept-id sequence for stability.
func (e *Engine) Connect(ctx context.Context, fromID, toID string, maxHops int) (PathResult, error) {
	if maxHops <= 0 || maxHops > maxConnectHops {
		maxHops = maxConnectHops
	}
	if _, ok, err := e.graph.GetConcept(ctx, fromID); err != nil {
		return PathResult{}, &ingerr.StoreError{Cause: err}
	} else if !ok {
		return PathResult{}, &ingerr.ValidationError{Msg: "concept not found: " + fromID}
	}
	if _, ok, err := e.graph.GetConcept(ctx, toID); err != nil {
		return PathResult{}, &ingerr.StoreError{Cause: err}
	} else if !ok {
		return PathResult{}, &ingerr.ValidationError{Msg: "concept not found: " + toID}
	}

	if fromID == toID {
		return PathResult{Count: 1, Hops: 0, Concepts: []string{fromID}}, nil
	}

	distFwd := map[string]int{fromID: 0}
	parentsFwd := map[string][]edgeRef{}
	frontierFwd := []string{fromID}

	distBwd := map[string]int{toID: 0}
	parentsBwd := map[string][]edgeRef{}
	frontierBwd := []string{toID}

	meetAt := -1
	var meeting []string

	fwdDepth, bwdDepth := 0, 0
	for depth := 1; depth <= maxHops; depth++ {
		if len(frontierFwd) == 0 && len(frontierBwd) == 0 {
			break
		}
		expandForward := len(frontierBwd) == 0 || (len(frontierFwd) != 0 && len(frontierFwd) <= len(frontierBwd))
		var err error
		if expandForward {
			fwdDepth++
			frontierFwd, err = e.stepForward(ctx, frontierFwd, distFwd, parentsFwd, fwdDepth)
		} else {
			bwdDepth++
			frontierBwd, err = e.stepBackward(ctx, frontierBwd, distBwd, parentsBwd, bwdDepth)
		}
		if err != nil {
			return PathResult{}, err
		}

		var common []string
		for id := range distFwd {
			if _, ok := distBwd[id]; ok {
				common = append(common, id)
			}
		}
		if len(common) > 0 {
			best := -1
			for _, id := range common {
				total := distFwd[id] + distBwd[id]
				if best == -1 || total < best {
					best = total
				}
			}
			if best <= maxHops {
				meetAt = best
				for _, id := range common {
					if distFwd[id]+distBwd[id] == best {
						meeting = append(meeting, id)
					}
				}
				break
			}
		}
		if len(frontierFwd) == 0 && len(frontierBwd) == 0 {
			break
		}
	}

	if meetAt < 0 {
		return PathResult{Count: 0}, nil
	}

	var candidates []PathResult
	for _, mid := range meeting {
		fwdPaths := enumeratePaths(fromID, mid, parentsFwd)
		bwdPaths := enumeratePaths(toID, mid, parentsBwd)
		for _, fp := range fwdPaths {
			for _, bp := range bwdPaths {
				candidates = append(candidates, combinePaths(fp, bp))
			}
		}
	}
	if len(candidates) == 0 {
		return PathResult{Count: 0}, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Hops != b.Hops {
			return a.Hops < b.Hops
		}
		if a.ConfidenceSum != b.ConfidenceSum {
			return a.ConfidenceSum > b.ConfidenceSum
		}
		return strings.Join(a.Concepts, ",") < strings.Join(b.Concepts, ",")
	})
	best := candidates[0]
	best.Count = 1
	return best, nil
}

func (e *Engine) stepForward(ctx context.Context, frontier []string, dist map[string]int, parents map[string][]edgeRef, depth int) ([]string, error) {
	var next []string
	for _, id := range frontier {
		rels, err := e.graph.RelationshipsFrom(ctx, id)
		if err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		for _, r := range rels {
			if d, seen := dist[r.ToConceptID]; seen && d < depth {
				continue
			}
			if _, seen := dist[r.ToConceptID]; !seen {
				dist[r.ToConceptID] = depth
				next = append(next, r.ToConceptID)
			}
			parents[r.ToConceptID] = append(parents[r.ToConceptID], edgeRef{other: id, relType: r.RelType, confidence: r.Confidence})
		}
	}
	return next, nil
}

func (e *Engine) stepBackward(ctx context.Context, frontier []string, dist map[string]int, parents map[string][]edgeRef, depth int) ([]string, error) {
	var next []string
	for _, id := range frontier {
		rels, err := e.graph.RelationshipsTo(ctx, id)
		if err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		for _, r := range rels {
			if d, seen := dist[r.FromConceptID]; seen && d < depth {
				continue
			}
			if _, seen := dist[r.FromConceptID]; !seen {
				dist[r.FromConceptID] = depth
				next = append(next, r.FromConceptID)
			}
			parents[r.FromConceptID] = append(parents[r.FromConceptID], edgeRef{other: id, relType: r.RelType, confidence: r.Confidence})
		}
	}
	return next, nil
}

// pathSoFar is one partial path expressed as the concept-id sequence (root
// first) and the hops taken to build it.
type pathSoFar struct {
	concepts []string
	hops     []PathHop
}

// enumeratePaths walks parents backward from target to root, returning
// every root->target path recorded during BFS (bounded since BFS only
// records minimal-distance parent edges).
func enumeratePaths(root, target string, parents map[string][]edgeRef) []pathSoFar {
	if root == target {
		return []pathSoFar{{concepts: []string{root}}}
	}
	var out []pathSoFar
	for _, p := range parents[target] {
		for _, sub := range enumeratePaths(root, p.other, parents) {
			concepts := append(append([]string{}, sub.concepts...), target)
			hops := append(append([]PathHop{}, sub.hops...), PathHop{
				FromConceptID: p.other, ToConceptID: target, RelType: p.relType, Confidence: p.confidence,
			})
			out = append(out, pathSoFar{concepts: concepts, hops: hops})
		}
	}
	return out
}

// combinePaths stitches a forward path (from -> meet) and a backward path
// (to -> meet, expressed in the same root-first orientation as built by
// enumeratePaths over the reversed BFS) into one from -> to path.
func combinePaths(fwd, bwd pathSoFar) PathResult {
	concepts := append([]string{}, fwd.concepts...)
	hops := append([]PathHop{}, fwd.hops...)
	for i := len(bwd.hops) - 1; i >= 0; i-- {
		h := bwd.hops[i]
		hops = append(hops, PathHop{FromConceptID: h.ToConceptID, ToConceptID: h.FromConceptID, RelType: h.RelType, Confidence: h.Confidence})
	}
	for i := len(bwd.concepts) - 2; i >= 0; i-- {
		concepts = append(concepts, bwd.concepts[i])
	}
	var sum float64
	for _, h := range hops {
		sum += h.Confidence
	}
	return PathResult{Hops: len(hops), ConfidenceSum: sum, Concepts: concepts, Path: hops}
}

// ResolvedQuery is one natural-language query resolved to its top concept
// match for ConnectBySearch.
type ResolvedQuery struct {
	ConceptID  string  `json:"concept_id"`
	Similarity float64 `json:"similarity"`
}

// ConnectBySearchResult reports both endpoint resolutions alongside the
// resulting path.
type ConnectBySearchResult struct {
	From ResolvedQuery `json:"from"`
	To   ResolvedQuery `json:"to"`
	Path PathResult    `json:"path"`
}

// ConnectBySearch resolves two natural-language queries to their top
// concept match, reporting each resolution's similarity, then runs Connect
// between them.
func (e *Engine) ConnectBySearch(ctx context.Context, fromQuery, toQuery string, maxHops int) (ConnectBySearchResult, error) {
	fromResolved, err := e.resolveTopConcept(ctx, fromQuery)
	if err != nil {
		return ConnectBySearchResult{}, err
	}
	toResolved, err := e.resolveTopConcept(ctx, toQuery)
	if err != nil {
		return ConnectBySearchResult{}, err
	}
	path, err := e.Connect(ctx, fromResolved.ConceptID, toResolved.ConceptID, maxHops)
	if err != nil {
		return ConnectBySearchResult{}, err
	}
	return ConnectBySearchResult{From: fromResolved, To: toResolved, Path: path}, nil
}

func (e *Engine) resolveTopConcept(ctx context.Context, query string) (ResolvedQuery, error) {
	vecs, err := e.emb.EmbedBatch(ctx, []string{query})
	if err != nil {
		return ResolvedQuery{}, &ingerr.AdapterFatalError{Cause: err}
	}
	if len(vecs) == 0 {
		return ResolvedQuery{}, &ingerr.ValidationError{Msg: "empty query embedding"}
	}
	matches, err := e.vector.SimilaritySearch(ctx, vecs[0], 1)
	if err != nil {
		return ResolvedQuery{}, &ingerr.StoreError{Cause: err}
	}
	if len(matches) == 0 {
		return ResolvedQuery{}, &ingerr.ValidationError{Msg: "no concepts indexed for query: " + query}
	}
	return ResolvedQuery{ConceptID: matches[0].ID, Similarity: matches[0].Score}, nil
}
