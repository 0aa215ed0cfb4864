package queryengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"graphkeep/internal/embedder"
	"graphkeep/internal/model"
	"graphkeep/internal/store/memory"
)

func seedConcept(t *testing.T, ctx context.Context, g *memory.Graph, v *memory.Vector, id, label string, vec []float32, ontologies []string) {
	t.Helper()
	require.NoError(t, g.UpsertConcept(ctx, model.Concept{ID: id, Label: label, Ontologies: ontologies}))
	require.NoError(t, v.Upsert(ctx, id, vec))
}

func TestSearch_RanksAboveThresholdAndReportsSuggestion(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	v := memory.NewVector()
	seedConcept(t, ctx, g, v, "c1", "Governed Agility", []float32{1, 0, 0}, []string{"ont_a"})
	seedConcept(t, ctx, g, v, "c2", "Unrelated Thing", []float32{0, 1, 0}, []string{"ont_a"})

	emb := embedder.FromProvider(fakeEmbedProvider{vec: []float32{1, 0, 0}}, 3)
	eng := New(g, v, emb)

	result, err := eng.Search(ctx, "governed agility", 5, 0.5, "")
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, "c1", result.Hits[0].ConceptID)
	require.Equal(t, 1, result.BelowThresholdCount)
}

func TestSearch_FiltersByOntology(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	v := memory.NewVector()
	seedConcept(t, ctx, g, v, "c1", "A", []float32{1, 0, 0}, []string{"ont_a"})
	seedConcept(t, ctx, g, v, "c2", "B", []float32{1, 0, 0}, []string{"ont_b"})

	emb := embedder.FromProvider(fakeEmbedProvider{vec: []float32{1, 0, 0}}, 3)
	eng := New(g, v, emb)

	result, err := eng.Search(ctx, "anything", 5, 0.1, "ont_b")
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, "c2", result.Hits[0].ConceptID)
}

func TestSearch_ReportsEvidenceCountBeyondSampleCap(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	v := memory.NewVector()
	require.NoError(t, g.UpsertConcept(ctx, model.Concept{ID: "c1", Label: "Widely Cited", EvidenceCount: 5}))
	require.NoError(t, v.Upsert(ctx, "c1", []float32{1, 0, 0}))
	for i := 0; i < 5; i++ {
		require.NoError(t, g.UpsertInstance(ctx, model.Instance{
			ID: "i" + string(rune('0'+i)), ConceptID: "c1", SourceID: "s1",
			Quote: "mention", CharOffsetStart: i * 10, CharOffsetEnd: i*10 + 7,
		}))
	}

	emb := embedder.FromProvider(fakeEmbedProvider{vec: []float32{1, 0, 0}}, 3)
	eng := New(g, v, emb)

	result, err := eng.Search(ctx, "widely cited", 5, 0.5, "")
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, 5, result.Hits[0].EvidenceCount)
	require.Len(t, result.Hits[0].SampleEvidence, 3)
}

func TestDetails_OrdersEvidenceAndResolvesRelationships(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	require.NoError(t, g.UpsertConcept(ctx, model.Concept{ID: "c1", Label: "Root"}))
	require.NoError(t, g.UpsertConcept(ctx, model.Concept{ID: "c2", Label: "Target"}))
	require.NoError(t, g.UpsertInstance(ctx, model.Instance{ID: "i2", ConceptID: "c1", SourceID: "s1", Quote: "second", CharOffsetStart: 10, CharOffsetEnd: 16}))
	require.NoError(t, g.UpsertInstance(ctx, model.Instance{ID: "i1", ConceptID: "c1", SourceID: "s1", Quote: "first", CharOffsetStart: 0, CharOffsetEnd: 5}))
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "c1", ToConceptID: "c2", RelType: "IMPLIES", Confidence: 0.9}))

	eng := New(g, memory.NewVector(), embedder.FromProvider(fakeEmbedProvider{}, 3))
	detail, err := eng.Details(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, detail.Evidence, 2)
	require.Equal(t, "first", detail.Evidence[0].Quote)
	require.Equal(t, "second", detail.Evidence[1].Quote)
	require.Len(t, detail.Relationships, 1)
	require.Equal(t, "Target", detail.Relationships[0].ToLabel)
}

func TestDetails_MissingConceptErrors(t *testing.T) {
	eng := New(memory.NewGraph(), memory.NewVector(), embedder.FromProvider(fakeEmbedProvider{}, 3))
	_, err := eng.Details(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestRelated_BoundedBFSWithRelTypeFilter(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, g.UpsertConcept(ctx, model.Concept{ID: id, Label: id}))
	}
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "a", ToConceptID: "b", RelType: "IMPLIES"}))
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "b", ToConceptID: "c", RelType: "SUPPORTS"}))
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "a", ToConceptID: "d", RelType: "CONTRADICTS"}))

	eng := New(g, memory.NewVector(), embedder.FromProvider(fakeEmbedProvider{}, 3))

	all, err := eng.Related(ctx, "a", 5, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	filtered, err := eng.Related(ctx, "a", 5, []string{"IMPLIES", "SUPPORTS"})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, h := range filtered {
		ids[h.ConceptID] = true
	}
	require.True(t, ids["b"])
	require.True(t, ids["c"])
	require.False(t, ids["d"])
}

func TestConnect_TrivialZeroHopPath(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	require.NoError(t, g.UpsertConcept(ctx, model.Concept{ID: "a", Label: "A"}))
	eng := New(g, memory.NewVector(), embedder.FromProvider(fakeEmbedProvider{}, 3))

	path, err := eng.Connect(ctx, "a", "a", 3)
	require.NoError(t, err)
	require.Equal(t, 1, path.Count)
	require.Equal(t, 0, path.Hops)
}

func TestConnect_FindsShortestPath(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.UpsertConcept(ctx, model.Concept{ID: id, Label: id}))
	}
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "a", ToConceptID: "b", RelType: "IMPLIES", Confidence: 0.8}))
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "b", ToConceptID: "c", RelType: "SUPPORTS", Confidence: 0.7}))

	eng := New(g, memory.NewVector(), embedder.FromProvider(fakeEmbedProvider{}, 3))
	path, err := eng.Connect(ctx, "a", "c", 3)
	require.NoError(t, err)
	require.Equal(t, 1, path.Count)
	require.Equal(t, 2, path.Hops)
	require.Equal(t, []string{"a", "b", "c"}, path.Concepts)
}

func TestConnect_ExceedsMaxHopsReturnsZeroCount(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, g.UpsertConcept(ctx, model.Concept{ID: id, Label: id}))
	}
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "a", ToConceptID: "b", RelType: "X"}))
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "b", ToConceptID: "c", RelType: "X"}))
	require.NoError(t, g.UpsertRelationship(ctx, model.Relationship{FromConceptID: "c", ToConceptID: "d", RelType: "X"}))

	eng := New(g, memory.NewVector(), embedder.FromProvider(fakeEmbedProvider{}, 3))
	path, err := eng.Connect(ctx, "a", "d", 1)
	require.NoError(t, err)
	require.Equal(t, 0, path.Count)
}

type fakeEmbedProvider struct {
	vec []float32
}

func (f fakeEmbedProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		if f.vec != nil {
			out[i] = f.vec
			continue
		}
		out[i] = []float32{0, 0, 1}
	}
	return out, nil
}

func (f fakeEmbedProvider) EmbeddingModel() string { return "fake" }
