package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"graphkeep/internal/chunker"
	"graphkeep/internal/embedder"
	"graphkeep/internal/extraction"
	"graphkeep/internal/model"
	"graphkeep/internal/store/memory"
	"graphkeep/internal/testhelpers"
)

func newDeps(t *testing.T, provider *testhelpers.FakeProvider) (Deps, *memory.Graph) {
	t.Helper()
	graph := memory.NewGraph()
	vec := memory.NewVector()
	lex := memory.NewLexical()
	return Deps{
		Graph:               graph,
		Vector:              vec,
		Lexical:             lex,
		Provider:            provider,
		Embedder:            embedder.FromProvider(provider, 8),
		MergeThreshold:      0.85,
		VocabularyExpansion: true,
		ChunkOptions:        chunker.Options{TargetTokens: 800, OverlapTokens: 0},
		ChunkMaxRetries:     1,
	}, graph
}

func TestRun_SingleChunkCreatesConceptsAndRelationships(t *testing.T) {
	text := "the mitochondria powers the cell"
	provider := &testhelpers.FakeProvider{Results: []extraction.ExtractionResult{
		{
			Concepts: []extraction.ConceptCandidate{
				{Label: "Mitochondria", Instances: []extraction.EvidenceInstance{{Quote: "the mitochondria powers the cell", OffsetStart: 0, OffsetEnd: len(text)}}},
				{Label: "Cell", Instances: []extraction.EvidenceInstance{{Quote: "the mitochondria powers the cell", OffsetStart: 0, OffsetEnd: len(text)}}},
			},
			Relationships: []extraction.RelationshipCandidate{
				{FromLabel: "Mitochondria", ToLabel: "Cell", RelType: "POWERS", Confidence: 0.9},
			},
		},
	}}
	deps, graph := newDeps(t, provider)

	job := &model.Job{ID: "job-1", Ontology: "biology", Progress: model.Progress{JobID: "job-1"}}
	var progressEvents []model.Progress
	err := Run(context.Background(), job, text, -1, deps, func() bool { return false }, func(p model.Progress) {
		progressEvents = append(progressEvents, p)
	})
	require.NoError(t, err)
	require.Equal(t, 2, job.Progress.Counters.ConceptsCreated)
	require.Equal(t, 1, job.Progress.Counters.RelationshipsCreated)
	require.NotEmpty(t, progressEvents)
	require.Equal(t, "complete", progressEvents[len(progressEvents)-1].Stage)

	docHash := model.DocumentHash(text)
	sourceID := model.SourceID(docHash, 0)
	src, ok, err := graph.GetSource(context.Background(), sourceID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "biology", src.Ontology)
}

func TestRun_DropsQuoteThatIsNotASubstring(t *testing.T) {
	text := "water flows downhill"
	provider := &testhelpers.FakeProvider{Results: []extraction.ExtractionResult{
		{Concepts: []extraction.ConceptCandidate{
			{Label: "Gravity", Instances: []extraction.EvidenceInstance{{Quote: "this text does not appear anywhere", OffsetStart: 0, OffsetEnd: 10}}},
		}},
	}}
	deps, _ := newDeps(t, provider)
	job := &model.Job{ID: "job-2", Progress: model.Progress{JobID: "job-2"}}
	err := Run(context.Background(), job, text, -1, deps, func() bool { return false }, func(model.Progress) {})
	require.NoError(t, err)
	require.Equal(t, 0, job.Progress.Counters.ConceptsCreated)
}

func TestRun_RelocatesQuoteWithWrongOffsets(t *testing.T) {
	text := "the river carries sediment downstream"
	quote := "carries sediment"
	provider := &testhelpers.FakeProvider{Results: []extraction.ExtractionResult{
		{Concepts: []extraction.ConceptCandidate{
			{Label: "Sediment transport", Instances: []extraction.EvidenceInstance{{Quote: quote, OffsetStart: 999, OffsetEnd: 1010}}},
		}},
	}}
	deps, _ := newDeps(t, provider)
	job := &model.Job{ID: "job-3", Progress: model.Progress{JobID: "job-3"}}
	err := Run(context.Background(), job, text, -1, deps, func() bool { return false }, func(model.Progress) {})
	require.NoError(t, err)
	require.Equal(t, 1, job.Progress.Counters.ConceptsCreated)
}

func TestRun_CancelledAtChunkBoundary(t *testing.T) {
	deps, _ := newDeps(t, &testhelpers.FakeProvider{})
	job := &model.Job{ID: "job-4", Progress: model.Progress{JobID: "job-4"}}
	err := Run(context.Background(), job, "some text here", -1, deps, func() bool { return true }, func(model.Progress) {})
	require.Error(t, err)
}

func TestRun_ResumeSkipsCommittedChunks(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta theta"
	provider := &testhelpers.FakeProvider{Results: []extraction.ExtractionResult{
		{Concepts: []extraction.ConceptCandidate{{Label: "Greek letters", Instances: []extraction.EvidenceInstance{{Quote: "alpha beta", OffsetStart: 0, OffsetEnd: 10}}}}},
	}}
	deps, _ := newDeps(t, provider)
	deps.ChunkOptions = chunker.Options{TargetTokens: 1, OverlapTokens: 0}

	job := &model.Job{ID: "job-5", Progress: model.Progress{JobID: "job-5"}}
	err := Run(context.Background(), job, text, 0, deps, func() bool { return false }, func(model.Progress) {})
	require.NoError(t, err)
	require.Equal(t, job.Progress.Counters.ChunksTotal-1, provider.Calls())
}

func TestUpsertConcepts_MergesOnHighSimilarity(t *testing.T) {
	provider := &testhelpers.FakeProvider{
		EmbedFunc: func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 0, 0, 0, 0, 0, 0, 0}
			}
			return out, nil
		},
	}
	deps, _ := newDeps(t, provider)
	src := model.Source{ID: "source:a", Ontology: "biology", ChunkIndex: 0}
	counters := &model.Counters{}

	firstCandidates := []extraction.ConceptCandidate{{Label: "Photosynthesis", Instances: []extraction.EvidenceInstance{{Quote: "plants convert light", OffsetStart: 0, OffsetEnd: 20}}}}
	_, err := upsertConcepts(context.Background(), deps, counters, src, firstCandidates)
	require.NoError(t, err)
	require.Equal(t, 1, counters.ConceptsCreated)

	src2 := model.Source{ID: "source:b", Ontology: "biology", ChunkIndex: 1}
	secondCandidates := []extraction.ConceptCandidate{{Label: "Photosynthesis process", Instances: []extraction.EvidenceInstance{{Quote: "a second quote entirely", OffsetStart: 0, OffsetEnd: 22}}}}
	_, err = upsertConcepts(context.Background(), deps, counters, src2, secondCandidates)
	require.NoError(t, err)
	require.Equal(t, 1, counters.ConceptsCreated)
	require.Equal(t, 1, counters.ConceptsLinked)
}

func TestUpsertConcepts_EvidenceCountTracksAllInstancesAcrossChunks(t *testing.T) {
	provider := &testhelpers.FakeProvider{
		EmbedFunc: func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 0, 0, 0, 0, 0, 0, 0}
			}
			return out, nil
		},
	}
	deps, graph := newDeps(t, provider)
	counters := &model.Counters{}

	src := model.Source{ID: "source:a", Ontology: "biology", ChunkIndex: 0}
	candidates := []extraction.ConceptCandidate{{
		Label: "Mitosis",
		Instances: []extraction.EvidenceInstance{
			{Quote: "mitosis splits one cell into two", OffsetStart: 0, OffsetEnd: 33},
			{Quote: "during mitosis chromosomes align", OffsetStart: 40, OffsetEnd: 73},
			{Quote: "mitosis is followed by cytokinesis", OffsetStart: 80, OffsetEnd: 115},
			{Quote: "errors in mitosis cause aneuploidy", OffsetStart: 120, OffsetEnd: 155},
		},
	}}
	ids, err := upsertConcepts(context.Background(), deps, counters, src, candidates)
	require.NoError(t, err)
	require.Equal(t, 4, counters.InstancesCreated)

	conceptID := ids["mitosis"]
	concept, ok, err := graph.GetConcept(context.Background(), conceptID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, concept.EvidenceCount)

	src2 := model.Source{ID: "source:b", Ontology: "biology", ChunkIndex: 1}
	moreCandidates := []extraction.ConceptCandidate{{
		Label:     "Mitosis",
		Instances: []extraction.EvidenceInstance{{Quote: "mitosis splits one cell into two", OffsetStart: 0, OffsetEnd: 33}},
	}}
	_, err = upsertConcepts(context.Background(), deps, counters, src2, moreCandidates)
	require.NoError(t, err)

	concept, ok, err = graph.GetConcept(context.Background(), conceptID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, concept.EvidenceCount)

	sources, err := graph.SourcesForConcept(context.Background(), conceptID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"source:a", "source:b"}, sources)
}

func TestResolveRelType_RejectsUnknownWhenExpansionDisabled(t *testing.T) {
	deps, graph := newDeps(t, &testhelpers.FakeProvider{})
	deps.VocabularyExpansion = false

	_, err := resolveRelType(context.Background(), deps, "BRAND_NEW_TYPE")
	require.Error(t, err)

	_, err = graph.ResolveRelType(context.Background(), "BRAND_NEW_TYPE")
	require.NoError(t, err)

	resolved, err := resolveRelType(context.Background(), deps, "BRAND_NEW_TYPE")
	require.NoError(t, err)
	require.Equal(t, "BRAND_NEW_TYPE", resolved)
}

func TestAnalyze_ComputesChunkCountAndCost(t *testing.T) {
	text := "a fairly short document used for analysis"
	analysis := Analyze(text, chunker.Options{TargetTokens: 800, OverlapTokens: 0})
	require.Equal(t, 1, analysis.ChunkCount)
	require.Equal(t, model.DocumentHash(text), analysis.DocumentHash)
	require.GreaterOrEqual(t, analysis.CostEstimate.Total.High, analysis.CostEstimate.Total.Low)
}
