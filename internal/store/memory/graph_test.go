package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphkeep/internal/model"
)

func TestGraphUpsertConceptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := NewGraph()

	c := model.Concept{ID: "concept:abc", Label: "Graph Database", Description: "first"}
	require.NoError(t, g.UpsertConcept(ctx, c))
	c.Description = "second"
	require.NoError(t, g.UpsertConcept(ctx, c))

	got, ok, err := g.GetConcept(ctx, "concept:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got.Description)

	matches, err := g.FindConceptsByLabel(ctx, model.NormalizeLabel("Graph Database"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestGraphRelationshipResolveRelTypeFollowsMerge(t *testing.T) {
	ctx := context.Background()
	g := NewGraph()

	typ, err := g.ResolveRelType(ctx, "RELATES_TO")
	require.NoError(t, err)
	assert.Equal(t, "RELATES_TO", typ)

	g.mu.Lock()
	g.vocab["IS_RELATED_TO"] = "RELATES_TO"
	g.mu.Unlock()

	typ, err = g.ResolveRelType(ctx, "IS_RELATED_TO")
	require.NoError(t, err)
	assert.Equal(t, "RELATES_TO", typ)
}

func TestGraphUpsertRelationshipReplacesNotDuplicates(t *testing.T) {
	ctx := context.Background()
	g := NewGraph()

	r := model.Relationship{FromConceptID: "a", ToConceptID: "b", RelType: "USES", Confidence: 0.5}
	require.NoError(t, g.UpsertRelationship(ctx, r))
	r.Confidence = 0.9
	require.NoError(t, g.UpsertRelationship(ctx, r))

	from, err := g.RelationshipsFrom(ctx, "a")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, 0.9, from[0].Confidence)

	to, err := g.RelationshipsTo(ctx, "b")
	require.NoError(t, err)
	require.Len(t, to, 1)
}

func TestGraphJobLifecycle(t *testing.T) {
	ctx := context.Background()
	g := NewGraph()

	j := model.Job{ID: "job:1", Principal: "alice", Status: model.StatusAnalyzing}
	require.NoError(t, g.SaveJob(ctx, j))

	got, ok, err := g.GetJob(ctx, "job:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusAnalyzing, got.Status)

	jobs, err := g.ListJobs(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = g.ListJobs(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, g.DeleteJob(ctx, "job:1"))
	_, ok, err = g.GetJob(ctx, "job:1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, g.DeleteJob(ctx, "job:missing"))
}
