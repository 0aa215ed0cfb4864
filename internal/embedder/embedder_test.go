package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicEmbedderIsStableAcrossCalls(t *testing.T) {
	e := NewDeterministic(32, true, 7)
	ctx := context.Background()

	a, err := e.EmbedBatch(ctx, []string{"graph database"})
	require.NoError(t, err)
	b, err := e.EmbedBatch(ctx, []string{"graph database"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a[0], 32)
}

func TestDeterministicEmbedderDistinctTextsDiffer(t *testing.T) {
	e := NewDeterministic(32, true, 7)
	ctx := context.Background()

	out, err := e.EmbedBatch(ctx, []string{"graph database", "relational database"})
	require.NoError(t, err)
	assert.NotEqual(t, out[0], out[1])
}

func TestDeterministicEmbedderNormalizesToUnitLength(t *testing.T) {
	e := NewDeterministic(16, true, 1)
	out, err := e.EmbedBatch(context.Background(), []string{"some concept label"})
	require.NoError(t, err)

	var sumSq float64
	for _, x := range out[0] {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sumSq, 0.01)
}
