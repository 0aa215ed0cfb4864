package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorSimilaritySearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	v := NewVector()

	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0}))
	require.NoError(t, v.Upsert(ctx, "b", []float32{0, 1}))
	require.NoError(t, v.Upsert(ctx, "c", []float32{1, 1}))

	res, err := v.SimilaritySearch(ctx, []float32{0.9, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].ID)
}

func TestVectorDeleteRemovesFromResults(t *testing.T) {
	ctx := context.Background()
	v := NewVector()
	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0}))
	require.NoError(t, v.Delete(ctx, "a"))

	res, err := v.SimilaritySearch(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}
