package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genText(words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("word")
	}
	return b.String()
}

func TestSplitSizeToleranceAndOverlap(t *testing.T) {
	text := genText(2000) // ~8000 chars
	chunks := Split(text, Options{TargetTokens: 200, OverlapTokens: 10})
	require.NotEmpty(t, chunks)

	tgt := 200 * charsPerToken
	tolLow, tolHigh := int(float64(tgt)*0.9), int(float64(tgt)*1.1)
	for i, c := range chunks[:len(chunks)-1] {
		assert.GreaterOrEqualf(t, len(c.Text), tolLow, "chunk %d too short", i)
		assert.LessOrEqualf(t, len(c.Text), tolHigh, "chunk %d too long", i)
		assert.Lessf(t, chunks[i+1].CharOffsetStart, c.CharOffsetEnd, "chunk %d does not overlap the next", i)
	}
}

func TestSplitIndexesAreSequential(t *testing.T) {
	chunks := Split(genText(500), Options{TargetTokens: 50, OverlapTokens: 5})
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestSplitShortTextProducesOneChunk(t *testing.T) {
	chunks := Split("a short sentence.", Options{TargetTokens: 800, OverlapTokens: 100})
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short sentence.", chunks[0].Text)
}

func TestSplitEmptyTextProducesNoChunks(t *testing.T) {
	assert.Empty(t, Split("", Options{TargetTokens: 800}))
}

func TestEstimateTokensRoughlyMatchesSplit(t *testing.T) {
	text := genText(400)
	est := EstimateTokens(text)
	assert.Greater(t, est, 0)
	require.Len(t, Split(text, Options{TargetTokens: est}), 1)
}
