// Package chunker splits a parsed document's canonical text into
// target-sized, overlapping chunks ahead of LLM extraction. Boundaries
// prefer a paragraph break, then a sentence end, then whitespace, over the
// raw character target so chunks don't split mid-sentence when it's
// avoidable.
package chunker

import (
	"strings"
)

// Chunk is one contiguous piece of a document's canonical text, along with
// its position so Source records can be built from it.
type Chunk struct {
	Index           int
	Text            string
	CharOffsetStart int
	CharOffsetEnd   int
}

// Options controls target size and overlap, both expressed in tokens. A
// rough 4-characters-per-token heuristic converts to the character math the
// splitter actually does, matching the estimate used for cost analysis.
type Options struct {
	TargetTokens  int
	OverlapTokens int
}

const charsPerToken = 4

func targetChars(o Options) int {
	n := o.TargetTokens
	if n <= 0 {
		n = 800
	}
	return n * charsPerToken
}

func overlapChars(o Options) int {
	n := o.OverlapTokens
	if n < 0 {
		n = 0
	}
	return n * charsPerToken
}

// Split breaks text into chunks per Options. Within the back half of the
// target window a chunk boundary snaps to the last paragraph break ("\n\n"),
// else to the last sentence end (". "), else to the last whitespace; only
// when none of these is there is the window cut at the raw character target.
// OverlapTokens of trailing context are carried into the next chunk.
func Split(text string, o Options) []Chunk {
	tgt := targetChars(o)
	if tgt < 4*charsPerToken {
		tgt = 4 * charsPerToken
	}
	ov := overlapChars(o)

	var out []Chunk
	start := 0
	idx := 0
	for start < len(text) {
		end := start + tgt
		if end >= len(text) {
			end = len(text)
		} else {
			window := text[start:end]
			if i := strings.LastIndex(window, "\n\n"); i > tgt/2 {
				end = start + i
			} else if i := strings.LastIndex(window, ". "); i > tgt/2 {
				end = start + i + 1
			} else if i := strings.LastIndexAny(window, " \n\t"); i > tgt/2 {
				end = start + i
			}
		}
		piece := strings.TrimSpace(text[start:end])
		if piece != "" {
			out = append(out, Chunk{
				Index:           idx,
				Text:            piece,
				CharOffsetStart: start,
				CharOffsetEnd:   end,
			})
			idx++
		}
		if end >= len(text) {
			break
		}
		next := end - ov
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// EstimateTokens applies the same heuristic Split uses internally, for
// cost-analysis purposes at job submission time.
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}
