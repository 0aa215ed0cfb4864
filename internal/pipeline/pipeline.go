// Package pipeline runs one ingestion job's chunks through
// parse(already done)->chunk->extract->embed->upsert, checkpointing after
// every chunk so a worker can resume a job without reprocessing committed
// work. Chunks within a job are strictly sequential; cross-chunk concept
// merging depends on the graph state earlier chunks already wrote.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"graphkeep/internal/chunker"
	"graphkeep/internal/embedder"
	"graphkeep/internal/extraction"
	"graphkeep/internal/ingerr"
	"graphkeep/internal/model"
	"graphkeep/internal/store"
)

// Deps bundles the adapters a pipeline run needs. None of it is provider-
// specific by the time it reaches here: the pipeline only knows the
// store/extraction/embedder interfaces.
type Deps struct {
	Graph    store.GraphStore
	Vector   store.VectorIndex
	Lexical  store.LexicalIndex // optional, may be nil
	Provider extraction.Provider
	Embedder embedder.Embedder

	MergeThreshold      float64
	VocabularyExpansion bool
	ChunkOptions        chunker.Options
	ChunkMaxRetries     int
	ChunkTimeout        time.Duration
}

// ProgressFunc is called after every chunk (and once before the first) with
// the job's updated progress snapshot.
type ProgressFunc func(model.Progress)

// Analyze runs Stage 1 (parse, already canonical text) and Stage 2 (chunk)
// synchronously, computing the job's cost estimate without calling the LLM.
// This is the work done during submit, before any approval gate.
func Analyze(text string, opt chunker.Options) model.Analysis {
	hash := model.DocumentHash(text)
	chunks := chunker.Split(text, opt)
	tokens := 0
	for _, c := range chunks {
		tokens += chunker.EstimateTokens(c.Text)
	}
	return model.Analysis{
		ChunkCount:   len(chunks),
		DocumentHash: hash,
		CostEstimate: estimateCost(tokens, len(chunks)),
	}
}

// estimateCost is a rough, provider-agnostic token-based cost band; actual
// per-token pricing varies by model and is intentionally not hardcoded here
// beyond a conservative low/high spread used for the approval gate.
func estimateCost(tokens, chunkCount int) model.CostEstimate {
	const (
		extractLow  = 0.00015 // $ per 1K tokens, low end
		extractHigh = 0.0006
		embedLow    = 0.00002
		embedHigh   = 0.00013
	)
	k := float64(tokens) / 1000.0
	extraction := model.CostRange{Low: k * extractLow, High: k * extractHigh}
	embed := model.CostRange{Low: k * embedLow, High: k * embedHigh}
	return model.CostEstimate{
		Extraction: extraction,
		Embeddings: embed,
		Total: model.CostRange{
			Low:  extraction.Low + embed.Low,
			High: extraction.High + embed.High,
		},
		Currency: "USD",
	}
}

// Run executes the chunked extraction pipeline for job against text,
// resuming from resumeFrom (the last checkpointed chunk index, or -1 for a
// fresh job). cancelled is polled at every chunk boundary.
func Run(ctx context.Context, job *model.Job, text string, resumeFrom int, deps Deps, cancelled func() bool, onProgress ProgressFunc) error {
	chunks := chunker.Split(text, deps.ChunkOptions)
	docHash := model.DocumentHash(text)

	counters := job.Progress.Counters
	counters.ChunksTotal = len(chunks)

	emit := func(stage, msg string) {
		pct := 0
		if counters.ChunksTotal > 0 {
			pct = counters.ChunksProcessed * 100 / counters.ChunksTotal
		}
		onProgress(model.Progress{
			JobID:    job.ID,
			Status:   job.Status,
			Stage:    stage,
			Percent:  pct,
			Counters: counters,
			Message:  msg,
		})
	}
	emit("extract", "starting")

	for _, c := range chunks {
		if c.Index <= resumeFrom {
			continue
		}
		if cancelled() {
			return &ingerr.CancelledError{Reason: "cancel observed at chunk boundary"}
		}

		sourceID := model.SourceID(docHash, c.Index)
		src := model.Source{
			ID:           sourceID,
			Document:     job.ContentRef,
			Ontology:     job.Ontology,
			ChunkIndex:   c.Index,
			FullText:     c.Text,
			DocumentHash: docHash,
		}
		if err := deps.Graph.UpsertSource(ctx, src); err != nil {
			return &ingerr.StoreError{Cause: fmt.Errorf("upsert source %s: %w", sourceID, err)}
		}

		result, err := extractWithRetry(ctx, deps, c.Text)
		if err != nil {
			return err
		}

		conceptIDs, err := upsertConcepts(ctx, deps, &counters, src, result.Concepts)
		if err != nil {
			return err
		}

		if err := upsertRelationships(ctx, deps, &counters, src, result.Relationships, conceptIDs); err != nil {
			return err
		}

		counters.ChunksProcessed = c.Index + 1
		if err := deps.Graph.SaveCheckpoint(ctx, model.Checkpoint{
			JobID:          job.ID,
			LastChunkIndex: c.Index,
			Counters:       counters,
			UpdatedAt:      time.Now(),
		}); err != nil {
			return &ingerr.StoreError{Cause: fmt.Errorf("checkpoint chunk %d: %w", c.Index, err)}
		}
		emit("upsert", fmt.Sprintf("committed chunk %d/%d", c.Index+1, len(chunks)))
	}

	job.Progress.Counters = counters
	emit("complete", "done")
	return nil
}

func extractWithRetry(ctx context.Context, deps Deps, chunkText string) (extraction.ExtractionResult, error) {
	timeout := deps.ChunkTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxRetries := deps.ChunkMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 200 * time.Millisecond
			backoff += time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-cctx.Done():
				if ctx.Err() != nil {
					return extraction.ExtractionResult{}, &ingerr.CancelledError{Reason: "cancel observed during backoff"}
				}
				return extraction.ExtractionResult{}, &ingerr.AdapterFatalError{Cause: fmt.Errorf("chunk timeout during backoff: %w", lastErr)}
			case <-time.After(backoff):
			}
		}
		result, err := deps.Provider.ExtractConcepts(cctx, chunkText)
		if err == nil {
			return validateExtraction(chunkText, result), nil
		}
		lastErr = err
		var transient *ingerr.AdapterTransientError
		if !errors.As(err, &transient) {
			log.Error().Err(err).Msg("extract_concepts_fatal")
			return extraction.ExtractionResult{}, err
		}
		log.Error().Err(err).Int("attempt", attempt).Msg("extract_concepts_retry")
	}
	return extraction.ExtractionResult{}, &ingerr.AdapterFatalError{Cause: fmt.Errorf("extraction exhausted retries: %w", lastErr)}
}

// validateExtraction drops quotes that aren't verbatim substrings of the
// chunk (and corrects offsets that don't match the reported quote), per the
// extraction contract check. A concept that loses every instance this way is
// dropped entirely.
func validateExtraction(chunkText string, result extraction.ExtractionResult) extraction.ExtractionResult {
	out := extraction.ExtractionResult{Relationships: result.Relationships}
	for _, c := range result.Concepts {
		var kept []extraction.EvidenceInstance
		for _, inst := range c.Instances {
			start, end, ok := locateQuote(chunkText, inst.Quote, inst.OffsetStart, inst.OffsetEnd)
			if !ok {
				continue
			}
			inst.OffsetStart, inst.OffsetEnd = start, end
			kept = append(kept, inst)
		}
		if len(kept) == 0 {
			continue
		}
		c.Instances = kept
		out.Concepts = append(out.Concepts, c)
	}
	return out
}

func locateQuote(chunkText, quote string, reportedStart, reportedEnd int) (int, int, bool) {
	if quote == "" {
		return 0, 0, false
	}
	if reportedStart >= 0 && reportedEnd <= len(chunkText) && reportedStart < reportedEnd &&
		chunkText[reportedStart:reportedEnd] == quote {
		return reportedStart, reportedEnd, true
	}
	idx := strings.Index(chunkText, quote)
	if idx < 0 {
		return 0, 0, false
	}
	return idx, idx + len(quote), true
}
