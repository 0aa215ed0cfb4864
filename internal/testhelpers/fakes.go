// Package testhelpers holds fixtures shared by package tests: a
// scriptable extraction.Provider fake and small concurrency helpers.
package testhelpers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"graphkeep/internal/extraction"
)

// FakeProvider is a scriptable extraction.Provider. Results queues one
// ExtractionResult per call to ExtractConcepts, in order; once exhausted it
// repeats the last entry. Err, if set, is returned instead (and does not
// consume a queued result), letting tests force a transient/fatal failure
// on a specific call via ErrOnCall.
type FakeProvider struct {
	mu sync.Mutex

	Results []extraction.ExtractionResult
	calls   int

	Err       error
	ErrOnCall int // 1-indexed; 0 means "every call"

	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
	Describe  string

	ExtractModelName string
	EmbedModelName   string
}

func (f *FakeProvider) ExtractConcepts(_ context.Context, _ string) (extraction.ExtractionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil && (f.ErrOnCall == 0 || f.ErrOnCall == f.calls) {
		return extraction.ExtractionResult{}, f.Err
	}
	if len(f.Results) == 0 {
		return extraction.ExtractionResult{}, nil
	}
	idx := f.calls - 1
	if f.Err != nil && f.ErrOnCall > 0 && f.calls > f.ErrOnCall {
		idx-- // the failed call did not consume a queued result
	}
	if idx >= len(f.Results) {
		idx = len(f.Results) - 1
	}
	return f.Results[idx], nil
}

func (f *FakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.EmbedFunc != nil {
		return f.EmbedFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 8)
		for j, c := range []byte(t) {
			v[j%8] += float32(c)
		}
		out[i] = v
	}
	return out, nil
}

func (f *FakeProvider) DescribeImage(_ context.Context, _ string, _ []byte) (string, error) {
	return f.Describe, nil
}

func (f *FakeProvider) ExtractionModel() string {
	if f.ExtractModelName != "" {
		return f.ExtractModelName
	}
	return "fake-extract"
}

func (f *FakeProvider) EmbeddingModel() string {
	if f.EmbedModelName != "" {
		return f.EmbedModelName
	}
	return "fake-embed"
}

// Calls reports how many times ExtractConcepts has been invoked.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// NewTestServer returns an httptest.Server for the given handler func.
func NewTestServer(handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(handler))
}

// WaitGroupDoneOnce returns a function that calls wg.Done() only once;
// useful when multiple goroutines race to signal the same completion.
func WaitGroupDoneOnce(wg *sync.WaitGroup) func() {
	once := sync.Once{}
	return func() { once.Do(wg.Done) }
}
