package testhelpers

import (
	"context"
	"errors"
	"testing"

	"graphkeep/internal/extraction"
)

func TestFakeProvider_ExtractConcepts(t *testing.T) {
	fp := &FakeProvider{Results: []extraction.ExtractionResult{
		{Concepts: []extraction.ConceptCandidate{{Label: "a"}}},
		{Concepts: []extraction.ConceptCandidate{{Label: "b"}}},
	}}
	r1, err := fp.ExtractConcepts(context.Background(), "chunk 1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if r1.Concepts[0].Label != "a" {
		t.Fatalf("unexpected first result: %+v", r1)
	}
	r2, _ := fp.ExtractConcepts(context.Background(), "chunk 2")
	if r2.Concepts[0].Label != "b" {
		t.Fatalf("unexpected second result: %+v", r2)
	}
	r3, _ := fp.ExtractConcepts(context.Background(), "chunk 3")
	if r3.Concepts[0].Label != "b" {
		t.Fatalf("expected last result to repeat, got: %+v", r3)
	}
	if fp.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", fp.Calls())
	}
}

func TestFakeProvider_ErrOnCall(t *testing.T) {
	wantErr := errors.New("boom")
	fp := &FakeProvider{Err: wantErr, ErrOnCall: 2}
	if _, err := fp.ExtractConcepts(context.Background(), "x"); err != nil {
		t.Fatalf("call 1 should not error, got %v", err)
	}
	if _, err := fp.ExtractConcepts(context.Background(), "x"); err != wantErr {
		t.Fatalf("call 2 should return wantErr, got %v", err)
	}
	if _, err := fp.ExtractConcepts(context.Background(), "x"); err != nil {
		t.Fatalf("call 3 should not error, got %v", err)
	}
}

func TestFakeProvider_Embed(t *testing.T) {
	fp := &FakeProvider{}
	vecs, err := fp.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
}
