// Package embedder defines the embedding interface the pipeline and query
// engine depend on, plus a deterministic implementation used by tests and
// fixtures so they don't need network access or API keys.
package embedder

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder converts text into fixed-dimension vectors for similarity search
// and concept merge-threshold comparisons.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
}

// Provider is the subset of an extraction adapter's surface the embedder
// needs; internal/extraction's provider implementations satisfy it.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() string
}

// providerEmbedder adapts an extraction Provider to the Embedder interface.
type providerEmbedder struct {
	p   Provider
	dim int
}

// FromProvider wraps an extraction provider as an Embedder, fixing dim as
// the dimensionality the rest of the system was configured to expect.
func FromProvider(p Provider, dim int) Embedder {
	return &providerEmbedder{p: p, dim: dim}
}

func (e *providerEmbedder) Name() string      { return e.p.EmbeddingModel() }
func (e *providerEmbedder) Dimension() int    { return e.dim }
func (e *providerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.p.Embed(ctx, texts)
}

// deterministicEmbedder hashes byte 3-grams into a fixed-size, optionally
// L2-normalized vector. It never calls a network and is stable across runs,
// which makes it useful for tests that assert on concept-merge behavior
// without depending on a real embedding model's actual geometry.
type deterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
}

// NewDeterministic constructs a deterministic, network-free Embedder.
func NewDeterministic(dim int, normalize bool, seed uint64) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &deterministicEmbedder{dim: dim, normalize: normalize, seed: seed}
}

func (d *deterministicEmbedder) Name() string   { return "deterministic" }
func (d *deterministicEmbedder) Dimension() int { return d.dim }

func (d *deterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *deterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(s)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
