package postgres

import (
	"context"
	"fmt"
	"strings"

	"graphkeep/internal/ingerr"
	"graphkeep/internal/store"
)

// Vector is the pgvector-backed VectorIndex. Similarity is always cosine
// distance (1 - vec <=> query), matching the in-memory backend's scoring.
// Writes go through pools.Writer; SimilaritySearch reads through pools.Reader.
type Vector struct {
	pools      *Pools
	dimensions int
}

// NewVector wraps pools, enabling the pgvector extension and creating the
// embeddings table if needed.
func NewVector(ctx context.Context, pools *Pools, dimensions int) (*Vector, error) {
	if _, err := pools.Writer.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("enable pgvector: %w", err)
	}
	vecType := "vector"
	if dimensions > 0 {
		vecType = fmt.Sprintf("vector(%d)", dimensions)
	}
	if _, err := pools.Writer.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS concept_embeddings (
  id TEXT PRIMARY KEY,
  vec %s
)`, vecType)); err != nil {
		return nil, fmt.Errorf("create embeddings table: %w", err)
	}
	return &Vector{pools: pools, dimensions: dimensions}, nil
}

func (v *Vector) Upsert(ctx context.Context, id string, vector []float32) error {
	_, err := v.pools.Writer.Exec(ctx, `
INSERT INTO concept_embeddings(id, vec) VALUES ($1, $2::vector)
ON CONFLICT (id) DO UPDATE SET vec=EXCLUDED.vec
`, id, toVectorLiteral(vector))
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (v *Vector) Delete(ctx context.Context, id string) error {
	_, err := v.pools.Writer.Exec(ctx, `DELETE FROM concept_embeddings WHERE id=$1`, id)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (v *Vector) SimilaritySearch(ctx context.Context, vector []float32, k int) ([]store.VectorMatch, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := v.pools.Reader.Query(ctx, `
SELECT id, 1 - (vec <=> $1::vector) AS score
FROM concept_embeddings
ORDER BY vec <=> $1::vector
LIMIT $2
`, toVectorLiteral(vector), k)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	defer rows.Close()
	out := make([]store.VectorMatch, 0, k)
	for rows.Next() {
		var m store.VectorMatch
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}
