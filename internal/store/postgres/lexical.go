package postgres

import (
	"context"
	"strings"

	"graphkeep/internal/ingerr"
	"graphkeep/internal/store"
)

// Lexical is the tsvector-backed LexicalIndex, used to pre-filter concepts
// by keyword before the (more expensive) vector similarity pass. Writes go
// through pools.Writer; Search reads through pools.Reader.
type Lexical struct{ pools *Pools }

// NewLexical wraps pools and creates the generated-tsvector table if needed.
func NewLexical(ctx context.Context, pools *Pools) (*Lexical, error) {
	_, _ = pools.Writer.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`)
	_, err := pools.Writer.Exec(ctx, `
CREATE TABLE IF NOT EXISTS concept_text (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
)`)
	if err != nil {
		return nil, err
	}
	_, err = pools.Writer.Exec(ctx, `CREATE INDEX IF NOT EXISTS concept_text_ts_idx ON concept_text USING GIN (ts)`)
	if err != nil {
		return nil, err
	}
	return &Lexical{pools: pools}, nil
}

func (l *Lexical) Index(ctx context.Context, id, text string) error {
	_, err := l.pools.Writer.Exec(ctx, `
INSERT INTO concept_text(id, text) VALUES ($1,$2)
ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text
`, id, text)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (l *Lexical) Remove(ctx context.Context, id string) error {
	_, err := l.pools.Writer.Exec(ctx, `DELETE FROM concept_text WHERE id=$1`, id)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (l *Lexical) Search(ctx context.Context, query string, limit int) ([]store.LexicalMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	rows, err := l.pools.Reader.Query(ctx, `
SELECT id, ts_rank(ts, plainto_tsquery('simple',$1)) AS score, left(text, 160) AS snippet
FROM concept_text
WHERE ts @@ plainto_tsquery('simple',$1)
ORDER BY score DESC
LIMIT $2
`, q, limit)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	defer rows.Close()
	out := make([]store.LexicalMatch, 0, limit)
	for rows.Next() {
		var m store.LexicalMatch
		if err := rows.Scan(&m.ID, &m.Score, &m.Snippet); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
