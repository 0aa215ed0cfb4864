package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"graphkeep/internal/ingerr"
	"graphkeep/internal/model"
)

// Graph is the pgx-backed GraphStore. Tables are created on first use so a
// fresh database needs no separate migration step for the exercise's scope.
// Writes go through pools.Writer; reads go through pools.Reader, a
// separately sized pool so query load never starves ingestion writes.
type Graph struct{ pools *Pools }

// NewGraph wraps pools and ensures the schema exists.
func NewGraph(ctx context.Context, pools *Pools) (*Graph, error) {
	g := &Graph{pools: pools}
	if err := g.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate graph schema: %w", err)
	}
	return g, nil
}

func (g *Graph) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS concepts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			normalized_label TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			search_terms TEXT[] NOT NULL DEFAULT '{}',
			embedding_model TEXT NOT NULL DEFAULT '',
			ontologies TEXT[] NOT NULL DEFAULT '{}',
			evidence_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS concepts_normalized_label ON concepts(normalized_label)`,
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			ontology TEXT NOT NULL,
			chunk_index INT NOT NULL,
			full_text TEXT NOT NULL,
			document_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			concept_id TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
			source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			quote TEXT NOT NULL,
			char_offset_start INT NOT NULL,
			char_offset_end INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS instances_concept ON instances(concept_id)`,
		`CREATE TABLE IF NOT EXISTS appears_in (
			concept_id TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
			source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			PRIMARY KEY (concept_id, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			from_concept_id TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
			to_concept_id TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
			rel_type TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_from_source TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (from_concept_id, to_concept_id, rel_type)
		)`,
		`CREATE INDEX IF NOT EXISTS relationships_to ON relationships(to_concept_id)`,
		`CREATE TABLE IF NOT EXISTS relationship_vocabulary (
			rel_type TEXT PRIMARY KEY,
			merged_into TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_checkpoints (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
			payload JSONB NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := g.pools.Writer.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) UpsertConcept(ctx context.Context, c model.Concept) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := g.pools.Writer.Exec(ctx, `
INSERT INTO concepts(id, label, normalized_label, description, search_terms, embedding_model, ontologies, evidence_count, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  label=EXCLUDED.label, description=EXCLUDED.description, search_terms=EXCLUDED.search_terms,
  embedding_model=EXCLUDED.embedding_model, ontologies=EXCLUDED.ontologies, evidence_count=EXCLUDED.evidence_count
`, c.ID, c.Label, model.NormalizeLabel(c.Label), c.Description, c.SearchTerms, c.EmbeddingModel, c.Ontologies, c.EvidenceCount, c.CreatedAt)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (g *Graph) GetConcept(ctx context.Context, id string) (model.Concept, bool, error) {
	row := g.pools.Reader.QueryRow(ctx, `
SELECT id, label, description, search_terms, embedding_model, ontologies, evidence_count, created_at
FROM concepts WHERE id=$1`, id)
	var c model.Concept
	err := row.Scan(&c.ID, &c.Label, &c.Description, &c.SearchTerms, &c.EmbeddingModel, &c.Ontologies, &c.EvidenceCount, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Concept{}, false, nil
	}
	if err != nil {
		return model.Concept{}, false, &ingerr.StoreError{Cause: err}
	}
	return c, true, nil
}

func (g *Graph) FindConceptsByLabel(ctx context.Context, normalizedLabel string) ([]model.Concept, error) {
	rows, err := g.pools.Reader.Query(ctx, `
SELECT id, label, description, search_terms, embedding_model, ontologies, evidence_count, created_at
FROM concepts WHERE normalized_label=$1`, normalizedLabel)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	defer rows.Close()
	var out []model.Concept
	for rows.Next() {
		var c model.Concept
		if err := rows.Scan(&c.ID, &c.Label, &c.Description, &c.SearchTerms, &c.EmbeddingModel, &c.Ontologies, &c.EvidenceCount, &c.CreatedAt); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *Graph) ListConcepts(ctx context.Context) ([]model.Concept, error) {
	rows, err := g.pools.Reader.Query(ctx, `
SELECT id, label, description, search_terms, embedding_model, ontologies, evidence_count, created_at
FROM concepts`)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	defer rows.Close()
	var out []model.Concept
	for rows.Next() {
		var c model.Concept
		if err := rows.Scan(&c.ID, &c.Label, &c.Description, &c.SearchTerms, &c.EmbeddingModel, &c.Ontologies, &c.EvidenceCount, &c.CreatedAt); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *Graph) IsKnownRelType(ctx context.Context, typ string) (bool, error) {
	var exists bool
	err := g.pools.Reader.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM relationship_vocabulary WHERE rel_type=$1)`, typ).Scan(&exists)
	if err != nil {
		return false, &ingerr.StoreError{Cause: err}
	}
	return exists, nil
}

func (g *Graph) UpsertSource(ctx context.Context, s model.Source) error {
	_, err := g.pools.Writer.Exec(ctx, `
INSERT INTO sources(id, document, ontology, chunk_index, full_text, document_hash)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET full_text=EXCLUDED.full_text
`, s.ID, s.Document, s.Ontology, s.ChunkIndex, s.FullText, s.DocumentHash)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (g *Graph) GetSource(ctx context.Context, id string) (model.Source, bool, error) {
	row := g.pools.Reader.QueryRow(ctx, `SELECT id, document, ontology, chunk_index, full_text, document_hash FROM sources WHERE id=$1`, id)
	var s model.Source
	err := row.Scan(&s.ID, &s.Document, &s.Ontology, &s.ChunkIndex, &s.FullText, &s.DocumentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Source{}, false, nil
	}
	if err != nil {
		return model.Source{}, false, &ingerr.StoreError{Cause: err}
	}
	return s, true, nil
}

func (g *Graph) UpsertInstance(ctx context.Context, i model.Instance) error {
	_, err := g.pools.Writer.Exec(ctx, `
INSERT INTO instances(id, concept_id, source_id, quote, char_offset_start, char_offset_end)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET concept_id=EXCLUDED.concept_id
`, i.ID, i.ConceptID, i.SourceID, i.Quote, i.CharOffsetStart, i.CharOffsetEnd)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (g *Graph) InstancesForConcept(ctx context.Context, conceptID string) ([]model.Instance, error) {
	rows, err := g.pools.Reader.Query(ctx, `
SELECT id, concept_id, source_id, quote, char_offset_start, char_offset_end
FROM instances WHERE concept_id=$1`, conceptID)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	defer rows.Close()
	var out []model.Instance
	for rows.Next() {
		var i model.Instance
		if err := rows.Scan(&i.ID, &i.ConceptID, &i.SourceID, &i.Quote, &i.CharOffsetStart, &i.CharOffsetEnd); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (g *Graph) AppearsIn(ctx context.Context, conceptID, sourceID string) error {
	_, err := g.pools.Writer.Exec(ctx, `
INSERT INTO appears_in(concept_id, source_id) VALUES ($1,$2)
ON CONFLICT (concept_id, source_id) DO NOTHING
`, conceptID, sourceID)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (g *Graph) SourcesForConcept(ctx context.Context, conceptID string) ([]string, error) {
	rows, err := g.pools.Reader.Query(ctx, `SELECT source_id FROM appears_in WHERE concept_id=$1`, conceptID)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertRelationship coalesces a duplicate (from, to, rel_type) edge onto the
// max confidence seen across all writes, so re-ingesting a chunk with a
// lower-confidence relationship can never lower what is stored.
func (g *Graph) UpsertRelationship(ctx context.Context, r model.Relationship) error {
	_, err := g.pools.Writer.Exec(ctx, `
INSERT INTO relationships(from_concept_id, to_concept_id, rel_type, confidence, created_from_source)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (from_concept_id, to_concept_id, rel_type) DO UPDATE SET
  confidence=GREATEST(relationships.confidence, EXCLUDED.confidence),
  created_from_source=EXCLUDED.created_from_source
`, r.FromConceptID, r.ToConceptID, r.RelType, r.Confidence, r.CreatedFromSource)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (g *Graph) RelationshipsFrom(ctx context.Context, conceptID string) ([]model.Relationship, error) {
	return g.queryRelationships(ctx, `SELECT from_concept_id, to_concept_id, rel_type, confidence, created_from_source FROM relationships WHERE from_concept_id=$1`, conceptID)
}

func (g *Graph) RelationshipsTo(ctx context.Context, conceptID string) ([]model.Relationship, error) {
	return g.queryRelationships(ctx, `SELECT from_concept_id, to_concept_id, rel_type, confidence, created_from_source FROM relationships WHERE to_concept_id=$1`, conceptID)
}

func (g *Graph) queryRelationships(ctx context.Context, query, id string) ([]model.Relationship, error) {
	rows, err := g.pools.Reader.Query(ctx, query, id)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	defer rows.Close()
	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		if err := rows.Scan(&r.FromConceptID, &r.ToConceptID, &r.RelType, &r.Confidence, &r.CreatedFromSource); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *Graph) ResolveRelType(ctx context.Context, typ string) (string, error) {
	canonical := typ
	seen := map[string]bool{}
	for {
		if seen[canonical] {
			return canonical, nil
		}
		seen[canonical] = true
		var next string
		err := g.pools.Reader.QueryRow(ctx, `SELECT merged_into FROM relationship_vocabulary WHERE rel_type=$1`, canonical).Scan(&next)
		if errors.Is(err, pgx.ErrNoRows) {
			if canonical == typ {
				_, insErr := g.pools.Writer.Exec(ctx, `INSERT INTO relationship_vocabulary(rel_type, merged_into) VALUES ($1,$1) ON CONFLICT DO NOTHING`, typ)
				if insErr != nil {
					return "", &ingerr.StoreError{Cause: insErr}
				}
			}
			return canonical, nil
		}
		if err != nil {
			return "", &ingerr.StoreError{Cause: err}
		}
		if next == canonical {
			return canonical, nil
		}
		canonical = next
	}
}

// MergeConcepts reassigns mergedID's instances, relationships, and
// APPEARS_IN edges onto canonicalID in one transaction, unions their
// metadata, and deletes the mergedID concept row. The caller still owns
// removing mergedID from the vector/lexical indexes.
func (g *Graph) MergeConcepts(ctx context.Context, canonicalID, mergedID string) error {
	if canonicalID == mergedID {
		return nil
	}
	tx, err := g.pools.Writer.Begin(ctx)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM concepts WHERE id=$1)`, mergedID).Scan(&exists); err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	if !exists {
		return nil // already merged by a prior sweep pass
	}

	if _, err := tx.Exec(ctx, `UPDATE instances SET concept_id=$1 WHERE concept_id=$2`, canonicalID, mergedID); err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO appears_in(concept_id, source_id)
SELECT $1, source_id FROM appears_in WHERE concept_id=$2
ON CONFLICT DO NOTHING`, canonicalID, mergedID); err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO relationships(from_concept_id, to_concept_id, rel_type, confidence, created_from_source)
SELECT $1, to_concept_id, rel_type, confidence, created_from_source FROM relationships
WHERE from_concept_id=$2 AND to_concept_id != $1
ON CONFLICT (from_concept_id, to_concept_id, rel_type) DO UPDATE SET
  confidence=GREATEST(relationships.confidence, EXCLUDED.confidence)`, canonicalID, mergedID); err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO relationships(from_concept_id, to_concept_id, rel_type, confidence, created_from_source)
SELECT from_concept_id, $1, rel_type, confidence, created_from_source FROM relationships
WHERE to_concept_id=$2 AND from_concept_id != $1
ON CONFLICT (from_concept_id, to_concept_id, rel_type) DO UPDATE SET
  confidence=GREATEST(relationships.confidence, EXCLUDED.confidence)`, canonicalID, mergedID); err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	if _, err := tx.Exec(ctx, `
UPDATE concepts SET
  search_terms = (SELECT array_agg(DISTINCT t) FROM unnest(concepts.search_terms || (SELECT search_terms FROM concepts WHERE id=$2)) AS t),
  ontologies = (SELECT array_agg(DISTINCT t) FROM unnest(concepts.ontologies || (SELECT ontologies FROM concepts WHERE id=$2)) AS t),
  evidence_count = concepts.evidence_count + (SELECT evidence_count FROM concepts WHERE id=$2)
WHERE id=$1`, canonicalID, mergedID); err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM concepts WHERE id=$1`, mergedID); err != nil {
		return &ingerr.StoreError{Cause: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}
