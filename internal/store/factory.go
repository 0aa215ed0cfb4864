package store

import (
	"context"
	"fmt"

	"graphkeep/internal/config"
	"graphkeep/internal/store/memory"
	"graphkeep/internal/store/postgres"
	"graphkeep/internal/store/qdrant"
)

// Bundle holds the concrete backends resolved from config, ready to be
// wired into the pipeline, scheduler, and query engine.
type Bundle struct {
	Graph   GraphStore
	Vector  VectorIndex
	Lexical LexicalIndex

	pgPool interface{ Close() }
	qdrant *qdrant.Vector
}

// Close releases any pooled connections. Safe to call on a memory-only
// Bundle.
func (b Bundle) Close() {
	if b.pgPool != nil {
		b.pgPool.Close()
	}
	if b.qdrant != nil {
		b.qdrant.Close()
	}
}

// New resolves a Bundle from cfg. Backend "memory" needs no network access
// and is the default; "postgres" requires cfg.DSN, and vector_kind selects
// between pgvector (same DSN) and a separate Qdrant deployment.
func New(ctx context.Context, cfg config.StoreConfig, embeddingDimension int) (Bundle, error) {
	switch cfg.Backend {
	case "", "memory":
		return Bundle{
			Graph:   memory.NewGraph(),
			Vector:  memory.NewVector(),
			Lexical: memory.NewLexical(),
		}, nil

	case "postgres":
		if cfg.DSN == "" {
			return Bundle{}, fmt.Errorf("store backend postgres requires a DSN")
		}
		readerDSN := cfg.ReaderDSN
		if readerDSN == "" {
			readerDSN = cfg.DSN
		}
		pools, err := postgres.OpenPools(ctx, cfg.DSN, readerDSN, cfg.WriterMaxConns, cfg.ReaderMaxConns)
		if err != nil {
			return Bundle{}, fmt.Errorf("connect postgres: %w", err)
		}
		graph, err := postgres.NewGraph(ctx, pools)
		if err != nil {
			pools.Close()
			return Bundle{}, err
		}
		lexical, err := postgres.NewLexical(ctx, pools)
		if err != nil {
			pools.Close()
			return Bundle{}, fmt.Errorf("init lexical index: %w", err)
		}

		bundle := Bundle{Graph: graph, Lexical: lexical, pgPool: pools}

		switch cfg.VectorKind {
		case "", "pgvector":
			vec, err := postgres.NewVector(ctx, pools, embeddingDimension)
			if err != nil {
				pools.Close()
				return Bundle{}, fmt.Errorf("init pgvector: %w", err)
			}
			bundle.Vector = vec
		case "qdrant":
			if cfg.QdrantAddr == "" {
				pools.Close()
				return Bundle{}, fmt.Errorf("vector_kind qdrant requires qdrant_addr")
			}
			vec, err := qdrant.New(ctx, cfg.QdrantAddr, "concepts", embeddingDimension)
			if err != nil {
				pools.Close()
				return Bundle{}, fmt.Errorf("init qdrant: %w", err)
			}
			bundle.Vector = vec
			bundle.qdrant = vec
		default:
			pools.Close()
			return Bundle{}, fmt.Errorf("unsupported vector_kind: %s", cfg.VectorKind)
		}
		return bundle, nil

	default:
		return Bundle{}, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}
