// Package postgres is the pgx-backed GraphStore and pgvector-backed
// VectorIndex, the production-grade default when a DSN is configured.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pools is the writer/reader pool pair every postgres-backed adapter in this
// package is built over. Writes (inserts, upserts, schema migration) always
// go through Writer; pure reads go through Reader, which is sized and scaled
// independently so a read-heavy query workload never starves ingestion
// writers for connections, and vice versa. Reader may point at a replica DSN
// in deployments that have one; when it doesn't, both pools still exist as
// separate connections against the same primary.
type Pools struct {
	Writer *pgxpool.Pool
	Reader *pgxpool.Pool
}

// Close releases both pools.
func (p *Pools) Close() {
	if p == nil {
		return
	}
	if p.Writer != nil {
		p.Writer.Close()
	}
	if p.Reader != nil {
		p.Reader.Close()
	}
}

// OpenPools connects the writer pool against writerDSN and the reader pool
// against readerDSN (which may be the same DSN pointed at a primary, or a
// distinct DSN pointed at a read replica), each sized by its own max-conns
// knob, and verifies both are reachable with a short-timeout ping.
func OpenPools(ctx context.Context, writerDSN, readerDSN string, writerMaxConns, readerMaxConns int32) (*Pools, error) {
	writer, err := openPool(ctx, writerDSN, writerMaxConns)
	if err != nil {
		return nil, fmt.Errorf("open writer pool: %w", err)
	}
	reader, err := openPool(ctx, readerDSN, readerMaxConns)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader pool: %w", err)
	}
	return &Pools{Writer: writer, Reader: reader}, nil
}

func openPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 16
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
