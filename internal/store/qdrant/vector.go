// Package qdrant is the gRPC-backed VectorIndex using Qdrant as the
// similarity search engine, selected when config names "qdrant" as the
// vector backend. Concept/Source/Instance IDs are content fingerprints, not
// UUIDs, so every point ID is a deterministic SHA1-namespaced UUID derived
// from the fingerprint, with the original ID carried in the point payload.
package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"graphkeep/internal/ingerr"
	"graphkeep/internal/store"
)

const originalIDField = "_original_id"

// Vector is the Qdrant-backed VectorIndex.
type Vector struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// New connects to dsn (e.g. "http://localhost:6334") and ensures collection
// exists with the given embedding dimension and cosine distance metric.
func New(ctx context.Context, dsn, collection string, dimension int) (*Vector, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant requires dimension > 0")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	v := &Vector{client: client, collection: collection, dimension: dimension}
	if err := v.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return v, nil
}

func (v *Vector) ensureCollection(ctx context.Context) error {
	exists, err := v.client.CollectionExists(ctx, v.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return v.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(v.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (v *Vector) Upsert(ctx context.Context, id string, vector []float32) error {
	uuidStr := pointUUID(id)
	payload := qdrant.NewValueMap(map[string]any{originalIDField: id})
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: v.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		}},
	})
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (v *Vector) Delete(ctx context.Context, id string) error {
	_, err := v.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: v.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointUUID(id))),
	})
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (v *Vector) SimilaritySearch(ctx context.Context, vector []float32, k int) ([]store.VectorMatch, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	limit := uint64(k)
	hits, err := v.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: v.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	out := make([]store.VectorMatch, 0, len(hits))
	for _, hit := range hits {
		id := hit.Id.GetUuid()
		if hit.Payload != nil {
			if v, ok := hit.Payload[originalIDField]; ok {
				id = v.GetStringValue()
			}
		}
		out = append(out, store.VectorMatch{ID: id, Score: float64(hit.Score)})
	}
	return out, nil
}

// Close releases the underlying gRPC connection.
func (v *Vector) Close() { _ = v.client.Close() }
