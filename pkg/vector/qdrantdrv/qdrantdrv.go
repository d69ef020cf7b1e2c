// Package qdrantdrv provides a Qdrant-backed vector driver over the gRPC
// client. Each memory tier maps to a Qdrant collection created on demand
// with cosine distance.
package qdrantdrv

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/vector"
)

// scrollPageSize is the page size used when scrolling full collections.
const scrollPageSize = 256

// QdrantDriver implements vector.Driver using the Qdrant gRPC API.
type QdrantDriver struct {
	client     *qdrant.Client
	dimensions uint64
	logger     *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// Config holds configuration for the Qdrant driver.
type Config struct {
	// Host is the Qdrant server host (e.g., "localhost").
	Host string

	// Port is the Qdrant gRPC port (typically 6334).
	Port int

	// Dimensions is the number of dimensions for the embedding vectors.
	Dimensions uint
}

// NewQdrantDriver connects to Qdrant and returns a driver. Connection
// failure here is fatal by design: the engine must not start without its
// vector store.
func NewQdrantDriver(c Config, logger *zap.Logger) (*QdrantDriver, error) {
	if c.Dimensions == 0 {
		return nil, fmt.Errorf("qdrant embedding dimensions cannot be 0, must be configured")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: c.Host,
		Port: c.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", vector.ErrConnection, err)
	}

	// Probe the connection so a dead server fails loudly at startup.
	if _, err := client.HealthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: qdrant health check: %v", vector.ErrConnection, err)
	}

	logger.Info("connected to qdrant",
		zap.String("host", c.Host),
		zap.Int("port", c.Port),
		zap.Uint("dimensions", c.Dimensions),
	)

	return &QdrantDriver{
		client:     client,
		dimensions: uint64(c.Dimensions),
		logger:     logger,
		ensured:    make(map[string]bool),
	}, nil
}

// ensureCollection creates the collection with cosine distance if it does
// not exist yet.
func (d *QdrantDriver) ensureCollection(ctx context.Context, collection string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ensured[collection] {
		return nil
	}

	exists, err := d.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("checking collection %q: %w", collection, err)
	}

	if !exists {
		err = d.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     d.dimensions,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %q: %w", collection, err)
		}

		d.logger.Info("created qdrant collection",
			zap.String("collection", collection),
		)
	}

	d.ensured[collection] = true
	return nil
}

// Upsert stores documents with their embeddings.
func (d *QdrantDriver) Upsert(ctx context.Context, collection string, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	if err := d.ensureCollection(ctx, collection); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		payload := make(map[string]any, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			payload[k] = v
		}
		payload["text"] = doc.Text

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := d.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}

	d.logger.Debug("upserted documents to qdrant",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)

	return nil
}

// Query finds the topK most similar documents to the given embedding.
func (d *QdrantDriver) Query(ctx context.Context, collection string, embedding []float32, topK int, filter map[string]any) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	if err := d.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	points, err := d.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		Filter:         buildFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying points: %w", err)
	}

	results := make([]vector.QueryResult, 0, len(points))
	for _, p := range points {
		doc := vector.Document{
			ID:       pointIDString(p.Id),
			Metadata: payloadToMap(p.Payload),
		}
		if text, ok := doc.Metadata["text"].(string); ok {
			doc.Text = text
			delete(doc.Metadata, "text")
		}
		if v := p.Vectors.GetVector(); v != nil {
			doc.Embedding = v.GetData()
		}

		results = append(results, vector.QueryResult{
			Document: doc,
			Score:    p.Score,
		})
	}

	d.logger.Debug("queried qdrant",
		zap.String("collection", collection),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// Get retrieves documents by their IDs. Missing IDs are skipped.
func (d *QdrantDriver) Get(ctx context.Context, collection string, ids []string) ([]vector.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if err := d.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}

	points, err := d.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting points: %w", err)
	}

	docs := make([]vector.Document, 0, len(points))
	for _, p := range points {
		doc := vector.Document{
			ID:       pointIDString(p.Id),
			Metadata: payloadToMap(p.Payload),
		}
		if text, ok := doc.Metadata["text"].(string); ok {
			doc.Text = text
			delete(doc.Metadata, "text")
		}
		if v := p.Vectors.GetVector(); v != nil {
			doc.Embedding = v.GetData()
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// Delete removes documents by their IDs.
func (d *QdrantDriver) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := d.ensureCollection(ctx, collection); err != nil {
		return err
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}

	_, err := d.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}

	d.logger.Debug("deleted documents from qdrant",
		zap.String("collection", collection),
		zap.Int("count", len(ids)),
	)

	return nil
}

// SetMetadata merges the patch into a point's payload without rewriting its
// vector.
func (d *QdrantDriver) SetMetadata(ctx context.Context, collection string, id string, patch map[string]any) error {
	if err := d.ensureCollection(ctx, collection); err != nil {
		return err
	}

	// Qdrant silently accepts payload writes for unknown ids, so check
	// existence first to honor the driver contract.
	existing, err := d.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
	})
	if err != nil {
		return fmt.Errorf("checking point %s: %w", id, err)
	}
	if len(existing) == 0 {
		return fmt.Errorf("%w: %s/%s", vector.ErrNotFound, collection, id)
	}

	_, err = d.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        qdrant.NewValueMap(patch),
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewID(id)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("setting payload for point %s: %w", id, err)
	}

	return nil
}

// Scroll pages through every document in the collection matching the filter.
func (d *QdrantDriver) Scroll(ctx context.Context, collection string, filter map[string]any) ([]vector.Document, error) {
	if err := d.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	var docs []vector.Document
	var offset *qdrant.PointId

	for {
		points, err := d.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         buildFilter(filter),
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scrolling points: %w", err)
		}

		if len(points) == 0 {
			break
		}

		for _, p := range points {
			doc := vector.Document{
				ID:       pointIDString(p.Id),
				Metadata: payloadToMap(p.Payload),
			}
			if text, ok := doc.Metadata["text"].(string); ok {
				doc.Text = text
				delete(doc.Metadata, "text")
			}
			docs = append(docs, doc)
		}

		if len(points) < scrollPageSize {
			break
		}
		offset = points[len(points)-1].Id
	}

	return docs, nil
}

// Close closes the gRPC connection.
func (d *QdrantDriver) Close() error {
	return d.client.Close()
}

// buildFilter converts a flat metadata filter to Qdrant match conditions.
func buildFilter(filter map[string]any) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}

	must := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		switch val := v.(type) {
		case bool:
			must = append(must, qdrant.NewMatchBool(k, val))
		case int:
			must = append(must, qdrant.NewMatchInt(k, int64(val)))
		case int64:
			must = append(must, qdrant.NewMatchInt(k, val))
		default:
			must = append(must, qdrant.NewMatch(k, fmt.Sprint(val)))
		}
	}

	return &qdrant.Filter{Must: must}
}

// payloadToMap converts a Qdrant payload to a flat metadata map.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = valueToAny(item)
		}
		return list
	default:
		return nil
	}
}

// pointIDString extracts the string form of a point id.
func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return fmt.Sprint(id.GetNum())
}

// Ensure QdrantDriver implements vector.Driver
var _ vector.Driver = (*QdrantDriver)(nil)
