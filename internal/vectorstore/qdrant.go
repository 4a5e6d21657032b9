package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"

	"github.com/xxxsen/embedpipe/internal/config"
	"github.com/xxxsen/embedpipe/internal/model"
)

// QdrantBackend stores embeddings as points in a dedicated vector-search
// engine, mirroring the relational backend's data.
type QdrantBackend struct {
	client     *qdrant.Client
	collection string
	dimension  uint64
}

func NewQdrantBackend(cfg config.QdrantConfig) (*QdrantBackend, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantBackend{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}, nil
}

func (b *QdrantBackend) Name() string {
	return "qdrant"
}

// Init ensures the collection and payload indexes exist. Safe to call twice.
func (b *QdrantBackend) Init(ctx context.Context) error {
	if _, err := b.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	collections, err := b.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, name := range collections {
		if name == b.collection {
			return nil
		}
	}
	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     b.dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	for _, field := range []string{"source_type", "source_id", "session_id", "project_path", "content_hash"} {
		if _, err := b.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: b.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		}); err != nil {
			return fmt.Errorf("create index for field %s: %w", field, err)
		}
	}
	return nil
}

func (b *QdrantBackend) Close() error {
	return b.client.Close()
}

func (b *QdrantBackend) Store(ctx context.Context, emb *model.StoredEmbedding) error {
	return b.StoreBatch(ctx, []*model.StoredEmbedding{emb})
}

func (b *QdrantBackend) StoreBatch(ctx context.Context, embs []*model.StoredEmbedding) error {
	if len(embs) == 0 {
		return nil
	}
	for i, emb := range embs {
		if uint64(len(emb.Embedding)) != b.dimension {
			return fmt.Errorf("embedding %d has %d dims, collection expects %d", i, len(emb.Embedding), b.dimension)
		}
	}
	points := make([]*qdrant.PointStruct, 0, len(embs))
	for _, emb := range embs {
		meta, err := json.Marshal(emb.Metadata)
		if err != nil {
			return err
		}
		createdAt := emb.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(emb.ID),
			Vectors: qdrant.NewVectors(emb.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"content":      emb.Content,
				"content_hash": emb.ContentHash,
				"source_type":  string(emb.SourceType),
				"source_id":    emb.SourceID,
				"session_id":   emb.SessionID,
				"project_path": emb.Metadata["project_path"],
				"metadata":     string(meta),
				"created_at":   createdAt.Format(time.RFC3339),
			}),
		})
	}
	return b.upsertWithRetry(ctx, points)
}

func (b *QdrantBackend) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	op := func() error {
		_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: b.collection,
			Points:         points,
		})
		return err
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (b *QdrantBackend) Search(ctx context.Context, vector []float32, opts model.SearchOptions) ([]model.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	query := &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if opts.ScoreThreshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(opts.ScoreThreshold)
	}
	if filter := buildFilter(opts); filter != nil {
		query.Filter = filter
	}
	results, err := b.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]model.SearchResult, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		item := model.SearchResult{
			ID:          result.Id.GetUuid(),
			Content:     payload["content"].GetStringValue(),
			ContentHash: payload["content_hash"].GetStringValue(),
			SourceType:  model.SourceType(payload["source_type"].GetStringValue()),
			SourceID:    payload["source_id"].GetStringValue(),
			SessionID:   payload["session_id"].GetStringValue(),
			Score:       result.Score,
		}
		if raw := payload["metadata"].GetStringValue(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &item.Metadata)
		}
		out = append(out, item)
	}
	return out, nil
}

func buildFilter(opts model.SearchOptions) *qdrant.Filter {
	var must []*qdrant.Condition
	if opts.SourceType != "" {
		must = append(must, qdrant.NewMatch("source_type", string(opts.SourceType)))
	}
	if opts.SessionID != "" {
		must = append(must, qdrant.NewMatch("session_id", opts.SessionID))
	}
	if opts.ProjectPath != "" {
		must = append(must, qdrant.NewMatch("project_path", opts.ProjectPath))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func (b *QdrantBackend) DeleteBySourceID(ctx context.Context, sourceID string) (int64, error) {
	return b.deleteByField(ctx, "source_id", sourceID)
}

func (b *QdrantBackend) DeleteBySessionID(ctx context.Context, sessionID string) (int64, error) {
	return b.deleteByField(ctx, "session_id", sessionID)
}

// deleteByField counts matching points first because the delete API does not
// report how many points it removed.
func (b *QdrantBackend) deleteByField(ctx context.Context, field, value string) (int64, error) {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(field, value)}}
	count, err := b.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: b.collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, err
	}
	_, err = b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return 0, err
	}
	return int64(count), nil
}

func (b *QdrantBackend) Count(ctx context.Context) (int64, error) {
	collection, err := b.client.GetCollectionInfo(ctx, b.collection)
	if err != nil {
		return 0, err
	}
	return int64(collection.GetPointsCount()), nil
}
