package vectorstore

import (
	"context"

	"github.com/xxxsen/embedpipe/internal/model"
)

// Backend is one of the two redundant vector stores. Both carry full copies
// of the data, not partitions.
type Backend interface {
	Name() string
	Init(ctx context.Context) error
	Store(ctx context.Context, emb *model.StoredEmbedding) error
	StoreBatch(ctx context.Context, embs []*model.StoredEmbedding) error
	Search(ctx context.Context, vector []float32, opts model.SearchOptions) ([]model.SearchResult, error)
	DeleteBySourceID(ctx context.Context, sourceID string) (int64, error)
	DeleteBySessionID(ctx context.Context, sessionID string) (int64, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}
