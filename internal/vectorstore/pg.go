package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/embedpipe/internal/db"
	"github.com/xxxsen/embedpipe/internal/model"
)

// PGBackend stores embeddings in Postgres with a pgvector column and serves
// cosine-distance similarity queries through the ivfflat index.
type PGBackend struct {
	db        *sqlx.DB
	dimension uint64
}

func NewPGBackend(conn *sqlx.DB, dimension uint64) *PGBackend {
	return &PGBackend{db: conn, dimension: dimension}
}

func (b *PGBackend) Name() string {
	return "postgres"
}

func (b *PGBackend) Init(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := db.ApplyMigrations(b.db, b.dimension); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (b *PGBackend) Close() error {
	return b.db.Close()
}

func (b *PGBackend) Store(ctx context.Context, emb *model.StoredEmbedding) error {
	return b.StoreBatch(ctx, []*model.StoredEmbedding{emb})
}

func (b *PGBackend) StoreBatch(ctx context.Context, embs []*model.StoredEmbedding) error {
	if len(embs) == 0 {
		return nil
	}
	const query = `
		INSERT INTO embeddings (id, content_hash, content, embedding, source_type, source_id, session_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			source_type = EXCLUDED.source_type,
			source_id = EXCLUDED.source_id,
			session_id = EXCLUDED.session_id,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, emb := range embs {
		meta, err := json.Marshal(emb.Metadata)
		if err != nil {
			return err
		}
		createdAt := emb.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, query,
			emb.ID,
			emb.ContentHash,
			emb.Content,
			pgvector.NewVector(emb.Embedding),
			string(emb.SourceType),
			emb.SourceID,
			emb.SessionID,
			meta,
			createdAt,
			time.Now(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Search orders by cosine distance and converts it to a similarity score as
// 1 - distance. The threshold filter is applied client-side.
func (b *PGBackend) Search(ctx context.Context, vector []float32, opts model.SearchOptions) ([]model.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, content, content_hash, source_type, source_id, session_id, metadata,
			1 - (embedding <=> $1) AS score
		FROM embeddings
		WHERE 1=1`
	args := []interface{}{pgvector.NewVector(vector)}
	if opts.SourceType != "" {
		args = append(args, string(opts.SourceType))
		query += fmt.Sprintf(" AND source_type = $%d", len(args))
	}
	if opts.SessionID != "" {
		args = append(args, opts.SessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	if opts.ProjectPath != "" {
		args = append(args, opts.ProjectPath)
		query += fmt.Sprintf(" AND metadata->>'project_path' = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var item model.SearchResult
		var meta []byte
		if err := rows.Scan(&item.ID, &item.Content, &item.ContentHash, &item.SourceType,
			&item.SourceID, &item.SessionID, &meta, &item.Score); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Metadata); err != nil {
				return nil, err
			}
		}
		if item.Score < opts.ScoreThreshold {
			continue
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

func (b *PGBackend) DeleteBySourceID(ctx context.Context, sourceID string) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM embeddings WHERE source_id = $1`, sourceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *PGBackend) DeleteBySessionID(ctx context.Context, sessionID string) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM embeddings WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *PGBackend) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := b.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM embeddings`); err != nil {
		return 0, err
	}
	return count, nil
}
