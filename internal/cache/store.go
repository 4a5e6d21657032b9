package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xxxsen/embedpipe/internal/model"
)

const (
	tableCache    = "embedding_cache"
	tableVersions = "model_versions"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS embedding_cache (
		cache_key TEXT PRIMARY KEY,
		model_name TEXT NOT NULL,
		model_digest TEXT NOT NULL DEFAULT '',
		embedding BLOB NOT NULL,
		dims INTEGER NOT NULL,
		ctime INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_embedding_cache_model ON embedding_cache(model_name)`,
	`CREATE INDEX IF NOT EXISTS idx_embedding_cache_ctime ON embedding_cache(ctime)`,
	`CREATE TABLE IF NOT EXISTS model_versions (
		model_name TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// Store is a persistent content-hash keyed embedding cache with an in-memory
// LRU front for hot keys. A miss is not an error.
type Store struct {
	db   *sql.DB
	lru  *expirable.LRU[string, []float32]
	hits atomic.Int64
	miss atomic.Int64
}

func Open(path string, lruSize int, lruTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create cache schema: %w", err)
		}
	}
	s := &Store{db: db}
	if lruSize > 0 && lruTTL > 0 {
		s.lru = expirable.NewLRU[string, []float32](lruSize, nil, lruTTL)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func Key(modelName, text string) string {
	sum := sha256.Sum256([]byte(modelName + ":" + text))
	return hex.EncodeToString(sum[:])
}

func (s *Store) Get(ctx context.Context, text, modelName string) ([]float32, bool, error) {
	key := Key(modelName, text)
	if s.lru != nil {
		if vec, ok := s.lru.Get(key); ok {
			s.hits.Add(1)
			return cloneVector(vec), true, nil
		}
	}
	vec, ok, err := s.getByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		s.miss.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)
	if s.lru != nil {
		s.lru.Add(key, cloneVector(vec))
	}
	return vec, true, nil
}

func (s *Store) getByKey(ctx context.Context, key string) ([]float32, bool, error) {
	where := map[string]interface{}{"cache_key": key}
	sqlStr, args, err := builder.BuildSelect(tableCache, where, []string{"embedding", "dims"})
	if err != nil {
		return nil, false, err
	}
	row := s.db.QueryRowContext(ctx, sqlStr, args...)
	var blob []byte
	var dims int
	if err := row.Scan(&blob, &dims); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	vec, err := decodeVector(blob, dims)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (s *Store) Set(ctx context.Context, text, modelName string, vec []float32, modelDigest string) error {
	if len(vec) == 0 {
		return nil
	}
	key := Key(modelName, text)
	data := map[string]interface{}{
		"cache_key":    key,
		"model_name":   modelName,
		"model_digest": modelDigest,
		"embedding":    encodeVector(vec),
		"dims":         len(vec),
		"ctime":        time.Now().Unix(),
	}
	sqlStr, args, err := builder.BuildInsert(tableCache, []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr = strings.Replace(sqlStr, "INSERT INTO", "INSERT OR REPLACE INTO", 1)
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return err
	}
	if s.lru != nil {
		s.lru.Add(key, cloneVector(vec))
	}
	return nil
}

func (s *Store) Has(ctx context.Context, text, modelName string) (bool, error) {
	key := Key(modelName, text)
	if s.lru != nil && s.lru.Contains(key) {
		return true, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM embedding_cache WHERE cache_key = ?`, key)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, text, modelName string) error {
	key := Key(modelName, text)
	if s.lru != nil {
		s.lru.Remove(key)
	}
	sqlStr, args, err := builder.BuildDelete(tableCache, map[string]interface{}{"cache_key": key})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// GetMany returns one entry per input text, nil where the cache misses.
func (s *Store) GetMany(ctx context.Context, texts []string, modelName string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok, err := s.Get(ctx, text, modelName)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = vec
		}
	}
	return out, nil
}

// SetMany stores vectors positionally; nil vectors are skipped.
func (s *Store) SetMany(ctx context.Context, texts []string, vecs [][]float32, modelName, modelDigest string) error {
	if len(texts) != len(vecs) {
		return fmt.Errorf("texts/vectors length mismatch: %d vs %d", len(texts), len(vecs))
	}
	for i, text := range texts {
		if vecs[i] == nil {
			continue
		}
		if err := s.Set(ctx, text, modelName, vecs[i], modelDigest); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ClearModel(ctx context.Context, modelName string) (int64, error) {
	if s.lru != nil {
		s.lru.Purge()
	}
	sqlStr, args, err := builder.BuildDelete(tableCache, map[string]interface{}{"model_name": modelName})
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearAll drops every cached vector and resets the hit/miss counters.
func (s *Store) ClearAll(ctx context.Context) error {
	if s.lru != nil {
		s.lru.Purge()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache`); err != nil {
		return err
	}
	s.hits.Store(0)
	s.miss.Store(0)
	return nil
}

// Prune applies the age and count policies independently and returns the sum
// of deleted rows. Count-based eviction removes oldest entries first.
func (s *Store) Prune(ctx context.Context, maxEntries int64, maxAge time.Duration) (int64, error) {
	var deleted int64
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).Unix()
		res, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE ctime < ?`, cutoff)
		if err != nil {
			return deleted, err
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if maxEntries > 0 {
		var count int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_cache`).Scan(&count); err != nil {
			return deleted, err
		}
		if excess := count - maxEntries; excess > 0 {
			res, err := s.db.ExecContext(ctx, `
				DELETE FROM embedding_cache WHERE cache_key IN (
					SELECT cache_key FROM embedding_cache ORDER BY ctime ASC LIMIT ?
				)`, excess)
			if err != nil {
				return deleted, err
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
	}
	if deleted > 0 && s.lru != nil {
		s.lru.Purge()
	}
	return deleted, nil
}

// CheckModelVersion compares the stored digest for a model against the
// server-reported one. On mismatch it purges every entry cached for that
// model, records the new digest, and reports the invalidation.
func (s *Store) CheckModelVersion(ctx context.Context, modelName, digest string) (bool, error) {
	if digest == "" {
		return false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT digest FROM model_versions WHERE model_name = ?`, modelName)
	var stored string
	err := row.Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		// First sighting of this model, nothing to invalidate.
	case err != nil:
		return false, err
	case stored == digest:
		return false, nil
	}

	invalidated := false
	if stored != "" && stored != digest {
		n, err := s.ClearModel(ctx, modelName)
		if err != nil {
			return false, err
		}
		invalidated = true
		logutil.GetLogger(ctx).Info("model version changed, cache purged",
			zap.String("model", modelName),
			zap.String("old_digest", stored),
			zap.String("new_digest", digest),
			zap.Int64("purged", n),
		)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_versions (model_name, digest, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (model_name) DO UPDATE SET digest = excluded.digest, updated_at = excluded.updated_at`,
		modelName, digest, time.Now().Unix())
	if err != nil {
		return invalidated, err
	}
	return invalidated, nil
}

func (s *Store) Stats(ctx context.Context) (model.CacheStats, error) {
	stats := model.CacheStats{
		Hits:   s.hits.Load(),
		Misses: s.miss.Load(),
	}
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(dims)*4, 0) FROM embedding_cache`)
	if err := row.Scan(&stats.Entries, &stats.Bytes); err != nil {
		return stats, err
	}
	return stats, nil
}

func cloneVector(vec []float32) []float32 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
