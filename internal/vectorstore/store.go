package vectorstore

import (
	"context"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	errs "github.com/xxxsen/embedpipe/internal/pkg/errors"

	"github.com/xxxsen/embedpipe/internal/model"
)

// DualStore fans writes out to two redundant backends and reports success
// when either accepts. This trades strict consistency for availability: the
// backends may transiently disagree and that is by contract.
type DualStore struct {
	primary   Backend // relational, preferred for search
	secondary Backend // dedicated vector engine, search fallback

	mu          sync.RWMutex
	primaryUp   bool
	secondaryUp bool
	initialized bool
}

// NewDualStore accepts nil for a disabled backend.
func NewDualStore(primary, secondary Backend) *DualStore {
	return &DualStore{primary: primary, secondary: secondary}
}

// Initialize brings both backends up in parallel. The store is initialized
// when at least one backend succeeds.
func (s *DualStore) Initialize(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)
	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, b := range []Backend{s.primary, s.secondary} {
		if b == nil {
			continue
		}
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			if err := b.Init(ctx); err != nil {
				logger.Warn("vector backend init failed", zap.String("backend", b.Name()), zap.Error(err))
				return
			}
			logger.Info("vector backend initialized", zap.String("backend", b.Name()))
			results[i] = true
		}(i, b)
	}
	wg.Wait()

	s.mu.Lock()
	s.primaryUp = results[0]
	s.secondaryUp = results[1]
	s.initialized = s.primaryUp || s.secondaryUp
	ok := s.initialized
	s.mu.Unlock()

	if !ok {
		return errs.ErrNotInitialized
	}
	return nil
}

func (s *DualStore) Store(ctx context.Context, emb *model.StoredEmbedding) error {
	return s.StoreBatch(ctx, []*model.StoredEmbedding{emb})
}

// StoreBatch writes to every connected backend concurrently and succeeds when
// at least one write lands.
func (s *DualStore) StoreBatch(ctx context.Context, embs []*model.StoredEmbedding) error {
	if len(embs) == 0 {
		return nil
	}
	if !s.isInitialized() {
		return errs.ErrNotInitialized
	}
	backends := s.enabledBackends()
	if len(backends) == 0 {
		return errs.ErrUnavailable
	}
	logger := logutil.GetLogger(ctx)

	type outcome struct {
		backend Backend
		err     error
	}
	results := make([]outcome, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			results[i] = outcome{backend: b, err: b.StoreBatch(ctx, embs)}
		}(i, b)
	}
	wg.Wait()

	var firstErr error
	succeeded := false
	for _, res := range results {
		if res.err == nil {
			succeeded = true
			s.markUp(res.backend, true)
			continue
		}
		logger.Warn("vector backend write failed",
			zap.String("backend", res.backend.Name()),
			zap.Int("batch", len(embs)),
			zap.Error(res.err),
		)
		s.markUp(res.backend, false)
		if firstErr == nil {
			firstErr = res.err
		}
	}
	if succeeded {
		return nil
	}
	return firstErr
}

// Search prefers the relational backend and falls back to the vector engine.
// When both are down it returns an empty result set, not an error.
func (s *DualStore) Search(ctx context.Context, vector []float32, opts model.SearchOptions) ([]model.SearchResult, error) {
	logger := logutil.GetLogger(ctx)
	for _, b := range []Backend{s.primary, s.secondary} {
		if b == nil {
			continue
		}
		results, err := b.Search(ctx, vector, opts)
		if err != nil {
			logger.Warn("vector backend search failed, trying fallback",
				zap.String("backend", b.Name()), zap.Error(err))
			s.markUp(b, false)
			continue
		}
		s.markUp(b, true)
		return results, nil
	}
	return []model.SearchResult{}, nil
}

// DeleteBySourceID removes matching rows from both backends best-effort. The
// returned count sums both backends and intentionally double-counts rows
// present in both, matching the redundant-copies semantics.
func (s *DualStore) DeleteBySourceID(ctx context.Context, sourceID string) (int64, error) {
	return s.deleteAll(ctx, func(b Backend) (int64, error) {
		return b.DeleteBySourceID(ctx, sourceID)
	})
}

func (s *DualStore) DeleteBySessionID(ctx context.Context, sessionID string) (int64, error) {
	return s.deleteAll(ctx, func(b Backend) (int64, error) {
		return b.DeleteBySessionID(ctx, sessionID)
	})
}

func (s *DualStore) deleteAll(ctx context.Context, fn func(Backend) (int64, error)) (int64, error) {
	logger := logutil.GetLogger(ctx)
	var total int64
	for _, b := range []Backend{s.primary, s.secondary} {
		if b == nil {
			continue
		}
		n, err := fn(b)
		if err != nil {
			logger.Warn("vector backend delete failed", zap.String("backend", b.Name()), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

func (s *DualStore) Health() model.StoreHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.StoreHealth{Postgres: s.primaryUp, Qdrant: s.secondaryUp}
}

func (s *DualStore) Stats(ctx context.Context) model.StoreStats {
	var stats model.StoreStats
	if s.primary != nil && s.isUp(s.primary) {
		if n, err := s.primary.Count(ctx); err == nil {
			stats.PostgresRows = n
		}
	}
	if s.secondary != nil && s.isUp(s.secondary) {
		if n, err := s.secondary.Count(ctx); err == nil {
			stats.QdrantPoints = n
		}
	}
	return stats
}

func (s *DualStore) Close() error {
	var firstErr error
	for _, b := range []Backend{s.primary, s.secondary} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *DualStore) enabledBackends() []Backend {
	var out []Backend
	if s.primary != nil {
		out = append(out, s.primary)
	}
	if s.secondary != nil {
		out = append(out, s.secondary)
	}
	return out
}

func (s *DualStore) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *DualStore) isUp(b Backend) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b == s.primary {
		return s.primaryUp
	}
	return s.secondaryUp
}

func (s *DualStore) markUp(b Backend, up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b == s.primary {
		s.primaryUp = up
		return
	}
	s.secondaryUp = up
}
