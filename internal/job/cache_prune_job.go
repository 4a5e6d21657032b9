package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/cache"
	"github.com/xxxsen/embedpipe/internal/config"
)

// CachePruneJob evicts stale and excess embedding cache rows on a cron spec.
// Age-based and count-based eviction run independently.
type CachePruneJob struct {
	store *cache.Store
	cfg   config.CacheConfig
}

func NewCachePruneJob(store *cache.Store, cfg config.CacheConfig) *CachePruneJob {
	return &CachePruneJob{store: store, cfg: cfg}
}

func (j *CachePruneJob) Name() string {
	return "cache_prune"
}

func (j *CachePruneJob) Run(ctx context.Context) error {
	if j.store == nil {
		return nil
	}
	maxAgeDays := j.cfg.MaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour
	deleted, err := j.store.Prune(ctx, j.cfg.MaxEntries, maxAge)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logutil.GetLogger(ctx).Info("cache pruned", zap.Int64("deleted", deleted))
	}
	return nil
}
