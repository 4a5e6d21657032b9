package manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/cache"
	"github.com/xxxsen/embedpipe/internal/chunker"
	"github.com/xxxsen/embedpipe/internal/config"
	"github.com/xxxsen/embedpipe/internal/model"
	"github.com/xxxsen/embedpipe/internal/ollama"
	"github.com/xxxsen/embedpipe/internal/pipeline"
	"github.com/xxxsen/embedpipe/internal/vectorstore"
)

// ModelClient is the embedding-server surface the manager composes.
type ModelClient interface {
	Initialize(ctx context.Context) bool
	Healthy() bool
	ModelName() string
	ModelDigest() string
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	UnloadModel(ctx context.Context) error
	Close()
}

// VectorStore is the dual-backend storage surface.
type VectorStore interface {
	Initialize(ctx context.Context) error
	StoreBatch(ctx context.Context, embs []*model.StoredEmbedding) error
	Search(ctx context.Context, vector []float32, opts model.SearchOptions) ([]model.SearchResult, error)
	DeleteBySourceID(ctx context.Context, sourceID string) (int64, error)
	DeleteBySessionID(ctx context.Context, sessionID string) (int64, error)
	Health() model.StoreHealth
	Stats(ctx context.Context) model.StoreStats
	Close() error
}

// EmbedCache is the persistent embedding cache surface.
type EmbedCache interface {
	Get(ctx context.Context, text, modelName string) ([]float32, bool, error)
	Set(ctx context.Context, text, modelName string, vec []float32, modelDigest string) error
	CheckModelVersion(ctx context.Context, modelName, digest string) (bool, error)
	Stats(ctx context.Context) (model.CacheStats, error)
	Close() error
}

// SessionWorker tails session logs and owns cursor state.
type SessionWorker interface {
	Start(ctx context.Context, restored map[string]model.SessionPosition) error
	Stop(ctx context.Context)
	Positions() map[string]model.SessionPosition
}

// Status is the component health rollup.
type Status struct {
	Model           string            `json:"model"`
	ModelHealthy    bool              `json:"model_healthy"`
	Store           model.StoreHealth `json:"store"`
	PipelineEnabled bool              `json:"pipeline_enabled"`
	WatcherEnabled  bool              `json:"watcher_enabled"`
}

// Metrics aggregates per-component counters for one read.
type Metrics struct {
	Pipeline model.PipelineMetrics `json:"pipeline"`
	Cache    model.CacheStats      `json:"cache"`
	Store    model.StoreStats      `json:"store"`
}

// Manager is the façade owning the chunk -> cache -> embed -> store flow and
// the lifecycle of every component underneath it. Build it once at process
// start and pass it around; there is no package-level instance.
type Manager struct {
	cfg    *config.Config
	client ModelClient
	store  VectorStore
	cache  EmbedCache
	pipe   *pipeline.Pipeline
	worker SessionWorker
	chunk  *chunker.Chunker

	initialized bool
	pipelineUp  bool
}

func New(cfg *config.Config, client ModelClient, store VectorStore, embedCache EmbedCache, pipe *pipeline.Pipeline, worker SessionWorker, ck *chunker.Chunker) *Manager {
	return &Manager{
		cfg:    cfg,
		client: client,
		store:  store,
		cache:  embedCache,
		pipe:   pipe,
		worker: worker,
		chunk:  ck,
	}
}

// Initialize brings up the model client and the vector store in parallel,
// then starts the pipeline only if the model client came up, then the session
// worker. A dead model server degrades the system to search-only rather than
// failing startup.
func (m *Manager) Initialize(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)

	var wg sync.WaitGroup
	var clientUp bool
	var storeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientUp = m.client.Initialize(ctx)
	}()
	go func() {
		defer wg.Done()
		storeErr = m.store.Initialize(ctx)
	}()
	wg.Wait()

	if storeErr != nil {
		return fmt.Errorf("vector store init: %w", storeErr)
	}
	if digest := m.client.ModelDigest(); clientUp && digest != "" {
		invalidated, err := m.cache.CheckModelVersion(ctx, m.client.ModelName(), digest)
		if err != nil {
			logger.Warn("model version check failed", zap.Error(err))
		} else if invalidated {
			logger.Info("model changed, embedding cache invalidated",
				zap.String("model", m.client.ModelName()))
		}
	}

	if m.worker != nil {
		m.pipe.SetPositionSource(m.worker.Positions)
	}
	if clientUp {
		m.pipe.Start(ctx)
		m.pipelineUp = true
	} else {
		logger.Warn("model server unavailable, pipeline not started")
	}
	if m.worker != nil && m.cfg.Watcher.Enable && m.pipelineUp {
		if err := m.worker.Start(ctx, m.pipe.RestoredPositions()); err != nil {
			logger.Warn("session watcher start failed", zap.Error(err))
		}
	}
	m.initialized = true
	logger.Info("embedding manager initialized",
		zap.Bool("model_healthy", clientUp),
		zap.Bool("pipeline", m.pipelineUp),
	)
	return nil
}

// Embed returns the vector for text, consulting the cache first and writing
// back on miss. Returns nil without error while the model server is down.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	modelName := m.client.ModelName()
	if vec, hit, err := m.cache.Get(ctx, text, modelName); err == nil && hit {
		return vec, nil
	}
	vec, err := m.client.Embed(ctx, text)
	if err != nil || vec == nil {
		return nil, err
	}
	if err := m.cache.Set(ctx, text, modelName, vec, m.client.ModelDigest()); err != nil {
		logutil.GetLogger(ctx).Warn("cache write-back failed", zap.Error(err))
	}
	return vec, nil
}

// EmbedAndStore chunks content, embeds every chunk (cache-aware, batched),
// and writes the results to the vector store. Returns the number of records
// actually stored.
func (m *Manager) EmbedAndStore(ctx context.Context, content string, contentType model.SourceType, meta model.ChunkMetadata) (int, error) {
	logger := logutil.GetLogger(ctx).With(
		zap.String("source_id", meta.SourceID),
		zap.String("source_type", string(contentType)),
	)
	chunks := m.chunk.Chunk(ctx, content, contentType, meta)
	if len(chunks) == 0 {
		return 0, nil
	}

	modelName := m.client.ModelName()
	vectors := make([][]float32, len(chunks))
	var missing []int
	for i, chunk := range chunks {
		if vec, hit, err := m.cache.Get(ctx, chunk.Text, modelName); err == nil && hit {
			vectors[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, idx := range missing {
			texts[i] = chunks[idx].Text
		}
		embedded, err := m.client.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed batch: %w", err)
		}
		for i, idx := range missing {
			if i >= len(embedded) || embedded[i] == nil {
				continue
			}
			vectors[idx] = embedded[i]
			if err := m.cache.Set(ctx, chunks[idx].Text, modelName, embedded[i], m.client.ModelDigest()); err != nil {
				logger.Warn("cache write-back failed", zap.Error(err))
			}
		}
	}

	now := time.Now()
	records := make([]*model.StoredEmbedding, 0, len(chunks))
	for i, chunk := range chunks {
		if vectors[i] == nil {
			logger.Warn("chunk skipped, embedding unavailable", zap.Int("chunk_index", i))
			continue
		}
		records = append(records, &model.StoredEmbedding{
			ID:          uuid.NewString(),
			ContentHash: chunk.ContentHash,
			Content:     chunk.Text,
			Embedding:   vectors[i],
			SourceType:  chunk.Metadata.SourceType,
			SourceID:    chunk.Metadata.SourceID,
			SessionID:   chunk.Metadata.SessionID,
			Metadata:    metadataPayload(chunk.Metadata, modelName),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := m.store.StoreBatch(ctx, records); err != nil {
		return 0, fmt.Errorf("store batch: %w", err)
	}
	return len(records), nil
}

// Search embeds the query and delegates to the vector store. An unavailable
// model server yields an empty result set.
func (m *Manager) Search(ctx context.Context, query string, opts model.SearchOptions) ([]model.SearchResult, error) {
	vec, err := m.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	return m.store.Search(ctx, vec, opts)
}

func (m *Manager) DeleteBySourceID(ctx context.Context, sourceID string) (int64, error) {
	return m.store.DeleteBySourceID(ctx, sourceID)
}

func (m *Manager) DeleteBySessionID(ctx context.Context, sessionID string) (int64, error) {
	return m.store.DeleteBySessionID(ctx, sessionID)
}

// UnloadModel asks the model server to release the loaded model, freeing its
// memory until the next embed request pulls it back in.
func (m *Manager) UnloadModel(ctx context.Context) error {
	return m.client.UnloadModel(ctx)
}

// Submit feeds an explicit task through the pipeline, same path the session
// worker uses.
func (m *Manager) Submit(ctx context.Context, task model.EmbeddingTask) error {
	return m.pipe.AddTask(ctx, task)
}

func (m *Manager) Pipeline() *pipeline.Pipeline {
	return m.pipe
}

func (m *Manager) Status() Status {
	return Status{
		Model:           m.client.ModelName(),
		ModelHealthy:    m.client.Healthy(),
		Store:           m.store.Health(),
		PipelineEnabled: m.pipelineUp && m.pipe.Enabled(),
		WatcherEnabled:  m.worker != nil && m.cfg.Watcher.Enable,
	}
}

func (m *Manager) Metrics(ctx context.Context) Metrics {
	out := Metrics{
		Pipeline: m.pipe.Metrics(),
		Store:    m.store.Stats(ctx),
	}
	if stats, err := m.cache.Stats(ctx); err == nil {
		out.Cache = stats
	}
	return out
}

// Shutdown stops ingestion first, then the pipeline, then the model client
// and the store concurrently, and closes the cache last.
func (m *Manager) Shutdown(ctx context.Context) {
	logger := logutil.GetLogger(ctx)
	if m.worker != nil && m.cfg.Watcher.Enable && m.pipelineUp {
		m.worker.Stop(ctx)
	}
	if m.pipelineUp {
		m.pipe.Stop(ctx)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.client.Close()
	}()
	go func() {
		defer wg.Done()
		if err := m.store.Close(); err != nil {
			logger.Warn("close vector store failed", zap.Error(err))
		}
	}()
	wg.Wait()

	if err := m.cache.Close(); err != nil {
		logger.Warn("close cache failed", zap.Error(err))
	}
	logger.Info("embedding manager shut down")
}

// metadataPayload flattens chunk metadata into the payload stored alongside
// the vector; only non-empty fields are kept.
func metadataPayload(meta model.ChunkMetadata, modelName string) map[string]string {
	out := map[string]string{
		"chunk_index":  strconv.Itoa(meta.ChunkIndex),
		"total_chunks": strconv.Itoa(meta.TotalChunks),
	}
	if meta.ProjectPath != "" {
		out["project_path"] = meta.ProjectPath
	}
	if meta.FilePath != "" {
		out["file_path"] = meta.FilePath
	}
	if meta.Speaker != "" {
		out["speaker"] = meta.Speaker
	}
	if meta.ToolName != "" {
		out["tool_name"] = meta.ToolName
	}
	if meta.EmbeddingModel != "" {
		out["embedding_model"] = meta.EmbeddingModel
	} else if modelName != "" {
		out["embedding_model"] = modelName
	}
	return out
}

// compile-time wiring checks for the concrete components
var (
	_ EmbedCache  = (*cache.Store)(nil)
	_ ModelClient = (*ollama.Client)(nil)
	_ VectorStore = (*vectorstore.DualStore)(nil)
)
