package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/embedpipe/internal/config"
	"github.com/xxxsen/embedpipe/internal/model"
	errs "github.com/xxxsen/embedpipe/internal/pkg/errors"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	err     error
	healthy bool
	vec     []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeEmbedder) ModelName() string   { return "test-model" }
func (f *fakeEmbedder) ModelDigest() string { return "digest-1" }

func (f *fakeEmbedder) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]float32
	sets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]float32)}
}

func (f *fakeCache) Get(ctx context.Context, text, modelName string) ([]float32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vec, ok := f.data[modelName+":"+text]
	return vec, ok, nil
}

func (f *fakeCache) Set(ctx context.Context, text, modelName string, vec []float32, modelDigest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[modelName+":"+text] = vec
	f.sets++
	return nil
}

func testPipelineConfig(t *testing.T) config.PipelineConfig {
	return config.PipelineConfig{
		MaxQueueDepth:        10,
		Concurrency:          2,
		IntervalMS:           5,
		IntervalCap:          1000,
		TaskTimeoutSeconds:   5,
		MaxRetries:           2,
		RetryBaseDelayMS:     1,
		CheckpointInterval:   1,
		CheckpointPath:       filepath.Join(t.TempDir(), "checkpoint.json"),
		BreakerResetSeconds:  60,
		AlertCooldownSeconds: 1,
		LatencyThresholdMS:   60000,
		ErrorRateThreshold:   1,
		ProcessedHistory:     100,
		EventBuffer:          128,
		ShutdownGraceSeconds: 2,
	}
}

func task(key string, priority model.Priority) model.EmbeddingTask {
	return model.EmbeddingTask{
		IdempotencyKey: key,
		Text:           "text for " + key,
		Priority:       priority,
		Metadata:       model.ChunkMetadata{SourceID: key, SourceType: model.SourceTypeCode},
	}
}

func waitResult(t *testing.T, events <-chan Event) *model.EmbeddingResult {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventResult {
				return ev.Result
			}
		case <-deadline:
			t.Fatal("timed out waiting for result event")
		}
	}
}

func TestAddTask_DisabledPipeline(t *testing.T) {
	p := New(testPipelineConfig(t), &fakeEmbedder{healthy: true, vec: []float32{1}}, newFakeCache())
	err := p.AddTask(context.Background(), task("a", model.PriorityNormal))
	require.ErrorIs(t, err, errs.ErrPipelineDisabled)
}

func TestAddTask_ProcessAndResult(t *testing.T) {
	emb := &fakeEmbedder{healthy: true, vec: []float32{1, 2, 3}}
	cache := newFakeCache()
	p := New(testPipelineConfig(t), emb, cache)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.AddTask(context.Background(), task("a", model.PriorityNormal)))
	res := waitResult(t, p.Events())
	require.Equal(t, "a", res.IdempotencyKey)
	require.Equal(t, []float32{1, 2, 3}, res.Embedding)
	require.False(t, res.Cached)

	// Result was written back to the cache.
	_, hit, err := cache.Get(context.Background(), "text for a", "test-model")
	require.NoError(t, err)
	require.True(t, hit)
}

func TestAddTask_IdempotencyProducesSingleResult(t *testing.T) {
	emb := &fakeEmbedder{healthy: true, vec: []float32{1}}
	p := New(testPipelineConfig(t), emb, newFakeCache())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.AddTask(context.Background(), task("dup", model.PriorityNormal)))
	first := waitResult(t, p.Events())
	require.Equal(t, "dup", first.IdempotencyKey)

	// Second submission of a processed key is a silent no-op.
	require.NoError(t, p.AddTask(context.Background(), task("dup", model.PriorityNormal)))
	select {
	case ev := <-p.Events():
		if ev.Type == EventResult {
			t.Fatalf("unexpected second result for key %s", ev.Result.IdempotencyKey)
		}
	case <-time.After(200 * time.Millisecond):
	}
	require.Equal(t, 1, emb.callCount())
}

func TestAddTask_CacheHitShortCircuits(t *testing.T) {
	emb := &fakeEmbedder{healthy: true, vec: []float32{9}}
	cache := newFakeCache()
	require.NoError(t, cache.Set(context.Background(), "text for hit", "test-model", []float32{4, 5}, "digest-1"))

	p := New(testPipelineConfig(t), emb, cache)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.AddTask(context.Background(), task("hit", model.PriorityNormal)))
	res := waitResult(t, p.Events())
	require.True(t, res.Cached)
	require.Equal(t, []float32{4, 5}, res.Embedding)
	require.Equal(t, 0, emb.callCount())
	require.EqualValues(t, 1, p.Metrics().TotalCached)
}

func TestAddTask_ShedsLowPriorityUnderLoad(t *testing.T) {
	p := New(testPipelineConfig(t), &fakeEmbedder{healthy: true, vec: []float32{1}}, newFakeCache())
	// Enable admission without the dispatch loop so the queue fills up.
	p.SetEnabled(true)

	for i := 0; i < 9; i++ {
		require.NoError(t, p.AddTask(context.Background(), task(fmt.Sprintf("n-%d", i), model.PriorityNormal)))
	}
	// Occupancy 9/10 is above the 80% shed threshold.
	err := p.AddTask(context.Background(), task("low", model.PriorityLow))
	require.ErrorIs(t, err, errs.ErrShedLowPriority)
	require.EqualValues(t, 1, p.Metrics().TotalShed)

	// High priority is still admitted at the same occupancy.
	require.NoError(t, p.AddTask(context.Background(), task("high", model.PriorityHigh)))
}

func TestAddTask_CircuitBreakerOpensAbove90Percent(t *testing.T) {
	p := New(testPipelineConfig(t), &fakeEmbedder{healthy: true, vec: []float32{1}}, newFakeCache())
	p.SetEnabled(true)

	// Crossing 90% occupancy opens the breaker.
	for i := 0; i < 10; i++ {
		require.NoError(t, p.AddTask(context.Background(), task(fmt.Sprintf("n-%d", i), model.PriorityNormal)))
	}
	require.True(t, p.Metrics().CircuitBreakerOpen)
	err := p.AddTask(context.Background(), task("rejected", model.PriorityHigh))
	require.ErrorIs(t, err, errs.ErrCircuitOpen)
}

func TestAddTask_QueueFullAfterBreakerReset(t *testing.T) {
	cfg := testPipelineConfig(t)
	cfg.BreakerResetSeconds = 0 // resets immediately
	p := New(cfg, &fakeEmbedder{healthy: true, vec: []float32{1}}, newFakeCache())
	p.SetEnabled(true)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.AddTask(context.Background(), task(fmt.Sprintf("n-%d", i), model.PriorityNormal)))
	}
	err := p.AddTask(context.Background(), task("overflow", model.PriorityHigh))
	require.ErrorIs(t, err, errs.ErrQueueFull)
}

func TestRetryExhaustionMovesToDeadLetter(t *testing.T) {
	emb := &fakeEmbedder{healthy: true, err: errors.New("model exploded")}
	cfg := testPipelineConfig(t)
	p := New(cfg, emb, newFakeCache())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.AddTask(context.Background(), task("doomed", model.PriorityNormal)))

	require.Eventually(t, func() bool {
		return len(p.DeadLetters()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	items := p.DeadLetters()
	require.Equal(t, "doomed", items[0].Task.IdempotencyKey)
	require.Equal(t, cfg.MaxRetries, items[0].AttemptCount)
	require.Contains(t, items[0].Error, "model exploded")

	m := p.Metrics()
	require.EqualValues(t, cfg.MaxRetries, m.TotalRetried)
	require.EqualValues(t, cfg.MaxRetries+1, m.TotalFailed)
}

func TestRetryDeadLetters(t *testing.T) {
	emb := &fakeEmbedder{healthy: true, err: errors.New("down")}
	p := New(testPipelineConfig(t), emb, newFakeCache())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.AddTask(context.Background(), task("retry-me", model.PriorityNormal)))
	require.Eventually(t, func() bool {
		return len(p.DeadLetters()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	emb.setErr(nil)
	emb.mu.Lock()
	emb.vec = []float32{7}
	emb.mu.Unlock()

	require.Equal(t, 1, p.RetryDeadLetters(context.Background()))
	require.Eventually(t, func() bool {
		return p.Metrics().TotalProcessed == 1 && len(p.DeadLetters()) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClearDeadLetters(t *testing.T) {
	emb := &fakeEmbedder{healthy: true, err: errors.New("down")}
	p := New(testPipelineConfig(t), emb, newFakeCache())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.AddTask(context.Background(), task("x", model.PriorityNormal)))
	require.Eventually(t, func() bool {
		return len(p.DeadLetters()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, p.ClearDeadLetters(context.Background()))
	require.Empty(t, p.DeadLetters())
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testPipelineConfig(t)
	emb := &fakeEmbedder{healthy: true, vec: []float32{1}}

	p := New(cfg, emb, newFakeCache())
	p.Start(context.Background())
	require.NoError(t, p.AddTask(context.Background(), task("persisted", model.PriorityNormal)))
	waitResult(t, p.Events())
	p.Stop(context.Background())

	// A fresh pipeline on the same checkpoint path remembers the key.
	p2 := New(cfg, emb, newFakeCache())
	p2.Start(context.Background())
	defer p2.Stop(context.Background())
	require.EqualValues(t, 1, p2.Metrics().TotalProcessed)

	require.NoError(t, p2.AddTask(context.Background(), task("persisted", model.PriorityNormal)))
	select {
	case ev := <-p2.Events():
		if ev.Type == EventResult {
			t.Fatal("restored key should not be reprocessed")
		}
	case <-time.After(200 * time.Millisecond):
	}
	require.Equal(t, 1, emb.callCount())
}

func TestCheckpointRestoresAllCounters(t *testing.T) {
	cfg := testPipelineConfig(t)
	cp := &model.Checkpoint{
		Version:   model.CheckpointVersion,
		Timestamp: time.Now(),
		Metrics: model.PipelineMetrics{
			TotalProcessed: 11,
			TotalCached:    7,
			TotalFailed:    5,
			TotalRetried:   3,
			TotalShed:      2,
		},
	}
	require.NoError(t, saveCheckpoint(context.Background(), cfg.CheckpointPath, cp))

	p := New(cfg, &fakeEmbedder{healthy: true, vec: []float32{1}}, newFakeCache())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	m := p.Metrics()
	require.EqualValues(t, 11, m.TotalProcessed)
	require.EqualValues(t, 7, m.TotalCached)
	require.EqualValues(t, 5, m.TotalFailed)
	require.EqualValues(t, 3, m.TotalRetried)
	require.EqualValues(t, 2, m.TotalShed)
}

func TestProcess_ConcurrentDuplicateEmbedsOnce(t *testing.T) {
	emb := &fakeEmbedder{healthy: true, vec: []float32{1}}
	p := New(testPipelineConfig(t), emb, newFakeCache())
	// Run both copies of the key through the worker path directly, as if two
	// submissions cleared admission before either finished.
	p.SetEnabled(true)

	tk := task("race", model.PriorityNormal)
	p.process(tk)
	p.process(tk)

	require.Equal(t, 1, emb.callCount())
	require.EqualValues(t, 1, p.Metrics().TotalProcessed)

	res := waitResult(t, p.Events())
	require.Equal(t, "race", res.IdempotencyKey)
	select {
	case ev := <-p.Events():
		if ev.Type == EventResult {
			t.Fatalf("unexpected second result for key %s", ev.Result.IdempotencyKey)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckpointVersionMismatchColdStarts(t *testing.T) {
	cfg := testPipelineConfig(t)
	cp := &model.Checkpoint{
		Version:      model.CheckpointVersion + 1,
		Timestamp:    time.Now(),
		ProcessedIDs: []string{"stale"},
	}
	require.NoError(t, saveCheckpoint(context.Background(), cfg.CheckpointPath, cp))

	emb := &fakeEmbedder{healthy: true, vec: []float32{1}}
	p := New(cfg, emb, newFakeCache())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	// Stale entries from the incompatible checkpoint are ignored.
	require.NoError(t, p.AddTask(context.Background(), task("stale", model.PriorityNormal)))
	res := waitResult(t, p.Events())
	require.Equal(t, "stale", res.IdempotencyKey)
}

func TestUnhealthyEmbedderRetriesThenDeadLetters(t *testing.T) {
	emb := &fakeEmbedder{healthy: false, vec: []float32{1}}
	p := New(testPipelineConfig(t), emb, newFakeCache())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.AddTask(context.Background(), task("unhealthy", model.PriorityNormal)))
	require.Eventually(t, func() bool {
		return len(p.DeadLetters()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	// Embed is never called while the model server is unhealthy.
	require.Equal(t, 0, emb.callCount())
}

func TestDeadLetterAlertEmitted(t *testing.T) {
	emb := &fakeEmbedder{healthy: true, err: errors.New("down")}
	p := New(testPipelineConfig(t), emb, newFakeCache())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.AddTask(context.Background(), task("alerted", model.PriorityNormal)))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Type == EventAlert && ev.Alert.Kind == AlertDeadLetter {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for dead-letter alert")
		}
	}
}
