package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/config"
	"github.com/xxxsen/embedpipe/internal/model"
	errs "github.com/xxxsen/embedpipe/internal/pkg/errors"
)

const latencyWindow = 100

// Embedder is the model-client surface the pipeline needs. A (nil, nil)
// return is a soft failure while the server is unhealthy.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Healthy() bool
	ModelName() string
	ModelDigest() string
}

// Cache is the embedding cache surface used for short-circuiting and
// write-back.
type Cache interface {
	Get(ctx context.Context, text, modelName string) ([]float32, bool, error)
	Set(ctx context.Context, text, modelName string, vec []float32, modelDigest string) error
}

// PositionSource supplies session positions for checkpointing; the session
// worker owns that state.
type PositionSource func() map[string]model.SessionPosition

// Pipeline is the orchestration core: a bounded priority work queue with
// idempotent admission, cache short-circuiting, retry with backoff, a circuit
// breaker, a dead-letter queue, and crash-resumable checkpoints.
type Pipeline struct {
	cfg      config.PipelineConfig
	embedder Embedder
	cache    Cache

	mu                sync.Mutex
	queue             *taskQueue
	processed         map[string]struct{}
	processedOrder    []string
	deadLetters       []model.DeadLetterItem
	breakerOpen       bool
	breakerResetAt    time.Time
	lastAlert         map[AlertKind]time.Time
	latencies         []time.Duration
	latIdx            int
	latCount          int
	totalProcessed    int64
	totalCached       int64
	totalFailed       int64
	totalRetried      int64
	totalShed         int64
	lastProcessedID   string
	sinceCheckpoint   int
	winStart          time.Time
	winCount          int
	restoredPositions map[string]model.SessionPosition
	positions         PositionSource

	enabled  atomic.Bool
	events   chan Event
	dropped  atomic.Int64
	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	inflight sync.WaitGroup
	sem      chan struct{}
}

func New(cfg config.PipelineConfig, embedder Embedder, cache Cache) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		embedder:  embedder,
		cache:     cache,
		queue:     newTaskQueue(),
		processed: make(map[string]struct{}),
		lastAlert: make(map[AlertKind]time.Time),
		latencies: make([]time.Duration, latencyWindow),
		events:    make(chan Event, cfg.EventBuffer),
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		sem:       make(chan struct{}, cfg.Concurrency),
	}
}

// SetPositionSource wires the session worker's cursor state into checkpoints.
func (p *Pipeline) SetPositionSource(src PositionSource) {
	p.mu.Lock()
	p.positions = src
	p.mu.Unlock()
}

// Start restores the previous checkpoint and dead letters, then launches the
// dispatch loop.
func (p *Pipeline) Start(ctx context.Context) {
	logger := logutil.GetLogger(ctx)
	if cp := loadCheckpoint(ctx, p.cfg.CheckpointPath); cp != nil {
		p.mu.Lock()
		for _, id := range cp.ProcessedIDs {
			p.processed[id] = struct{}{}
			p.processedOrder = append(p.processedOrder, id)
		}
		p.lastProcessedID = cp.LastProcessedID
		p.totalProcessed = cp.Metrics.TotalProcessed
		p.totalCached = cp.Metrics.TotalCached
		p.totalFailed = cp.Metrics.TotalFailed
		p.totalRetried = cp.Metrics.TotalRetried
		p.totalShed = cp.Metrics.TotalShed
		p.restoredPositions = cp.SessionPositions
		p.mu.Unlock()
	}
	p.loadDeadLetters(ctx)
	p.enabled.Store(true)
	p.loopWG.Add(1)
	go p.dispatch()
	logger.Info("pipeline started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("max_queue_depth", p.cfg.MaxQueueDepth),
	)
}

// RestoredPositions hands the checkpointed session cursors to the worker.
func (p *Pipeline) RestoredPositions() map[string]model.SessionPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restoredPositions
}

func (p *Pipeline) Events() <-chan Event {
	return p.events
}

func (p *Pipeline) DroppedEvents() int64 {
	return p.dropped.Load()
}

func (p *Pipeline) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
	if enabled {
		p.wake()
	}
}

func (p *Pipeline) Enabled() bool {
	return p.enabled.Load()
}

// AddTask admits a task into the queue. Rejections are synchronous and
// boolean-ish: callers get a sentinel error, never a panic or a block.
func (p *Pipeline) AddTask(ctx context.Context, task model.EmbeddingTask) error {
	if !p.enabled.Load() {
		return errs.ErrPipelineDisabled
	}

	p.mu.Lock()
	if p.breakerOpen {
		if time.Now().Before(p.breakerResetAt) {
			p.mu.Unlock()
			return errs.ErrCircuitOpen
		}
		p.breakerOpen = false
		logutil.GetLogger(ctx).Info("circuit breaker reset")
	}
	if _, done := p.processed[task.IdempotencyKey]; done {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// Cache short-circuit: a hit skips the queue entirely.
	if vec, hit, err := p.cache.Get(ctx, task.Text, p.embedder.ModelName()); err == nil && hit {
		p.mu.Lock()
		p.totalCached++
		p.markProcessedLocked(task.IdempotencyKey)
		p.mu.Unlock()
		p.emit(Event{
			Type: EventResult,
			Time: time.Now(),
			Result: &model.EmbeddingResult{
				IdempotencyKey: task.IdempotencyKey,
				Embedding:      vec,
				Model:          p.embedder.ModelName(),
				Cached:         true,
			},
		})
		return nil
	}

	p.mu.Lock()
	occupancy := p.queue.Len()
	if occupancy >= p.cfg.MaxQueueDepth {
		p.alertLocked(AlertHighQueueDepth, fmt.Sprintf("queue depth %d at limit %d", occupancy, p.cfg.MaxQueueDepth))
		p.mu.Unlock()
		return errs.ErrQueueFull
	}
	if task.Priority == model.PriorityLow && occupancy > p.cfg.MaxQueueDepth*80/100 {
		p.totalShed++
		p.mu.Unlock()
		return errs.ErrShedLowPriority
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	p.queue.Push(task)
	occupancy = p.queue.Len()
	if occupancy > p.cfg.MaxQueueDepth*90/100 {
		p.breakerOpen = true
		p.breakerResetAt = time.Now().Add(time.Duration(p.cfg.BreakerResetSeconds) * time.Second)
		p.alertLocked(AlertHighQueueDepth, fmt.Sprintf("queue depth %d above 90%%, circuit opened", occupancy))
	}
	p.mu.Unlock()

	p.wake()
	return nil
}

func (p *Pipeline) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) dispatch() {
	defer p.loopWG.Done()
	interval := time.Duration(p.cfg.IntervalMS) * time.Millisecond
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.notify:
		}
		for {
			if !p.enabled.Load() {
				break
			}
			p.mu.Lock()
			now := time.Now()
			if p.winStart.IsZero() || now.Sub(p.winStart) >= interval {
				p.winStart = now
				p.winCount = 0
			}
			if p.winCount >= p.cfg.IntervalCap {
				wait := p.winStart.Add(interval).Sub(now)
				p.mu.Unlock()
				select {
				case <-p.stopCh:
					return
				case <-time.After(wait):
				}
				continue
			}
			task, ok := p.queue.Pop()
			if ok {
				p.winCount++
			}
			p.mu.Unlock()
			if !ok {
				break
			}

			select {
			case p.sem <- struct{}{}:
			case <-p.stopCh:
				p.mu.Lock()
				p.queue.Push(task)
				p.mu.Unlock()
				return
			}
			p.inflight.Add(1)
			go func(task model.EmbeddingTask) {
				defer p.inflight.Done()
				defer func() {
					<-p.sem
					p.wake()
				}()
				p.process(task)
			}(task)
		}
	}
}

func (p *Pipeline) process(task model.EmbeddingTask) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.cfg.TaskTimeoutSeconds)*time.Second)
	defer cancel()
	logger := logutil.GetLogger(ctx).With(zap.String("key", task.IdempotencyKey), zap.Int("attempt", task.AttemptCount))

	// Two submissions of the same key can both clear admission before either
	// finishes; re-check here so only the first one embeds.
	p.mu.Lock()
	_, done := p.processed[task.IdempotencyKey]
	p.mu.Unlock()
	if done {
		logger.Debug("task already processed, skipping")
		return
	}

	if !p.embedder.Healthy() {
		p.fail(ctx, task, errs.ErrUnavailable)
		return
	}
	start := time.Now()
	vec, err := p.embedder.Embed(ctx, task.Text)
	if err != nil {
		p.fail(ctx, task, err)
		return
	}
	if vec == nil {
		p.fail(ctx, task, errs.ErrUnavailable)
		return
	}
	latency := time.Since(start)

	if err := p.cache.Set(ctx, task.Text, p.embedder.ModelName(), vec, p.embedder.ModelDigest()); err != nil {
		logger.Warn("cache write-back failed", zap.Error(err))
	}

	p.mu.Lock()
	p.recordLatencyLocked(latency)
	p.totalProcessed++
	p.lastProcessedID = task.IdempotencyKey
	p.markProcessedLocked(task.IdempotencyKey)
	p.sinceCheckpoint++
	needCheckpoint := p.cfg.CheckpointInterval > 0 && p.sinceCheckpoint >= p.cfg.CheckpointInterval
	if needCheckpoint {
		p.sinceCheckpoint = 0
	}
	p.checkLatencyAlertLocked()
	processed := p.totalProcessed
	queued := p.queue.Len()
	p.mu.Unlock()

	p.emit(Event{
		Type: EventResult,
		Time: time.Now(),
		Result: &model.EmbeddingResult{
			IdempotencyKey: task.IdempotencyKey,
			Embedding:      vec,
			Model:          p.embedder.ModelName(),
			ProcessingTime: latency,
			Cached:         false,
		},
	})
	p.emit(Event{
		Type:     EventProgress,
		Time:     time.Now(),
		Progress: &Progress{Processed: processed, Queued: queued},
	})
	if needCheckpoint {
		if err := p.persistCheckpoint(ctx); err != nil {
			logger.Warn("persist checkpoint failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) fail(ctx context.Context, task model.EmbeddingTask, cause error) {
	logger := logutil.GetLogger(ctx).With(zap.String("key", task.IdempotencyKey))
	p.mu.Lock()
	p.totalFailed++
	p.checkErrorRateAlertLocked()
	p.mu.Unlock()

	if task.AttemptCount < p.cfg.MaxRetries {
		delay := time.Duration(p.cfg.RetryBaseDelayMS) * time.Millisecond << uint(task.AttemptCount)
		task.AttemptCount++
		p.mu.Lock()
		p.totalRetried++
		p.mu.Unlock()
		logger.Debug("task retry scheduled",
			zap.Int("attempt", task.AttemptCount),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		time.AfterFunc(delay, func() {
			p.requeue(task)
		})
		return
	}

	item := model.DeadLetterItem{
		Task:         task,
		Error:        cause.Error(),
		AttemptCount: task.AttemptCount,
		Timestamp:    time.Now(),
	}
	p.mu.Lock()
	p.deadLetters = append(p.deadLetters, item)
	size := len(p.deadLetters)
	p.alertLocked(AlertDeadLetter, fmt.Sprintf("task %s dead-lettered after %d attempts: %v", task.IdempotencyKey, task.AttemptCount, cause))
	p.mu.Unlock()
	logger.Warn("task moved to dead-letter queue",
		zap.Int("attempts", task.AttemptCount),
		zap.Int("dlq_size", size),
		zap.Error(cause),
	)
	p.persistDeadLetters(ctx)
}

// requeue puts a retry back on the queue, bypassing admission gates: the task
// was already admitted once.
func (p *Pipeline) requeue(task model.EmbeddingTask) {
	if !p.enabled.Load() {
		return
	}
	p.mu.Lock()
	p.queue.Push(task)
	p.mu.Unlock()
	p.wake()
}

func (p *Pipeline) markProcessedLocked(key string) {
	if _, ok := p.processed[key]; ok {
		return
	}
	p.processed[key] = struct{}{}
	p.processedOrder = append(p.processedOrder, key)
	for len(p.processedOrder) > p.cfg.ProcessedHistory {
		oldest := p.processedOrder[0]
		p.processedOrder = p.processedOrder[1:]
		delete(p.processed, oldest)
	}
}

func (p *Pipeline) recordLatencyLocked(d time.Duration) {
	p.latencies[p.latIdx] = d
	p.latIdx = (p.latIdx + 1) % latencyWindow
	if p.latCount < latencyWindow {
		p.latCount++
	}
}

func (p *Pipeline) latencyStatsLocked() (avg, p99 time.Duration) {
	if p.latCount == 0 {
		return 0, 0
	}
	window := make([]time.Duration, p.latCount)
	copy(window, p.latencies[:p.latCount])
	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	idx := p.latCount * 99 / 100
	if idx >= p.latCount {
		idx = p.latCount - 1
	}
	return sum / time.Duration(p.latCount), window[idx]
}

func (p *Pipeline) checkLatencyAlertLocked() {
	if p.cfg.LatencyThresholdMS <= 0 {
		return
	}
	_, p99 := p.latencyStatsLocked()
	if p99 > time.Duration(p.cfg.LatencyThresholdMS)*time.Millisecond {
		p.alertLocked(AlertHighLatency, fmt.Sprintf("p99 latency %s above threshold %dms", p99, p.cfg.LatencyThresholdMS))
	}
}

func (p *Pipeline) checkErrorRateAlertLocked() {
	total := p.totalProcessed + p.totalFailed
	if total < 10 || p.cfg.ErrorRateThreshold <= 0 {
		return
	}
	rate := float64(p.totalFailed) / float64(total)
	if rate > p.cfg.ErrorRateThreshold {
		p.alertLocked(AlertHighErrorRate, fmt.Sprintf("error rate %.2f above threshold %.2f", rate, p.cfg.ErrorRateThreshold))
	}
}

// alertLocked emits an alert event honoring the per-kind cooldown. Caller
// holds p.mu.
func (p *Pipeline) alertLocked(kind AlertKind, message string) {
	cooldown := time.Duration(p.cfg.AlertCooldownSeconds) * time.Second
	if last, ok := p.lastAlert[kind]; ok && time.Since(last) < cooldown {
		return
	}
	p.lastAlert[kind] = time.Now()
	p.emit(Event{
		Type:  EventAlert,
		Time:  time.Now(),
		Alert: &Alert{Kind: kind, Message: message},
	})
}

// emit never blocks; a slow subscriber loses events, counted in dropped.
func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) persistCheckpoint(ctx context.Context) error {
	p.mu.Lock()
	cp := &model.Checkpoint{
		Version:         model.CheckpointVersion,
		Timestamp:       time.Now(),
		LastProcessedID: p.lastProcessedID,
		ProcessedIDs:    append([]string(nil), p.processedOrder...),
		Metrics:         p.metricsLocked(),
	}
	if p.positions != nil {
		cp.SessionPositions = p.positions()
	}
	p.mu.Unlock()
	return saveCheckpoint(ctx, p.cfg.CheckpointPath, cp)
}

func (p *Pipeline) deadLetterPath() string {
	return p.cfg.CheckpointPath + ".dlq"
}

func (p *Pipeline) persistDeadLetters(ctx context.Context) {
	p.mu.Lock()
	items := append([]model.DeadLetterItem(nil), p.deadLetters...)
	p.mu.Unlock()
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(p.deadLetterPath(), data, 0o644); err != nil {
		logutil.GetLogger(ctx).Warn("persist dead letters failed", zap.Error(err))
	}
}

func (p *Pipeline) loadDeadLetters(ctx context.Context) {
	data, err := os.ReadFile(p.deadLetterPath())
	if err != nil {
		return
	}
	var items []model.DeadLetterItem
	if err := json.Unmarshal(data, &items); err != nil {
		logutil.GetLogger(ctx).Warn("decode dead letters failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.deadLetters = items
	p.mu.Unlock()
}

func (p *Pipeline) DeadLetters() []model.DeadLetterItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.DeadLetterItem(nil), p.deadLetters...)
}

// RetryDeadLetters re-submits every dead-lettered task with a fresh attempt
// budget. Returns how many were accepted back into the queue.
func (p *Pipeline) RetryDeadLetters(ctx context.Context) int {
	p.mu.Lock()
	items := p.deadLetters
	p.deadLetters = nil
	p.mu.Unlock()

	submitted := 0
	for _, item := range items {
		task := item.Task
		task.AttemptCount = 0
		if err := p.AddTask(ctx, task); err != nil {
			// Put it back; the queue has no room for it right now.
			p.mu.Lock()
			p.deadLetters = append(p.deadLetters, item)
			p.mu.Unlock()
			continue
		}
		submitted++
	}
	p.persistDeadLetters(ctx)
	return submitted
}

func (p *Pipeline) ClearDeadLetters(ctx context.Context) int {
	p.mu.Lock()
	n := len(p.deadLetters)
	p.deadLetters = nil
	p.mu.Unlock()
	p.persistDeadLetters(ctx)
	return n
}

func (p *Pipeline) metricsLocked() model.PipelineMetrics {
	avg, p99 := p.latencyStatsLocked()
	return model.PipelineMetrics{
		TotalProcessed:     p.totalProcessed,
		TotalCached:        p.totalCached,
		TotalFailed:        p.totalFailed,
		TotalRetried:       p.totalRetried,
		TotalShed:          p.totalShed,
		DeadLetterSize:     len(p.deadLetters),
		QueueDepth:         p.queue.Len(),
		CircuitBreakerOpen: p.breakerOpen && time.Now().Before(p.breakerResetAt),
		AvgLatency:         avg,
		P99Latency:         p99,
	}
}

func (p *Pipeline) Metrics() model.PipelineMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metricsLocked()
}

// Stop pauses dequeues, waits for in-flight work up to the grace period,
// clears whatever is still queued, and writes a final checkpoint.
func (p *Pipeline) Stop(ctx context.Context) {
	logger := logutil.GetLogger(ctx)
	p.enabled.Store(false)
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	grace := time.Duration(p.cfg.ShutdownGraceSeconds) * time.Second
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("shutdown grace period elapsed with tasks in flight", zap.Duration("grace", grace))
	}

	p.mu.Lock()
	cleared := p.queue.Clear()
	p.mu.Unlock()
	if cleared > 0 {
		logger.Info("cleared queued tasks on shutdown", zap.Int("count", cleared))
	}
	if err := p.persistCheckpoint(ctx); err != nil {
		logger.Warn("final checkpoint failed", zap.Error(err))
	}
	p.persistDeadLetters(ctx)
	logger.Info("pipeline stopped")
}
