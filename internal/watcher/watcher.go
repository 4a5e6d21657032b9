package watcher

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/chunker"
	"github.com/xxxsen/embedpipe/internal/config"
	"github.com/xxxsen/embedpipe/internal/model"
	errs "github.com/xxxsen/embedpipe/internal/pkg/errors"
)

// TaskSink receives the tasks extracted from watched session logs.
type TaskSink interface {
	AddTask(ctx context.Context, task model.EmbeddingTask) error
}

// Worker tails append-only session logs under a root directory, extracts
// embeddable content from the unread suffix of each file, and feeds it to the
// pipeline. It is the sole owner of per-file cursor state.
type Worker struct {
	cfg   config.WatcherConfig
	chunk *chunker.Chunker
	sink  TaskSink

	mu        sync.Mutex
	positions map[string]model.SessionPosition
	timers    map[string]*time.Timer

	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg config.WatcherConfig, ck *chunker.Chunker, sink TaskSink) *Worker {
	return &Worker{
		cfg:       cfg,
		chunk:     ck,
		sink:      sink,
		positions: make(map[string]model.SessionPosition),
		timers:    make(map[string]*time.Timer),
		stopCh:    make(chan struct{}),
	}
}

// Start restores cursors, begins watching the root tree, and scans any file
// that grew while the worker was down. Restored cursors for files that no
// longer exist are dropped.
func (w *Worker) Start(ctx context.Context, restored map[string]model.SessionPosition) error {
	logger := logutil.GetLogger(ctx)

	w.mu.Lock()
	for path, pos := range loadPositions(ctx, w.cfg.PositionsPath) {
		w.positions[path] = pos
	}
	for path, pos := range restored {
		if _, ok := w.positions[path]; !ok {
			w.positions[path] = pos
		}
	}
	for path := range w.positions {
		if _, err := os.Stat(path); err != nil {
			delete(w.positions, path)
		}
	}
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	if err := w.watchTree(ctx, w.cfg.Root); err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.flushLoop(ctx)
	logger.Info("session watcher started", zap.String("root", w.cfg.Root))
	return nil
}

// Positions snapshots the cursor state for checkpointing.
func (w *Worker) Positions() map[string]model.SessionPosition {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]model.SessionPosition, len(w.positions))
	for path, pos := range w.positions {
		out[path] = pos
	}
	return out
}

func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.mu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
	if err := savePositions(ctx, w.cfg.PositionsPath, w.Positions()); err != nil {
		logutil.GetLogger(ctx).Warn("save positions failed", zap.Error(err))
	}
	logutil.GetLogger(ctx).Info("session watcher stopped")
}

// watchTree registers every directory under root and scans matching files
// that have unread bytes.
func (w *Worker) watchTree(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if w.excluded(path) {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		if w.matches(path) {
			w.ScanFile(ctx, path)
		}
		return nil
	})
}

func (w *Worker) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	logger := logutil.GetLogger(ctx)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if !w.excluded(ev.Name) {
						if err := w.watchTree(ctx, ev.Name); err != nil {
							logger.Warn("watch new directory failed", zap.String("path", ev.Name), zap.Error(err))
						}
					}
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && w.matches(ev.Name) {
				w.schedule(ctx, ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Worker) flushLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Duration(w.cfg.FlushIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := savePositions(ctx, w.cfg.PositionsPath, w.Positions()); err != nil {
				logutil.GetLogger(ctx).Warn("save positions failed", zap.Error(err))
			}
		}
	}
}

// schedule coalesces rapid writes to the same file into one scan per debounce
// window.
func (w *Worker) schedule(ctx context.Context, path string) {
	delay := time.Duration(w.cfg.DebounceMS) * time.Millisecond
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Reset(delay)
		return
	}
	w.timers[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.ScanFile(ctx, path)
	})
}

func (w *Worker) matches(path string) bool {
	if w.excluded(path) {
		return false
	}
	base := filepath.Base(path)
	for _, pattern := range w.cfg.Include {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (w *Worker) excluded(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.cfg.Exclude {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// ScanFile consumes the unread suffix of path line by line. The cursor
// advances only after a line is fully consumed; a parse failure skips the
// line, a capacity rejection from the sink stops the scan before the line so
// nothing is lost.
func (w *Worker) ScanFile(ctx context.Context, path string) {
	logger := logutil.GetLogger(ctx).With(zap.String("path", path))

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	pos, ok := w.positions[path]
	w.mu.Unlock()
	if !ok {
		pos = model.SessionPosition{Path: path, SessionID: sessionIDFromPath(path)}
	}
	if info.Size() < pos.ByteOffset {
		// Truncated or rotated; start over.
		logger.Info("file shrank, resetting cursor", zap.Int64("offset", pos.ByteOffset))
		pos.ByteOffset = 0
		pos.LineNumber = 0
	}
	if info.Size() == pos.ByteOffset {
		return
	}

	file, err := os.Open(path)
	if err != nil {
		logger.Warn("open watched file failed", zap.Error(err))
		return
	}
	defer file.Close()
	if _, err := file.Seek(pos.ByteOffset, io.SeekStart); err != nil {
		logger.Warn("seek watched file failed", zap.Error(err))
		return
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial trailing line stays unconsumed until the writer
			// finishes it.
			break
		}
		if subErr := w.consumeLine(ctx, &pos, line); subErr != nil {
			if errs.IsCapacity(subErr) {
				logger.Debug("pipeline rejected task, pausing scan", zap.Error(subErr))
				w.schedule(ctx, path)
			} else {
				logger.Warn("submit task failed", zap.Error(subErr))
			}
			break
		}
		pos.ByteOffset += int64(len(line))
		pos.LineNumber++
		pos.Mtime = info.ModTime()
		w.mu.Lock()
		w.positions[path] = pos
		w.mu.Unlock()
	}
}

// consumeLine parses, classifies, chunks, and submits one record. A malformed
// line returns nil so the cursor moves past it.
func (w *Worker) consumeLine(ctx context.Context, pos *model.SessionPosition, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var record sessionRecord
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		logutil.GetLogger(ctx).Debug("skip malformed line",
			zap.String("path", pos.Path),
			zap.Int("line", pos.LineNumber+1),
			zap.Error(err),
		)
		return nil
	}
	if record.SessionID != "" {
		pos.SessionID = record.SessionID
	}

	text := record.text()
	if len(text) < w.cfg.MinContentLength {
		return nil
	}
	sourceType, speaker := classify(&record, text)
	if !w.typeEnabled(sourceType) {
		return nil
	}

	meta := model.ChunkMetadata{
		SourceID:   pos.SessionID,
		SourceType: sourceType,
		SessionID:  pos.SessionID,
		FilePath:   pos.Path,
		LineStart:  pos.LineNumber + 1,
		LineEnd:    pos.LineNumber + 1,
		Speaker:    speaker,
		ToolName:   record.ToolName,
	}
	priority := model.PriorityNormal
	if sourceType == model.SourceTypeToolResult {
		priority = model.PriorityLow
	}
	for _, chunk := range w.chunk.Chunk(ctx, text, sourceType, meta) {
		task := model.EmbeddingTask{
			IdempotencyKey: pos.SessionID + ":" + chunk.ContentHash,
			Text:           chunk.Text,
			Metadata:       chunk.Metadata,
			Priority:       priority,
			CreatedAt:      time.Now(),
		}
		if err := w.sink.AddTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) typeEnabled(sourceType model.SourceType) bool {
	switch sourceType {
	case model.SourceTypeConversation:
		return w.cfg.EnableConversation
	case model.SourceTypeCode:
		return w.cfg.EnableCode
	case model.SourceTypeToolResult:
		return w.cfg.EnableToolResult
	default:
		return true
	}
}

func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
