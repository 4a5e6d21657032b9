package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/model"
)

// loadCheckpoint reads a checkpoint from disk. A missing file or an
// incompatible version means cold start, never an error.
func loadCheckpoint(ctx context.Context, path string) *model.Checkpoint {
	logger := logutil.GetLogger(ctx).With(zap.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("read checkpoint failed, cold start", zap.Error(err))
		}
		return nil
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		logger.Warn("decode checkpoint failed, cold start", zap.Error(err))
		return nil
	}
	if cp.Version != model.CheckpointVersion {
		logger.Info("checkpoint version mismatch, cold start",
			zap.Int("found", cp.Version),
			zap.Int("want", model.CheckpointVersion),
		)
		return nil
	}
	logger.Info("checkpoint restored",
		zap.Int("processed_ids", len(cp.ProcessedIDs)),
		zap.Int("session_positions", len(cp.SessionPositions)),
	)
	return &cp
}

// saveCheckpoint writes atomically via temp file + rename so a crash mid-write
// never corrupts the previous snapshot.
func saveCheckpoint(ctx context.Context, path string, cp *model.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	logutil.GetLogger(ctx).Debug("checkpoint persisted", zap.String("path", path))
	return nil
}
