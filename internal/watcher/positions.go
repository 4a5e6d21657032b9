package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/model"
)

// loadPositions reads the cursor file. Missing or corrupt files mean a full
// rescan, never an error.
func loadPositions(ctx context.Context, path string) map[string]model.SessionPosition {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var items []model.SessionPosition
	if err := json.Unmarshal(data, &items); err != nil {
		logutil.GetLogger(ctx).Warn("decode positions failed, rescanning from start",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	out := make(map[string]model.SessionPosition, len(items))
	for _, item := range items {
		out[item.Path] = item
	}
	return out
}

func savePositions(ctx context.Context, path string, positions map[string]model.SessionPosition) error {
	items := make([]model.SessionPosition, 0, len(positions))
	for _, pos := range positions {
		items = append(items, pos)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".positions-*.tmp")
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
	logutil.GetLogger(ctx).Debug("positions persisted", zap.Int("files", len(positions)))
	return nil
}
