package model

import "time"

const CheckpointVersion = 1

type SessionPosition struct {
	Path       string    `json:"path"`
	ByteOffset int64     `json:"byte_offset"`
	LineNumber int       `json:"line_number"`
	Mtime      time.Time `json:"mtime"`
	SessionID  string    `json:"session_id"`
}

type Checkpoint struct {
	Version          int                        `json:"version"`
	Timestamp        time.Time                  `json:"timestamp"`
	SessionPositions map[string]SessionPosition `json:"session_positions,omitempty"`
	LastProcessedID  string                     `json:"last_processed_id"`
	ProcessedIDs     []string                   `json:"processed_ids,omitempty"`
	Metrics          PipelineMetrics            `json:"metrics"`
}
