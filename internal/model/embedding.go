package model

import "time"

type StoredEmbedding struct {
	ID          string            `json:"id" db:"id"`
	ContentHash string            `json:"content_hash" db:"content_hash"`
	Content     string            `json:"content" db:"content"`
	Embedding   []float32         `json:"embedding" db:"-"`
	SourceType  SourceType        `json:"source_type" db:"source_type"`
	SourceID    string            `json:"source_id" db:"source_id"`
	SessionID   string            `json:"session_id,omitempty" db:"session_id"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

type SearchResult struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	SourceType  SourceType        `json:"source_type"`
	SourceID    string            `json:"source_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Score       float32           `json:"score"`
}

type SearchOptions struct {
	Limit          int        `json:"limit"`
	ScoreThreshold float32    `json:"score_threshold"`
	SourceType     SourceType `json:"source_type,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	ProjectPath    string     `json:"project_path,omitempty"`
}
