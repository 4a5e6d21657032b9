package model

import "time"

type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

type EmbeddingTask struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Text           string        `json:"text"`
	Metadata       ChunkMetadata `json:"metadata"`
	Priority       Priority      `json:"priority"`
	AttemptCount   int           `json:"attempt_count"`
	CreatedAt      time.Time     `json:"created_at"`
}

type EmbeddingResult struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Embedding      []float32     `json:"embedding"`
	Model          string        `json:"model"`
	ProcessingTime time.Duration `json:"processing_time"`
	Cached         bool          `json:"cached"`
}

type DeadLetterItem struct {
	Task         EmbeddingTask `json:"task"`
	Error        string        `json:"error"`
	AttemptCount int           `json:"attempt_count"`
	Timestamp    time.Time     `json:"timestamp"`
}
