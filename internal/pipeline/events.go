package pipeline

import (
	"time"

	"github.com/xxxsen/embedpipe/internal/model"
)

type EventType string

const (
	EventResult   EventType = "result"
	EventAlert    EventType = "alert"
	EventProgress EventType = "progress"
)

type AlertKind string

const (
	AlertHighQueueDepth AlertKind = "HIGH_QUEUE_DEPTH"
	AlertHighLatency    AlertKind = "HIGH_LATENCY"
	AlertHighErrorRate  AlertKind = "HIGH_ERROR_RATE"
	AlertDeadLetter     AlertKind = "DEAD_LETTER"
)

type Alert struct {
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
}

type Progress struct {
	Processed int64 `json:"processed"`
	Queued    int   `json:"queued"`
}

// Event is the pipeline's only outward notification channel. Delivery is
// bounded: when the subscriber lags, events are dropped and counted rather
// than blocking task processing.
type Event struct {
	Type     EventType              `json:"type"`
	Time     time.Time              `json:"time"`
	Result   *model.EmbeddingResult `json:"result,omitempty"`
	Alert    *Alert                 `json:"alert,omitempty"`
	Progress *Progress              `json:"progress,omitempty"`
}
