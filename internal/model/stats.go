package model

import "time"

type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Bytes   int64 `json:"bytes"`
}

func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type PipelineMetrics struct {
	TotalProcessed     int64         `json:"total_processed"`
	TotalCached        int64         `json:"total_cached"`
	TotalFailed        int64         `json:"total_failed"`
	TotalRetried       int64         `json:"total_retried"`
	TotalShed          int64         `json:"total_shed"`
	DeadLetterSize     int           `json:"dead_letter_size"`
	QueueDepth         int           `json:"queue_depth"`
	CircuitBreakerOpen bool          `json:"circuit_breaker_open"`
	AvgLatency         time.Duration `json:"avg_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
}

type StoreHealth struct {
	Postgres bool `json:"postgres"`
	Qdrant   bool `json:"qdrant"`
}

func (h StoreHealth) Any() bool {
	return h.Postgres || h.Qdrant
}

type StoreStats struct {
	PostgresRows int64 `json:"postgres_rows"`
	QdrantPoints int64 `json:"qdrant_points"`
}
