package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port int `json:"port"`
	// RateLimitMS floors the spacing between requests per caller and path;
	// zero disables limiting.
	RateLimitMS int              `json:"rate_limit_ms"`
	LogConfig   logger.LogConfig `json:"log_config"`
	Database    DatabaseConfig   `json:"database"`
	Qdrant      QdrantConfig     `json:"qdrant"`
	Ollama      OllamaConfig     `json:"ollama"`
	Cache       CacheConfig      `json:"cache"`
	Pipeline    PipelineConfig   `json:"pipeline"`
	Watcher     WatcherConfig    `json:"watcher"`
}

type DatabaseConfig struct {
	Enable   bool   `json:"enable"`
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
}

type QdrantConfig struct {
	Enable     bool   `json:"enable"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
	Dimension  uint64 `json:"dimension"`
}

type OllamaConfig struct {
	BaseURL               string `json:"base_url"`
	Model                 string `json:"model"`
	KeepAlive             string `json:"keep_alive"`
	WarmupOnInit          bool   `json:"warmup_on_init"`
	HealthIntervalSeconds int    `json:"health_interval_seconds"`
	TimeoutSeconds        int    `json:"timeout_seconds"`
	MaxRetries            int    `json:"max_retries"`
	RetryBaseDelayMS      int    `json:"retry_base_delay_ms"`
	BatchSize             int    `json:"batch_size"`
	MaxIdleConns          int    `json:"max_idle_conns"`
}

type CacheConfig struct {
	Path          string `json:"path"`
	LRUSize       int    `json:"lru_size"`
	LRUTTLMinutes int    `json:"lru_ttl_minutes"`
	MaxEntries    int64  `json:"max_entries"`
	MaxAgeDays    int    `json:"max_age_days"`
	PruneSpec     string `json:"prune_spec"`
}

type PipelineConfig struct {
	MaxQueueDepth        int     `json:"max_queue_depth"`
	Concurrency          int     `json:"concurrency"`
	IntervalMS           int     `json:"interval_ms"`
	IntervalCap          int     `json:"interval_cap"`
	TaskTimeoutSeconds   int     `json:"task_timeout_seconds"`
	MaxRetries           int     `json:"max_retries"`
	RetryBaseDelayMS     int     `json:"retry_base_delay_ms"`
	CheckpointInterval   int     `json:"checkpoint_interval"`
	CheckpointPath       string  `json:"checkpoint_path"`
	BreakerResetSeconds  int     `json:"breaker_reset_seconds"`
	AlertCooldownSeconds int     `json:"alert_cooldown_seconds"`
	LatencyThresholdMS   int     `json:"latency_threshold_ms"`
	ErrorRateThreshold   float64 `json:"error_rate_threshold"`
	ProcessedHistory     int     `json:"processed_history"`
	EventBuffer          int     `json:"event_buffer"`
	ShutdownGraceSeconds int     `json:"shutdown_grace_seconds"`
}

type WatcherConfig struct {
	Enable               bool     `json:"enable"`
	Root                 string   `json:"root"`
	Include              []string `json:"include"`
	Exclude              []string `json:"exclude"`
	DebounceMS           int      `json:"debounce_ms"`
	MinContentLength     int      `json:"min_content_length"`
	PositionsPath        string   `json:"positions_path"`
	FlushIntervalSeconds int      `json:"flush_interval_seconds"`
	EnableConversation   bool     `json:"enable_conversation"`
	EnableCode           bool     `json:"enable_code"`
	EnableToolResult     bool     `json:"enable_tool_result"`
}

// Bounds applied by Merge. Values outside a bound are clamped, not rejected,
// so a bad override cannot take the pipeline down.
const (
	minConcurrency   = 1
	maxConcurrency   = 32
	minQueueDepth    = 10
	maxQueueDepth    = 100000
	minRetries       = 0
	maxRetries       = 10
	minTimeoutSec    = 1
	maxTimeoutSec    = 600
	minIntervalCap   = 1
	maxIntervalCap   = 10000
	minEventBuffer   = 16
	maxEventBuffer   = 65536
	minBreakerReset  = 1
	maxBreakerReset  = 3600
	minProcessedKeep = 100
	maxProcessedKeep = 1000000
)

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	merged := Merge(Default(), cfg)
	if err := merged.validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

func Default() Config {
	return Config{
		Port:      8321,
		LogConfig: logger.LogConfig{Level: "info", Console: true},
		Database: DatabaseConfig{
			Enable:  true,
			Host:    "127.0.0.1",
			Port:    5432,
			SSLMode: "disable",
		},
		Qdrant: QdrantConfig{
			Enable:     true,
			Host:       "127.0.0.1",
			Port:       6334,
			Collection: "embeddings",
			Dimension:  1024,
		},
		Ollama: OllamaConfig{
			BaseURL:               "http://127.0.0.1:11434",
			Model:                 "mxbai-embed-large",
			KeepAlive:             "10m",
			WarmupOnInit:          true,
			HealthIntervalSeconds: 30,
			TimeoutSeconds:        30,
			MaxRetries:            3,
			RetryBaseDelayMS:      500,
			BatchSize:             16,
			MaxIdleConns:          4,
		},
		Cache: CacheConfig{
			Path:          "embedpipe-cache.db",
			LRUSize:       2048,
			LRUTTLMinutes: 120,
			MaxEntries:    200000,
			MaxAgeDays:    30,
			PruneSpec:     "30 3 * * *",
		},
		Pipeline: PipelineConfig{
			MaxQueueDepth:        1000,
			Concurrency:          2,
			IntervalMS:           1000,
			IntervalCap:          10,
			TaskTimeoutSeconds:   60,
			MaxRetries:           3,
			RetryBaseDelayMS:     1000,
			CheckpointInterval:   50,
			CheckpointPath:       "embedpipe-checkpoint.json",
			BreakerResetSeconds:  30,
			AlertCooldownSeconds: 60,
			LatencyThresholdMS:   5000,
			ErrorRateThreshold:   0.5,
			ProcessedHistory:     10000,
			EventBuffer:          1024,
			ShutdownGraceSeconds: 10,
		},
		Watcher: WatcherConfig{
			DebounceMS:           500,
			MinContentLength:     24,
			PositionsPath:        "embedpipe-positions.json",
			FlushIntervalSeconds: 30,
			Include:              []string{"*.jsonl"},
			EnableConversation:   true,
			EnableCode:           true,
			EnableToolResult:     true,
		},
	}
}

// Merge overlays non-zero override fields onto base and clamps every numeric
// field to its bound. Zero values in overrides mean "keep base".
func Merge(base Config, overrides Config) Config {
	out := base
	if overrides.Port != 0 {
		out.Port = overrides.Port
	}
	if overrides.RateLimitMS != 0 {
		out.RateLimitMS = overrides.RateLimitMS
	}
	if overrides.LogConfig.Level != "" {
		out.LogConfig = overrides.LogConfig
	}
	out.Database = mergeDatabase(out.Database, overrides.Database)
	out.Qdrant = mergeQdrant(out.Qdrant, overrides.Qdrant)
	out.Ollama = MergeOllama(out.Ollama, overrides.Ollama)
	out.Cache = mergeCache(out.Cache, overrides.Cache)
	out.Pipeline = mergePipeline(out.Pipeline, overrides.Pipeline)
	out.Watcher = mergeWatcher(out.Watcher, overrides.Watcher)
	return out
}

func mergeDatabase(base, o DatabaseConfig) DatabaseConfig {
	out := base
	if o.DSN != "" {
		out.DSN = o.DSN
	}
	if o.Host != "" {
		out.Host = o.Host
	}
	if o.Port != 0 {
		out.Port = o.Port
	}
	if o.User != "" {
		out.User = o.User
	}
	if o.Password != "" {
		out.Password = o.Password
	}
	if o.DBName != "" {
		out.DBName = o.DBName
	}
	if o.SSLMode != "" {
		out.SSLMode = o.SSLMode
	}
	if o.Enable {
		out.Enable = true
	}
	return out
}

func mergeQdrant(base, o QdrantConfig) QdrantConfig {
	out := base
	if o.Host != "" {
		out.Host = o.Host
	}
	if o.Port != 0 {
		out.Port = o.Port
	}
	if o.Collection != "" {
		out.Collection = o.Collection
	}
	if o.Dimension != 0 {
		out.Dimension = o.Dimension
	}
	if o.Enable {
		out.Enable = true
	}
	return out
}

// MergeOllama is exported because the model client reuses it for runtime
// config updates; the same zero-means-keep and clamping rules apply there.
func MergeOllama(base, o OllamaConfig) OllamaConfig {
	out := base
	if o.BaseURL != "" {
		out.BaseURL = o.BaseURL
	}
	if o.Model != "" {
		out.Model = o.Model
	}
	if o.KeepAlive != "" {
		out.KeepAlive = o.KeepAlive
	}
	if o.WarmupOnInit {
		out.WarmupOnInit = true
	}
	if o.HealthIntervalSeconds != 0 {
		out.HealthIntervalSeconds = o.HealthIntervalSeconds
	}
	if o.TimeoutSeconds != 0 {
		out.TimeoutSeconds = o.TimeoutSeconds
	}
	if o.MaxRetries != 0 {
		out.MaxRetries = o.MaxRetries
	}
	if o.RetryBaseDelayMS != 0 {
		out.RetryBaseDelayMS = o.RetryBaseDelayMS
	}
	if o.BatchSize != 0 {
		out.BatchSize = o.BatchSize
	}
	if o.MaxIdleConns != 0 {
		out.MaxIdleConns = o.MaxIdleConns
	}
	out.MaxRetries = clampInt(out.MaxRetries, minRetries, maxRetries)
	out.TimeoutSeconds = clampInt(out.TimeoutSeconds, minTimeoutSec, maxTimeoutSec)
	return out
}

func mergeCache(base, o CacheConfig) CacheConfig {
	out := base
	if o.Path != "" {
		out.Path = o.Path
	}
	if o.LRUSize != 0 {
		out.LRUSize = o.LRUSize
	}
	if o.LRUTTLMinutes != 0 {
		out.LRUTTLMinutes = o.LRUTTLMinutes
	}
	if o.MaxEntries != 0 {
		out.MaxEntries = o.MaxEntries
	}
	if o.MaxAgeDays != 0 {
		out.MaxAgeDays = o.MaxAgeDays
	}
	if o.PruneSpec != "" {
		out.PruneSpec = o.PruneSpec
	}
	return out
}

func mergePipeline(base, o PipelineConfig) PipelineConfig {
	out := base
	if o.MaxQueueDepth != 0 {
		out.MaxQueueDepth = o.MaxQueueDepth
	}
	if o.Concurrency != 0 {
		out.Concurrency = o.Concurrency
	}
	if o.IntervalMS != 0 {
		out.IntervalMS = o.IntervalMS
	}
	if o.IntervalCap != 0 {
		out.IntervalCap = o.IntervalCap
	}
	if o.TaskTimeoutSeconds != 0 {
		out.TaskTimeoutSeconds = o.TaskTimeoutSeconds
	}
	if o.MaxRetries != 0 {
		out.MaxRetries = o.MaxRetries
	}
	if o.RetryBaseDelayMS != 0 {
		out.RetryBaseDelayMS = o.RetryBaseDelayMS
	}
	if o.CheckpointInterval != 0 {
		out.CheckpointInterval = o.CheckpointInterval
	}
	if o.CheckpointPath != "" {
		out.CheckpointPath = o.CheckpointPath
	}
	if o.BreakerResetSeconds != 0 {
		out.BreakerResetSeconds = o.BreakerResetSeconds
	}
	if o.AlertCooldownSeconds != 0 {
		out.AlertCooldownSeconds = o.AlertCooldownSeconds
	}
	if o.LatencyThresholdMS != 0 {
		out.LatencyThresholdMS = o.LatencyThresholdMS
	}
	if o.ErrorRateThreshold != 0 {
		out.ErrorRateThreshold = o.ErrorRateThreshold
	}
	if o.ProcessedHistory != 0 {
		out.ProcessedHistory = o.ProcessedHistory
	}
	if o.EventBuffer != 0 {
		out.EventBuffer = o.EventBuffer
	}
	if o.ShutdownGraceSeconds != 0 {
		out.ShutdownGraceSeconds = o.ShutdownGraceSeconds
	}
	out.Concurrency = clampInt(out.Concurrency, minConcurrency, maxConcurrency)
	out.MaxQueueDepth = clampInt(out.MaxQueueDepth, minQueueDepth, maxQueueDepth)
	out.MaxRetries = clampInt(out.MaxRetries, minRetries, maxRetries)
	out.TaskTimeoutSeconds = clampInt(out.TaskTimeoutSeconds, minTimeoutSec, maxTimeoutSec)
	out.IntervalCap = clampInt(out.IntervalCap, minIntervalCap, maxIntervalCap)
	out.EventBuffer = clampInt(out.EventBuffer, minEventBuffer, maxEventBuffer)
	out.BreakerResetSeconds = clampInt(out.BreakerResetSeconds, minBreakerReset, maxBreakerReset)
	out.ProcessedHistory = clampInt(out.ProcessedHistory, minProcessedKeep, maxProcessedKeep)
	if out.ErrorRateThreshold < 0 {
		out.ErrorRateThreshold = 0
	}
	if out.ErrorRateThreshold > 1 {
		out.ErrorRateThreshold = 1
	}
	return out
}

func mergeWatcher(base, o WatcherConfig) WatcherConfig {
	out := base
	if o.Enable {
		out.Enable = true
	}
	if o.Root != "" {
		out.Root = o.Root
	}
	if len(o.Include) > 0 {
		out.Include = o.Include
	}
	if len(o.Exclude) > 0 {
		out.Exclude = o.Exclude
	}
	if o.DebounceMS != 0 {
		out.DebounceMS = o.DebounceMS
	}
	if o.MinContentLength != 0 {
		out.MinContentLength = o.MinContentLength
	}
	if o.PositionsPath != "" {
		out.PositionsPath = o.PositionsPath
	}
	if o.FlushIntervalSeconds != 0 {
		out.FlushIntervalSeconds = o.FlushIntervalSeconds
	}
	if o.EnableConversation {
		out.EnableConversation = true
	}
	if o.EnableCode {
		out.EnableCode = true
	}
	if o.EnableToolResult {
		out.EnableToolResult = true
	}
	return out
}

func (c *Config) validate() error {
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama.base_url is required")
	}
	if c.Ollama.Model == "" {
		return fmt.Errorf("ollama.model is required")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.Database.Enable && c.Database.DSN == "" && c.Database.DBName == "" {
		return fmt.Errorf("database.db_name or database.dsn is required when database is enabled")
	}
	if !c.Database.Enable && !c.Qdrant.Enable {
		return fmt.Errorf("at least one vector backend must be enabled")
	}
	if c.Watcher.Enable && c.Watcher.Root == "" {
		return fmt.Errorf("watcher.root is required when watcher is enabled")
	}
	return nil
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
