package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/config"
)

type healthState string

const (
	stateUnknown   healthState = "unknown"
	stateHealthy   healthState = "healthy"
	stateUnhealthy healthState = "unhealthy"
)

type Status struct {
	State        string    `json:"state"`
	Model        string    `json:"model"`
	Digest       string    `json:"digest"`
	LastCheck    time.Time `json:"last_check"`
	FailureCount int       `json:"failure_count"`
}

// Client talks to a local Ollama-compatible embedding server. Embed calls fail
// soft (nil, nil) while the server is marked unhealthy so callers do not burn
// retries on a dead socket. Config is mutable at runtime via UpdateConfig.
type Client struct {
	mu       sync.RWMutex
	cfg      config.OllamaConfig
	http     *http.Client
	state    healthState
	digest   string
	lastSeen time.Time
	failures int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg config.OllamaConfig) *Client {
	return &Client{
		cfg:    cfg,
		http:   buildHTTPClient(cfg),
		state:  stateUnknown,
		stopCh: make(chan struct{}),
	}
}

func buildHTTPClient(cfg config.OllamaConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func (c *Client) conf() config.OllamaConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Client) httpClient() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.http
}

func (c *Client) ModelName() string {
	return c.conf().Model
}

// UpdateConfig overlays non-zero fields onto the running config with the same
// merge and clamping rules the loader applies. The HTTP client is rebuilt when
// the timeout or connection bounds change; a model switch drops the cached
// digest and resets health to unknown until the next probe.
func (c *Client) UpdateConfig(ctx context.Context, updated config.OllamaConfig) {
	c.mu.Lock()
	prev := c.cfg
	c.cfg = config.MergeOllama(prev, updated)
	next := c.cfg
	if next.TimeoutSeconds != prev.TimeoutSeconds || next.MaxIdleConns != prev.MaxIdleConns {
		c.http.CloseIdleConnections()
		c.http = buildHTTPClient(next)
	}
	if next.Model != prev.Model {
		c.digest = ""
		c.state = stateUnknown
	}
	c.mu.Unlock()

	logutil.GetLogger(ctx).Info("ollama config updated",
		zap.String("model", next.Model),
		zap.Bool("model_changed", next.Model != prev.Model),
		zap.Int("timeout_seconds", next.TimeoutSeconds),
	)
	if next.Model != prev.Model && next.WarmupOnInit {
		if err := c.WarmupModel(ctx); err != nil {
			logutil.GetLogger(ctx).Warn("warmup after model switch failed", zap.Error(err))
		}
	}
}

// Initialize probes the server once, warms the model when configured, and
// starts the background health poller. Returns whether the server is up.
func (c *Client) Initialize(ctx context.Context) bool {
	cfg := c.conf()
	logger := logutil.GetLogger(ctx).With(zap.String("base_url", cfg.BaseURL), zap.String("model", cfg.Model))
	healthy := c.HealthCheck(ctx)
	if healthy && cfg.WarmupOnInit {
		if err := c.WarmupModel(ctx); err != nil {
			logger.Warn("model warmup failed", zap.Error(err))
		}
	}
	if cfg.HealthIntervalSeconds > 0 {
		c.wg.Add(1)
		go c.pollHealth()
	}
	logger.Info("ollama client initialized", zap.Bool("healthy", healthy))
	return healthy
}

func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Client) pollHealth() {
	defer c.wg.Done()
	interval := time.Duration(c.conf().HealthIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.httpClient().Timeout)
			c.HealthCheck(ctx)
			cancel()
		}
	}
}

// HealthCheck polls the tags endpoint and drives the health state machine.
// Recovery re-triggers warmup when warmup-on-init is configured.
func (c *Client) HealthCheck(ctx context.Context) bool {
	cfg := c.conf()
	logger := logutil.GetLogger(ctx).With(zap.String("model", cfg.Model))
	ok := c.probe(ctx)

	c.mu.Lock()
	prev := c.state
	if ok {
		c.state = stateHealthy
		c.failures = 0
	} else {
		c.state = stateUnhealthy
		c.failures++
	}
	c.lastSeen = time.Now()
	next := c.state
	c.mu.Unlock()

	if prev != next {
		logger.Info("model server health transition", zap.String("from", string(prev)), zap.String("to", string(next)))
		if next == stateHealthy && prev == stateUnhealthy && cfg.WarmupOnInit {
			if err := c.WarmupModel(ctx); err != nil {
				logger.Warn("re-warmup after recovery failed", zap.Error(err))
			}
		}
	}
	return ok
}

func (c *Client) probe(ctx context.Context) bool {
	model := c.conf().Model
	var out struct {
		Models []struct {
			Name   string `json:"name"`
			Digest string `json:"digest"`
		} `json:"models"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/tags", nil, &out); err != nil {
		return false
	}
	for _, m := range out.Models {
		if m.Name == model || strings.SplitN(m.Name, ":", 2)[0] == model {
			return true
		}
	}
	// Server answered but the model is not pulled; still reachable.
	return len(out.Models) > 0
}

func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateHealthy
}

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:        string(c.state),
		Model:        c.cfg.Model,
		Digest:       c.digest,
		LastCheck:    c.lastSeen,
		FailureCount: c.failures,
	}
}

// WarmupModel loads the model by issuing a tiny embed with the configured
// keep_alive, then records the server-reported model digest.
func (c *Client) WarmupModel(ctx context.Context) error {
	cfg := c.conf()
	body := embedRequest{Model: cfg.Model, Input: []string{"warmup"}, KeepAlive: cfg.KeepAlive}
	var out embedResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/embed", body, &out); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	digest, err := c.fetchDigest(ctx)
	if err != nil {
		logutil.GetLogger(ctx).Warn("fetch model digest failed", zap.Error(err))
		return nil
	}
	c.mu.Lock()
	c.digest = digest
	c.mu.Unlock()
	return nil
}

// UnloadModel asks the server to release the model immediately.
func (c *Client) UnloadModel(ctx context.Context) error {
	body := embedRequest{Model: c.conf().Model, Input: []string{"unload"}, KeepAlive: "0"}
	var out embedResponse
	return c.doJSON(ctx, http.MethodPost, "/api/embed", body, &out)
}

// ModelDigest returns the last digest reported by the server, or empty if
// warmup has not run yet.
func (c *Client) ModelDigest() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.digest
}

func (c *Client) fetchDigest(ctx context.Context) (string, error) {
	model := c.conf().Model
	var out struct {
		Digest string `json:"digest"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/show", map[string]string{"model": model}, &out); err != nil {
		return "", err
	}
	if out.Digest != "" {
		return out.Digest, nil
	}
	// Fall back to the tags listing, which carries a per-model digest.
	var tags struct {
		Models []struct {
			Name   string `json:"name"`
			Digest string `json:"digest"`
		} `json:"models"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return "", err
	}
	for _, m := range tags.Models {
		if m.Name == model || strings.SplitN(m.Name, ":", 2)[0] == model {
			return m.Digest, nil
		}
	}
	return "", nil
}

// Embed returns the embedding for a single text, retrying transient failures
// with exponential backoff. Returns (nil, nil) while the server is unhealthy.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Healthy() {
		logutil.GetLogger(ctx).Debug("embed skipped, model server unhealthy")
		return nil, nil
	}
	cfg := c.conf()
	var result []float32
	op := func() error {
		vecs, err := c.embedOnce(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(vecs) == 0 {
			return backoff.Permanent(fmt.Errorf("server returned no embeddings"))
		}
		result = vecs[0]
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries)), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedBatch embeds texts in fixed-size sub-batches. A failing sub-batch only
// nils out its own slots, preserving partial success.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if !c.Healthy() {
		return nil, nil
	}
	logger := logutil.GetLogger(ctx)
	batchSize := c.conf().BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	out := make([][]float32, len(texts))
	var lastErr error
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedOnce(ctx, texts[start:end])
		if err != nil {
			logger.Warn("embed sub-batch failed",
				zap.Int("start", start),
				zap.Int("end", end),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		for i, vec := range vecs {
			if start+i < len(out) {
				out[start+i] = vec
			}
		}
	}
	if lastErr != nil {
		logger.Debug("batch embedding finished with partial failures", zap.Error(lastErr))
	}
	return out, nil
}

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	cfg := c.conf()
	body := embedRequest{Model: cfg.Model, Input: texts, KeepAlive: cfg.KeepAlive}
	var out embedResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/embed", body, &out); err != nil {
		return nil, err
	}
	return out.Embeddings, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	endpoint := strings.TrimRight(c.conf().BaseURL, "/") + path
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("ollama request failed: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		// A queue-full 503 is a known back-off-and-retry signal; other client
		// errors will not heal on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
