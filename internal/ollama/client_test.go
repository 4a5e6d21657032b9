package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/embedpipe/internal/config"
)

func testConfig(baseURL string) config.OllamaConfig {
	return config.OllamaConfig{
		BaseURL:          baseURL,
		Model:            "test-embed",
		KeepAlive:        "5m",
		TimeoutSeconds:   5,
		MaxRetries:       3,
		RetryBaseDelayMS: 1,
		BatchSize:        2,
		MaxIdleConns:     2,
	}
}

func writeEmbeddings(w http.ResponseWriter, n, dims int) {
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = make([]float32, dims)
		for j := range vecs[i] {
			vecs[i][j] = float32(i + j)
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": vecs})
}

func TestHealthCheck_ModelListed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{{"name": "test-embed:latest", "digest": "abc123"}},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	defer c.Close()
	require.True(t, c.HealthCheck(context.Background()))
	require.True(t, c.Healthy())
	require.Equal(t, "healthy", c.Status().State)
}

func TestHealthCheck_ServerDown(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1"))
	defer c.Close()
	require.False(t, c.HealthCheck(context.Background()))
	require.False(t, c.Healthy())
	require.Equal(t, "unhealthy", c.Status().State)
	require.Equal(t, 1, c.Status().FailureCount)
}

func TestEmbed_SoftFailWhenUnhealthy(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1"))
	defer c.Close()
	c.HealthCheck(context.Background())
	vec, err := c.Embed(context.Background(), "anything")
	require.NoError(t, err)
	require.Nil(t, vec)
}

func TestEmbed_RetriesTransient503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": []map[string]string{{"name": "test-embed", "digest": "d1"}},
			})
			return
		}
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEmbeddings(w, 1, 4)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	defer c.Close()
	require.True(t, c.HealthCheck(context.Background()))
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 4)
	require.EqualValues(t, 3, calls.Load())
}

func TestEmbed_PermanentOn400(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": []map[string]string{{"name": "test-embed", "digest": "d1"}},
			})
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	defer c.Close()
	require.True(t, c.HealthCheck(context.Background()))
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "4xx must not be retried")
}

func TestEmbedBatch_PartialFailure(t *testing.T) {
	var embedCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": []map[string]string{{"name": "test-embed", "digest": "d1"}},
			})
		case "/api/embed":
			// Second sub-batch fails; batch size is 2.
			if embedCalls.Add(1) == 2 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var req struct {
				Input []string `json:"input"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			writeEmbeddings(w, len(req.Input), 3)
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	defer c.Close()
	require.True(t, c.HealthCheck(context.Background()))

	out, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.NotNil(t, out[0])
	require.NotNil(t, out[1])
	require.Nil(t, out[2])
	require.Nil(t, out[3])
	require.NotNil(t, out[4])
}

func TestWarmup_FetchesDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": []map[string]string{{"name": "test-embed", "digest": "tags-digest"}},
			})
		case "/api/embed":
			writeEmbeddings(w, 1, 2)
		case "/api/show":
			_ = json.NewEncoder(w).Encode(map[string]string{"digest": "show-digest"})
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	defer c.Close()
	require.NoError(t, c.WarmupModel(context.Background()))
	require.Equal(t, "show-digest", c.ModelDigest())
}

func TestUnloadModel_SendsZeroKeepAlive(t *testing.T) {
	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEmbeddings(w, 1, 2)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	defer c.Close()
	require.NoError(t, c.UnloadModel(context.Background()))
	require.Equal(t, "test-embed", got.Model)
	require.Equal(t, "0", got.KeepAlive)
}

func TestUpdateConfig_SwitchesModel(t *testing.T) {
	var lastModel atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": []map[string]string{{"name": "other-embed", "digest": "d2"}},
			})
		case "/api/embed":
			var req embedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			lastModel.Store(req.Model)
			writeEmbeddings(w, 1, 2)
		case "/api/show":
			_ = json.NewEncoder(w).Encode(map[string]string{"digest": "d2"})
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	defer c.Close()
	c.mu.Lock()
	c.digest = "stale-digest"
	c.mu.Unlock()

	c.UpdateConfig(context.Background(), config.OllamaConfig{Model: "other-embed"})
	require.Equal(t, "other-embed", c.ModelName())
	require.Empty(t, c.ModelDigest(), "model switch must drop the cached digest")
	require.Equal(t, "unknown", c.Status().State)

	require.True(t, c.HealthCheck(context.Background()))
	_, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "other-embed", lastModel.Load())
}

func TestUpdateConfig_RebuildsClientOnTimeoutChange(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1"))
	defer c.Close()
	before := c.httpClient()
	c.UpdateConfig(context.Background(), config.OllamaConfig{TimeoutSeconds: 30})
	after := c.httpClient()
	require.NotSame(t, before, after)
	require.Equal(t, 30, c.conf().TimeoutSeconds)

	// Zero fields keep their current values and do not rebuild.
	c.UpdateConfig(context.Background(), config.OllamaConfig{})
	require.Same(t, after, c.httpClient())
	require.Equal(t, "test-embed", c.ModelName())
}

func TestInitialize_WarmupOnInit(t *testing.T) {
	var warmed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": []map[string]string{{"name": "test-embed", "digest": "d1"}},
			})
		case "/api/embed":
			warmed.Store(true)
			writeEmbeddings(w, 1, 2)
		case "/api/show":
			_ = json.NewEncoder(w).Encode(map[string]string{"digest": "d1"})
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.WarmupOnInit = true
	c := New(cfg)
	defer c.Close()
	require.True(t, c.Initialize(context.Background()))
	require.True(t, warmed.Load())
	require.Equal(t, "d1", c.ModelDigest())
}
