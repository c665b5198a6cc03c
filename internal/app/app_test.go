package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"embedbase/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider speaks the embeddings API: one dimension counting "cat", one
// counting "dog" and a constant.
func fakeProvider(t *testing.T, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var texts []string
		switch in := req.Input.(type) {
		case string:
			texts = []string{in}
		case []any:
			for _, v := range in {
				texts = append(texts, v.(string))
			}
		}

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i, text := range texts {
			resp.Data = append(resp.Data, item{
				Embedding: []float32{float32(strings.Count(text, "cat")), float32(strings.Count(text, "dog")), 0.01},
				Index:     i,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Store = StoreMemory
	cfg.OpenAIAPIKey = "sk-test"
	cfg.Embedding.BaseURL = baseURL
	cfg.Embedding.Dimensions = 3
	cfg.APIKeys = map[string]string{"key-a": "alice"}
	return cfg
}

func TestAppServesIngestAndSearch(t *testing.T) {
	var requests atomic.Int64
	provider := fakeProvider(t, &requests)

	a, err := New(testConfig(provider.URL))
	require.NoError(t, err)
	a.Start()
	defer a.Shutdown(context.Background())

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	post := func(path string, body any) *http.Response {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest("POST", srv.URL+path, bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer key-a")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post("/api/datasets/pets/documents", map[string]any{"text": "the cat sat on the mat"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post("/api/search", map[string]any{"query": "cat", "dataset_ids": []string{"pets"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		DatasetIDs   []string `json:"dataset_ids"`
		Similarities []struct {
			Data  string  `json:"data"`
			Score float32 `json:"score"`
		} `json:"similarities"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"pets"}, body.DatasetIDs)
	require.Len(t, body.Similarities, 1)
	assert.Equal(t, "the cat sat on the mat", body.Similarities[0].Data)
	assert.Greater(t, body.Similarities[0].Score, float32(0.9))

	assert.EqualValues(t, 2, requests.Load(), "one call for the upload, one for the query")
}

func TestAppRejectsUnknownStore(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.Store = "cassandra"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "unknown store")
}
