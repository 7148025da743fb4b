package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/backend/fake"
	"github.com/wireloom/llamaserve/chatparser"
	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/internal/config"
	"github.com/wireloom/llamaserve/mtmd"
)

// newTestServer builds a Server backed by a live facade+scheduler loop
// (backend/fake as the deterministic runtime), the same way facade_test.go
// wires LoadModel plus a minimal chat-template renderer so the chat
// endpoints have a template, and tears the loop down on test cleanup.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Model.NCtx = 512
	cfg.Slots.NParallel = 2
	cfg.Slots.IdleSleepMS = 0
	cfg.Slots.PollingInterval = 5 * time.Millisecond
	cfg.Slots.CacheRAMMiB = 0

	be := fake.New(cfg.Model.NCtx, backend.MemoryCapability{})

	renderer := chatparser.RenderFunc(func(messages []chatparser.ChatMsg, addGenerationPrompt bool) (string, error) {
		var sb strings.Builder
		for _, m := range messages {
			sb.WriteString(m.Role + ": " + m.Content + "\n")
		}

		return sb.String(), nil
	})

	f, err := facade.LoadModel(cfg, be, nil, mtmd.Disabled{}, renderer, prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		f.StartLoop(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		_ = f.Terminate()
		<-done
	})

	return New(cfg, f)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestModelsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
}

func TestTokenizeAndDetokenizeRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	reqBody, _ := json.Marshal(gin.H{"content": "hello world", "add_special": false})
	req := httptest.NewRequest(http.MethodPost, "/tokenize", bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var tokResp struct {
		Tokens []int `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokResp))
	require.NotEmpty(t, tokResp.Tokens)

	detReq, _ := json.Marshal(gin.H{"tokens": tokResp.Tokens})
	req2 := httptest.NewRequest(http.MethodPost, "/detokenize", bytes.NewReader(detReq))
	req2.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestCompletionNonStreaming(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(gin.H{
		"prompt":    "hello",
		"n_predict": 4,
		"stream":    false,
	})

	req := httptest.NewRequest(http.MethodPost, "/completion", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp completionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Stop)
	assert.True(t, resp.StoppedLimit)
	assert.Equal(t, 4, resp.TokensPredicted)
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(gin.H{
		"model":     "test",
		"n_predict": 4,
		"stream":    false,
		"messages": []gin.H{
			{"role": "user", "content": "hi"},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "length", resp.Choices[0].FinishReason)
}

func TestEmbeddingsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(gin.H{"input": "hello world"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp embeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.NotEmpty(t, resp.Data[0].Embedding)
}

func TestRerankAcceptsTextsAliasAndTopN(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(gin.H{
		"query": "hello",
		"texts": []string{"hello there", "goodbye", "hello world"},
		"top_n": 2,
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/rerank", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp rerankResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 2)
}

func TestInfillRequiresFIMTokens(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(gin.H{
		"input_prefix": "def f(",
		"input_suffix": "):\n    pass",
		"n_predict":    4,
	})

	req := httptest.NewRequest(http.MethodPost, "/infill", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestSlotsEndpointListsConfiguredParallelism(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/slots", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["slots_total"])
}
