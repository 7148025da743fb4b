package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/scheduler"
)

// EmbeddingRequest accepts either a single input or a batch (spec §6
// "/embedding"/"/v1/embeddings"). Embeddings and reranking share this
// shape; Query/Documents/Texts/TopN are only meaningful for rerank, which
// accepts "documents" (native) or "texts" (Jina-compatible) for the
// candidate list.
type EmbeddingRequest struct {
	Input       json.RawMessage `json:"input"`
	Content     json.RawMessage `json:"content"`
	Query       string          `json:"query"`
	Documents   []string        `json:"documents"`
	Texts       []string        `json:"texts"`
	TopN        int             `json:"top_n"`
	PoolingType string          `json:"pooling_type"`
}

// documents returns the rerank candidate list, accepting either field
// name a caller might send.
func (r EmbeddingRequest) documents() []string {
	if len(r.Documents) > 0 {
		return r.Documents
	}

	return r.Texts
}

func (r EmbeddingRequest) inputs() ([]string, error) {
	raw := r.Input
	if len(raw) == 0 {
		raw = r.Content
	}

	if len(raw) == 0 {
		return nil, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "missing input")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}

	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}

	return nil, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "input must be a string or an array of strings")
}

type embeddingDatum struct {
	Index     int         `json:"index"`
	Object    string      `json:"object"`
	Embedding [][]float32 `json:"embedding"`
}

type embeddingResponse struct {
	Object string           `json:"object"`
	Data   []embeddingDatum `json:"data"`
}

func handleEmbeddings(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EmbeddingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		texts, err := req.inputs()
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		pooling := req.PoolingType
		if pooling == "" {
			pooling = f.Config().Model.PoolingType
		}

		data := make([]embeddingDatum, len(texts))

		for i, text := range texts {
			vecs, err := runEmbedding(c, f, text, pooling)
			if err != nil {
				middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
				return
			}

			data[i] = embeddingDatum{Index: i, Object: "embedding", Embedding: vecs}
		}

		c.JSON(http.StatusOK, embeddingResponse{Object: "list", Data: data})
	}
}

func runEmbedding(c *gin.Context, f *facade.Facade, text, poolingType string) ([][]float32, error) {
	tokens, err := buildPromptTokens(c.Request.Context(), f, text, nil)
	if err != nil {
		return nil, err
	}

	genReq := scheduler.GenerateRequest{
		Tokens: tokens,
		Params: buildTaskParams(GenParams{}, true, false, poolingType),
	}

	rd := submitGeneration(f, genReq, nil)

	items, err, disconnected := rd.WaitForAll(c.Request.Context(), clientGoneFunc(c))
	if disconnected {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	vecs, _ := items[0].Payload.([][]float32)

	return vecs, nil
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float32 `json:"relevance_score"`
}

type rerankResponse struct {
	Object string         `json:"object"`
	Model  string         `json:"model"`
	Results []rerankResult `json:"results"`
}

// handleRerank scores each document against query by the cosine similarity
// of their (pooled) embeddings — the only similarity measure available
// without a dedicated cross-encoder head, consistent with "pooling_type"
// already being the caller's choice of pooling strategy.
func handleRerank(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EmbeddingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		docs := req.documents()
		if req.Query == "" || len(docs) == 0 {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "query and documents are required"))
			return
		}

		pooling := req.PoolingType
		if pooling == "" {
			pooling = "mean"
		}

		qVecs, err := runEmbedding(c, f, req.Query, pooling)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		results := make([]rerankResult, len(docs))

		for i, doc := range docs {
			dVecs, err := runEmbedding(c, f, doc, pooling)
			if err != nil {
				middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
				return
			}

			results[i] = rerankResult{Index: i, RelevanceScore: cosineSimilarity(pooled(qVecs), pooled(dVecs))}
		}

		sort.Slice(results, func(i, j int) bool { return results[i].RelevanceScore > results[j].RelevanceScore })

		if req.TopN > 0 && req.TopN < len(results) {
			results = results[:req.TopN]
		}

		c.JSON(http.StatusOK, rerankResponse{Object: "list", Model: f.GetMeta().Alias, Results: results})
	}
}

func pooled(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}

	if len(vecs) == 1 {
		return vecs[0]
	}

	out := make([]float32, len(vecs[0]))

	for _, v := range vecs {
		for i, x := range v {
			if i < len(out) {
				out[i] += x
			}
		}
	}

	for i := range out {
		out[i] /= float32(len(vecs))
	}

	return out
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, na, nb float64

	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}

	if na == 0 || nb == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
