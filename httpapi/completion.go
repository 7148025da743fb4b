package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/reader"
	"github.com/wireloom/llamaserve/scheduler"
	"github.com/wireloom/llamaserve/slot"
	"github.com/wireloom/llamaserve/token"
)

// CompletionRequest is the native /completion body (spec §6), also the
// basis for the OpenAI-legacy /v1/completions alias.
type CompletionRequest struct {
	Prompt json.RawMessage `json:"prompt"`
	SamplerParams
	Stream         bool            `json:"stream"`
	CachePrompt    *bool           `json:"cache_prompt"`
	NPredict       int             `json:"n_predict"`
	MaxTokens      int             `json:"max_tokens"`
	NKeep          int             `json:"n_keep"`
	NDiscard       int             `json:"n_discard"`
	NIndent        int             `json:"n_indent"`
	TMaxPredictMs  int64           `json:"t_max_predict_ms"`
	Stop           []string        `json:"stop"`
	NCmpl          int             `json:"n_cmpl"`
	N              int             `json:"n"`
	Lora           []LoraEntry     `json:"lora"`
	Speculative    SpeculativeParams `json:"speculative"`
	Grammar        string          `json:"grammar"`
	JSONSchema     json.RawMessage `json:"json_schema"`
	ResponseFields []string        `json:"response_fields"`
}

func (r CompletionRequest) toGenParams() GenParams {
	nPredict := r.NPredict
	if nPredict == 0 {
		nPredict = r.MaxTokens
	}

	nCmpl := r.NCmpl
	if nCmpl == 0 {
		nCmpl = r.N
	}

	return GenParams{
		Sampler: r.SamplerParams, Stream: r.Stream, CachePrompt: r.CachePrompt,
		NPredict: nPredict, NKeep: r.NKeep, NDiscard: r.NDiscard, NIndent: r.NIndent,
		TMaxPredictMs: r.TMaxPredictMs, Stop: r.Stop, NCmpl: nCmpl, Lora: r.Lora,
		Speculative: r.Speculative,
		Grammar: r.Grammar, JSONSchema: r.JSONSchema, ResponseFields: r.ResponseFields,
	}
}

// promptText extracts the prompt string from the flexible prompt field:
// a bare string, or an array of token ids rendered back to text.
func promptText(f *facade.Facade, raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var ids []token.ID
	if err := json.Unmarshal(raw, &ids); err == nil {
		return f.Backend().Detokenize(ids, true)
	}

	return "", middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "prompt must be a string or an array of token ids")
}

// completionResponse is the native /completion non-stream body.
type completionResponse struct {
	Content       string `json:"content"`
	Stop          bool   `json:"stop"`
	StoppedEOS    bool   `json:"stopped_eos"`
	StoppedWord   bool   `json:"stopped_word"`
	StoppedLimit  bool   `json:"stopped_limit"`
	Truncated     bool   `json:"truncated"`
	TokensCached  int    `json:"tokens_cached"`
	TokensPredicted int  `json:"tokens_predicted"`
	TokensEvaluated int  `json:"tokens_evaluated"`
}

func stopFlags(stop slot.StopReason) (eos, word, limit bool) {
	return stop == slot.StopEOS, stop == slot.StopWord, stop == slot.StopLimit
}

func handleCompletion(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		text, err := promptText(f, req.Prompt)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		gp := req.toGenParams()

		tokens, err := buildPromptTokens(c.Request.Context(), f, text, nil)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		if nCtx := f.Config().Model.NCtx; tokens.Len() >= nCtx {
			middleware.AbortWithError(c, middleware.ExceedContextSize(tokens.Len(), nCtx))
			return
		}

		samplerCfg, err := buildSamplerConfig(c.Request.Context(), f.Grammars(), gp)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		cp := cachePromptEnabled(f, gp)

		genReq := scheduler.GenerateRequest{
			Tokens: tokens, SamplerCfg: samplerCfg,
			Params: buildTaskParams(gp, false, false, ""),
			Stream: gp.Stream,
		}
		genReq.Params.UpdateCache = cp

		rd := submitGeneration(f, genReq, nil)

		if gp.Stream {
			WriteSSEStream(c, rd.AsStream(c.Request.Context(), clientGoneFunc(c)), completionFrames, &DoneFrame)
			return
		}

		items, err, disconnected := rd.WaitForAll(c.Request.Context(), clientGoneFunc(c))
		if disconnected {
			return
		}

		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		res, _ := items[0].Payload.(scheduler.GenerateResult)
		eos, word, limit := stopFlags(res.Stop)

		body := completionResponse{
			Content: res.Text, Stop: true, StoppedEOS: eos, StoppedWord: word, StoppedLimit: limit,
			Truncated: res.Truncated, TokensCached: res.NPromptTokens, TokensPredicted: res.NGenTokens,
			TokensEvaluated: res.NPromptTokens,
		}

		projected, err := projectFields(body, gp.ResponseFields)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		c.Data(http.StatusOK, "application/json; charset=utf-8", projected)
	}
}

// completionFrames adapts a reader.Item into the native streaming shape:
// one {content, stop} frame per delta, a final one with stop=true.
func completionFrames(item reader.Item) []Frame {
	if res, ok := item.Payload.(scheduler.GenerateResult); ok {
		eos, word, limit := stopFlags(res.Stop)
		return []Frame{{Data: completionResponse{
			Content: "", Stop: true, StoppedEOS: eos, StoppedWord: word, StoppedLimit: limit,
			Truncated: res.Truncated, TokensPredicted: res.NGenTokens, TokensEvaluated: res.NPromptTokens,
		}}}
	}

	text, _ := item.Payload.(string)

	return []Frame{{Data: completionResponse{Content: text, Stop: item.Final}}}
}

func clientGoneFunc(c *gin.Context) reader.ShouldStopFunc {
	gone := c.Writer.CloseNotify()

	return func() bool {
		select {
		case <-gone:
			return true
		default:
			return false
		}
	}
}
