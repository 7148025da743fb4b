package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/scheduler"
)

// InfillRequest is the native /infill body: input_prefix/input_suffix are
// assembled around the model's FIM tokens into a single prompt before
// falling through to the same generate pipeline /completion uses.
// input_extra carries extra file context injected ahead of the prefix,
// each chunk tagged with its originating filename.
type InfillRequest struct {
	InputPrefix string `json:"input_prefix"`
	InputSuffix string `json:"input_suffix"`
	InputExtra  []struct {
		Filename string `json:"filename"`
		Text     string `json:"text"`
	} `json:"input_extra"`
	Prompt json.RawMessage `json:"prompt"`
	SamplerParams
	Stream         bool            `json:"stream"`
	CachePrompt    *bool           `json:"cache_prompt"`
	NPredict       int             `json:"n_predict"`
	NIndent        int             `json:"n_indent"`
	Stop           []string        `json:"stop"`
	Lora           []LoraEntry     `json:"lora"`
	ResponseFields []string        `json:"response_fields"`
}

func (r InfillRequest) toGenParams() GenParams {
	return GenParams{
		Sampler: r.SamplerParams, Stream: r.Stream, CachePrompt: r.CachePrompt,
		NPredict: r.NPredict, NIndent: r.NIndent, Stop: r.Stop, Lora: r.Lora,
		ResponseFields: r.ResponseFields,
	}
}

// buildFIMPrompt assembles the fill-in-middle prompt from the model's FIM
// tokens (facade.Meta, out of the opaque template/tokenizer's scope the
// same way chat templates are) around the request's prefix/suffix/extra
// context, in the prefix-suffix-middle order llama.cpp's own /infill uses.
func buildFIMPrompt(meta facade.Meta, req InfillRequest) (string, error) {
	if meta.FIMPrefix == "" || meta.FIMSuffix == "" || meta.FIMMiddle == "" {
		return "", middleware.New(middleware.KindNotSupported, http.StatusNotImplemented, "infill without FIM tokens")
	}

	var extra strings.Builder

	for _, e := range req.InputExtra {
		if e.Filename != "" {
			extra.WriteString("// " + e.Filename + "\n")
		}

		extra.WriteString(e.Text)
	}

	var sb strings.Builder

	sb.WriteString(meta.FIMPrefix)
	sb.WriteString(extra.String())
	sb.WriteString(req.InputPrefix)
	sb.WriteString(meta.FIMSuffix)
	sb.WriteString(req.InputSuffix)
	sb.WriteString(meta.FIMMiddle)

	return sb.String(), nil
}

// handleInfill implements POST /infill.
func handleInfill(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InfillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		prompt, err := buildFIMPrompt(f.GetMeta(), req)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		gp := req.toGenParams()

		tokens, err := buildPromptTokens(c.Request.Context(), f, prompt, nil)
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

		genReq := scheduler.GenerateRequest{
			Tokens: tokens, SamplerCfg: samplerCfg,
			Params: buildTaskParams(gp, false, false, ""),
			Stream: gp.Stream,
		}
		genReq.Params.UpdateCache = cachePromptEnabled(f, gp)

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
