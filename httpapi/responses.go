package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/chatparser"
	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/reader"
	"github.com/wireloom/llamaserve/scheduler"
)

// ResponsesRequest is the OpenAI Responses API body: input is either a
// bare string (sent as one user turn, after a system turn holding
// instructions when that is set) or an array of {role, content} turns.
// Both forms are rendered through the chat template, matching
// /chat/completions' messages[] handling.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions"`
	Stream          bool            `json:"stream"`
	MaxOutputTokens int             `json:"max_output_tokens"`
	SamplerParams
	Stop           json.RawMessage `json:"stop"`
	Lora           []LoraEntry     `json:"lora"`
	ResponseFields []string        `json:"response_fields"`
}

func (r ResponsesRequest) toGenParams() GenParams {
	return GenParams{
		Sampler:        r.SamplerParams,
		Stream:         r.Stream,
		NPredict:       r.MaxOutputTokens,
		Stop:           parseStopField(r.Stop),
		Lora:           r.Lora,
		ResponseFields: r.ResponseFields,
		ParseToolCalls: false,
	}
}

func (r ResponsesRequest) messages() ([]ChatMessageJSON, bool) {
	var s string
	if err := json.Unmarshal(r.Input, &s); err == nil {
		msgs := []ChatMessageJSON{}

		if r.Instructions != "" {
			b, _ := json.Marshal(r.Instructions)
			msgs = append(msgs, ChatMessageJSON{Role: "system", Content: b})
		}

		b, _ := json.Marshal(s)
		msgs = append(msgs, ChatMessageJSON{Role: "user", Content: b})

		return msgs, true
	}

	var msgs []ChatMessageJSON
	if err := json.Unmarshal(r.Input, &msgs); err == nil {
		return msgs, true
	}

	return nil, false
}

type responseOutputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseOutputMessage struct {
	Type    string               `json:"type"`
	Role    string               `json:"role"`
	Content []responseOutputText `json:"content"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responseBody struct {
	ID     string                  `json:"id"`
	Object string                  `json:"object"`
	Model  string                  `json:"model"`
	Status string                  `json:"status"`
	Output []responseOutputMessage `json:"output"`
	Usage  *responseUsage          `json:"usage,omitempty"`
}

// handleResponses implements POST /v1/responses.
func handleResponses(f *facade.Facade, defaultFormat string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResponsesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		msgs, ok := req.messages()
		if !ok {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "input must be a string or an array of messages"))
			return
		}

		if f.Renderer() == nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindNotSupported, http.StatusNotImplemented, "no chat template configured for this model"))
			return
		}

		chatMsgs, media := toChatMsgs(msgs)

		prompt, err := f.Renderer().Render(chatMsgs, true)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "chat template render: "+err.Error()))
			return
		}

		tokens, err := buildPromptTokens(c.Request.Context(), f, prompt, media)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		if nCtx := f.Config().Model.NCtx; tokens.Len() >= nCtx {
			middleware.AbortWithError(c, middleware.ExceedContextSize(tokens.Len(), nCtx))
			return
		}

		gp := req.toGenParams()

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

		opts := chatParserOptions(gp, defaultFormat)

		state, err := chatparser.NewState(opts)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		rd := submitGeneration(f, genReq, state)

		if gp.Stream {
			WriteSSEStream(c, rd.AsStream(c.Request.Context(), clientGoneFunc(c)), responsesStreamFrames(req.Model, state), nil)
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

		var usage *responseUsage

		if res, ok := items[0].Payload.(scheduler.GenerateResult); ok {
			state.Feed(c.Request.Context(), res.Text)
			usage = &responseUsage{InputTokens: res.NPromptTokens, OutputTokens: res.NGenTokens, TotalTokens: res.NPromptTokens + res.NGenTokens}
		}

		msg := state.Finish()

		body := responseBody{
			ID: "resp", Object: "response", Model: req.Model, Status: "completed",
			Output: []responseOutputMessage{{Type: "message", Role: "assistant", Content: []responseOutputText{{Type: "output_text", Text: msg.Content}}}},
			Usage:  usage,
		}

		projected, err := projectFields(body, gp.ResponseFields)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		c.Data(http.StatusOK, "application/json; charset=utf-8", projected)
	}
}

// responsesStreamFrames emits the named-event SSE shape spec §6 requires
// for this dialect: "response.output_text.delta" per text diff, then a
// single "response.completed" carrying the full assembled response.
func responsesStreamFrames(model string, state *chatparser.State) FrameFunc {
	return func(item reader.Item) []Frame {
		if _, ok := item.Payload.(scheduler.GenerateResult); ok {
			msg := state.Current()

			return []Frame{{Event: "response.completed", Data: responseBody{
				ID: "resp", Object: "response", Model: model, Status: "completed",
				Output: []responseOutputMessage{{Type: "message", Role: "assistant", Content: []responseOutputText{{Type: "output_text", Text: msg.Content}}}},
			}}}
		}

		diff, ok := item.Payload.(chatparser.Diff)
		if !ok || diff.ContentDelta == "" {
			return nil
		}

		return []Frame{{Event: "response.output_text.delta", Data: gin.H{"delta": diff.ContentDelta}}}
	}
}
