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
	"github.com/wireloom/llamaserve/slot"
)

// ChatCompletionRequest is the OpenAI-compatible /chat/completions body
// (spec §6). /api/chat is routed to the same handler and answers in the
// same OpenAI shape; no Ollama-style response remap is applied.
type ChatCompletionRequest struct {
	Model    string             `json:"model"`
	Messages []ChatMessageJSON  `json:"messages"`
	SamplerParams
	Stream              bool            `json:"stream"`
	MaxTokens           int             `json:"max_tokens"`
	MaxCompletionTokens int             `json:"max_completion_tokens"`
	NPredict            int             `json:"n_predict"`
	N                 int             `json:"n"`
	NCmpl               int             `json:"n_cmpl"`
	Stop                json.RawMessage `json:"stop"`
	CachePrompt         *bool           `json:"cache_prompt"`
	Lora                []LoraEntry     `json:"lora"`
	Speculative         SpeculativeParams `json:"speculative"`
	Grammar             string          `json:"grammar"`
	JSONSchema          json.RawMessage `json:"json_schema"`
	ResponseFields      []string        `json:"response_fields"`
	ChatFormat          string          `json:"chat_format"`
	ReasoningFormat     string          `json:"reasoning_format"`
	ThinkingForcedOpen  bool            `json:"thinking_forced_open"`
	ParseToolCalls      bool            `json:"parse_tool_calls"`
	ChatParser          string          `json:"chat_parser"`
}

func parseStopField(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}

		return []string{s}
	}

	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}

	return nil
}

func (r ChatCompletionRequest) toGenParams() GenParams {
	nPredict := r.MaxTokens
	if nPredict == 0 {
		nPredict = r.MaxCompletionTokens
	}
	if nPredict == 0 {
		nPredict = r.NPredict
	}

	nCmpl := r.NCmpl
	if nCmpl == 0 {
		nCmpl = r.N
	}

	return GenParams{
		Sampler: r.SamplerParams, Stream: r.Stream, CachePrompt: r.CachePrompt,
		NPredict: nPredict, Stop: parseStopField(r.Stop), NCmpl: nCmpl, Lora: r.Lora,
		Speculative: r.Speculative,
		Grammar: r.Grammar, JSONSchema: r.JSONSchema, ResponseFields: r.ResponseFields,
		ChatFormat: r.ChatFormat, ReasoningFormat: r.ReasoningFormat,
		ThinkingForcedOpen: r.ThinkingForcedOpen, ParseToolCalls: r.ParseToolCalls, ChatParser: r.ChatParser,
	}
}

type chatToolCallJSON struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatMessageOut struct {
	Role             string             `json:"role,omitempty"`
	Content          string             `json:"content,omitempty"`
	ReasoningContent string             `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCallJSON `json:"tool_calls,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      *chatMessageOut `json:"message,omitempty"`
	Delta        *chatMessageOut `json:"delta,omitempty"`
	FinishReason *string         `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

func stopReasonName(res scheduler.GenerateResult) string {
	switch res.Stop {
	case slot.StopLimit:
		return "length"
	case slot.StopCancel:
		return "cancel"
	case slot.StopError:
		return "error"
	default:
		return "stop"
	}
}

func handleChatCompletions(f *facade.Facade, defaultFormat string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChatCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		if f.Renderer() == nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindNotSupported, http.StatusNotImplemented, "no chat template configured for this model"))
			return
		}

		gp := req.toGenParams()

		msgs, media := toChatMsgs(req.Messages)

		prompt, err := f.Renderer().Render(msgs, true)
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

		n := gp.NCmpl
		if n < 1 {
			n = 1
		}

		states := make([]*chatparser.State, n)

		for i := range states {
			st, err := chatparser.NewState(opts)
			if err != nil {
				middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
				return
			}

			states[i] = st
		}

		rd := submitGenerationN(f, genReq, n, states)

		if gp.Stream {
			WriteSSEStream(c, rd.AsStream(c.Request.Context(), clientGoneFunc(c)), chatStreamFrames(req.Model), &DoneFrame)
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

		choices := make([]chatChoice, len(items))

		for i, item := range items {
			reason := "stop"

			// Non-streaming requests never pushed partial deltas (the
			// scheduler only streams when Stream is set), so the full
			// text arrives in one shot here and needs feeding before
			// Finish reparses it.
			if res, ok := item.Payload.(scheduler.GenerateResult); ok {
				states[i].Feed(c.Request.Context(), res.Text)
				reason = stopReasonName(res)
			}

			msg := states[i].Finish()

			choices[i] = chatChoice{
				Index:        i,
				Message:      toMessageOut(msg),
				FinishReason: &reason,
			}
		}

		body := chatCompletionResponse{
			ID: "chatcmpl", Object: "chat.completion", Model: req.Model, Choices: choices,
		}

		projected, err := projectFields(body, gp.ResponseFields)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		c.Data(http.StatusOK, "application/json; charset=utf-8", projected)
	}
}

func toMessageOut(msg chatparser.ChatMsg) *chatMessageOut {
	out := &chatMessageOut{Role: msg.Role, Content: msg.Content, ReasoningContent: msg.ReasoningContent}

	for i, tc := range msg.ToolCalls {
		jc := chatToolCallJSON{Index: i, ID: tc.ID, Type: "function"}
		jc.Function.Name = tc.Name
		jc.Function.Arguments = tc.Arguments
		out.ToolCalls = append(out.ToolCalls, jc)
	}

	return out
}

// chatStreamFrames builds the per-item SSE frame for the OpenAI chat
// dialect: each diff becomes one {delta} chunk, the terminal item one more
// chunk carrying finish_reason, per spec §8 S4 (OpenAI chat event shape).
func chatStreamFrames(model string) FrameFunc {
	first := true

	return func(item reader.Item) []Frame {
		if res, ok := item.Payload.(scheduler.GenerateResult); ok {
			reason := stopReasonName(res)
			return []Frame{{Data: chatCompletionResponse{
				ID: "chatcmpl", Object: "chat.completion.chunk", Model: model,
				Choices: []chatChoice{{Index: item.Index, Delta: &chatMessageOut{}, FinishReason: &reason}},
			}}}
		}

		diff, ok := item.Payload.(chatparser.Diff)
		if !ok {
			return nil
		}

		delta := &chatMessageOut{Content: diff.ContentDelta, ReasoningContent: diff.ReasoningContentDelta}

		if first {
			delta.Role = "assistant"
			first = false
		}

		for _, td := range diff.ToolCallDeltas {
			jc := chatToolCallJSON{Index: td.Index}
			jc.Function.Name = td.NameDelta
			jc.Function.Arguments = td.ArgumentsDelta
			jc.ID = td.IDDelta
			delta.ToolCalls = append(delta.ToolCalls, jc)
		}

		return []Frame{{Data: chatCompletionResponse{
			ID: "chatcmpl", Object: "chat.completion.chunk", Model: model,
			Choices: []chatChoice{{Index: item.Index, Delta: delta, FinishReason: nil}},
		}}}
	}
}
