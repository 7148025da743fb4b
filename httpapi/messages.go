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

// MessagesRequest is the Anthropic /v1/messages body: system is a
// top-level field rather than a messages[] turn, and max_tokens is
// mandatory in the real API but left optional here, defaulting like
// every other dialect's n_predict.
type MessagesRequest struct {
	Model     string            `json:"model"`
	System    json.RawMessage   `json:"system"`
	Messages  []ChatMessageJSON `json:"messages"`
	Stream    bool              `json:"stream"`
	MaxTokens int               `json:"max_tokens"`
	SamplerParams
	Stop           []string    `json:"stop_sequences"`
	Lora           []LoraEntry `json:"lora"`
	ResponseFields []string    `json:"response_fields"`
	ChatFormat     string      `json:"chat_format"`
}

func (r MessagesRequest) toGenParams() GenParams {
	return GenParams{
		Sampler: r.SamplerParams, Stream: r.Stream, NPredict: r.MaxTokens,
		Stop: r.Stop, Lora: r.Lora, ResponseFields: r.ResponseFields,
		ChatFormat: r.ChatFormat, ParseToolCalls: false,
	}
}

// systemMessage turns the system field (a bare string or an array of
// {type: "text", text} blocks, both accepted by the real API) into a
// leading system-role ChatMessageJSON, if present.
func (r MessagesRequest) systemMessage() (ChatMessageJSON, bool) {
	if len(r.System) == 0 {
		return ChatMessageJSON{}, false
	}

	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		b, _ := json.Marshal(s)
		return ChatMessageJSON{Role: "system", Content: b}, true
	}

	var parts []contentPart
	if err := json.Unmarshal(r.System, &parts); err == nil {
		text := ""
		for _, p := range parts {
			text += p.Text
		}

		b, _ := json.Marshal(text)

		return ChatMessageJSON{Role: "system", Content: b}, true
	}

	return ChatMessageJSON{}, false
}

type messageContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

type messagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesBody struct {
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	Role       string                `json:"role"`
	Model      string                `json:"model"`
	Content    []messageContentBlock `json:"content"`
	StopReason string                `json:"stop_reason"`
	Usage      messagesUsage         `json:"usage"`
}

func anthropicStopReason(res scheduler.GenerateResult) string {
	switch res.Stop {
	case slot.StopLimit:
		return "max_tokens"
	case slot.StopWord:
		return "stop_sequence"
	case slot.StopCancel:
		return "cancel"
	case slot.StopError:
		return "error"
	default:
		return "end_turn"
	}
}

func toContentBlocks(msg chatparser.ChatMsg) []messageContentBlock {
	var blocks []messageContentBlock

	if msg.Content != "" {
		blocks = append(blocks, messageContentBlock{Type: "text", Text: msg.Content})
	}

	for _, tc := range msg.ToolCalls {
		var input any

		_ = json.Unmarshal([]byte(tc.Arguments), &input)

		blocks = append(blocks, messageContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
	}

	return blocks
}

// handleMessages implements POST /v1/messages.
func handleMessages(f *facade.Facade, defaultFormat string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MessagesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		if f.Renderer() == nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindNotSupported, http.StatusNotImplemented, "no chat template configured for this model"))
			return
		}

		msgs := req.Messages
		if sys, ok := req.systemMessage(); ok {
			msgs = append([]ChatMessageJSON{sys}, msgs...)
		}

		gp := req.toGenParams()

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
			WriteSSEStream(c, rd.AsStream(c.Request.Context(), clientGoneFunc(c)), messagesStreamFrames(req.Model, state), &Frame{Event: "message_stop", Data: gin.H{"type": "message_stop"}})
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

		reason := "end_turn"
		usage := messagesUsage{}

		if res, ok := items[0].Payload.(scheduler.GenerateResult); ok {
			state.Feed(c.Request.Context(), res.Text)
			reason = anthropicStopReason(res)
			usage = messagesUsage{InputTokens: res.NPromptTokens, OutputTokens: res.NGenTokens}
		}

		msg := state.Finish()

		body := messagesBody{
			ID: "msg", Type: "message", Role: "assistant", Model: req.Model,
			Content: toContentBlocks(msg), StopReason: reason, Usage: usage,
		}

		projected, err := projectFields(body, gp.ResponseFields)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		c.Data(http.StatusOK, "application/json; charset=utf-8", projected)
	}
}

// messagesStreamFrames emits the Anthropic event sequence: message_start and
// content_block_start ahead of the first text diff, a content_block delta
// per text diff, then content_block_stop and a message_delta carrying
// stop_reason once generation ends. message_stop is not produced here: the
// handler passes it to WriteSSEStream as the done frame.
func messagesStreamFrames(model string, state *chatparser.State) FrameFunc {
	first := true

	return func(item reader.Item) []Frame {
		if res, ok := item.Payload.(scheduler.GenerateResult); ok {
			return []Frame{
				{Event: "content_block_stop", Data: gin.H{"type": "content_block_stop", "index": 0}},
				{Event: "message_delta", Data: gin.H{
					"type":  "message_delta",
					"delta": gin.H{"stop_reason": anthropicStopReason(res)},
					"usage": messagesUsage{InputTokens: res.NPromptTokens, OutputTokens: res.NGenTokens},
				}},
			}
		}

		diff, ok := item.Payload.(chatparser.Diff)
		if !ok || diff.ContentDelta == "" {
			return nil
		}

		var frames []Frame

		if first {
			frames = append(frames, Frame{Event: "message_start", Data: gin.H{
				"type": "message_start",
				"message": messagesBody{
					ID: "msg", Type: "message", Role: "assistant", Model: model,
				},
			}}, Frame{Event: "content_block_start", Data: gin.H{
				"type": "content_block_start", "index": 0,
				"content_block": messageContentBlock{Type: "text", Text: ""},
			}})

			first = false
		}

		frames = append(frames, Frame{Event: "content_block_delta", Data: gin.H{
			"type": "content_block_delta", "index": 0,
			"delta": gin.H{"type": "text_delta", "text": diff.ContentDelta},
		}})

		return frames
	}
}

// handleCountTokens implements POST /v1/messages/count_tokens: renders the
// same chat-template prompt /v1/messages would send and reports its token
// count, without submitting any generation.
func handleCountTokens(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MessagesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		if f.Renderer() == nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindNotSupported, http.StatusNotImplemented, "no chat template configured for this model"))
			return
		}

		msgs := req.Messages
		if sys, ok := req.systemMessage(); ok {
			msgs = append([]ChatMessageJSON{sys}, msgs...)
		}

		chatMsgs, _ := toChatMsgs(msgs)

		prompt, err := f.Renderer().Render(chatMsgs, true)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "chat template render: "+err.Error()))
			return
		}

		ids, err := f.Backend().Tokenize(prompt, true, true)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		c.JSON(http.StatusOK, gin.H{"input_tokens": len(ids)})
	}
}
