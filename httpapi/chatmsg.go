package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/wireloom/llamaserve/chatparser"
	"github.com/wireloom/llamaserve/mtmd"
)

// ChatMessageJSON is the wire shape of one messages[] element, covering
// both the plain-string-content and the multipart (text + image_url)
// content forms OpenAI-compatible clients send.
type ChatMessageJSON struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// textAndMedia extracts the flattened text content and any embedded data-
// URI media inputs from one message's content field, which may be a bare
// JSON string or an array of {type, text|image_url} parts.
func textAndMedia(raw json.RawMessage) (string, []mtmd.Input) {
	if len(raw) == 0 {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil
	}

	var (
		sb    strings.Builder
		media []mtmd.Input
	)

	for _, p := range parts {
		switch p.Type {
		case "text":
			sb.WriteString(p.Text)
		case "image_url":
			if in, ok := decodeDataURI(p.ImageURL.URL); ok {
				media = append(media, in)
			}
		}
	}

	return sb.String(), media
}

// decodeDataURI parses a "data:<mime>;base64,<payload>" URL, the only
// inline media form this server accepts — remote image_url fetches are not
// supported, matching the offline nature of the rest of this server.
func decodeDataURI(uri string) (mtmd.Input, bool) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return mtmd.Input{}, false
	}

	rest := uri[len(prefix):]

	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return mtmd.Input{}, false
	}

	meta, payload := rest[:comma], rest[comma+1:]

	mimeType, _, _ := strings.Cut(meta, ";")

	if !strings.HasSuffix(meta, ";base64") {
		return mtmd.Input{}, false
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return mtmd.Input{}, false
	}

	return mtmd.Input{MimeType: mimeType, Data: data}, true
}

// toChatMsgs converts wire messages into chatparser.ChatMsg (the shape
// TemplateRenderer consumes) and collects every embedded media input in
// message order.
func toChatMsgs(msgs []ChatMessageJSON) ([]chatparser.ChatMsg, []mtmd.Input) {
	out := make([]chatparser.ChatMsg, 0, len(msgs))

	var media []mtmd.Input

	for _, m := range msgs {
		text, mm := textAndMedia(m.Content)
		media = append(media, mm...)

		cm := chatparser.ChatMsg{Role: m.Role, Content: text}

		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, chatparser.ToolCall{
				ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
			})
		}

		out = append(out, cm)
	}

	return out, media
}
