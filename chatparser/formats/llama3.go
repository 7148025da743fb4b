package formats

import (
	"strings"

	"github.com/wireloom/llamaserve/chatparser"
)

func init() {
	chatparser.Register("Llama-3.x", chatparser.FormatFunc(parseLlama3))
}

// parseLlama3 implements Meta's Llama-3.x tool-calling convention: a
// built-in call is the entire message body as a bare JSON object
// ({"name":..., "parameters":...}), optionally prefixed by the
// <|python_tag|> token for the "ipython" built-in-tools channel. Anything
// that isn't a JSON object at the very start of the message is plain
// content — Llama-3.x has no interleaved reasoning span.
func parseLlama3(text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
	msg := chatparser.ChatMsg{Role: "assistant"}

	body := strings.TrimPrefix(text, "<|python_tag|>")
	trimmed := strings.TrimSpace(body)

	if !strings.HasPrefix(trimmed, "{") {
		msg.Content = text
		return msg
	}

	name := stringField(trimmed, "name")
	if name == "" {
		msg.Content = text
		return msg
	}

	args := objectField(trimmed, "parameters")
	if args == "" {
		args = objectField(trimmed, "arguments")
	}

	msg.ToolCalls = []chatparser.ToolCall{{Name: name, Arguments: args}}

	return msg
}
