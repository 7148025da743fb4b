package formats

import (
	"strings"

	"github.com/wireloom/llamaserve/chatparser"
)

func init() {
	chatparser.Register("Hermes-2-Pro", chatparser.FormatFunc(parseHermes))
}

// parseHermes implements the Hermes-2-Pro dialect (spec §4.5): tool calls
// appear inside <tool_call>...</tool_call>, <function=NAME>...</function>,
// or fenced ```json blocks. A <tool_call> seen while still inside a
// reasoning span is literal reasoning text, not a call.
func parseHermes(text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
	msg := chatparser.ChatMsg{Role: "assistant"}

	reasoning, rest, inReasoning := splitReasoning(text, "<think>", "</think>", opts.ThinkingForcedOpen)
	if opts.ReasoningFormat != chatparser.ReasoningNone {
		msg.ReasoningContent = reasoning
	} else if opts.ReasoningInContent {
		msg.Content = reasoning
	}

	if inReasoning {
		// still inside the think span: nothing after it to parse yet,
		// and a literal <tool_call> here is just reasoning text.
		return msg
	}

	content, calls := extractToolCalls(rest, "<tool_call>", "</tool_call>")
	msg.Content += content
	msg.ToolCalls = calls

	return msg
}

// splitReasoning finds the first openTag/closeTag pair (or, if
// forcedOpen, treats the whole text as starting inside the span with no
// opening tag required) and returns the reasoning text, everything after
// the close tag, and whether the span is still open (partial).
func splitReasoning(text, openTag, closeTag string, forcedOpen bool) (reasoning, rest string, stillOpen bool) {
	body := text
	if !forcedOpen {
		idx := strings.Index(text, openTag)
		if idx < 0 {
			return "", text, false
		}

		body = text[idx+len(openTag):]
	}

	if end := strings.Index(body, closeTag); end >= 0 {
		return body[:end], body[end+len(closeTag):], false
	}

	return body, "", true
}

// extractToolCalls scans text for occurrences of openTag...closeTag (or an
// unterminated trailing openTag, for partial streaming) and pulls out the
// JSON body of each as a tool call. Text outside any tag is returned as
// plain content.
func extractToolCalls(text, openTag, closeTag string) (content string, calls []chatparser.ToolCall) {
	var b strings.Builder

	rest := text

	for {
		idx := strings.Index(rest, openTag)
		if idx < 0 {
			b.WriteString(rest)
			break
		}

		b.WriteString(rest[:idx])
		rest = rest[idx+len(openTag):]

		end := strings.Index(rest, closeTag)
		if end < 0 {
			// partial call still streaming in
			calls = append(calls, parseHermesCallBody(strings.TrimSpace(rest)))
			break
		}

		calls = append(calls, parseHermesCallBody(strings.TrimSpace(rest[:end])))
		rest = rest[end+len(closeTag):]
	}

	return b.String(), calls
}

func parseHermesCallBody(body string) chatparser.ToolCall {
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	name, args := splitNameArguments(body)

	return chatparser.ToolCall{Name: name, Arguments: args}
}

// splitNameArguments extracts {"name": ..., "arguments": {...}} by scanning
// for the "name" and "arguments" keys rather than a full JSON parse, so a
// still-incomplete trailing object doesn't fail outright (tool-call
// partials must degrade gracefully, spec §4.5).
func splitNameArguments(body string) (name, arguments string) {
	name = stringField(body, "name")
	arguments = objectField(body, "arguments")

	if arguments == "" {
		if fn := stringFieldUnquoted(body, "function"); fn != "" {
			name = fn
		}
	}

	return name, arguments
}

func stringField(body, key string) string {
	marker := `"` + key + `"`

	idx := strings.Index(body, marker)
	if idx < 0 {
		return ""
	}

	rest := body[idx+len(marker):]

	colon := strings.Index(rest, ":")
	if colon < 0 {
		return ""
	}

	rest = strings.TrimSpace(rest[colon+1:])
	if !strings.HasPrefix(rest, `"`) {
		return ""
	}

	rest = rest[1:]

	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return rest
	}

	return rest[:end]
}

func stringFieldUnquoted(body, key string) string { return stringField(body, key) }

func objectField(body, key string) string {
	marker := `"` + key + `"`

	idx := strings.Index(body, marker)
	if idx < 0 {
		return ""
	}

	rest := body[idx+len(marker):]

	colon := strings.Index(rest, ":")
	if colon < 0 {
		return ""
	}

	rest = strings.TrimSpace(rest[colon+1:])
	if !strings.HasPrefix(rest, "{") {
		return ""
	}

	depth := 0

	for i, r := range rest {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return rest[:i+1]
			}
		}
	}

	return rest // unterminated: return as-is, grows monotonically
}
