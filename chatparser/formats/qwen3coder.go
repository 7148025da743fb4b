package formats

import (
	"strconv"
	"strings"

	"github.com/wireloom/llamaserve/chatparser"
)

func init() {
	chatparser.Register("Qwen3-Coder", chatparser.FormatFunc(parseQwen3Coder))
}

// parseQwen3Coder implements the Qwen3-Coder XML tool-call dialect (spec
// §4.5): <tool_call><function=NAME><parameter=KEY>VALUE</parameter>...
// </function></tool_call>. Parameter values are coerced to JSON
// number/bool/null when they parse as such, else kept as a JSON string,
// and assembled into a single JSON object for ToolCall.Arguments.
func parseQwen3Coder(text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
	msg := chatparser.ChatMsg{Role: "assistant"}

	var b strings.Builder

	rest := text

	for {
		idx := strings.Index(rest, "<tool_call>")
		if idx < 0 {
			b.WriteString(rest)
			break
		}

		b.WriteString(rest[:idx])
		rest = rest[idx+len("<tool_call>"):]

		end := strings.Index(rest, "</tool_call>")

		var body string
		if end < 0 {
			body = rest
			rest = ""
		} else {
			body = rest[:end]
			rest = rest[end+len("</tool_call>"):]
		}

		msg.ToolCalls = append(msg.ToolCalls, parseQwen3Call(body))

		if end < 0 {
			break
		}
	}

	msg.Content = b.String()

	return msg
}

func parseQwen3Call(body string) chatparser.ToolCall {
	name := xmlAttr(body, "function")

	afterFn := body
	if i := strings.Index(body, "<function="); i >= 0 {
		if close := strings.IndexByte(body[i:], '>'); close >= 0 {
			afterFn = body[i+close+1:]
		}
	}

	var params strings.Builder

	params.WriteByte('{')

	first := true
	rest := afterFn

	for {
		idx := strings.Index(rest, "<parameter=")
		if idx < 0 {
			break
		}

		rest = rest[idx+len("<parameter="):]

		close := strings.IndexByte(rest, '>')
		if close < 0 {
			break
		}

		key := rest[:close]
		rest = rest[close+1:]

		end := strings.Index(rest, "</parameter>")

		var val string
		if end < 0 {
			val = rest
			rest = ""
		} else {
			val = rest[:end]
			rest = rest[end+len("</parameter>"):]
		}

		val = strings.TrimSpace(val)

		if !first {
			params.WriteByte(',')
		}

		first = false

		params.WriteString(strconv.Quote(key))
		params.WriteByte(':')
		params.WriteString(coerceJSONValue(val))

		if end < 0 {
			break
		}
	}

	params.WriteByte('}')

	return chatparser.ToolCall{Name: name, Arguments: params.String()}
}

func xmlAttr(body, tag string) string {
	marker := "<" + tag + "="
	idx := strings.Index(body, marker)
	if idx < 0 {
		return ""
	}

	rest := body[idx+len(marker):]

	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return rest
	}

	return rest[:end]
}

func coerceJSONValue(v string) string {
	switch v {
	case "true", "false", "null":
		return v
	}

	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return v
	}

	return strconv.Quote(v)
}
