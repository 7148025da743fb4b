package formats

import (
	"strings"

	"github.com/wireloom/llamaserve/chatparser"
)

func init() {
	chatparser.Register("DeepSeek-R1", chatparser.FormatFunc(parseDeepSeekR1))
	chatparser.Register("DeepSeek-V3.1", chatparser.FormatFunc(parseDeepSeekV3))
}

const (
	deepseekToolCallsBegin = "<｜tool_calls_begin｜>"
	deepseekToolCallsEnd   = "<|tool_calls_end|>"
	deepseekToolCallEnd    = "<｜tool_call_end｜>"
	deepseekToolSep        = "<｜tool_sep｜>"
)

// parseDeepSeekR1 implements the DeepSeek-R1 dialect (spec §4.5): reasoning
// is delimited by <think>...</think> (often forced-open since the chat
// template already emits the opening tag), followed by tool calls wrapped
// in <｜tool_calls_begin｜>...function<｜tool_sep｜>NAME\n```json\nARGS```
// <｜tool_call_end｜>...<|tool_calls_end|>. Missing close tokens degrade to
// "still streaming" rather than an error.
func parseDeepSeekR1(text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
	msg := chatparser.ChatMsg{Role: "assistant"}

	reasoning, rest, inReasoning := splitReasoning(text, "<think>", "</think>", opts.ThinkingForcedOpen)
	if opts.ReasoningFormat != chatparser.ReasoningNone {
		msg.ReasoningContent = reasoning
	} else if opts.ReasoningInContent {
		msg.Content = reasoning
	}

	if inReasoning {
		return msg
	}

	content, calls := extractDeepSeekToolCalls(rest)
	msg.Content += content
	msg.ToolCalls = calls

	return msg
}

// parseDeepSeekV3 shares R1's parser unchanged: the same <think> handling
// (including opts.ThinkingForcedOpen) and the same tool-call framing.
func parseDeepSeekV3(text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
	return parseDeepSeekR1(text, partial, opts)
}

func extractDeepSeekToolCalls(text string) (content string, calls []chatparser.ToolCall) {
	idx := strings.Index(text, deepseekToolCallsBegin)
	if idx < 0 {
		return text, nil
	}

	content = text[:idx]
	rest := text[idx+len(deepseekToolCallsBegin):]

	rest = strings.TrimSuffix(rest, deepseekToolCallsEnd)

	for {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}

		sepIdx := strings.Index(rest, deepseekToolSep)
		if sepIdx < 0 {
			break
		}

		rest = rest[sepIdx+len(deepseekToolSep):]

		endIdx := strings.Index(rest, deepseekToolCallEnd)

		var body string
		if endIdx < 0 {
			body = rest
			rest = ""
		} else {
			body = rest[:endIdx]
			rest = rest[endIdx+len(deepseekToolCallEnd):]
		}

		calls = append(calls, parseDeepSeekCallBody(body))

		if endIdx < 0 {
			break
		}
	}

	return content, calls
}

func parseDeepSeekCallBody(body string) chatparser.ToolCall {
	nameEnd := strings.IndexByte(body, '\n')

	var name, rest string
	if nameEnd < 0 {
		name = strings.TrimSpace(body)
	} else {
		name = strings.TrimSpace(body[:nameEnd])
		rest = body[nameEnd+1:]
	}

	rest = strings.TrimPrefix(strings.TrimSpace(rest), "```json")
	rest = strings.TrimSuffix(rest, "```")

	return chatparser.ToolCall{Name: name, Arguments: strings.TrimSpace(rest)}
}
